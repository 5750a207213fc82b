package providers

import "time"

// Provider is a service provider as seen by dispatch and acceptance. The core treats it as read-only.
type Provider struct {
	ID         string     `dynamodbav:"provider_id" json:"id"`
	Name       string     `dynamodbav:"name" json:"name"`
	Area       string     `dynamodbav:"area" json:"area"`
	Active     bool       `dynamodbav:"active" json:"active"`
	ClaimedAt  *time.Time `dynamodbav:"claimed_at,omitempty" json:"claimed_at,omitempty"`
	Phone      string     `dynamodbav:"phone" json:"phone"`
	PhoneValid bool       `dynamodbav:"phone_valid" json:"phone_valid"`
	// Rank orders candidates within an area; lower is contacted first.
	Rank int `dynamodbav:"rank" json:"rank"`
}

// Claimed reports whether the provider has claimed their listing.
func (p Provider) Claimed() bool {
	return p.ClaimedAt != nil && !p.ClaimedAt.IsZero()
}

// Eligible is evaluated fresh for every wave.
func (p Provider) Eligible() bool {
	return p.Active && p.Claimed() && p.PhoneValid && p.Phone != ""
}
