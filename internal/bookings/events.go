package bookings

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/imrishuroy/go-booking-dispatch/internal/table"
)

type eventItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	Event
}

// AppendEvent writes an audit entry. Callers treat failures as non-fatal.
func (s *Store) AppendEvent(ctx context.Context, bookingID, name string, detail map[string]string) error {
	at := s.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(eventItem{
		PK: table.BookingPK(bookingID),
		// the ulid suffix keeps same-instant events with the same name distinct
		SK: skEventPrefix + table.SortableTime(at) + "#" + name + "#" + ulid.Make().String(),
		Event: Event{
			BookingID: bookingID,
			Name:      name,
			At:        at,
			Detail:    detail,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail of a booking in time order.
func (s *Store) ListEvents(ctx context.Context, bookingID string) ([]Event, error) {
	items, err := s.queryAll(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: awsString("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: table.BookingPK(bookingID)},
			":prefix": &types.AttributeValueMemberS{Value: skEventPrefix},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	out := make([]Event, 0, len(items))
	for _, item := range items {
		var it eventItem
		if err := attributevalue.UnmarshalMap(item, &it); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, it.Event)
	}
	return out, nil
}

// SetClock overrides the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.nowFunc = now
}
