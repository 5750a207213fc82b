// Package table describes the single DynamoDB table shared by bookings and providers.
package table

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Primary key attributes.
const (
	PK = "pk"
	SK = "sk"
)

// Secondary indexes. Index key attributes are only written on the items that belong to the index.
const (
	IndexAreaStatus        = "area-status-index"
	IndexAreaRank          = "area-rank-index"
	IndexPaymentSession    = "payment-session-index"
	IndexProviderBroadcast = "provider-broadcast-index"
)

// Index names one GSI and its key attributes.
type Index struct {
	Name     string
	HashKey  string
	RangeKey string
}

var Indexes = []Index{
	{Name: IndexAreaStatus, HashKey: "gsi1pk", RangeKey: "gsi1sk"},
	{Name: IndexAreaRank, HashKey: "gsi2pk", RangeKey: "gsi2sk"},
	{Name: IndexPaymentSession, HashKey: "gsi3pk", RangeKey: "gsi3sk"},
	{Name: IndexProviderBroadcast, HashKey: "gsi4pk", RangeKey: "gsi4sk"},
}

// SortableTimeLayout is fixed width so lexicographic order equals time order.
const SortableTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SortableTime formats t for use inside sort keys.
func SortableTime(t time.Time) string {
	return t.UTC().Format(SortableTimeLayout)
}

func BookingPK(id string) string        { return "BOOKING#" + id }
func ProviderPK(id string) string       { return "PROVIDER#" + id }
func PhonePK(phone string) string       { return "PHONE#" + phone }
func AcceptCodePK(code string) string   { return "ACCEPTCODE#" + code }
func AreaPK(area string) string         { return "AREA#" + area }
func SessionPK(sessionID string) string { return "SESSION#" + sessionID }

// AreaStatusPK is the gsi1 partition for a booking in area with status.
func AreaStatusPK(area, status string) string {
	return fmt.Sprintf("AREA#%s#STATUS#%s", area, status)
}

// RankSK orders providers by ascending rank, ties broken by id.
func RankSK(rank int, providerID string) string {
	if rank < 0 {
		rank = 0
	}
	return fmt.Sprintf("%010d#%s", rank, providerID)
}

// Key builds a primary key map.
func Key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		PK: &types.AttributeValueMemberS{Value: pk},
		SK: &types.AttributeValueMemberS{Value: sk},
	}
}

// CreateTableInput returns the on-demand table definition, used by the seed tool against
// DynamoDB local and by the in-memory fake in tests.
func CreateTableInput(name string) *dyn.CreateTableInput {
	attrs := []types.AttributeDefinition{
		{AttributeName: aws.String(PK), AttributeType: types.ScalarAttributeTypeS},
		{AttributeName: aws.String(SK), AttributeType: types.ScalarAttributeTypeS},
	}
	gsis := make([]types.GlobalSecondaryIndex, 0, len(Indexes))
	for _, idx := range Indexes {
		attrs = append(attrs,
			types.AttributeDefinition{AttributeName: aws.String(idx.HashKey), AttributeType: types.ScalarAttributeTypeS},
			types.AttributeDefinition{AttributeName: aws.String(idx.RangeKey), AttributeType: types.ScalarAttributeTypeS},
		)
		gsis = append(gsis, types.GlobalSecondaryIndex{
			IndexName: aws.String(idx.Name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(idx.HashKey), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(idx.RangeKey), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		})
	}
	return &dyn.CreateTableInput{
		TableName:            aws.String(name),
		AttributeDefinitions: attrs,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(PK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(SK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: gsis,
		BillingMode:            types.BillingModePayPerRequest,
	}
}
