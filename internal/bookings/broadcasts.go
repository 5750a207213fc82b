package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-booking-dispatch/internal/table"
)

// ErrNotFound is returned by lookups that resolve a reference to a record.
var ErrNotFound = errors.New("not found")

type broadcastItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI4PK string `dynamodbav:"gsi4pk"`
	GSI4SK string `dynamodbav:"gsi4sk"`
	Broadcast
}

// ReserveBroadcast records a PENDING broadcast for (booking, provider) before the message is sent.
// ErrConditionFailed means the provider was already notified for this booking, in any wave.
func (s *Store) ReserveBroadcast(ctx context.Context, b Broadcast) error {
	if b.SentAt.IsZero() {
		b.SentAt = s.nowFunc()
	}
	b.SentAt = b.SentAt.UTC()
	b.DeliveryStatus = DeliveryPending
	item, err := attributevalue.MarshalMap(broadcastItem{
		PK:        table.BookingPK(b.BookingID),
		SK:        skBroadcastPrefix + b.ProviderID,
		GSI4PK:    table.ProviderPK(b.ProviderID),
		GSI4SK:    table.SortableTime(b.SentAt) + "#" + b.BookingID,
		Broadcast: b,
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("reserve broadcast: %w", err)
	}
	return nil
}

// CompleteBroadcast finalises a reserved broadcast with its delivery outcome. It only moves
// out of PENDING, so a replayed completion cannot overwrite the first outcome.
func (s *Store) CompleteBroadcast(ctx context.Context, bookingID, providerID string, status DeliveryStatus, messageID, errMsg string) error {
	sets := []string{"delivery_status = :ds"}
	values := map[string]types.AttributeValue{
		":ds":      &types.AttributeValueMemberS{Value: string(status)},
		":pending": &types.AttributeValueMemberS{Value: string(DeliveryPending)},
	}
	if messageID != "" {
		sets = append(sets, "message_id = :mid")
		values[":mid"] = &types.AttributeValueMemberS{Value: messageID}
	}
	if errMsg != "" {
		sets = append(sets, "#err = :err")
		values[":err"] = &types.AttributeValueMemberS{Value: errMsg}
	}
	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       table.Key(table.BookingPK(bookingID), skBroadcastPrefix+providerID),
		UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       awsString("delivery_status = :pending"),
		ExpressionAttributeValues: values,
	}
	if errMsg != "" {
		input.ExpressionAttributeNames = map[string]string{"#err": "error"}
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("complete broadcast: %w", err)
	}
	return nil
}

// GetBroadcast returns the broadcast to providerID for bookingID, or (nil, nil).
func (s *Store) GetBroadcast(ctx context.Context, bookingID, providerID string) (*Broadcast, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            table.Key(table.BookingPK(bookingID), skBroadcastPrefix+providerID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it broadcastItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal broadcast: %w", err)
	}
	return &it.Broadcast, nil
}

// ListBroadcasts returns every broadcast for a booking across all waves.
func (s *Store) ListBroadcasts(ctx context.Context, bookingID string) ([]Broadcast, error) {
	items, err := s.queryAll(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: awsString("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: table.BookingPK(bookingID)},
			":prefix": &types.AttributeValueMemberS{Value: skBroadcastPrefix},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query broadcasts: %w", err)
	}
	out := make([]Broadcast, 0, len(items))
	for _, item := range items {
		var it broadcastItem
		if err := attributevalue.UnmarshalMap(item, &it); err != nil {
			return nil, fmt.Errorf("unmarshal broadcast: %w", err)
		}
		out = append(out, it.Broadcast)
	}
	return out, nil
}

// ListProviderBroadcasts returns broadcasts sent to providerID at or after since, newest first.
func (s *Store) ListProviderBroadcasts(ctx context.Context, providerID string, since time.Time) ([]Broadcast, error) {
	items, err := s.queryAll(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(table.IndexProviderBroadcast),
		KeyConditionExpression: awsString("gsi4pk = :pk AND gsi4sk >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: table.ProviderPK(providerID)},
			":since": &types.AttributeValueMemberS{Value: table.SortableTime(since)},
		},
		ScanIndexForward: awsBool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("query provider broadcasts: %w", err)
	}
	out := make([]Broadcast, 0, len(items))
	for _, item := range items {
		var it broadcastItem
		if err := attributevalue.UnmarshalMap(item, &it); err != nil {
			return nil, fmt.Errorf("unmarshal broadcast: %w", err)
		}
		out = append(out, it.Broadcast)
	}
	return out, nil
}

type acceptCodeItem struct {
	PK        string    `dynamodbav:"pk"`
	SK        string    `dynamodbav:"sk"`
	BookingID string    `dynamodbav:"booking_id"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

// ClaimAcceptCode persists code on the booking together with its reverse lookup, once.
// ErrAcceptCodeTaken: another booking owns the code. ErrConditionFailed: the booking already has a code.
func (s *Store) ClaimAcceptCode(ctx context.Context, bookingID, code string) error {
	item, err := attributevalue.MarshalMap(acceptCodeItem{
		PK:        table.AcceptCodePK(code),
		SK:        skMeta,
		BookingID: bookingID,
		CreatedAt: s.nowFunc().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal accept code: %w", err)
	}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                item,
					ConditionExpression: awsString("attribute_not_exists(pk)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           &s.tableName,
					Key:                 table.Key(table.BookingPK(bookingID), skMeta),
					UpdateExpression:    awsString("SET accept_code = :code"),
					ConditionExpression: awsString("attribute_exists(pk) AND attribute_not_exists(accept_code)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":code": &types.AttributeValueMemberS{Value: code},
					},
				},
			},
		},
	})
	if err != nil {
		codes := cancellationCodes(err)
		switch {
		case conditionFailedAt(codes, 1):
			return ErrConditionFailed
		case conditionFailedAt(codes, 0):
			return ErrAcceptCodeTaken
		}
		return fmt.Errorf("claim accept code: %w", err)
	}
	return nil
}

// ResolveAcceptCode maps a code to its booking id. ErrNotFound for unknown codes.
func (s *Store) ResolveAcceptCode(ctx context.Context, code string) (string, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       table.Key(table.AcceptCodePK(code), skMeta),
	})
	if err != nil {
		return "", fmt.Errorf("get accept code: %w", err)
	}
	if len(out.Item) == 0 {
		return "", ErrNotFound
	}
	var it acceptCodeItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return "", fmt.Errorf("unmarshal accept code: %w", err)
	}
	return it.BookingID, nil
}

func (s *Store) queryAll(ctx context.Context, in *dyn.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func awsToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
