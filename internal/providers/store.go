package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	awsclient "github.com/imrishuroy/go-booking-dispatch/internal/aws"
	"github.com/imrishuroy/go-booking-dispatch/internal/table"
)

const (
	skMeta  = "META"
	skPhone = "PROVIDER"
)

// ErrPhoneInUse means another provider already owns the phone number.
var ErrPhoneInUse = errors.New("phone number registered to another provider")

// Store is the provider directory: ranked by area, resolvable by phone.
type Store struct {
	client    awsclient.DynamoDBAPI
	tableName string
}

func NewStore(client awsclient.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

type providerItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI2PK string `dynamodbav:"gsi2pk"`
	GSI2SK string `dynamodbav:"gsi2sk"`
	Provider
}

type phoneItem struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	ProviderID string `dynamodbav:"provider_id"`
}

// Put writes the provider and its phone reverse lookup in one transaction.
// It is used by onboarding and the seed tool, never by the booking lifecycle.
func (s *Store) Put(ctx context.Context, p Provider) error {
	item, err := attributevalue.MarshalMap(providerItem{
		PK:       table.ProviderPK(p.ID),
		SK:       skMeta,
		GSI2PK:   table.AreaPK(p.Area),
		GSI2SK:   table.RankSK(p.Rank, p.ID),
		Provider: p,
	})
	if err != nil {
		return fmt.Errorf("marshal provider: %w", err)
	}
	phone, err := attributevalue.MarshalMap(phoneItem{
		PK:         table.PhonePK(p.Phone),
		SK:         skPhone,
		ProviderID: p.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal phone: %w", err)
	}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.tableName), Item: item}},
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                phone,
				ConditionExpression: aws.String("attribute_not_exists(pk) OR provider_id = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": &types.AttributeValueMemberS{Value: p.ID},
				},
			}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return ErrPhoneInUse
		}
		return fmt.Errorf("put provider: %w", err)
	}
	return nil
}

// Get returns the provider or (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*Provider, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       table.Key(table.ProviderPK(id), skMeta),
	})
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it providerItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal provider: %w", err)
	}
	return &it.Provider, nil
}

// GetByPhone resolves an inbound sender. Unknown numbers return (nil, nil).
func (s *Store) GetByPhone(ctx context.Context, phone string) (*Provider, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       table.Key(table.PhonePK(phone), skPhone),
	})
	if err != nil {
		return nil, fmt.Errorf("get phone: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var ph phoneItem
	if err := attributevalue.UnmarshalMap(out.Item, &ph); err != nil {
		return nil, fmt.Errorf("unmarshal phone: %w", err)
	}
	return s.Get(ctx, ph.ProviderID)
}

// RankedInArea returns every provider in area, best rank first, ties broken by id.
// Eligibility is left to the caller so it is evaluated at the time of use.
func (s *Store) RankedInArea(ctx context.Context, area string) ([]Provider, error) {
	var (
		result   []Provider
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(table.IndexAreaRank),
			KeyConditionExpression: aws.String("gsi2pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: table.AreaPK(area)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query area rank: %w", err)
		}
		for _, item := range out.Items {
			var it providerItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				return nil, fmt.Errorf("unmarshal provider: %w", err)
			}
			result = append(result, it.Provider)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	// the index already sorts; re-sort so negative ranks clamped by RankSK keep a stable order
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Rank != result[j].Rank {
			return result[i].Rank < result[j].Rank
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
