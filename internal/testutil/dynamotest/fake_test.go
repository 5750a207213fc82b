package dynamotest

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func newTable(t *testing.T) *Fake {
	t.Helper()
	f := New()
	f.MustCreateTable(&dyn.CreateTableInput{
		TableName: aws.String("t"),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String("idx"),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("gpk"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("gsk"), KeyType: types.KeyTypeRange},
			},
		}},
	})
	return f
}

func TestEvalCondition(t *testing.T) {
	item := map[string]types.AttributeValue{
		"status":   s("PENDING_ASSIGNMENT"),
		"deadline": n("100"),
	}
	names := map[string]string{"#s": "status"}
	values := map[string]types.AttributeValue{
		":from":    s("PENDING_ASSIGNMENT"),
		":now":     n("99"),
		":late":    n("100"),
		":pending": s("PENDING"),
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"#s = :from", true},
		{"#s = :from AND attribute_not_exists(assigned)", true},
		{"#s = :from AND attribute_exists(assigned)", false},
		{"#s = :from AND deadline > :now", true},
		{"#s = :from AND deadline > :late", false},
		{"(#s = :pending OR refund = :pending) AND attribute_not_exists(refund_id)", false},
		{"(attribute_not_exists(refund) OR refund <> :pending)", true},
		{"NOT attribute_exists(x)", true},
		{"begins_with(#s, :pending)", true},
	}
	for _, tc := range cases {
		got, err := evalCondition(tc.expr, names, values, item)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.expr, got, tc.want)
		}
	}
}

func TestUpdateItem_ConditionalAndRemove(t *testing.T) {
	f := newTable(t)
	ctx := context.Background()
	_, err := f.PutItem(ctx, &dyn.PutItemInput{
		TableName: aws.String("t"),
		Item:      map[string]types.AttributeValue{"pk": s("a"), "sk": s("1"), "status": s("OLD"), "tmp": s("x")},
	})
	if err != nil {
		t.Fatal(err)
	}

	in := &dyn.UpdateItemInput{
		TableName:                 aws.String("t"),
		Key:                       map[string]types.AttributeValue{"pk": s("a"), "sk": s("1")},
		UpdateExpression:          aws.String("SET #s = :new REMOVE tmp"),
		ConditionExpression:       aws.String("#s = :old"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":new": s("NEW"), ":old": s("OLD")},
		ReturnValues:              types.ReturnValueAllNew,
	}
	out, err := f.UpdateItem(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Attributes["status"].(*types.AttributeValueMemberS).Value != "NEW" {
		t.Fatalf("status not updated")
	}
	if _, ok := out.Attributes["tmp"]; ok {
		t.Fatalf("tmp not removed")
	}

	_, err = f.UpdateItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		t.Fatalf("expected conditional failure, got %v", err)
	}
}

func TestQuery_IndexOrderAndPagination(t *testing.T) {
	f := newTable(t)
	ctx := context.Background()
	for _, r := range []string{"3", "1", "2"} {
		_, err := f.PutItem(ctx, &dyn.PutItemInput{
			TableName: aws.String("t"),
			Item:      map[string]types.AttributeValue{"pk": s("p" + r), "sk": s("META"), "gpk": s("G"), "gsk": s(r)},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// not in the sparse index
	_, _ = f.PutItem(ctx, &dyn.PutItemInput{TableName: aws.String("t"), Item: map[string]types.AttributeValue{"pk": s("x"), "sk": s("META")}})

	in := &dyn.QueryInput{
		TableName:                 aws.String("t"),
		IndexName:                 aws.String("idx"),
		KeyConditionExpression:    aws.String("gpk = :g"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":g": s("G")},
		Limit:                     aws.Int32(2),
	}
	out, err := f.Query(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 2 || scalar(out.Items[0]["gsk"]) != "1" || scalar(out.Items[1]["gsk"]) != "2" {
		t.Fatalf("unexpected first page: %+v", out.Items)
	}
	if out.LastEvaluatedKey == nil {
		t.Fatalf("expected pagination key")
	}
	in.ExclusiveStartKey = out.LastEvaluatedKey
	out, err = f.Query(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 1 || scalar(out.Items[0]["gsk"]) != "3" || out.LastEvaluatedKey != nil {
		t.Fatalf("unexpected second page: %+v", out.Items)
	}
}

func TestTransactWriteItems_AllOrNothing(t *testing.T) {
	f := newTable(t)
	ctx := context.Background()
	_, _ = f.PutItem(ctx, &dyn.PutItemInput{TableName: aws.String("t"), Item: map[string]types.AttributeValue{"pk": s("taken"), "sk": s("META")}})

	_, err := f.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String("t"), Item: map[string]types.AttributeValue{"pk": s("new"), "sk": s("META")}, ConditionExpression: aws.String("attribute_not_exists(pk)")}},
		{Put: &types.Put{TableName: aws.String("t"), Item: map[string]types.AttributeValue{"pk": s("taken"), "sk": s("META")}, ConditionExpression: aws.String("attribute_not_exists(pk)")}},
	}})
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if f.Item("t", map[string]types.AttributeValue{"pk": s("new"), "sk": s("META")}) != nil {
		t.Fatalf("partial write applied")
	}
}
