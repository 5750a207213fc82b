// Package dynamotest provides an in-memory DynamoDB used by package tests. It evaluates the
// condition, update, key and filter expressions the stores issue, so compare-and-swap races
// behave as they would against the real service.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type keySchema struct {
	hash, rng string
}

type table struct {
	key     keySchema
	indexes map[string]keySchema
	items   map[string]map[string]types.AttributeValue
}

// Fake implements aws.DynamoDBAPI.
type Fake struct {
	mu       sync.Mutex
	tables   map[string]*table
	calls    map[string]int
	failNext map[string]error
}

func New() *Fake {
	return &Fake{
		tables:   map[string]*table{},
		calls:    map[string]int{},
		failNext: map[string]error{},
	}
}

// CreateTable registers a table and its GSIs.
func (f *Fake) CreateTable(ctx context.Context, in *dyn.CreateTableInput, optFns ...func(*dyn.Options)) (*dyn.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	t := &table{
		key:     schemaOf(in.KeySchema),
		indexes: map[string]keySchema{},
		items:   map[string]map[string]types.AttributeValue{},
	}
	for _, gsi := range in.GlobalSecondaryIndexes {
		t.indexes[aws.ToString(gsi.IndexName)] = schemaOf(gsi.KeySchema)
	}
	f.tables[name] = t
	return &dyn.CreateTableOutput{}, nil
}

// MustCreateTable is CreateTable for test setup.
func (f *Fake) MustCreateTable(in *dyn.CreateTableInput) *Fake {
	if _, err := f.CreateTable(context.Background(), in); err != nil {
		panic(err)
	}
	return f
}

func schemaOf(elems []types.KeySchemaElement) keySchema {
	var ks keySchema
	for _, e := range elems {
		if e.KeyType == types.KeyTypeHash {
			ks.hash = aws.ToString(e.AttributeName)
		} else {
			ks.rng = aws.ToString(e.AttributeName)
		}
	}
	return ks
}

// FailNext makes the next call of op (e.g. "UpdateItem") return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(tableName string, key map[string]types.AttributeValue) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	k, err := t.keyString(key)
	if err != nil {
		return nil
	}
	return copyItem(t.items[k])
}

// Items returns copies of every item in a table.
func (f *Fake) Items(tableName string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, copyItem(it))
	}
	return out
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *Fake) table(name *string) (*table, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + aws.ToString(name))}
	}
	return t, nil
}

func (t *table) keyString(item map[string]types.AttributeValue) (string, error) {
	return keyStringFor(t.key, item)
}

func keyStringFor(ks keySchema, item map[string]types.AttributeValue) (string, error) {
	h, ok := item[ks.hash]
	if !ok {
		return "", fmt.Errorf("missing hash key %s", ks.hash)
	}
	k := scalar(h)
	if ks.rng != "" {
		r, ok := item[ks.rng]
		if !ok {
			return "", fmt.Errorf("missing range key %s", ks.rng)
		}
		k += "|" + scalar(r)
	}
	return k, nil
}

func scalar(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	}
	return fmt.Sprintf("%v", v)
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyString(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[k] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyString(in.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: copyItem(t.items[k])}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	updated, err := t.update(in.Key, aws.ToString(in.ConditionExpression), aws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(updated)
	}
	return out, nil
}

func (t *table) update(key map[string]types.AttributeValue, cond, update string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	k, err := t.keyString(key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	ok, err := evalCondition(cond, names, values, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	next := copyItem(current)
	if next == nil {
		next = copyItem(key)
	}
	if err := applyUpdate(update, names, values, next); err != nil {
		return nil, err
	}
	t.items[k] = next
	return next, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	ks := t.key
	if in.IndexName != nil {
		idx, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("unknown index %s", *in.IndexName)
		}
		ks = idx
	}

	var matched []map[string]types.AttributeValue
	for _, it := range t.items {
		if _, ok := it[ks.hash]; !ok {
			continue
		}
		if ks.rng != "" {
			if _, ok := it[ks.rng]; !ok {
				continue
			}
		}
		ok, err := evalCondition(aws.ToString(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, it)
		}
	}

	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	sort.Slice(matched, func(i, j int) bool {
		a, b := sortKey(ks, t.key, matched[i]), sortKey(ks, t.key, matched[j])
		if forward {
			return a < b
		}
		return a > b
	})

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		startKey, err := t.keyString(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, it := range matched {
			if k, _ := t.keyString(it); k == startKey {
				start = i + 1
				break
			}
		}
	}

	out := &dyn.QueryOutput{}
	evaluated := 0
	for i := start; i < len(matched); i++ {
		if in.Limit != nil && evaluated == int(*in.Limit) {
			last := matched[i-1]
			lek := map[string]types.AttributeValue{t.key.hash: last[t.key.hash]}
			if t.key.rng != "" {
				lek[t.key.rng] = last[t.key.rng]
			}
			if ks != t.key {
				lek[ks.hash] = last[ks.hash]
				if ks.rng != "" {
					lek[ks.rng] = last[ks.rng]
				}
			}
			out.LastEvaluatedKey = lek
			break
		}
		evaluated++
		ok, err := evalCondition(aws.ToString(in.FilterExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, matched[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, copyItem(matched[i]))
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// sortKey orders by index range key, then by table key for stable pagination.
func sortKey(ks, tableKey keySchema, it map[string]types.AttributeValue) string {
	var b strings.Builder
	if ks.rng != "" {
		b.WriteString(scalar(it[ks.rng]))
	}
	b.WriteString("\x00")
	k, _ := keyStringFor(tableKey, it)
	b.WriteString(k)
	return b.String()
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		var (
			tbl    *string
			key    map[string]types.AttributeValue
			cond   *string
			names  map[string]string
			values map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			tbl, cond, names, values = it.Put.TableName, it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
			key = it.Put.Item
		case it.Update != nil:
			tbl, key, cond, names, values = it.Update.TableName, it.Update.Key, it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
		case it.ConditionCheck != nil:
			tbl, key, cond, names, values = it.ConditionCheck.TableName, it.ConditionCheck.Key, it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("unsupported transact item")
		}
		t, err := f.table(tbl)
		if err != nil {
			return nil, err
		}
		k, err := t.keyString(key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(aws.ToString(cond), names, values, t.items[k])
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			t, _ := f.table(it.Put.TableName)
			k, _ := t.keyString(it.Put.Item)
			t.items[k] = copyItem(it.Put.Item)
		case it.Update != nil:
			t, _ := f.table(it.Update.TableName)
			if _, err := t.update(it.Update.Key, "", aws.ToString(it.Update.UpdateExpression), it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}
