package bookings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-booking-dispatch/internal/aws"
	"github.com/imrishuroy/go-booking-dispatch/internal/table"
)

const (
	skMeta            = "META"
	skBroadcastPrefix = "BROADCAST#"
	skEventPrefix     = "EVENT#"
)

var (
	// ErrConditionFailed means another writer won: the expected prior state no longer holds.
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrAcceptCodeTaken means the code already points at a different booking.
	ErrAcceptCodeTaken = errors.New("accept code already in use")
)

// Store encapsulates booking, broadcast and audit event persistence in the single table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new bookings Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Patch carries the dependent fields written together with a transition.
// At is the logical write time; it feeds updated_at and the deadline guard.
type Patch struct {
	At                 time.Time
	AssignmentDeadline time.Time
	PaymentIntentID    string
	PaymentSessionID   string
	AssignedProviderID string
	RefundID           string
	RefundAmountCents  int64
	Note               string
}

type bookingItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	GSI3PK string `dynamodbav:"gsi3pk,omitempty"`
	GSI3SK string `dynamodbav:"gsi3sk,omitempty"`

	BookingID          string     `dynamodbav:"booking_id"`
	Status             string     `dynamodbav:"status"`
	Area               string     `dynamodbav:"area"`
	Service            Service    `dynamodbav:"service"`
	TimeWindow         string     `dynamodbav:"time_window"`
	Customer           Customer   `dynamodbav:"customer"`
	CreatedAt          time.Time  `dynamodbav:"created_at"`
	UpdatedAt          time.Time  `dynamodbav:"updated_at"`
	PaymentSessionID   string     `dynamodbav:"payment_session_id,omitempty"`
	PaymentIntentID    string     `dynamodbav:"payment_intent_id,omitempty"`
	AssignmentDeadline int64      `dynamodbav:"assignment_deadline,omitempty"` // epoch seconds
	AcceptCode         string     `dynamodbav:"accept_code,omitempty"`
	AssignedProviderID string     `dynamodbav:"assigned_provider_id,omitempty"`
	AssignedAt         *time.Time `dynamodbav:"assigned_at,omitempty"`
	RefundID           string     `dynamodbav:"refund_id,omitempty"`
	RefundAmountCents  int64      `dynamodbav:"refund_amount_cents,omitempty"`
	RefundState        string     `dynamodbav:"refund_state,omitempty"`
	RefundAttemptedAt  *time.Time `dynamodbav:"refund_attempted_at,omitempty"`
	Note               string     `dynamodbav:"note,omitempty"`
}

func toItem(b Booking) bookingItem {
	it := bookingItem{
		PK:                 table.BookingPK(b.ID),
		SK:                 skMeta,
		GSI1PK:             table.AreaStatusPK(b.Area, string(b.Status)),
		GSI1SK:             table.SortableTime(b.CreatedAt) + "#" + b.ID,
		BookingID:          b.ID,
		Status:             string(b.Status),
		Area:               b.Area,
		Service:            b.Service,
		TimeWindow:         b.TimeWindow,
		Customer:           b.Customer,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
		PaymentSessionID:   b.PaymentSessionID,
		PaymentIntentID:    b.PaymentIntentID,
		AcceptCode:         b.AcceptCode,
		AssignedProviderID: b.AssignedProviderID,
		AssignedAt:         b.AssignedAt,
		RefundID:           b.RefundID,
		RefundAmountCents:  b.RefundAmountCents,
		RefundState:        string(b.RefundState),
		RefundAttemptedAt:  b.RefundAttemptedAt,
		Note:               b.Note,
	}
	if !b.AssignmentDeadline.IsZero() {
		it.AssignmentDeadline = b.AssignmentDeadline.Unix()
	}
	if b.PaymentSessionID != "" {
		it.GSI3PK = table.SessionPK(b.PaymentSessionID)
		it.GSI3SK = skMeta
	}
	return it
}

func (it bookingItem) booking() *Booking {
	b := &Booking{
		ID:                 it.BookingID,
		Status:             Status(it.Status),
		Area:               it.Area,
		Service:            it.Service,
		TimeWindow:         it.TimeWindow,
		Customer:           it.Customer,
		CreatedAt:          it.CreatedAt,
		UpdatedAt:          it.UpdatedAt,
		PaymentSessionID:   it.PaymentSessionID,
		PaymentIntentID:    it.PaymentIntentID,
		AcceptCode:         it.AcceptCode,
		AssignedProviderID: it.AssignedProviderID,
		AssignedAt:         it.AssignedAt,
		RefundID:           it.RefundID,
		RefundAmountCents:  it.RefundAmountCents,
		RefundState:        RefundState(it.RefundState),
		RefundAttemptedAt:  it.RefundAttemptedAt,
		Note:               it.Note,
	}
	if it.AssignmentDeadline > 0 {
		b.AssignmentDeadline = time.Unix(it.AssignmentDeadline, 0).UTC()
	}
	return b
}

func unmarshalBooking(item map[string]types.AttributeValue) (*Booking, error) {
	var it bookingItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal booking: %w", err)
	}
	return it.booking(), nil
}

func isConditionalFailure(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

// cancellationCodes returns the per-item reasons of a cancelled transaction, nil for any
// other error. Only "ConditionalCheckFailed" means an item's state was not as expected;
// codes such as "TransactionConflict" are transient.
func cancellationCodes(err error) []string {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	codes := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		codes[i] = awsToString(r.Code)
	}
	return codes
}

func conditionFailedAt(codes []string, i int) bool {
	return i < len(codes) && codes[i] == "ConditionalCheckFailed"
}

// Create writes a new booking. ErrConditionFailed if the id already exists.
func (s *Store) Create(ctx context.Context, b Booking) error {
	item, err := attributevalue.MarshalMap(toItem(b))
	if err != nil {
		return fmt.Errorf("marshal booking: %w", err)
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
		return fmt.Errorf("put booking: %w", err)
	}
	return nil
}

// CreateWithIdempotencyTransaction atomically creates:
//   - idempotency record in idempotencyTable (with ConditionExpression attribute_not_exists(idempotency_key))
//   - booking record in the bookings table
//
// ErrConditionFailed means the idempotency key was already used; any other cancellation is
// returned as a retryable error.
func (s *Store) CreateWithIdempotencyTransaction(ctx context.Context, idempotencyTable string, idempotencyItem interface{}, b Booking, ttlWindow time.Duration) error {
	idempMap, err := attributevalue.MarshalMap(idempotencyItem)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}
	if _, ok := idempMap["expires_at"]; !ok && ttlWindow > 0 {
		expires := s.nowFunc().Add(ttlWindow).Unix()
		idempMap["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
	}
	bookingMap, err := attributevalue.MarshalMap(toItem(b))
	if err != nil {
		return fmt.Errorf("marshal booking item: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &idempotencyTable,
					Item:                idempMap,
					ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                bookingMap,
					ConditionExpression: awsString("attribute_not_exists(pk)"),
				},
			},
		},
	})
	if err != nil {
		if conditionFailedAt(cancellationCodes(err), 0) {
			return fmt.Errorf("idempotency key exists: %w", ErrConditionFailed)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches a booking by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Booking, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            table.Key(table.BookingPK(id), skMeta),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return unmarshalBooking(out.Item)
}

// Apply performs the transition registered for trigger as one conditional UpdateItem.
// The area-status projection is rewritten in the same write. Returns the updated booking,
// or ErrConditionFailed when the guard does not hold; callers re-read to decide what happened.
func (s *Store) Apply(ctx context.Context, id string, area string, trigger Trigger, p Patch) (*Booking, error) {
	tr, err := TransitionFor(trigger)
	if err != nil {
		return nil, err
	}
	if err := tr.validate(p); err != nil {
		return nil, fmt.Errorf("transition %s: %w", trigger, err)
	}
	at := p.At
	if at.IsZero() {
		at = s.nowFunc()
	}
	at = at.UTC()

	ua, err := attributevalue.Marshal(at)
	if err != nil {
		return nil, fmt.Errorf("marshal time: %w", err)
	}

	sets := []string{"#s = :to", "updated_at = :ua", "gsi1pk = :gsi1pk"}
	values := map[string]types.AttributeValue{
		":to":     &types.AttributeValueMemberS{Value: string(tr.To)},
		":from":   &types.AttributeValueMemberS{Value: string(tr.From)},
		":ua":     ua,
		":gsi1pk": &types.AttributeValueMemberS{Value: table.AreaStatusPK(area, string(tr.To))},
	}
	setS := func(attr, placeholder, v string) {
		sets = append(sets, attr+" = "+placeholder)
		values[placeholder] = &types.AttributeValueMemberS{Value: v}
	}
	setN := func(attr, placeholder string, v int64) {
		sets = append(sets, attr+" = "+placeholder)
		values[placeholder] = &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
	}

	if !p.AssignmentDeadline.IsZero() {
		setN("assignment_deadline", ":deadline", p.AssignmentDeadline.Unix())
	}
	if p.PaymentIntentID != "" {
		setS("payment_intent_id", ":pi", p.PaymentIntentID)
	}
	if p.PaymentSessionID != "" {
		setS("payment_session_id", ":ps", p.PaymentSessionID)
		setS("gsi3pk", ":gsi3pk", table.SessionPK(p.PaymentSessionID))
		setS("gsi3sk", ":gsi3sk", skMeta)
	}
	if p.AssignedProviderID != "" {
		setS("assigned_provider_id", ":provider", p.AssignedProviderID)
		sets = append(sets, "assigned_at = :ua")
	}
	if p.RefundID != "" {
		setS("refund_id", ":refund", p.RefundID)
		setN("refund_amount_cents", ":amount", p.RefundAmountCents)
		setS("refund_state", ":refund_done", string(RefundStateDone))
	}
	if p.Note != "" {
		setS("note", ":note", p.Note)
	}

	conds := []string{"#s = :from"}
	if tr.AllowRefundMarker {
		conds[0] = "(#s = :from OR refund_state = :refund_pending)"
		values[":refund_pending"] = &types.AttributeValueMemberS{Value: string(RefundStatePending)}
	}
	if tr.RequireUnassigned {
		conds = append(conds, "attribute_not_exists(assigned_provider_id)")
	}
	if tr.RequireOpenDeadline {
		conds = append(conds, "assignment_deadline > :now")
		values[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(at.Unix(), 10)}
	}
	if tr.RequireNoRefund {
		conds = append(conds, "attribute_not_exists(refund_id)")
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       table.Key(table.BookingPK(id), skMeta),
		UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       awsString(strings.Join(conds, " AND ")),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("apply %s: %w", trigger, err)
	}
	return unmarshalBooking(out.Attributes)
}

// AttachPaymentSession records the checkout session once, while payment is still pending.
func (s *Store) AttachPaymentSession(ctx context.Context, id, sessionID string) error {
	now, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("marshal time: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 table.Key(table.BookingPK(id), skMeta),
		UpdateExpression:    awsString("SET payment_session_id = :ps, gsi3pk = :gsi3pk, gsi3sk = :gsi3sk, updated_at = :ua"),
		ConditionExpression: awsString("#s = :pending AND attribute_not_exists(payment_session_id)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps":      &types.AttributeValueMemberS{Value: sessionID},
			":gsi3pk":  &types.AttributeValueMemberS{Value: table.SessionPK(sessionID)},
			":gsi3sk":  &types.AttributeValueMemberS{Value: skMeta},
			":ua":      now,
			":pending": &types.AttributeValueMemberS{Value: string(StatusPendingPayment)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("attach payment session: %w", err)
	}
	return nil
}

// FindByPaymentSession resolves a checkout session to its booking. Returns (nil, nil) if none.
func (s *Store) FindByPaymentSession(ctx context.Context, sessionID string) (*Booking, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(table.IndexPaymentSession),
		KeyConditionExpression: awsString("gsi3pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: table.SessionPK(sessionID)},
		},
		Limit: awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query payment session: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	// index reads are eventually consistent; return the strongly consistent record
	found, err := unmarshalBooking(out.Items[0])
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, found.ID)
}

// ListOptions narrows ListByAreaStatus.
type ListOptions struct {
	CreatedBefore time.Time
	Limit         int
}

// ListByAreaStatus pages through the area-status index, oldest first.
func (s *Store) ListByAreaStatus(ctx context.Context, area string, status Status, opts ListOptions) ([]Booking, error) {
	keyCond := "gsi1pk = :pk"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: table.AreaStatusPK(area, string(status))},
	}
	if !opts.CreatedBefore.IsZero() {
		keyCond += " AND gsi1sk < :before"
		values[":before"] = &types.AttributeValueMemberS{Value: table.SortableTime(opts.CreatedBefore)}
	}

	var (
		result   []Booking
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:                 &s.tableName,
			IndexName:                 awsString(table.IndexAreaStatus),
			KeyConditionExpression:    awsString(keyCond),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
			Limit:                     awsInt32(100),
		})
		if err != nil {
			return nil, fmt.Errorf("query area status: %w", err)
		}
		for _, item := range out.Items {
			b, err := unmarshalBooking(item)
			if err != nil {
				return nil, err
			}
			result = append(result, *b)
			if opts.Limit > 0 && len(result) >= opts.Limit {
				return result, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return result, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// MarkRefundPending writes the REFUND_PENDING recovery marker before the refund call.
// It never downgrades a completed refund.
func (s *Store) MarkRefundPending(ctx context.Context, id, paymentIntentID string, at time.Time) error {
	ts, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("marshal time: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 table.Key(table.BookingPK(id), skMeta),
		UpdateExpression:    awsString("SET refund_state = :pending, payment_intent_id = :pi, refund_attempted_at = :ts, updated_at = :ts"),
		ConditionExpression: awsString("#s = :unfilled AND attribute_not_exists(refund_id) AND (attribute_not_exists(refund_state) OR refund_state <> :done)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":  &types.AttributeValueMemberS{Value: string(RefundStatePending)},
			":done":     &types.AttributeValueMemberS{Value: string(RefundStateDone)},
			":unfilled": &types.AttributeValueMemberS{Value: string(StatusUnfilled)},
			":pi":       &types.AttributeValueMemberS{Value: paymentIntentID},
			":ts":       ts,
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("mark refund pending: %w", err)
	}
	return nil
}

// MarkRefundAttempted stamps a refund attempt that failed before the recovery marker could
// be written, so the stuck-refund sweep backs off.
func (s *Store) MarkRefundAttempted(ctx context.Context, id string, at time.Time) error {
	ts, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("marshal time: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 table.Key(table.BookingPK(id), skMeta),
		UpdateExpression:    awsString("SET refund_attempted_at = :ts, updated_at = :ts"),
		ConditionExpression: awsString("#s = :unfilled AND attribute_not_exists(refund_id)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":unfilled": &types.AttributeValueMemberS{Value: string(StatusUnfilled)},
			":ts":       ts,
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("mark refund attempted: %w", err)
	}
	return nil
}

// MarkManualReview parks an unfilled booking whose refund cannot be completed automatically.
func (s *Store) MarkManualReview(ctx context.Context, id, note string, at time.Time) error {
	ts, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("marshal time: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 table.Key(table.BookingPK(id), skMeta),
		UpdateExpression:    awsString("SET refund_state = :review, note = :note, updated_at = :ts"),
		ConditionExpression: awsString("#s = :unfilled AND attribute_not_exists(refund_id)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":review":   &types.AttributeValueMemberS{Value: string(RefundStateManualReview)},
			":unfilled": &types.AttributeValueMemberS{Value: string(StatusUnfilled)},
			":note":     &types.AttributeValueMemberS{Value: note},
			":ts":       ts,
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("mark manual review: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(i int32) *int32    { return &i }
