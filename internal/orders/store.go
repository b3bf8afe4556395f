package orders

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
)

// Index names on the orders table.
const (
	OutTradeNoIndex = "out_trade_no-index"
	UserIndex       = "user_id-index"
)

var (
	// ErrAlreadyExists is returned by Create when order_no is taken.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrNotPaid is returned by MarkCreditOutcome for an order that is not PAID.
	ErrNotPaid = errors.New("order is not paid")
	// ErrInvalidTransition is returned when the target status is not terminal.
	ErrInvalidTransition = errors.New("transition target must be terminal")
	// ErrInvalidCursor is returned by ListByUser for a cursor it did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create writes a new order, refusing to overwrite an existing order_no.
func (s *Store) Create(ctx context.Context, order *Order) error {
	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.CreatedAtMs = order.CreatedAt.UnixMilli()
	order.UpdatedAt = now

	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_no)"),
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_no. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderNo string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderNo),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return unmarshalOrder(out.Item)
}

// GetByOutTradeNo resolves the gateway-facing number through the GSI and
// re-reads the base row consistently. Returns (nil, nil) if not found.
func (s *Store) GetByOutTradeNo(ctx context.Context, outTradeNo string) (*Order, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(OutTradeNoIndex),
		KeyConditionExpression: awsString("out_trade_no = :otn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":otn": &types.AttributeValueMemberS{Value: outTradeNo},
		},
		Limit: awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query by out_trade_no: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	no, ok := out.Items[0]["order_no"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("index row for %s has no order_no", outTradeNo)
	}
	return s.Get(ctx, no.Value)
}

// TransitionIfPending moves an order from PENDING to a terminal status in a
// single conditional update. Applied is false when the order was no longer
// PENDING, in which case Order holds the row that blocked the write.
func (s *Store) TransitionIfPending(ctx context.Context, orderNo string, to Status, t Transition) (TransitionResult, error) {
	if !to.IsTerminal() {
		return TransitionResult{}, ErrInvalidTransition
	}
	now, err := attributevalue.Marshal(s.nowFunc())
	if err != nil {
		return TransitionResult{}, fmt.Errorf("marshal timestamp: %w", err)
	}

	expr := "SET #s = :to, updated_at = :ua"
	names := map[string]string{"#s": "status"}
	values := map[string]types.AttributeValue{
		":to":      &types.AttributeValueMemberS{Value: string(to)},
		":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
		":ua":      now,
	}
	if t.TransactionID != "" {
		expr += ", transaction_id = :tx"
		values[":tx"] = &types.AttributeValueMemberS{Value: t.TransactionID}
	}
	if t.PaymentTime != nil {
		pt, err := attributevalue.Marshal(*t.PaymentTime)
		if err != nil {
			return TransitionResult{}, fmt.Errorf("marshal payment time: %w", err)
		}
		expr += ", payment_time = :pt"
		values[":pt"] = pt
	}
	if t.FailReason != "" {
		expr += ", fail_reason = :fr"
		values[":fr"] = &types.AttributeValueMemberS{Value: t.FailReason}
	}
	if t.NotifyPayload != "" {
		expr += ", notify_time = :ua, #md.#np = :np"
		names["#md"] = "metadata"
		names["#np"] = "last_notify_payload"
		values[":np"] = &types.AttributeValueMemberS{Value: t.NotifyPayload}
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 orderKey(orderNo),
		UpdateExpression:                    &expr,
		ConditionExpression:                 awsString("#s = :pending"),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			res := TransitionResult{Applied: false}
			if old := aws.ConditionFailedItem(err); len(old) > 0 {
				o, uerr := unmarshalOrder(old)
				if uerr != nil {
					return res, uerr
				}
				res.Order = o
			}
			return res, nil
		}
		return TransitionResult{}, fmt.Errorf("update item: %w", err)
	}
	o, err := unmarshalOrder(out.Attributes)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Applied: true, Order: o}, nil
}

// MarkCreditOutcome records whether the post-payment credit grant succeeded.
func (s *Store) MarkCreditOutcome(ctx context.Context, orderNo string, status CreditStatus, note string) error {
	now, err := attributevalue.Marshal(s.nowFunc())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderNo),
		UpdateExpression:         awsString("SET credit_status = :cs, credit_note = :cn, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :paid"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cs":   &types.AttributeValueMemberS{Value: string(status)},
			":cn":   &types.AttributeValueMemberS{Value: note},
			":ua":   now,
			":paid": &types.AttributeValueMemberS{Value: string(StatusPaid)},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrNotPaid
		}
		return fmt.Errorf("update credit outcome: %w", err)
	}
	return nil
}

// ListByUser returns a user's orders newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, f ListFilter) (Page, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(UserIndex),
		KeyConditionExpression: awsString("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: awsBool(false),
	}
	if f.Limit > 0 {
		input.Limit = awsInt32(f.Limit)
	}
	if f.Status != "" {
		input.FilterExpression = awsString("#s = :st")
		input.ExpressionAttributeNames = map[string]string{"#s": "status"}
		input.ExpressionAttributeValues[":st"] = &types.AttributeValueMemberS{Value: string(f.Status)}
	}
	if f.Cursor != "" {
		start, err := decodeCursor(f.Cursor)
		if err != nil {
			return Page{}, err
		}
		input.ExclusiveStartKey = start
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return Page{}, fmt.Errorf("query by user: %w", err)
	}
	page := Page{Orders: make([]Order, 0, len(out.Items))}
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &page.Orders); err != nil {
		return Page{}, fmt.Errorf("unmarshal orders: %w", err)
	}
	if len(out.LastEvaluatedKey) > 0 {
		c, err := encodeCursor(out.LastEvaluatedKey)
		if err != nil {
			return Page{}, err
		}
		page.NextCursor = c
	}
	return page, nil
}

type cursorKey struct {
	OrderNo     string `dynamodbav:"order_no" json:"o"`
	UserID      string `dynamodbav:"user_id,omitempty" json:"u,omitempty"`
	CreatedAtMs int64  `dynamodbav:"created_at_ms,omitempty" json:"c,omitempty"`
}

func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	var k cursorKey
	if err := attributevalue.UnmarshalMap(key, &k); err != nil {
		return "", fmt.Errorf("decode last evaluated key: %w", err)
	}
	b, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(c string) (map[string]types.AttributeValue, error) {
	b, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var k cursorKey
	if err := json.Unmarshal(b, &k); err != nil || k.OrderNo == "" {
		return nil, ErrInvalidCursor
	}
	return attributevalue.MarshalMap(k)
}

func orderKey(orderNo string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_no": &types.AttributeValueMemberS{Value: orderNo},
	}
}

func unmarshalOrder(item map[string]types.AttributeValue) (*Order, error) {
	var o Order
	if err := attributevalue.UnmarshalMap(item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }
