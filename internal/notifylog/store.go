package notifylog

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
	"github.com/google/uuid"
	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
)

// StatusIndex is the GSI on process_status, sorted by received_epoch.
const StatusIndex = "process_status-index"

var (
	// ErrNotFound is returned when a log row does not exist.
	ErrNotFound = errors.New("notify log not found")
	// ErrNotClaimable is returned when a row is neither retryable FAILED nor stale PENDING.
	ErrNotClaimable = errors.New("notify log not claimable")
)

// Store encapsulates notify log operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create persists a new PENDING row. LogID and ReceivedAt are filled in
// when empty.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec.LogID == "" {
		rec.LogID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.nowFunc()
	}
	rec.ReceivedEpoch = rec.ReceivedAt.Unix()
	rec.AttemptEpoch = rec.ReceivedEpoch
	if rec.ProcessStatus == "" {
		rec.ProcessStatus = StatusPending
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(log_id)"),
	})
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get retrieves a row by id. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, logID string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            logKey(logID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return unmarshalRecord(out.Item)
}

// MarkProcessed records the outcome of one processing attempt.
func (s *Store) MarkProcessed(ctx context.Context, logID string, o Outcome) error {
	now, err := attributevalue.Marshal(s.nowFunc())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	expr := "SET process_status = :st, applied = :ap, error_message = :em, process_time = :pt"
	values := map[string]types.AttributeValue{
		":st": &types.AttributeValueMemberS{Value: string(o.Status)},
		":ap": &types.AttributeValueMemberBOOL{Value: o.Applied},
		":em": &types.AttributeValueMemberS{Value: o.ErrorMessage},
		":pt": now,
	}
	if o.OrderNo != "" {
		expr += ", order_no = :on"
		values[":on"] = &types.AttributeValueMemberS{Value: o.OrderNo}
	}
	if o.RetryCount > 0 {
		expr += ", retry_count = :rc"
		values[":rc"] = &types.AttributeValueMemberN{Value: strconv.Itoa(o.RetryCount)}
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       logKey(logID),
		UpdateExpression:          &expr,
		ConditionExpression:       awsString("attribute_exists(log_id)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update item (mark processed): %w", err)
	}
	return nil
}

// Claim takes a row for another processing attempt. A row is claimable when
// it is FAILED with retry_count below maxRetry, or PENDING with its latest
// attempt started before staleBefore and below maxRetry. Claiming increments retry_count and resets
// the row to PENDING in one conditional write, so concurrent sweepers cannot
// both claim it. When the row is not claimable the current row is returned
// with ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, logID string, maxRetry int, staleBefore time.Time) (*Record, error) {
	rec, err := s.claim(ctx, logID, "process_status = :from AND retry_count < :max", map[string]types.AttributeValue{
		":from": &types.AttributeValueMemberS{Value: string(StatusFailed)},
	}, maxRetry)
	if !errors.Is(err, ErrNotClaimable) {
		return rec, err
	}
	return s.claim(ctx, logID, "process_status = :from AND attempt_epoch < :before AND retry_count < :max", map[string]types.AttributeValue{
		":from":   &types.AttributeValueMemberS{Value: string(StatusPending)},
		":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(staleBefore.Unix(), 10)},
	}, maxRetry)
}

func (s *Store) claim(ctx context.Context, logID, cond string, values map[string]types.AttributeValue, maxRetry int) (*Record, error) {
	values[":max"] = &types.AttributeValueMemberN{Value: strconv.Itoa(maxRetry)}
	values[":one"] = &types.AttributeValueMemberN{Value: "1"}
	values[":pending"] = &types.AttributeValueMemberS{Value: string(StatusPending)}
	values[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nowFunc().Unix(), 10)}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 logKey(logID),
		UpdateExpression:                    awsString("SET retry_count = retry_count + :one, process_status = :pending, attempt_epoch = :now"),
		ConditionExpression:                 &cond,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			old := aws.ConditionFailedItem(err)
			if len(old) == 0 {
				return nil, ErrNotFound
			}
			rec, uerr := unmarshalRecord(old)
			if uerr != nil {
				return nil, uerr
			}
			return rec, ErrNotClaimable
		}
		return nil, fmt.Errorf("update item (claim): %w", err)
	}
	return unmarshalRecord(out.Attributes)
}

// List returns rows in one status, oldest first. The filter on retry_count
// runs after DynamoDB applies Limit, so List keeps paging until it has Limit
// matching rows or the index is exhausted.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Record, error) {
	input := s.statusQuery(f)
	if f.Limit > 0 {
		input.Limit = awsInt32(f.Limit)
	}
	recs := []Record{}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query by status: %w", err)
		}
		page := make([]Record, 0, len(out.Items))
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal records: %w", err)
		}
		recs = append(recs, page...)
		if f.Limit > 0 && len(recs) >= int(f.Limit) {
			return recs[:f.Limit], nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return recs, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Stats counts rows per status. Retryable counts FAILED rows still below maxRetry.
func (s *Store) Stats(ctx context.Context, maxRetry int) (Stats, error) {
	var st Stats
	var err error
	if st.Pending, err = s.count(ctx, ListFilter{Status: StatusPending}); err != nil {
		return st, err
	}
	if st.Success, err = s.count(ctx, ListFilter{Status: StatusSuccess}); err != nil {
		return st, err
	}
	if st.Failed, err = s.count(ctx, ListFilter{Status: StatusFailed}); err != nil {
		return st, err
	}
	if st.Retryable, err = s.count(ctx, ListFilter{Status: StatusFailed, MaxRetry: maxRetry}); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Store) count(ctx context.Context, f ListFilter) (int, error) {
	input := s.statusQuery(f)
	input.Select = types.SelectCount
	total := 0
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", f.Status, err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) statusQuery(f ListFilter) *dyn.QueryInput {
	keyCond := "process_status = :st"
	values := map[string]types.AttributeValue{
		":st": &types.AttributeValueMemberS{Value: string(f.Status)},
	}
	if !f.Before.IsZero() {
		keyCond += " AND received_epoch < :before"
		values[":before"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(f.Before.Unix(), 10)}
	}
	input := &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 awsString(StatusIndex),
		KeyConditionExpression:    &keyCond,
		ExpressionAttributeValues: values,
	}
	var filters []string
	if !f.Before.IsZero() {
		// A replay restarts the clock; Claim checks attempt_epoch too.
		filters = append(filters, "attempt_epoch < :before")
	}
	if f.MaxRetry > 0 {
		filters = append(filters, "retry_count < :max")
		values[":max"] = &types.AttributeValueMemberN{Value: strconv.Itoa(f.MaxRetry)}
	}
	if len(filters) > 0 {
		input.FilterExpression = awsString(strings.Join(filters, " AND "))
	}
	return input
}

func logKey(logID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"log_id": &types.AttributeValueMemberS{Value: logID},
	}
}

func unmarshalRecord(item map[string]types.AttributeValue) (*Record, error) {
	var rec Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Helpers
func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }
