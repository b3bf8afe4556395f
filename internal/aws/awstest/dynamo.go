// Package awstest provides an in-memory DynamoDB for unit tests. It
// understands the small expression grammar the stores emit: AND-joined
// comparisons, attribute_exists/attribute_not_exists, and SET clauses with
// optional "+"/"-" arithmetic. It is not a general DynamoDB emulator.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

type table struct {
	pk      string
	order   []string
	items   map[string]item
	sortKey map[string]string // index name -> sort attribute
}

// Dynamo is a mutex-guarded, multi-table fake satisfying aws.DynamoDBAPI.
type Dynamo struct {
	mu     sync.Mutex
	tables map[string]*table
	fail   map[string]error
	calls  map[string]int
}

// NewDynamo returns an empty fake.
func NewDynamo() *Dynamo {
	return &Dynamo{
		tables: map[string]*table{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table keyed by the string attribute pk.
func (d *Dynamo) CreateTable(name, pk string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{pk: pk, items: map[string]item{}, sortKey: map[string]string{}}
}

// CreateIndex records the sort attribute used to order Query results on index.
func (d *Dynamo) CreateIndex(tableName, index, sortKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[tableName].sortKey[index] = sortKey
}

// FailNext makes the next call to op ("PutItem", "UpdateItem", ...) return err.
func (d *Dynamo) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[op] = err
}

// Calls reports how many times op was invoked.
func (d *Dynamo) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Seed writes an item without conditions.
func (d *Dynamo) Seed(tableName string, it map[string]types.AttributeValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tables[tableName]
	t.put(it)
}

// Item returns a copy of the stored item, or nil.
func (d *Dynamo) Item(tableName, key string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil
	}
	it, ok := t.items[key]
	if !ok {
		return nil
	}
	return clone(it)
}

// Len reports the number of items in a table.
func (d *Dynamo) Len(tableName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[tableName].items)
}

func (d *Dynamo) enter(op string, tableName *string) (*table, error) {
	d.calls[op]++
	if err, ok := d.fail[op]; ok {
		delete(d.fail, op)
		return nil, err
	}
	if tableName == nil {
		return nil, errors.New("missing table name")
	}
	t, ok := d.tables[*tableName]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table not found: " + *tableName)}
	}
	return t, nil
}

func (d *Dynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.enter("PutItem", params.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	existing := t.items[key]
	if params.ConditionExpression != nil {
		ok, err := evalCondition(*params.ConditionExpression, existing, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("conditional put failed")}
		}
	}
	t.put(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (d *Dynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.enter("GetItem", params.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	it, ok := t.items[key]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(it)}, nil
}

func (d *Dynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.enter("UpdateItem", params.TableName)
	if err != nil {
		return nil, err
	}
	key, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	old, exists := t.items[key]
	if params.ConditionExpression != nil {
		ok, err := evalCondition(*params.ConditionExpression, old, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			ccf := &types.ConditionalCheckFailedException{Message: strPtr("conditional update failed")}
			if params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld && exists {
				ccf.Item = clone(old)
			}
			return nil, ccf
		}
	}

	next := clone(old)
	if next == nil {
		next = clone(params.Key)
	}
	if params.UpdateExpression != nil {
		if err := applyUpdate(*params.UpdateExpression, next, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	t.put(next)

	out := &dyn.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew, types.ReturnValueUpdatedNew:
		out.Attributes = clone(next)
	case types.ReturnValueAllOld, types.ReturnValueUpdatedOld:
		out.Attributes = clone(old)
	}
	return out, nil
}

func (d *Dynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.enter("Query", params.TableName)
	if err != nil {
		return nil, err
	}
	if params.KeyConditionExpression == nil {
		return nil, errors.New("query requires KeyConditionExpression")
	}

	var matched []item
	for _, k := range t.order {
		it := t.items[k]
		ok, err := evalCondition(*params.KeyConditionExpression, it, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, it)
		}
	}
	if params.IndexName != nil {
		if sk, ok := t.sortKey[*params.IndexName]; ok {
			sort.SliceStable(matched, func(i, j int) bool { return less(matched[i][sk], matched[j][sk]) })
		}
	}
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	items, last, err := t.page(matched, params.ExclusiveStartKey, params.Limit, params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.QueryOutput{Count: int32(len(items)), LastEvaluatedKey: last}
	if params.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}

func (d *Dynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.enter("Scan", params.TableName)
	if err != nil {
		return nil, err
	}
	all := make([]item, 0, len(t.order))
	for _, k := range t.order {
		all = append(all, t.items[k])
	}
	items, last, err := t.page(all, params.ExclusiveStartKey, params.Limit, params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.ScanOutput{Count: int32(len(items)), LastEvaluatedKey: last}
	if params.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}

// page applies ExclusiveStartKey, then Limit (items evaluated), then the
// filter, mirroring DynamoDB's ordering of those steps.
func (t *table) page(candidates []item, start map[string]types.AttributeValue, limit *int32, filter *string, names map[string]string, values map[string]types.AttributeValue) ([]item, map[string]types.AttributeValue, error) {
	if start != nil {
		startKey, err := t.keyOf(start)
		if err != nil {
			return nil, nil, err
		}
		for i, it := range candidates {
			if k, _ := t.keyOf(it); k == startKey {
				candidates = candidates[i+1:]
				break
			}
		}
	}
	var last map[string]types.AttributeValue
	if limit != nil && int(*limit) < len(candidates) {
		candidates = candidates[:*limit]
		lastItem := candidates[len(candidates)-1]
		last = map[string]types.AttributeValue{t.pk: lastItem[t.pk]}
	}
	var out []item
	for _, it := range candidates {
		if filter != nil {
			ok, err := evalCondition(*filter, it, names, values)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, clone(it))
	}
	return out, last, nil
}

func (t *table) keyOf(it item) (string, error) {
	v, ok := it[t.pk].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("item missing string key %q", t.pk)
	}
	return v.Value, nil
}

func (t *table) put(it item) {
	key, err := t.keyOf(it)
	if err != nil {
		panic(err)
	}
	if _, exists := t.items[key]; !exists {
		t.order = append(t.order, key)
	}
	t.items[key] = clone(it)
}

func evalCondition(expr string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, term := range strings.Split(expr, " AND ") {
		ok, err := evalTerm(strings.TrimSpace(term), it, names, values)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalTerm(term string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if inner, ok := cutCall(term, "attribute_not_exists"); ok {
		_, present := it[attrName(inner, names)]
		return !present, nil
	}
	if inner, ok := cutCall(term, "attribute_exists"); ok {
		_, present := it[attrName(inner, names)]
		return present, nil
	}
	parts := strings.Fields(term)
	if len(parts) != 3 {
		return false, fmt.Errorf("awstest: unsupported condition term %q", term)
	}
	left, lok := operand(parts[0], it, names, values)
	right, rok := operand(parts[2], it, names, values)
	if !lok || !rok {
		return false, nil
	}
	c, err := compare(left, right)
	if err != nil {
		return false, err
	}
	switch parts[1] {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("awstest: unsupported operator %q", parts[1])
}

func applyUpdate(expr string, it item, names map[string]string, values map[string]types.AttributeValue) error {
	body, ok := strings.CutPrefix(strings.TrimSpace(expr), "SET ")
	if !ok {
		return fmt.Errorf("awstest: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(body, ", ") {
		lhs, rhs, ok := strings.Cut(assign, " = ")
		if !ok {
			return fmt.Errorf("awstest: bad assignment %q", assign)
		}
		path := strings.Split(strings.TrimSpace(lhs), ".")
		rhs = strings.TrimSpace(rhs)

		var val types.AttributeValue
		if parts := strings.Fields(rhs); len(parts) == 3 && (parts[1] == "+" || parts[1] == "-") {
			a, aok := operand(parts[0], it, names, values)
			b, bok := operand(parts[2], it, names, values)
			if !aok || !bok {
				return fmt.Errorf("awstest: arithmetic on missing attribute in %q", assign)
			}
			x, err := num(a)
			if err != nil {
				return err
			}
			y, err := num(b)
			if err != nil {
				return err
			}
			if parts[1] == "-" {
				y = -y
			}
			val = &types.AttributeValueMemberN{Value: strconv.FormatFloat(x+y, 'f', -1, 64)}
		} else {
			v, ok := operand(rhs, it, names, values)
			if !ok {
				return fmt.Errorf("awstest: unresolved value in %q", assign)
			}
			val = v
		}
		if err := setPath(it, path, names, val); err != nil {
			return err
		}
	}
	return nil
}

// setPath assigns val at a dotted document path such as "#md.#np". The
// parent map must already exist, as in DynamoDB.
func setPath(it item, path []string, names map[string]string, val types.AttributeValue) error {
	head := attrName(path[0], names)
	if len(path) == 1 {
		it[head] = val
		return nil
	}
	parent, ok := it[head].(*types.AttributeValueMemberM)
	if !ok {
		return fmt.Errorf("awstest: document path %q has no map parent", head)
	}
	child := clone(parent.Value)
	if child == nil {
		child = item{}
	}
	if err := setPath(child, path[1:], names, val); err != nil {
		return err
	}
	it[head] = &types.AttributeValueMemberM{Value: child}
	return nil
}

func cutCall(term, fn string) (string, bool) {
	rest, ok := strings.CutPrefix(term, fn+"(")
	if !ok {
		return "", false
	}
	return strings.TrimSuffix(rest, ")"), true
}

func attrName(tok string, names map[string]string) string {
	if strings.HasPrefix(tok, "#") {
		return names[tok]
	}
	return tok
}

func operand(tok string, it item, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, bool) {
	if strings.HasPrefix(tok, ":") {
		v, ok := values[tok]
		return v, ok
	}
	v, ok := it[attrName(tok, names)]
	return v, ok
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, fmt.Errorf("awstest: type mismatch S vs %T", b)
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		x, err := num(a)
		if err != nil {
			return 0, err
		}
		y, err := num(b)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, fmt.Errorf("awstest: type mismatch BOOL vs %T", b)
		}
		if av.Value == bv.Value {
			return 0, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("awstest: unsupported comparison type %T", a)
}

func less(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return a == nil && b != nil
	}
	c, err := compare(a, b)
	return err == nil && c < 0
}

func num(v types.AttributeValue) (float64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("awstest: expected N, got %T", v)
	}
	return strconv.ParseFloat(n.Value, 64)
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }
