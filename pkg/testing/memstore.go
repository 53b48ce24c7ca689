// Package testing provides an in-memory store implementation and fixtures
// for exercising the transaction pipeline without a live endpoint.
package testing

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
)

// MemStore is a core.Store backed by process memory. It evaluates the
// condition and update expressions the mapper generates, so optimistic
// concurrency behaves exactly as it would against the real store, including
// positional cancellation reasons on transactional bundles.
type MemStore struct {
	tables map[string]map[string]core.Item
	specs  map[string]*core.TableSpec
	inject map[string][]error
	// Calls counts store operations by name, for assertions on read and
	// commit attempt counts.
	Calls map[string]int
	// UnprocessedRounds makes the next N BatchGet calls return every key
	// unprocessed, to exercise the retry loop.
	UnprocessedRounds int
	mu                sync.Mutex
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tables: make(map[string]map[string]core.Item),
		specs:  make(map[string]*core.TableSpec),
		inject: make(map[string][]error),
		Calls:  make(map[string]int),
	}
}

// Inject queues an error to be returned by the next call of the named
// operation ("Put", "Update", "TransactWrite", ...).
func (m *MemStore) Inject(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inject[op] = append(m.inject[op], err)
}

// Rows returns a copy of a table's rows keyed by encoded partition and sort
// key, for direct assertions.
func (m *MemStore) Rows(table string) map[string]core.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.Item, len(m.tables[table]))
	for k, row := range m.tables[table] {
		out[k] = cloneItem(row)
	}
	return out
}

func (m *MemStore) enter(op string) error {
	m.Calls[op]++
	if queue := m.inject[op]; len(queue) > 0 {
		err := queue[0]
		m.inject[op] = queue[1:]
		return err
	}
	return nil
}

func rowKey(key core.Item) string {
	id := stringValue(key[core.AttrPartitionKey])
	sk := stringValue(key[core.AttrSortKey])
	return id + "\x1f" + sk
}

func stringValue(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func keyAttrs(row core.Item) core.Item {
	key := core.Item{core.AttrPartitionKey: row[core.AttrPartitionKey]}
	if sk, ok := row[core.AttrSortKey]; ok {
		key[core.AttrSortKey] = sk
	}
	return key
}

// Get implements core.Store
func (m *MemStore) Get(_ context.Context, in *core.GetInput) (core.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Get"); err != nil {
		return nil, err
	}
	row, ok := m.tables[in.Table][rowKey(in.Key)]
	if !ok {
		return nil, nil
	}
	return cloneItem(row), nil
}

// Put implements core.Store
func (m *MemStore) Put(_ context.Context, in *core.PutInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Put"); err != nil {
		return err
	}
	return m.applyPut(in.Table, in.Item, in.Expr)
}

func (m *MemStore) applyPut(table string, item core.Item, expr core.Expression) error {
	existing := m.tables[table][rowKey(item)]
	if !evalCondition(expr.Condition, existing, expr.Names, expr.Values) {
		return &errors.StoreError{Code: errors.CodeConditionalCheckFailed}
	}
	m.ensureTable(table)[rowKey(item)] = cloneItem(item)
	return nil
}

// Update implements core.Store
func (m *MemStore) Update(_ context.Context, in *core.UpdateInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Update"); err != nil {
		return err
	}
	return m.applyUpdate(in.Table, in.Key, in.Expr)
}

func (m *MemStore) applyUpdate(table string, key core.Item, expr core.Expression) error {
	existing := m.tables[table][rowKey(key)]
	if !evalCondition(expr.Condition, existing, expr.Names, expr.Values) {
		return &errors.StoreError{Code: errors.CodeConditionalCheckFailed}
	}
	row := cloneItem(existing)
	if row == nil {
		row = cloneItem(key)
	}
	if err := applyUpdateExpression(row, expr.Update, expr.Names, expr.Values); err != nil {
		return err
	}
	m.ensureTable(table)[rowKey(key)] = row
	return nil
}

// Delete implements core.Store
func (m *MemStore) Delete(_ context.Context, in *core.DeleteInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Delete"); err != nil {
		return err
	}
	return m.applyDelete(in.Table, in.Key, in.Expr)
}

func (m *MemStore) applyDelete(table string, key core.Item, expr core.Expression) error {
	existing := m.tables[table][rowKey(key)]
	if !evalCondition(expr.Condition, existing, expr.Names, expr.Values) {
		return &errors.StoreError{Code: errors.CodeConditionalCheckFailed}
	}
	delete(m.tables[table], rowKey(key))
	return nil
}

// BatchGet implements core.Store
func (m *MemStore) BatchGet(_ context.Context, req core.BatchGetRequest) (*core.BatchGetOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BatchGet"); err != nil {
		return nil, err
	}
	if m.UnprocessedRounds > 0 {
		m.UnprocessedRounds--
		return &core.BatchGetOutput{Items: map[string][]core.Item{}, Unprocessed: req}, nil
	}
	out := &core.BatchGetOutput{Items: make(map[string][]core.Item)}
	for table, keys := range req {
		for _, key := range keys {
			if row, ok := m.tables[table][rowKey(key)]; ok {
				out.Items[table] = append(out.Items[table], cloneItem(row))
			}
		}
	}
	return out, nil
}

// TransactGet implements core.Store
func (m *MemStore) TransactGet(_ context.Context, items []core.TransactGetItem) ([]core.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TransactGet"); err != nil {
		return nil, err
	}
	rows := make([]core.Item, len(items))
	for i, item := range items {
		if row, ok := m.tables[item.Table][rowKey(item.Key)]; ok {
			rows[i] = cloneItem(row)
		}
	}
	return rows, nil
}

// TransactWrite implements core.Store
func (m *MemStore) TransactWrite(_ context.Context, in *core.TransactWriteInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TransactWrite"); err != nil {
		return err
	}

	// All conditions are evaluated against the pre-transaction state; the
	// bundle applies only when every one holds.
	reasons := make([]errors.CancellationReason, len(in.Items))
	failed := false
	for i, req := range in.Items {
		target := req.Key
		if req.Kind == core.WritePut {
			target = keyAttrs(req.Item)
		}
		existing := m.tables[req.Table][rowKey(target)]
		if evalCondition(req.Expr.Condition, existing, req.Expr.Names, req.Expr.Values) {
			reasons[i] = errors.CancellationReason{Code: "None"}
		} else {
			reasons[i] = errors.CancellationReason{Code: errors.CodeConditionFailedReason}
			failed = true
		}
	}
	if failed {
		return &errors.TransactionCanceledError{Reasons: reasons}
	}

	for _, req := range in.Items {
		var err error
		switch req.Kind {
		case core.WritePut:
			err = m.applyPut(req.Table, req.Item, stripCondition(req.Expr))
		case core.WriteUpdate:
			err = m.applyUpdate(req.Table, req.Key, stripCondition(req.Expr))
		case core.WriteDelete:
			err = m.applyDelete(req.Table, req.Key, stripCondition(req.Expr))
		case core.WriteConditionCheck:
			// Already verified above.
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func stripCondition(expr core.Expression) core.Expression {
	expr.Condition = ""
	return expr
}

// Query implements core.Store
func (m *MemStore) Query(_ context.Context, in *core.QueryInput) (*core.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Query"); err != nil {
		return nil, err
	}

	matched := make([]core.Item, 0)
	for _, row := range m.tables[in.Table] {
		if !evalCondition(in.KeyCondition, row, in.Names, in.Values) {
			continue
		}
		if in.Filter != "" && !evalCondition(in.Filter, row, in.Names, in.Values) {
			continue
		}
		matched = append(matched, cloneItem(row))
	}
	sortAttr := sortAttrOf(in.KeyCondition, in.Names)
	sort.Slice(matched, func(a, b int) bool {
		less := compareRows(matched[a], matched[b], sortAttr)
		if in.ScanForward {
			return less < 0
		}
		return less > 0
	})

	items, lastKey := paginate(matched, in.ExclusiveStartKey, in.Limit)
	return &core.QueryOutput{Items: items, LastEvaluatedKey: lastKey}, nil
}

// Scan implements core.Store
func (m *MemStore) Scan(_ context.Context, in *core.ScanInput) (*core.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Scan"); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(m.tables[in.Table]))
	for k := range m.tables[in.Table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	matched := make([]core.Item, 0)
	for _, k := range keys {
		if in.TotalSegments != nil && *in.TotalSegments > 0 {
			h := fnv.New32a()
			_, _ = h.Write([]byte(k))
			if int32(h.Sum32()%uint32(*in.TotalSegments)) != *in.Segment {
				continue
			}
		}
		row := m.tables[in.Table][k]
		if in.Filter != "" && !evalCondition(in.Filter, row, in.Names, in.Values) {
			continue
		}
		matched = append(matched, cloneItem(row))
	}

	items, lastKey := paginate(matched, in.ExclusiveStartKey, in.Limit)
	return &core.ScanOutput{Items: items, LastEvaluatedKey: lastKey}, nil
}

// DescribeTable implements core.Store
func (m *MemStore) DescribeTable(_ context.Context, name string) (*core.TableDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DescribeTable"); err != nil {
		return nil, err
	}
	spec, ok := m.specs[name]
	if !ok {
		if _, exists := m.tables[name]; !exists {
			return nil, &errors.StoreError{Code: "ResourceNotFoundException"}
		}
		return &core.TableDescription{Name: name, Status: "ACTIVE", PartitionAttr: core.AttrPartitionKey}, nil
	}
	desc := &core.TableDescription{
		Name:          name,
		Status:        "ACTIVE",
		PartitionAttr: spec.PartitionAttr,
		SortAttr:      spec.SortAttr,
		ItemCount:     int64(len(m.tables[name])),
	}
	for _, idx := range spec.Indexes {
		desc.IndexNames = append(desc.IndexNames, idx.Name)
	}
	return desc, nil
}

// CreateTable implements core.Store
func (m *MemStore) CreateTable(_ context.Context, spec *core.TableSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateTable"); err != nil {
		return err
	}
	if _, exists := m.specs[spec.Name]; exists {
		return &errors.StoreError{Code: "ResourceInUseException"}
	}
	m.specs[spec.Name] = spec
	m.ensureTable(spec.Name)
	return nil
}

// UpdateTable implements core.Store
func (m *MemStore) UpdateTable(_ context.Context, update *core.TableUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateTable"); err != nil {
		return err
	}
	spec, ok := m.specs[update.Name]
	if !ok {
		return &errors.StoreError{Code: "ResourceNotFoundException"}
	}
	spec.ReadUnits = update.ReadUnits
	spec.WriteUnits = update.WriteUnits
	return nil
}

func (m *MemStore) ensureTable(name string) map[string]core.Item {
	table, ok := m.tables[name]
	if !ok {
		table = make(map[string]core.Item)
		m.tables[name] = table
	}
	return table
}

func paginate(rows []core.Item, startKey core.Item, limit int32) ([]core.Item, core.Item) {
	start := 0
	if startKey != nil {
		target := rowKey(startKey)
		for i, row := range rows {
			if rowKey(row) == target {
				start = i + 1
				break
			}
		}
	}
	end := len(rows)
	if limit > 0 && start+int(limit) < end {
		end = start + int(limit)
	}
	page := rows[start:end]
	if end < len(rows) && len(page) > 0 {
		return page, keyAttrs(page[len(page)-1])
	}
	return page, nil
}

// sortAttrOf recovers the sort attribute from a key condition: the first
// fragment is always the partition equality, so the attribute of the second
// fragment (when present) orders the result.
func sortAttrOf(keyCondition string, names map[string]string) string {
	fragments := splitTopLevel(keyCondition, " AND ")
	if len(fragments) < 2 {
		return core.AttrSortKey
	}
	second := strings.TrimSpace(fragments[1])
	for ph, attr := range names {
		if strings.HasPrefix(second, ph+" ") || strings.HasPrefix(second, "begins_with("+ph) {
			return attr
		}
	}
	return core.AttrSortKey
}

func compareRows(a, b core.Item, sortAttr string) int {
	if c := compareValues(a[sortAttr], b[sortAttr]); c != 0 {
		return c
	}
	if c := strings.Compare(stringValue(a[core.AttrPartitionKey]), stringValue(b[core.AttrPartitionKey])); c != 0 {
		return c
	}
	return strings.Compare(stringValue(a[core.AttrSortKey]), stringValue(b[core.AttrSortKey]))
}

func compareValues(a, b types.AttributeValue) int {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		if bv, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(av.Value, bv.Value)
		}
	case *types.AttributeValueMemberN:
		if bv, ok := b.(*types.AttributeValueMemberN); ok {
			af, _ := strconv.ParseFloat(av.Value, 64)
			bf, _ := strconv.ParseFloat(bv.Value, 64)
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return 0
}

func cloneItem(item core.Item) core.Item {
	if item == nil {
		return nil
	}
	out := make(core.Item, len(item))
	for k, v := range item {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(av types.AttributeValue) types.AttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: v.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: v.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: v.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: v.Value}
	case *types.AttributeValueMemberB:
		data := make([]byte, len(v.Value))
		copy(data, v.Value)
		return &types.AttributeValueMemberB{Value: data}
	case *types.AttributeValueMemberL:
		list := make([]types.AttributeValue, len(v.Value))
		for i, item := range v.Value {
			list[i] = cloneValue(item)
		}
		return &types.AttributeValueMemberL{Value: list}
	case *types.AttributeValueMemberM:
		mv := make(map[string]types.AttributeValue, len(v.Value))
		for k, item := range v.Value {
			mv[k] = cloneValue(item)
		}
		return &types.AttributeValueMemberM{Value: mv}
	default:
		return av
	}
}

func equalValues(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		af, _ := strconv.ParseFloat(av.Value, 64)
		bf, _ := strconv.ParseFloat(bv.Value, 64)
		return af == bf
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	case *types.AttributeValueMemberL:
		bv, ok := b.(*types.AttributeValueMemberL)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for i := range av.Value {
			if !equalValues(av.Value[i], bv.Value[i]) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberM:
		bv, ok := b.(*types.AttributeValueMemberM)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for k := range av.Value {
			other, present := bv.Value[k]
			if !present || !equalValues(av.Value[k], other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
