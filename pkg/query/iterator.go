// Package query implements the fluent query and scan iterators for txtheory
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/theory-cloud/txtheory/internal/expr"
	"github.com/theory-cloud/txtheory/internal/keycodec"
	"github.com/theory-cloud/txtheory/internal/numutil"
	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/index"
	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/schema"
	pkgTypes "github.com/theory-cloud/txtheory/pkg/types"
)

// Sink receives the items an iterator materializes. The transaction
// implements it so query results flow through the same tracking and cache
// as single-row reads.
type Sink interface {
	// Register tracks a materialized item and returns the canonical
	// instance, which may be an item the transaction already holds.
	Register(item *model.Item) (*model.Item, error)

	// Now anchors TTL suppression.
	Now() time.Time
}

// Options configures an iterator.
type Options struct {
	// InconsistentRead selects eventual consistency. Leaving it unset picks
	// the default: strong on the base table, eventual on an index. Strong
	// reads are not available on secondary indexes.
	InconsistentRead *bool

	// Index routes the iterator to a named secondary index.
	Index string

	// AllowLazyFilter permits query filters on non-key fields, evaluated
	// store-side after the key condition. Scans never require it.
	AllowLazyFilter bool

	// Descending reverses the sort order (queries only).
	Descending bool

	// ShardCount and ShardIndex configure parallel scans.
	ShardCount int
	ShardIndex int
}

type mode int

const (
	modeQuery mode = iota
	modeScan
)

type filterEntry struct {
	op     string
	values []any
}

// Iterator is the shared fluent builder behind Query and Scan. Filter calls
// accumulate per-field conditions; Build freezes the iterator, after which
// further changes fail.
type Iterator struct {
	desc    *model.Descriptor
	store   core.Store
	sink    Sink
	idx     *index.Definition
	filters map[string]filterEntry
	order   []string
	built   *core.QueryInput
	err     error
	opts    Options
	mode    mode
	locked  bool
}

// NewQuery creates a query iterator over the class's base table or one of
// its indexes.
func NewQuery(desc *model.Descriptor, store core.Store, sink Sink, opts Options) *Iterator {
	return newIterator(desc, store, sink, opts, modeQuery)
}

// NewScan creates a scan iterator.
func NewScan(desc *model.Descriptor, store core.Store, sink Sink, opts Options) *Iterator {
	return newIterator(desc, store, sink, opts, modeScan)
}

func newIterator(desc *model.Descriptor, store core.Store, sink Sink, opts Options, m mode) *Iterator {
	it := &Iterator{
		desc:    desc,
		store:   store,
		sink:    sink,
		opts:    opts,
		mode:    m,
		filters: make(map[string]filterEntry),
	}
	if opts.Index != "" {
		idx, err := desc.Index(opts.Index)
		if err != nil {
			it.err = err
			return it
		}
		it.idx = idx
		if opts.InconsistentRead != nil && !*opts.InconsistentRead {
			it.err = fmt.Errorf("%w: strong consistency is not available on index %s",
				errors.ErrInvalidParameter, opts.Index)
			return it
		}
	}
	if m == modeScan {
		if opts.ShardCount < 0 || opts.ShardIndex < 0 {
			it.err = fmt.Errorf("%w: negative shard configuration", errors.ErrInvalidParameter)
			return it
		}
		if opts.ShardCount > 0 && opts.ShardIndex >= opts.ShardCount {
			it.err = fmt.Errorf("%w: shard index %d out of range [0,%d)",
				errors.ErrInvalidParameter, opts.ShardIndex, opts.ShardCount)
			return it
		}
	}
	return it
}

// Err returns the first error recorded by the fluent calls.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) recordError(err error) *Iterator {
	if it.err == nil {
		it.err = err
	}
	return it
}

// Filter adds a per-field condition. Partition-key fields accept only
// equality; sort-key fields accept the comparison operators plus "between"
// and "prefix"; other fields require AllowLazyFilter on queries.
func (it *Iterator) Filter(name, op string, values ...any) *Iterator {
	if it.err != nil {
		return it
	}
	if it.locked {
		return it.recordError(errors.ErrLocked)
	}
	if _, dup := it.filters[name]; dup {
		return it.recordError(fmt.Errorf("%w: %s", errors.ErrDuplicateFilter, name))
	}
	spec, ok := it.desc.Spec(name)
	if !ok {
		return it.recordError(fmt.Errorf("%w: %s is not a field of %s",
			errors.ErrInvalidParameter, name, it.desc.Name))
	}

	partition, sortPos := it.fieldPosition(name)
	switch {
	case partition:
		if op != "=" {
			return it.recordError(fmt.Errorf("%w: partition field %s only supports equality",
				errors.ErrInvalidParameter, name))
		}
	case sortPos >= 0:
		if !sortOpValid(op) {
			return it.recordError(fmt.Errorf("%w: operator %q not supported on sort field %s",
				errors.ErrInvalidParameter, op, name))
		}
	default:
		if it.mode == modeQuery && !it.opts.AllowLazyFilter {
			return it.recordError(fmt.Errorf("%w: filter on non-key field %s requires AllowLazyFilter",
				errors.ErrInvalidParameter, name))
		}
		if !lazyOpValid(op) {
			return it.recordError(fmt.Errorf("%w: operator %q not supported on field %s",
				errors.ErrInvalidParameter, op, name))
		}
	}

	want := 1
	if op == "between" {
		want = 2
	}
	if len(values) != want {
		return it.recordError(fmt.Errorf("%w: operator %q takes %d value(s)",
			errors.ErrInvalidParameter, op, want))
	}
	normalized := make([]any, len(values))
	for i, v := range values {
		normalized[i] = pkgTypes.Normalize(v)
	}
	if op == "=" {
		if err := spec.Schema.Validate(normalized[0]); err != nil {
			return it.recordError(err)
		}
	}
	if op == "prefix" {
		if _, isStr := normalized[0].(string); !isStr || !schema.IsString(spec.Schema) {
			return it.recordError(fmt.Errorf("%w: prefix filters require a string field and value",
				errors.ErrInvalidParameter))
		}
	}

	it.filters[name] = filterEntry{op: op, values: normalized}
	it.order = append(it.order, name)
	return it
}

// fieldPosition locates a field in the iterator's target key layout: whether
// it is a partition component, and its position among sort components (-1
// when it is neither).
func (it *Iterator) fieldPosition(name string) (bool, int) {
	partitionNames := it.desc.KeyNames()
	sortNames := it.desc.SortNames()
	if it.idx != nil {
		partitionNames = it.idx.PartitionFields
		sortNames = it.idx.SortFields
	}
	for _, n := range partitionNames {
		if n == name {
			return true, -1
		}
	}
	for i, n := range sortNames {
		if n == name {
			return false, i
		}
	}
	return false, -1
}

func sortOpValid(op string) bool {
	switch op {
	case "=", "<", "<=", ">", ">=", "between", "prefix":
		return true
	}
	return false
}

func lazyOpValid(op string) bool {
	switch op {
	case "=", "<", "<=", ">", ">=", "between", "prefix":
		return true
	}
	return false
}

// Build freezes the iterator and assembles the store input. Further Filter
// calls fail with Locked.
func (it *Iterator) Build() (*core.QueryInput, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.built != nil {
		return it.built, nil
	}
	b := expr.NewBuilder()
	keyCondition, err := it.buildKeyCondition(b)
	if err != nil {
		it.err = err
		return nil, err
	}
	filterExpr, err := it.buildLazyFilter(b)
	if err != nil {
		it.err = err
		return nil, err
	}
	if it.mode == modeQuery && keyCondition == "" {
		err := fmt.Errorf("%w: query requires equality on every partition key field",
			errors.ErrInvalidParameter)
		it.err = err
		return nil, err
	}

	in := &core.QueryInput{
		Table:          it.desc.Table,
		Index:          it.opts.Index,
		KeyCondition:   keyCondition,
		Filter:         filterExpr,
		Names:          b.Names(),
		Values:         b.Values(),
		ScanForward:    !it.opts.Descending,
		ConsistentRead: it.consistentRead(),
	}
	it.built = in
	it.locked = true
	return in, nil
}

func (it *Iterator) consistentRead() bool {
	if it.idx != nil {
		return false
	}
	if it.opts.InconsistentRead == nil {
		return true
	}
	return !*it.opts.InconsistentRead
}

// buildKeyCondition reduces the key-field filters to conditions on the
// encoded key attributes: full equality on the partition attribute, and on
// the sort attribute equality on the leading components with at most one
// trailing range operator.
func (it *Iterator) buildKeyCondition(b *expr.Builder) (string, error) {
	partitionNames := it.desc.KeyNames()
	sortNames := it.desc.SortNames()
	partitionAttr := core.AttrPartitionKey
	sortAttr := core.AttrSortKey
	if it.idx != nil {
		partitionNames = it.idx.PartitionFields
		sortNames = it.idx.SortFields
		partitionAttr = it.idx.PartitionAttr(it.desc.KeyNames(), it.desc.SortNames())
		sortAttr = it.idx.SortAttr(it.desc.KeyNames(), it.desc.SortNames())
	}

	covered := 0
	for _, name := range partitionNames {
		if f, ok := it.filters[name]; ok {
			if f.op != "=" {
				return "", fmt.Errorf("%w: partition field %s only supports equality",
					errors.ErrInvalidParameter, name)
			}
			covered++
		}
	}
	if covered == 0 && it.mode == modeScan {
		return "", it.checkNoKeyFilters(sortNames)
	}
	if covered != len(partitionNames) {
		return "", fmt.Errorf("%w: all partition key fields must be filtered with equality",
			errors.ErrInvalidParameter)
	}

	values := make(map[string]any, covered)
	components := make([]keycodec.Component, 0, covered)
	for _, name := range partitionNames {
		spec, _ := it.desc.Spec(name)
		components = append(components, keycodec.Component{Name: name, IsString: schema.IsString(spec.Schema)})
		values[name] = it.filters[name].values[0]
	}
	encoded, err := keycodec.Encode(components, values)
	if err != nil {
		return "", err
	}
	fragments := []string{b.EqualsFragment(partitionAttr, stringAV(encoded))}

	sortFragment, err := it.buildSortCondition(b, sortNames, sortAttr)
	if err != nil {
		return "", err
	}
	if sortFragment != "" {
		fragments = append(fragments, sortFragment)
	}
	return strings.Join(fragments, " AND "), nil
}

func (it *Iterator) checkNoKeyFilters(sortNames []string) error {
	for _, name := range sortNames {
		if _, ok := it.filters[name]; ok {
			return fmt.Errorf("%w: sort filters require the partition key", errors.ErrInvalidParameter)
		}
	}
	return nil
}

func (it *Iterator) buildSortCondition(b *expr.Builder, sortNames []string, sortAttr string) (string, error) {
	if len(sortNames) == 0 {
		return "", nil
	}
	leading := make([]string, 0, len(sortNames))
	var tail *filterEntry
	var tailSpec *fields.Spec
	for _, name := range sortNames {
		f, ok := it.filters[name]
		if !ok {
			break
		}
		spec, _ := it.desc.Spec(name)
		if f.op == "=" {
			piece, err := keycodec.EncodeValue(keycodec.Component{Name: name, IsString: schema.IsString(spec.Schema)}, f.values[0])
			if err != nil {
				return "", err
			}
			leading = append(leading, piece)
			continue
		}
		entry := f
		tail = &entry
		tailSpec = spec
		break
	}
	filtered := len(leading)
	if tail != nil {
		filtered++
	}
	for _, name := range sortNames[filtered:] {
		if _, ok := it.filters[name]; ok {
			return "", fmt.Errorf("%w: sort field %s filtered without its leading components",
				errors.ErrInvalidParameter, name)
		}
	}
	if filtered == 0 {
		return "", nil
	}

	prefix := strings.Join(leading, keycodec.Separator)
	if tail == nil {
		if len(leading) == len(sortNames) {
			return b.EqualsFragment(sortAttr, stringAV(prefix)), nil
		}
		return b.BeginsWithFragment(sortAttr, stringAV(prefix+keycodec.Separator)), nil
	}

	join := func(piece string) string {
		if prefix == "" {
			return piece
		}
		return prefix + keycodec.Separator + piece
	}
	comp := keycodec.Component{Name: tailSpec.Name, IsString: schema.IsString(tailSpec.Schema)}
	switch tail.op {
	case "prefix":
		raw, _ := tail.values[0].(string)
		return b.BeginsWithFragment(sortAttr, stringAV(join(raw))), nil
	case "between":
		lo, err := keycodec.EncodeValue(comp, tail.values[0])
		if err != nil {
			return "", err
		}
		hi, err := keycodec.EncodeValue(comp, tail.values[1])
		if err != nil {
			return "", err
		}
		return b.BetweenFragment(sortAttr, stringAV(join(lo)), stringAV(join(hi))), nil
	default:
		piece, err := keycodec.EncodeValue(comp, tail.values[0])
		if err != nil {
			return "", err
		}
		return b.CompareFragment(sortAttr, tail.op, stringAV(join(piece))), nil
	}
}

func (it *Iterator) buildLazyFilter(b *expr.Builder) (string, error) {
	conv := pkgTypes.NewConverter()
	fragments := make([]string, 0)
	for _, name := range it.order {
		if partition, sortPos := it.fieldPosition(name); partition || sortPos >= 0 {
			continue
		}
		f := it.filters[name]
		switch f.op {
		case "prefix":
			raw, _ := f.values[0].(string)
			fragments = append(fragments, b.BeginsWithFragment(name, stringAV(raw)))
		case "between":
			lo, err := conv.ToAttributeValue(f.values[0])
			if err != nil {
				return "", err
			}
			hi, err := conv.ToAttributeValue(f.values[1])
			if err != nil {
				return "", err
			}
			fragments = append(fragments, b.BetweenFragment(name, lo, hi))
		default:
			av, err := conv.ToAttributeValue(f.values[0])
			if err != nil {
				return "", err
			}
			fragments = append(fragments, b.CompareFragment(name, f.op, av))
		}
	}
	return strings.Join(fragments, " AND "), nil
}

// Fetch returns up to limit items starting at the pagination token, plus the
// token for the next page ("" when the result set is exhausted).
func (it *Iterator) Fetch(ctx context.Context, limit int, token string) ([]*model.Item, string, error) {
	if limit <= 0 {
		return nil, "", fmt.Errorf("%w: fetch limit must be positive", errors.ErrInvalidParameter)
	}
	in, err := it.Build()
	if err != nil {
		return nil, "", err
	}
	startKey, err := DecodeCursor(token)
	if err != nil {
		return nil, "", err
	}

	items := make([]*model.Item, 0, limit)
	for len(items) < limit {
		page, lastKey, err := it.fetchPage(ctx, in, startKey, limit-len(items))
		if err != nil {
			return nil, "", err
		}
		items = append(items, page...)
		if lastKey == nil {
			return items, "", nil
		}
		startKey = lastKey
	}
	next, err := EncodeCursor(startKey)
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

func (it *Iterator) fetchPage(ctx context.Context, in *core.QueryInput, startKey core.Item, limit int) ([]*model.Item, core.Item, error) {
	var (
		rows    []core.Item
		lastKey core.Item
		err     error
	)
	if it.mode == modeQuery {
		page := *in
		page.ExclusiveStartKey = startKey
		page.Limit = numutil.ClampIntToInt32(limit)
		var out *core.QueryOutput
		out, err = it.store.Query(ctx, &page)
		if err == nil {
			rows, lastKey = out.Items, out.LastEvaluatedKey
		}
	} else {
		scan := &core.ScanInput{
			Table:             in.Table,
			Index:             in.Index,
			Filter:            scanFilter(in),
			Names:             in.Names,
			Values:            in.Values,
			Limit:             numutil.ClampIntToInt32(limit),
			ConsistentRead:    in.ConsistentRead,
			ExclusiveStartKey: startKey,
		}
		if it.opts.ShardCount > 0 {
			segment := numutil.ClampIntToInt32(it.opts.ShardIndex)
			total := numutil.ClampIntToInt32(it.opts.ShardCount)
			scan.Segment = &segment
			scan.TotalSegments = &total
		}
		var out *core.ScanOutput
		out, err = it.store.Scan(ctx, scan)
		if err == nil {
			rows, lastKey = out.Items, out.LastEvaluatedKey
		}
	}
	if err != nil {
		return nil, nil, err
	}

	now := it.sink.Now()
	items := make([]*model.Item, 0, len(rows))
	for _, row := range rows {
		var item *model.Item
		if it.idx != nil {
			item, err = it.desc.NewFromIndexRow(it.idx, row)
		} else {
			item, err = it.desc.NewFromRow(row)
		}
		if err != nil {
			return nil, nil, err
		}
		if item.IsExpired(now) {
			continue
		}
		canonical, err := it.sink.Register(item)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, canonical)
	}
	return items, lastKey, nil
}

// scanFilter folds the key condition into the filter expression: a scan has
// no key condition, so equality filters on key fields evaluate per row.
func scanFilter(in *core.QueryInput) string {
	switch {
	case in.KeyCondition == "":
		return in.Filter
	case in.Filter == "":
		return in.KeyCondition
	default:
		return in.KeyCondition + " AND " + in.Filter
	}
}

// Cursor is the lazy iteration handle Run returns. It is restartable only by
// building a new iterator.
type Cursor struct {
	it        *Iterator
	in        *core.QueryInput
	buffer    []*model.Item
	startKey  core.Item
	remaining int
	done      bool
}

// Run starts lazy iteration producing up to limit items.
func (it *Iterator) Run(ctx context.Context, limit int) (*Cursor, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: run limit must be positive", errors.ErrInvalidParameter)
	}
	in, err := it.Build()
	if err != nil {
		return nil, err
	}
	return &Cursor{it: it, in: in, remaining: limit}, nil
}

// Next returns the next item, or nil when the cursor is exhausted.
func (c *Cursor) Next(ctx context.Context) (*model.Item, error) {
	for len(c.buffer) == 0 {
		if c.done || c.remaining <= 0 {
			return nil, nil
		}
		page, lastKey, err := c.it.fetchPage(ctx, c.in, c.startKey, c.remaining)
		if err != nil {
			return nil, err
		}
		c.buffer = page
		c.startKey = lastKey
		if lastKey == nil {
			c.done = true
		}
	}
	item := c.buffer[0]
	c.buffer = c.buffer[1:]
	c.remaining--
	if c.remaining <= 0 {
		c.done = true
	}
	return item, nil
}
