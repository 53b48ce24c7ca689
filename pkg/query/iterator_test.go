package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/index"
	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/schema"
	txtesting "github.com/theory-cloud/txtheory/pkg/testing"
)

// passSink registers nothing; iterator tests exercise the builder and
// pagination, not transaction tracking.
type passSink struct{}

func (passSink) Register(item *model.Item) (*model.Item, error) { return item, nil }
func (passSink) Now() time.Time                                 { return time.Unix(1700000000, 0) }

func lineDescriptor(t *testing.T) *model.Descriptor {
	t.Helper()
	desc := &model.Descriptor{
		Name:       "OrderLine",
		KeyFields:  []*fields.Spec{{Name: "orderID", Schema: schema.Str()}},
		SortFields: []*fields.Spec{{Name: "lineID", Schema: schema.Str()}},
		Fields: []*fields.Spec{
			{Name: "sku", Schema: schema.Str()},
			{Name: "qty", Schema: schema.Num(), Optional: true},
		},
	}
	require.NoError(t, model.NewRegistry().Register(desc))
	return desc
}

func seedLines(t *testing.T, store *txtesting.MemStore, desc *model.Descriptor, orderID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		item, err := desc.NewCreate(map[string]any{
			"orderID": orderID,
			"lineID":  string(rune('a' + i)),
			"sku":     "sku-" + string(rune('a'+i)),
			"qty":     float64(i),
		})
		require.NoError(t, err)
		req, err := item.PutRequest()
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, &core.PutInput{Table: req.Table, Item: req.Item, Expr: req.Expr}))
	}
}

func TestFilterRules(t *testing.T) {
	desc := lineDescriptor(t)
	store := txtesting.NewMemStore()

	t.Run("DuplicateFilterFails", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).
			Filter("orderID", "=", "o1").
			Filter("orderID", "=", "o2")
		assert.ErrorIs(t, it.Err(), errors.ErrDuplicateFilter)
	})

	t.Run("PartitionFieldOnlyEquality", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).Filter("orderID", ">", "o1")
		assert.ErrorIs(t, it.Err(), errors.ErrInvalidParameter)
	})

	t.Run("NonKeyFilterRequiresLazy", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).
			Filter("orderID", "=", "o1").
			Filter("sku", "=", "x")
		assert.ErrorIs(t, it.Err(), errors.ErrInvalidParameter)

		lazy := NewQuery(desc, store, passSink{}, Options{AllowLazyFilter: true}).
			Filter("orderID", "=", "o1").
			Filter("sku", "=", "x")
		assert.NoError(t, lazy.Err())
	})

	t.Run("ScanNeverRequiresLazy", func(t *testing.T) {
		it := NewScan(desc, store, passSink{}, Options{}).Filter("sku", "=", "x")
		assert.NoError(t, it.Err())
	})

	t.Run("BetweenArity", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).
			Filter("orderID", "=", "o1").
			Filter("lineID", "between", "a")
		assert.ErrorIs(t, it.Err(), errors.ErrInvalidParameter)
	})

	t.Run("LockedAfterBuild", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).Filter("orderID", "=", "o1")
		_, err := it.Build()
		require.NoError(t, err)
		it.Filter("lineID", "=", "a")
		assert.ErrorIs(t, it.Err(), errors.ErrLocked)
	})

	t.Run("QueryRequiresPartitionEquality", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{})
		_, err := it.Build()
		assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	})

	t.Run("UnknownIndexFails", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{Index: "nope"})
		assert.ErrorIs(t, it.Err(), errors.ErrInvalidParameter)
	})

	t.Run("StrongReadOnIndexFails", func(t *testing.T) {
		withIndex := &model.Descriptor{
			Name:      "Indexed",
			KeyFields: []*fields.Spec{{Name: "id", Schema: schema.Str()}},
			Fields:    []*fields.Spec{{Name: "owner", Schema: schema.Str(), Optional: true}},
			Indexes:   []index.Definition{{Name: "byOwner", PartitionFields: []string{"owner"}}},
		}
		require.NoError(t, model.NewRegistry().Register(withIndex))
		strong := false
		it := NewQuery(withIndex, store, passSink{}, Options{Index: "byOwner", InconsistentRead: &strong})
		assert.ErrorIs(t, it.Err(), errors.ErrInvalidParameter)
	})
}

func TestShardValidation(t *testing.T) {
	desc := lineDescriptor(t)
	store := txtesting.NewMemStore()

	it := NewScan(desc, store, passSink{}, Options{ShardCount: 2, ShardIndex: 2})
	assert.ErrorIs(t, it.Err(), errors.ErrInvalidParameter)

	ok := NewScan(desc, store, passSink{}, Options{ShardCount: 2, ShardIndex: 1})
	assert.NoError(t, ok.Err())
}

func TestFetchPagination(t *testing.T) {
	desc := lineDescriptor(t)
	store := txtesting.NewMemStore()
	seedLines(t, store, desc, "o1", 5)
	ctx := context.Background()

	it := NewQuery(desc, store, passSink{}, Options{}).Filter("orderID", "=", "o1")
	items, token, err := it.Fetch(ctx, 2, "")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.NotEmpty(t, token)

	rest, next, err := it.Fetch(ctx, 10, token)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
	assert.Empty(t, next)
}

func TestSortConditions(t *testing.T) {
	desc := lineDescriptor(t)
	store := txtesting.NewMemStore()
	seedLines(t, store, desc, "o1", 5)
	seedLines(t, store, desc, "o2", 2)
	ctx := context.Background()

	t.Run("SortEquality", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).
			Filter("orderID", "=", "o1").
			Filter("lineID", "=", "c")
		items, _, err := it.Fetch(ctx, 10, "")
		require.NoError(t, err)
		require.Len(t, items, 1)
		sku, err := items[0].Get("sku")
		require.NoError(t, err)
		assert.Equal(t, "sku-c", sku)
	})

	t.Run("SortRange", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).
			Filter("orderID", "=", "o1").
			Filter("lineID", ">=", "d")
		items, _, err := it.Fetch(ctx, 10, "")
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("SortBetween", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).
			Filter("orderID", "=", "o1").
			Filter("lineID", "between", "b", "d")
		items, _, err := it.Fetch(ctx, 10, "")
		require.NoError(t, err)
		assert.Len(t, items, 3)
	})

	t.Run("SortPrefix", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{}).
			Filter("orderID", "=", "o1").
			Filter("lineID", "prefix", "a")
		items, _, err := it.Fetch(ctx, 10, "")
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("Descending", func(t *testing.T) {
		it := NewQuery(desc, store, passSink{}, Options{Descending: true}).
			Filter("orderID", "=", "o1")
		items, _, err := it.Fetch(ctx, 1, "")
		require.NoError(t, err)
		require.Len(t, items, 1)
		sku, err := items[0].Get("sku")
		require.NoError(t, err)
		assert.Equal(t, "sku-e", sku)
	})
}

func TestRunCursor(t *testing.T) {
	desc := lineDescriptor(t)
	store := txtesting.NewMemStore()
	seedLines(t, store, desc, "o1", 4)
	ctx := context.Background()

	it := NewQuery(desc, store, passSink{}, Options{}).Filter("orderID", "=", "o1")
	cursor, err := it.Run(ctx, 3)
	require.NoError(t, err)

	var seen []string
	for {
		item, err := cursor.Next(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		sku, err := item.Get("sku")
		require.NoError(t, err)
		seen = append(seen, sku.(string))
	}
	assert.Equal(t, []string{"sku-a", "sku-b", "sku-c"}, seen)
}

func TestScan(t *testing.T) {
	desc := lineDescriptor(t)
	store := txtesting.NewMemStore()
	seedLines(t, store, desc, "o1", 3)
	seedLines(t, store, desc, "o2", 2)
	ctx := context.Background()

	t.Run("FullSweep", func(t *testing.T) {
		it := NewScan(desc, store, passSink{}, Options{})
		items, _, err := it.Fetch(ctx, 100, "")
		require.NoError(t, err)
		assert.Len(t, items, 5)
	})

	t.Run("FilterOnNonKeyField", func(t *testing.T) {
		it := NewScan(desc, store, passSink{}, Options{}).Filter("sku", "=", "sku-a")
		items, _, err := it.Fetch(ctx, 100, "")
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("ShardsPartitionTheTable", func(t *testing.T) {
		total := 0
		for shard := 0; shard < 3; shard++ {
			it := NewScan(desc, store, passSink{}, Options{ShardCount: 3, ShardIndex: shard})
			items, _, err := it.Fetch(ctx, 100, "")
			require.NoError(t, err)
			total += len(items)
		}
		assert.Equal(t, 5, total)
	})
}
