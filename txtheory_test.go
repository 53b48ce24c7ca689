package txtheory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/index"
	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/schema"
	txtesting "github.com/theory-cloud/txtheory/pkg/testing"
	"github.com/theory-cloud/txtheory/pkg/transaction"
)

func noteDescriptor() *model.Descriptor {
	return &model.Descriptor{
		Name:      "Note",
		KeyFields: []*fields.Spec{{Name: "id", Schema: schema.Str()}},
		Fields: []*fields.Spec{
			{Name: "body", Schema: schema.Str()},
			{Name: "author", Schema: schema.Str(), Optional: true},
		},
		Indexes: []index.Definition{
			{Name: "byAuthor", PartitionFields: []string{"author"}, Sparse: true},
		},
	}
}

func newTestDB(t *testing.T) (*DB, *txtesting.MemStore, *model.Descriptor) {
	t.Helper()
	store := txtesting.NewMemStore()
	db := NewWithStore(store, nil)
	desc := noteDescriptor()
	require.NoError(t, db.Register(desc))
	return db, store, desc
}

func TestDBTransact(t *testing.T) {
	db, _, desc := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Transact(ctx, func(tx *transaction.Tx) error {
		_, err := tx.Create(desc, map[string]any{"id": "n1", "body": "hello", "author": "ada"})
		return err
	}))

	require.NoError(t, db.Transact(ctx, func(tx *transaction.Tx) error {
		item, err := tx.Get(desc, map[string]any{"id": "n1"}, nil)
		require.NoError(t, err)
		require.NotNil(t, item)
		body, err := item.Get("body")
		require.NoError(t, err)
		assert.Equal(t, "hello", body)
		return nil
	}))
}

func TestDBTransactWithOptions(t *testing.T) {
	db, _, _ := newTestDB(t)
	opts := transaction.Options{Retries: 0, InitialBackoff: time.Millisecond, MaxBackoff: 200 * time.Millisecond}
	err := db.TransactWithOptions(context.Background(), opts, func(tx *transaction.Tx) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestDBTableLifecycle(t *testing.T) {
	db, store, desc := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateTable(ctx, desc, 5, 5))
	assert.Equal(t, 1, store.Calls["CreateTable"])

	described, err := db.DescribeTable(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, "Note", described.Name)
	assert.Contains(t, described.IndexNames, "byAuthor")

	// EnsureTable is idempotent once the table exists.
	require.NoError(t, db.EnsureTable(ctx, desc))
	assert.Equal(t, 1, store.Calls["CreateTable"])

	require.NoError(t, db.UpdateTable(ctx, desc, 10, 10))
	assert.Equal(t, 1, store.Calls["UpdateTable"])
}

func TestDescriptorTableSpec(t *testing.T) {
	desc := noteDescriptor()
	registry := model.NewRegistry()
	require.NoError(t, registry.Register(desc))

	spec := desc.TableSpec(5, 5)
	assert.Equal(t, "Note", spec.Name)
	assert.Equal(t, "_id", spec.PartitionAttr)
	require.Len(t, spec.Indexes, 1)
	assert.Equal(t, "_c_author", spec.Indexes[0].PartitionAttr)
}

func TestLambdaDBDeadline(t *testing.T) {
	store := txtesting.NewMemStore()
	db := NewWithStore(store, nil)
	ldb := &LambdaDB{DB: db, timeoutBuffer: 100 * time.Millisecond}

	t.Run("NoDeadlinePassesThrough", func(t *testing.T) {
		ctx, cancel := ldb.TransactionContext(context.Background())
		defer cancel()
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
	})

	t.Run("DeadlineShavedByBuffer", func(t *testing.T) {
		deadline := time.Now().Add(time.Second)
		parent, parentCancel := context.WithDeadline(context.Background(), deadline)
		defer parentCancel()

		ctx, cancel := ldb.TransactionContext(parent)
		defer cancel()
		got, ok := ctx.Deadline()
		require.True(t, ok)
		assert.True(t, got.Before(deadline))
	})
}
