package transaction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/query"
	"github.com/theory-cloud/txtheory/pkg/schema"
	txtesting "github.com/theory-cloud/txtheory/pkg/testing"
)

type fixture struct {
	store    *txtesting.MemStore
	registry *model.Registry
	runner   *Runner
	order    *model.Descriptor
	counter  *model.Descriptor
	book     *model.Descriptor
	session  *model.Descriptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    txtesting.NewMemStore(),
		registry: model.NewRegistry(),
	}
	f.order = &model.Descriptor{
		Name:      "Order",
		KeyFields: []*fields.Spec{{Name: "id", Schema: schema.Str()}},
		Fields: []*fields.Spec{
			{Name: "product", Schema: schema.Str()},
			{Name: "quantity", Schema: schema.Num()},
		},
	}
	f.counter = &model.Descriptor{
		Name:      "Counter",
		KeyFields: []*fields.Spec{{Name: "id", Schema: schema.Str()}},
		Fields:    []*fields.Spec{{Name: "count", Schema: schema.Num(), Optional: true}},
	}
	f.book = &model.Descriptor{
		Name:      "Guestbook",
		KeyFields: []*fields.Spec{{Name: "id", Schema: schema.Str()}},
		Fields: []*fields.Spec{
			{Name: "names", Schema: schema.Arr(map[string]any{"type": "string"}), Optional: true},
		},
	}
	f.session = &model.Descriptor{
		Name:        "Session",
		KeyFields:   []*fields.Spec{{Name: "id", Schema: schema.Str()}},
		Fields:      []*fields.Spec{{Name: "expiresAt", Schema: schema.Num(), Optional: true}},
		ExpireField: "expiresAt",
	}
	require.NoError(t, f.registry.Register(f.order, f.counter, f.book, f.session))
	f.runner = NewRunner(f.store, f.registry, nil, nil)
	return f
}

func fastOptions() Options {
	return Options{Retries: 5, InitialBackoff: time.Millisecond, MaxBackoff: 200 * time.Millisecond}
}

func TestCreateThenRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.order, map[string]any{"id": "a", "product": "coffee", "quantity": 1})
		return err
	})
	require.NoError(t, err)

	err = f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		item, err := tx.Get(f.order, map[string]any{"id": "a"}, nil)
		require.NoError(t, err)
		require.NotNil(t, item)
		product, err := item.Get("product")
		require.NoError(t, err)
		assert.Equal(t, "coffee", product)
		quantity, err := item.Get("quantity")
		require.NoError(t, err)
		assert.Equal(t, float64(1), quantity)
		return nil
	})
	require.NoError(t, err)

	err = f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.order, map[string]any{"id": "a", "product": "tea", "quantity": 2})
		return err
	})
	assert.ErrorIs(t, err, errors.ErrModelAlreadyExists)
}

func TestCounterRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.counter, map[string]any{"id": "c", "count": 0})
		return err
	}))

	// Both transactions read before either commits, so exactly one first
	// attempt hits contention and retries.
	var barrier sync.WaitGroup
	barrier.Add(2)

	run := func(attempts *int) error {
		return f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			*attempts++
			item, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
			if err != nil {
				return err
			}
			v, err := item.Get("count")
			if err != nil {
				return err
			}
			if err := item.Set("count", v.(float64)+1); err != nil {
				return err
			}
			if *attempts == 1 {
				barrier.Done()
				barrier.Wait()
			}
			return nil
		})
	}

	var wg sync.WaitGroup
	var errA, errB error
	var attemptsA, attemptsB int
	wg.Add(2)
	go func() { defer wg.Done(); errA = run(&attemptsA) }()
	go func() { defer wg.Done(); errB = run(&attemptsB) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.GreaterOrEqual(t, attemptsA+attemptsB, 3, "one transaction must have retried")

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		item, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
		require.NoError(t, err)
		v, err := item.Get("count")
		require.NoError(t, err)
		assert.Equal(t, float64(2), v)
		return nil
	}))
}

func TestBlindIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.counter, map[string]any{"id": "c", "count": 5})
		return err
	}))

	run := func(attempts *int) error {
		return f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			*attempts++
			item, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
			if err != nil {
				return err
			}
			return item.IncrementBy("count", 1)
		})
	}

	var wg sync.WaitGroup
	var errA, errB error
	var attemptsA, attemptsB int
	wg.Add(2)
	go func() { defer wg.Done(); errA = run(&attemptsA) }()
	go func() { defer wg.Done(); errB = run(&attemptsB) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, 1, attemptsA, "blind increments must not contend")
	assert.Equal(t, 1, attemptsB, "blind increments must not contend")

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		item, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
		require.NoError(t, err)
		v, err := item.Get("count")
		require.NoError(t, err)
		assert.Equal(t, float64(7), v)
		return nil
	}))
}

func TestGuestbookAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.book, map[string]any{"id": "g", "names": []any{}})
		return err
	}))

	var barrier sync.WaitGroup
	barrier.Add(2)

	push := func(name string, attempts *int) error {
		return f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			*attempts++
			item, err := tx.Get(f.book, map[string]any{"id": "g"}, nil)
			if err != nil {
				return err
			}
			v, err := item.Get("names")
			if err != nil {
				return err
			}
			names, _ := v.([]any)
			if err := item.Set("names", append(names, name)); err != nil {
				return err
			}
			if *attempts == 1 {
				barrier.Done()
				barrier.Wait()
			}
			return nil
		})
	}

	var wg sync.WaitGroup
	var errA, errB error
	var attemptsA, attemptsB int
	wg.Add(2)
	go func() { defer wg.Done(); errA = push("alice", &attemptsA) }()
	go func() { defer wg.Done(); errB = push("bob", &attemptsB) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, 3, attemptsA+attemptsB, "exactly one transaction retries once")

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		item, err := tx.Get(f.book, map[string]any{"id": "g"}, nil)
		require.NoError(t, err)
		v, err := item.Get("names")
		require.NoError(t, err)
		names, ok := v.([]any)
		require.True(t, ok)
		assert.Len(t, names, 2)
		assert.Contains(t, names, "alice")
		assert.Contains(t, names, "bob")
		return nil
	}))
}

func TestRetryIssuesOneReadAndOneCommitPerAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.counter, map[string]any{"id": "c", "count": 0})
		return err
	}))
	f.store.Calls = map[string]int{}

	// The first two commit attempts hit contention; the third lands.
	f.store.Inject("Update", &errors.StoreError{Code: errors.CodeConditionalCheckFailed})
	f.store.Inject("Update", &errors.StoreError{Code: errors.CodeConditionalCheckFailed})

	closureRuns := 0
	err := f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		closureRuns++
		item, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
		if err != nil {
			return err
		}
		v, err := item.Get("count")
		if err != nil {
			return err
		}
		return item.Set("count", v.(float64)+1)
	})
	require.NoError(t, err)

	assert.Equal(t, 3, closureRuns)
	assert.Equal(t, 3, f.store.Calls["Get"])
	assert.Equal(t, 3, f.store.Calls["Update"])
}

func TestRetryExhaustionFailsWithTransactionFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := fastOptions()
	opts.Retries = 2
	for i := 0; i <= opts.Retries; i++ {
		f.store.Inject("Put", &errors.StoreError{Code: errors.CodeThrottling, Retryable: true})
		f.store.Inject("Put", &errors.StoreError{Code: errors.CodeThrottling, Retryable: true})
		f.store.Inject("Put", &errors.StoreError{Code: errors.CodeThrottling, Retryable: true})
	}

	err := f.runner.Run(ctx, opts, func(tx *Tx) error {
		_, err := tx.Create(f.counter, map[string]any{"id": "x", "count": 0})
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransactionFailed)
}

type retryableUserError struct{ msg string }

func (e *retryableUserError) Error() string   { return e.msg }
func (e *retryableUserError) Retryable() bool { return true }

func TestUserErrorMarkedRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runs := 0
	err := f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		runs++
		if runs < 3 {
			return &retryableUserError{msg: "try again"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, runs)
}

func TestNonRetryableUserErrorFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runs := 0
	sentinel := fmt.Errorf("boom")
	err := f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		runs++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, runs)
}

func TestReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := fastOptions()
	opts.ReadOnly = true
	err := f.runner.Run(ctx, opts, func(tx *Tx) error {
		_, err := tx.Create(f.counter, map[string]any{"id": "x", "count": 0})
		return err
	})
	assert.ErrorIs(t, err, errors.ErrReadOnlyTransaction)

	err = f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		tx.MakeReadOnly()
		return tx.Update(f.counter, map[string]any{"id": "x"}, map[string]any{"count": 1})
	})
	assert.ErrorIs(t, err, errors.ErrReadOnlyTransaction)
}

func TestModelCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.counter, map[string]any{"id": "c", "count": 1})
		return err
	}))

	t.Run("RepeatedReadsReturnSameItem", func(t *testing.T) {
		opts := fastOptions()
		opts.CacheModels = true
		require.NoError(t, f.runner.Run(ctx, opts, func(tx *Tx) error {
			first, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
			require.NoError(t, err)
			second, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
			require.NoError(t, err)
			assert.Same(t, first, second)
			return nil
		}))
	})

	t.Run("DeleteInvalidatesEntry", func(t *testing.T) {
		opts := fastOptions()
		opts.CacheModels = true
		err := f.runner.Run(ctx, opts, func(tx *Tx) error {
			key, err := f.counter.Key(map[string]any{"id": "c"})
			require.NoError(t, err)
			require.NoError(t, tx.DeleteKey(key))
			_, err = tx.Get(f.counter, map[string]any{"id": "c"}, nil)
			return err
		})
		assert.ErrorIs(t, err, errors.ErrStaleCachedModel)
	})

	t.Run("WithoutCacheRepeatedReadIsDuplicateTracking", func(t *testing.T) {
		err := f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			_, err := tx.Get(f.counter, map[string]any{"id": "c"}, nil)
			require.NoError(t, err)
			_, err = tx.Get(f.counter, map[string]any{"id": "c"}, nil)
			return err
		})
		assert.ErrorIs(t, err, errors.ErrDuplicateTracking)
	})
}

func TestPostCommitEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("FiresInOrderOnSuccess", func(t *testing.T) {
		var order []string
		require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			require.NoError(t, tx.AddEventHandler(PostCommit, func(commitErr error) error {
				assert.NoError(t, commitErr)
				order = append(order, "first")
				return nil
			}))
			require.NoError(t, tx.AddEventHandler(PostCommit, func(commitErr error) error {
				order = append(order, "second")
				return nil
			}))
			_, err := tx.Create(f.counter, map[string]any{"id": "ev", "count": 0})
			return err
		}))
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("FiresWithFailureOnFailedCommit", func(t *testing.T) {
		var observed error
		err := f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			require.NoError(t, tx.AddEventHandler(PostCommit, func(commitErr error) error {
				observed = commitErr
				return nil
			}))
			_, err := tx.Create(f.counter, map[string]any{"id": "ev", "count": 0})
			return err
		})
		assert.ErrorIs(t, err, errors.ErrModelAlreadyExists)
		assert.ErrorIs(t, observed, errors.ErrModelAlreadyExists)
	})

	t.Run("HandlerErrorPropagates", func(t *testing.T) {
		boom := fmt.Errorf("handler boom")
		err := f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			require.NoError(t, tx.AddEventHandler(PostCommit, func(error) error { return boom }))
			_, err := tx.Create(f.counter, map[string]any{"id": "ev2", "count": 0})
			return err
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("UnknownEventRejected", func(t *testing.T) {
		require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			err := tx.AddEventHandler("preCommit", func(error) error { return nil })
			assert.ErrorIs(t, err, errors.ErrInvalidParameter)
			return nil
		}))
	})
}

func TestGetMulti(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		for _, id := range []string{"a", "b"} {
			if _, err := tx.Create(f.counter, map[string]any{"id": id, "count": 1}); err != nil {
				return err
			}
		}
		return nil
	}))

	keys := func(t *testing.T) []*model.Key {
		t.Helper()
		out := make([]*model.Key, 0, 3)
		for _, id := range []string{"a", "b", "missing"} {
			key, err := f.counter.Key(map[string]any{"id": id})
			require.NoError(t, err)
			out = append(out, key)
		}
		return out
	}

	t.Run("StrongReadUsesTransactGet", func(t *testing.T) {
		f.store.Calls = map[string]int{}
		require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			items, err := tx.GetMulti(keys(t), nil)
			require.NoError(t, err)
			require.Len(t, items, 3)
			assert.NotNil(t, items[0])
			assert.NotNil(t, items[1])
			assert.Nil(t, items[2])
			return nil
		}))
		assert.Equal(t, 1, f.store.Calls["TransactGet"])
		assert.Zero(t, f.store.Calls["BatchGet"])
	})

	t.Run("InconsistentReadRetriesUnprocessedKeys", func(t *testing.T) {
		f.store.Calls = map[string]int{}
		f.store.UnprocessedRounds = 2
		require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			items, err := tx.GetMulti(keys(t), &GetOptions{InconsistentRead: true})
			require.NoError(t, err)
			assert.NotNil(t, items[0])
			assert.Nil(t, items[2])
			return nil
		}))
		assert.Equal(t, 3, f.store.Calls["BatchGet"])
	})
}

func TestTTLReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	f.runner = NewRunner(f.store, f.registry, nil, func() time.Time { return now })

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		_, err := tx.Create(f.session, map[string]any{
			"id":        "s",
			"expiresAt": float64(now.Add(-time.Hour).Unix()),
		})
		return err
	}))

	t.Run("ExpiredRowReadsAsMiss", func(t *testing.T) {
		require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			item, err := tx.Get(f.session, map[string]any{"id": "s"}, nil)
			require.NoError(t, err)
			assert.Nil(t, item)
			return nil
		}))
	})

	t.Run("CreateIfMissingRevivesExpiredRow", func(t *testing.T) {
		require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
			item, err := tx.Get(f.session, map[string]any{"id": "s"}, &GetOptions{CreateIfMissing: true})
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.True(t, item.IsNew())
			return item.Set("expiresAt", float64(now.Add(time.Hour).Unix()))
		}))
	})
}

func TestQueryThroughTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("row-%d", i)
			if _, err := tx.Create(f.counter, map[string]any{"id": id, "count": float64(i)}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, f.runner.Run(ctx, fastOptions(), func(tx *Tx) error {
		it := tx.Scan(f.counter, query.Options{})
		items, _, err := it.Fetch(ctx, 10, "")
		require.NoError(t, err)
		assert.Len(t, items, 3)

		// Results are tracked: mutating one commits with the transaction.
		return items[0].Set("count", float64(100))
	}))
}
