package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/theory-cloud/txtheory/pkg/batcher"
	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/logging"
	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/query"
)

// Tx is the handle a transaction closure receives. All operations share the
// run's context; the batcher and model cache belong to this attempt and are
// discarded on retry.
type Tx struct {
	ctx      context.Context
	store    core.Store
	registry *model.Registry
	batcher  *batcher.Batcher
	cache    *modelCache
	log      logging.Logger
	now      func() time.Time
	handlers []Handler
	opts     Options
	readOnly bool
}

func newTx(ctx context.Context, store core.Store, registry *model.Registry, opts Options, log logging.Logger, now func() time.Time) (*Tx, error) {
	cache, err := newModelCache()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNoOpLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Tx{
		ctx:      ctx,
		store:    store,
		registry: registry,
		batcher:  batcher.New(store, log),
		cache:    cache,
		log:      log,
		now:      now,
		opts:     opts,
		readOnly: opts.ReadOnly,
	}, nil
}

// Context returns the context the transaction runs under.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Now returns the transaction's clock reading; TTL checks anchor on it.
func (tx *Tx) Now() time.Time {
	return tx.now()
}

// MakeReadOnly rejects all writes from this point on.
func (tx *Tx) MakeReadOnly() {
	tx.readOnly = true
}

func (tx *Tx) descriptor(desc *model.Descriptor) error {
	if !tx.registry.Registered(desc) {
		return fmt.Errorf("%w: %s", errors.ErrModelNotRegistered, desc.Name)
	}
	return nil
}

// Get reads a single row by key components. A miss returns nil unless
// CreateIfMissing is set, in which case it returns a new empty item that
// will be inserted at commit. Rows past their expire epoch read as misses.
func (tx *Tx) Get(desc *model.Descriptor, keyValues map[string]any, opts *GetOptions) (*model.Item, error) {
	if err := tx.descriptor(desc); err != nil {
		return nil, err
	}
	key, err := desc.Key(keyValues)
	if err != nil {
		return nil, err
	}
	return tx.getByKey(key, opts)
}

func (tx *Tx) getByKey(key *model.Key, opts *GetOptions) (*model.Item, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	if item, done, err := tx.fromCache(key); done {
		return item, err
	}

	row, err := tx.store.Get(tx.ctx, &core.GetInput{
		Table:          key.Descriptor.Table,
		Key:            key.StoreKey(),
		ConsistentRead: !opts.InconsistentRead,
	})
	if err != nil {
		return nil, err
	}
	return tx.materializeRow(key, row, opts)
}

// fromCache resolves a repeated read. With caching on it returns the item
// already held (or fails on an invalidated entry); with caching off a
// repeated read surfaces as duplicate tracking.
func (tx *Tx) fromCache(key *model.Key) (*model.Item, bool, error) {
	if !tx.opts.CacheModels {
		return nil, false, nil
	}
	item, present, err := tx.cache.get(key.TrackKey())
	if err != nil {
		return nil, true, err
	}
	if present {
		return item, true, nil
	}
	return nil, false, nil
}

func (tx *Tx) materializeRow(key *model.Key, row core.Item, opts *GetOptions) (*model.Item, error) {
	desc := key.Descriptor
	var (
		item         *model.Item
		expiredEpoch any
		err          error
	)
	if row != nil {
		item, err = desc.NewFromRow(row)
		if err != nil {
			return nil, err
		}
		if item.IsExpired(tx.now()) {
			tx.log.Debug("row %s expired, treating as miss", key.TrackKey())
			if cell, cellErr := item.Cell(desc.ExpireField); cellErr == nil {
				expiredEpoch = cell.Peek()
			}
			item = nil
		}
	}
	if item == nil {
		if !opts.CreateIfMissing {
			return nil, nil
		}
		if expiredEpoch != nil {
			item, err = desc.NewExpiredShell(key, expiredEpoch)
		} else {
			item, err = desc.NewShell(key, true)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := tx.batcher.Track(item); err != nil {
		return nil, err
	}
	if tx.opts.CacheModels {
		tx.cache.put(item)
	}
	return item, nil
}

// GetMulti reads several rows. With InconsistentRead it dispatches as batch
// gets, retrying unprocessed keys with backoff; otherwise it uses a single
// strongly consistent transactional get. Results are positional; misses are
// nil entries unless CreateIfMissing is set.
func (tx *Tx) GetMulti(keys []*model.Key, opts *GetOptions) ([]*model.Item, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	for _, key := range keys {
		if err := tx.descriptor(key.Descriptor); err != nil {
			return nil, err
		}
	}

	rows, err := tx.readMulti(keys, opts.InconsistentRead)
	if err != nil {
		return nil, err
	}
	items := make([]*model.Item, len(keys))
	for i, key := range keys {
		if item, done, err := tx.fromCache(key); done {
			if err != nil {
				return nil, err
			}
			items[i] = item
			continue
		}
		items[i], err = tx.materializeRow(key, rows[i], opts)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (tx *Tx) readMulti(keys []*model.Key, inconsistent bool) ([]core.Item, error) {
	if inconsistent {
		return tx.batchGet(keys)
	}
	gets := make([]core.TransactGetItem, len(keys))
	for i, key := range keys {
		gets[i] = core.TransactGetItem{Table: key.Descriptor.Table, Key: key.StoreKey()}
	}
	return tx.store.TransactGet(tx.ctx, gets)
}

// batchGetAttempts caps the unprocessed-key retry loop.
const batchGetAttempts = 11

func (tx *Tx) batchGet(keys []*model.Key) ([]core.Item, error) {
	pending := make(core.BatchGetRequest)
	for _, key := range keys {
		pending[key.Descriptor.Table] = append(pending[key.Descriptor.Table], key.StoreKey())
	}

	found := make(map[string]core.Item)
	delay := 40 * time.Millisecond
	for attempt := 0; attempt < batchGetAttempts; attempt++ {
		if attempt > 0 {
			tx.log.Debug("retrying batch get, attempt %d", attempt+1)
			select {
			case <-time.After(delay):
			case <-tx.ctx.Done():
				return nil, tx.ctx.Err()
			}
			if delay *= 2; delay > 2*time.Second {
				delay = 2 * time.Second
			}
		}
		out, err := tx.store.BatchGet(tx.ctx, pending)
		if err != nil {
			return nil, err
		}
		for table, rows := range out.Items {
			for _, row := range rows {
				found[rowIdentity(table, row)] = row
			}
		}
		if len(out.Unprocessed) == 0 {
			pending = nil
			break
		}
		pending = out.Unprocessed
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("%w: batch get left keys unprocessed after %d attempts",
			errors.ErrTransactionFailed, batchGetAttempts)
	}

	rows := make([]core.Item, len(keys))
	for i, key := range keys {
		rows[i] = found[rowIdentity(key.Descriptor.Table, key.StoreKey())]
	}
	return rows, nil
}

func rowIdentity(table string, row core.Item) string {
	id, _ := stringOf(row, core.AttrPartitionKey)
	sk, _ := stringOf(row, core.AttrSortKey)
	return table + "\x1f" + id + "\x1f" + sk
}

// Create builds a new item from user data and tracks it for insertion at
// commit. Committing against an existing row fails with ModelAlreadyExists.
func (tx *Tx) Create(desc *model.Descriptor, data map[string]any) (*model.Item, error) {
	if err := tx.writeAllowed(desc); err != nil {
		return nil, err
	}
	item, err := desc.NewCreate(data)
	if err != nil {
		return nil, err
	}
	if err := tx.batcher.Track(item); err != nil {
		return nil, err
	}
	tx.cache.invalidate(item.Key().TrackKey())
	return item, nil
}

// Update tracks a blind conditional update: changes are written only if the
// row still matches the expected values, without reading it first.
func (tx *Tx) Update(desc *model.Descriptor, expected, changes map[string]any) error {
	if err := tx.writeAllowed(desc); err != nil {
		return err
	}
	item, err := desc.NewBlindUpdate(expected, changes)
	if err != nil {
		return err
	}
	if err := tx.batcher.Track(item); err != nil {
		return err
	}
	tx.cache.invalidate(item.Key().TrackKey())
	return nil
}

// CreateOrPut tracks an upsert: the final values overwrite the row if it is
// absent or still matches the expected values.
func (tx *Tx) CreateOrPut(desc *model.Descriptor, expected, final map[string]any) (*model.Item, error) {
	if err := tx.writeAllowed(desc); err != nil {
		return nil, err
	}
	item, err := desc.NewCreateOrPut(expected, final)
	if err != nil {
		return nil, err
	}
	if err := tx.batcher.Track(item); err != nil {
		return nil, err
	}
	tx.cache.invalidate(item.Key().TrackKey())
	return item, nil
}

// DeleteItem schedules a tracked item for deletion at commit.
func (tx *Tx) DeleteItem(item *model.Item) error {
	if err := tx.writeAllowed(item.Descriptor()); err != nil {
		return err
	}
	if _, tracked := tx.batcher.Tracked(item.Key()); !tracked {
		return fmt.Errorf("%w: cannot delete untracked item %s",
			errors.ErrInvalidParameter, item.Key().TrackKey())
	}
	item.ScheduleDelete()
	tx.cache.invalidate(item.Key().TrackKey())
	return nil
}

// DeleteKey schedules an unread row for deletion by key.
func (tx *Tx) DeleteKey(key *model.Key) error {
	if err := tx.writeAllowed(key.Descriptor); err != nil {
		return err
	}
	if item, tracked := tx.batcher.Tracked(key); tracked {
		item.ScheduleDelete()
		tx.cache.invalidate(key.TrackKey())
		return nil
	}
	item, err := key.Descriptor.NewShell(key, false)
	if err != nil {
		return err
	}
	item.ScheduleDelete()
	if err := tx.batcher.Track(item); err != nil {
		return err
	}
	tx.cache.invalidate(key.TrackKey())
	return nil
}

// Query returns a query iterator whose results are tracked by this
// transaction.
func (tx *Tx) Query(desc *model.Descriptor, opts query.Options) *query.Iterator {
	return query.NewQuery(desc, tx.store, (*txSink)(tx), opts)
}

// Scan returns a scan iterator whose results are tracked by this
// transaction.
func (tx *Tx) Scan(desc *model.Descriptor, opts query.Options) *query.Iterator {
	return query.NewScan(desc, tx.store, (*txSink)(tx), opts)
}

func (tx *Tx) writeAllowed(desc *model.Descriptor) error {
	if err := tx.descriptor(desc); err != nil {
		return err
	}
	if tx.readOnly {
		return errors.ErrReadOnlyTransaction
	}
	return nil
}

// commit hands the tracked set to the batcher.
func (tx *Tx) commit() error {
	return tx.batcher.Commit(tx.ctx)
}

// txSink adapts Tx to the iterator sink: materialized rows join the tracked
// set and the model cache, and a row the transaction already holds resolves
// to the held item.
type txSink Tx

// Register implements query.Sink
func (s *txSink) Register(item *model.Item) (*model.Item, error) {
	tx := (*Tx)(s)
	if existing, tracked := tx.batcher.Tracked(item.Key()); tracked {
		return existing, nil
	}
	if err := tx.batcher.Track(item); err != nil {
		return nil, err
	}
	if tx.opts.CacheModels {
		tx.cache.put(item)
	}
	return item, nil
}

// Now implements query.Sink
func (s *txSink) Now() time.Time {
	return (*Tx)(s).now()
}
