// Package txtheory is a transactional object mapper for DynamoDB. A DB pairs
// a store client with a registry of class descriptors; Transact runs a
// closure whose reads and writes commit atomically under optimistic
// concurrency, retrying on contention.
package txtheory

import (
	"context"
	"time"

	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/logging"
	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/session"
	"github.com/theory-cloud/txtheory/pkg/store"
	"github.com/theory-cloud/txtheory/pkg/transaction"
)

// DB is the main txtheory handle.
type DB struct {
	session  *session.Session
	store    core.Store
	registry *model.Registry
	runner   *transaction.Runner
	log      logging.Logger
	opts     transaction.Options
}

// New creates a DB from a session configuration.
func New(cfg *session.Config) (*DB, error) {
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return newDB(store.New(sess.Client()), sess, sess.Logger()), nil
}

// NewWithStore creates a DB over an explicit store implementation, used for
// tests and alternative transports.
func NewWithStore(st core.Store, log logging.Logger) *DB {
	return newDB(st, nil, log)
}

func newDB(st core.Store, sess *session.Session, log logging.Logger) *DB {
	if log == nil {
		log = logging.NewNoOpLogger()
	}
	registry := model.NewRegistry()
	db := &DB{
		session:  sess,
		store:    st,
		registry: registry,
		log:      log,
		opts:     transaction.DefaultOptions(),
	}
	var now func() time.Time
	if sess != nil && sess.Config() != nil {
		now = sess.Config().Now
	}
	db.runner = transaction.NewRunner(st, registry, log, now)
	return db
}

func storeForSession(sess *session.Session) core.Store {
	return store.New(sess.Client())
}

// Register prepares descriptors and binds them to this DB's registry.
func (db *DB) Register(descs ...*model.Descriptor) error {
	return db.registry.Register(descs...)
}

// WithTransactionOptions returns a DB sharing this one's store and registry
// but running transactions with different defaults.
func (db *DB) WithTransactionOptions(opts transaction.Options) *DB {
	clone := *db
	clone.opts = opts
	return &clone
}

// Transact runs the closure with the DB's default transaction options.
func (db *DB) Transact(ctx context.Context, fn func(tx *transaction.Tx) error) error {
	return db.runner.Run(ctx, db.opts, fn)
}

// TransactWithOptions runs the closure with explicit transaction options.
func (db *DB) TransactWithOptions(ctx context.Context, opts transaction.Options, fn func(tx *transaction.Tx) error) error {
	return db.runner.Run(ctx, opts, fn)
}

// CreateTable creates the table for a descriptor, including the derived
// attributes of its secondary indexes and the TTL attribute.
func (db *DB) CreateTable(ctx context.Context, desc *model.Descriptor, readUnits, writeUnits int64) error {
	return db.store.CreateTable(ctx, desc.TableSpec(readUnits, writeUnits))
}

// EnsureTable creates the descriptor's table if it does not exist.
func (db *DB) EnsureTable(ctx context.Context, desc *model.Descriptor) error {
	if _, err := db.store.DescribeTable(ctx, desc.Table); err == nil {
		return nil
	}
	return db.CreateTable(ctx, desc, 0, 0)
}

// DescribeTable returns the store's metadata for a descriptor's table.
func (db *DB) DescribeTable(ctx context.Context, desc *model.Descriptor) (*core.TableDescription, error) {
	return db.store.DescribeTable(ctx, desc.Table)
}

// UpdateTable adjusts the provisioning of a descriptor's table.
func (db *DB) UpdateTable(ctx context.Context, desc *model.Descriptor, readUnits, writeUnits int64) error {
	return db.store.UpdateTable(ctx, &core.TableUpdate{
		Name:       desc.Table,
		ReadUnits:  readUnits,
		WriteUnits: writeUnits,
	})
}

// Session returns the underlying session, or nil for store-injected DBs.
func (db *DB) Session() *session.Session {
	return db.session
}

// Registry returns the DB's descriptor registry.
func (db *DB) Registry() *model.Registry {
	return db.registry
}
