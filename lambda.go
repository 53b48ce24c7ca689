// lambda.go
package txtheory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/session"
	"github.com/theory-cloud/txtheory/pkg/transaction"
)

var (
	// Global Lambda-optimized DB for connection reuse across invocations
	globalLambdaDB *LambdaDB
	lambdaOnce     sync.Once
	lambdaInitErr  error
)

// defaultTimeoutBuffer is shaved off the Lambda deadline so transactions
// fail fast instead of being killed mid-commit by the platform.
const defaultTimeoutBuffer = 500 * time.Millisecond

// LambdaDB wraps DB with deadline-aware transaction contexts for AWS Lambda
// handlers. Initialize it once per sandbox and reuse it across invocations.
type LambdaDB struct {
	*DB
	timeoutBuffer time.Duration
}

// NewLambdaOptimized creates a Lambda-tuned DB from the default environment
// configuration.
func NewLambdaOptimized(cfg *session.Config) (*LambdaDB, error) {
	db, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Lambda DB: %w", err)
	}
	return &LambdaDB{DB: db, timeoutBuffer: defaultTimeoutBuffer}, nil
}

// LambdaInit initializes the process-global Lambda DB exactly once and
// registers the given descriptors. Call it from the handler's init path:
//
//	var db *txtheory.LambdaDB
//	func init() {
//	    db, _ = txtheory.LambdaInit(nil, orderDesc, customerDesc)
//	}
func LambdaInit(cfg *session.Config, descs ...*model.Descriptor) (*LambdaDB, error) {
	lambdaOnce.Do(func() {
		globalLambdaDB, lambdaInitErr = NewLambdaOptimized(cfg)
		if lambdaInitErr == nil && len(descs) > 0 {
			lambdaInitErr = globalLambdaDB.Register(descs...)
		}
	})
	return globalLambdaDB, lambdaInitErr
}

// WithTimeoutBuffer returns a LambdaDB with a custom buffer between the
// function deadline and the transaction deadline.
func (l *LambdaDB) WithTimeoutBuffer(buffer time.Duration) *LambdaDB {
	return &LambdaDB{DB: l.DB, timeoutBuffer: buffer}
}

// TransactionContext derives a context that expires ahead of the Lambda
// deadline. Outside Lambda (no deadline on ctx) it returns ctx unchanged.
func (l *LambdaDB) TransactionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}
	}
	adjusted := deadline.Add(-l.timeoutBuffer)
	if lc, lambdaOK := lambdacontext.FromContext(ctx); lambdaOK {
		l.log.Debug("lambda request %s: transaction deadline %s", lc.AwsRequestID, adjusted)
	}
	return context.WithDeadline(ctx, adjusted)
}

// Transact runs the closure under the deadline-adjusted context.
func (l *LambdaDB) Transact(ctx context.Context, fn func(tx *transaction.Tx) error) error {
	txCtx, cancel := l.TransactionContext(ctx)
	defer cancel()
	return l.DB.Transact(txCtx, fn)
}

// TransactWithOptions runs the closure under the deadline-adjusted context
// with explicit options.
func (l *LambdaDB) TransactWithOptions(ctx context.Context, opts transaction.Options, fn func(tx *transaction.Tx) error) error {
	txCtx, cancel := l.TransactionContext(ctx)
	defer cancel()
	return l.DB.TransactWithOptions(txCtx, opts, fn)
}
