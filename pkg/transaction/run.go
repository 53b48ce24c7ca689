package transaction

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/logging"
	"github.com/theory-cloud/txtheory/pkg/model"
)

// Runner executes transaction closures against one store and registry.
type Runner struct {
	store    core.Store
	registry *model.Registry
	log      logging.Logger
	now      func() time.Time
}

// NewRunner creates a transaction runner.
func NewRunner(store core.Store, registry *model.Registry, log logging.Logger, now func() time.Time) *Runner {
	if log == nil {
		log = logging.NewNoOpLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Runner{store: store, registry: registry, log: log, now: now}
}

// Run executes the closure and commits its tracked writes. Retryable
// failures — contention, transient store errors, and user errors that mark
// themselves retryable — re-run the closure against a fresh batcher with
// jittered exponential backoff between attempts. Exhausting the retry
// budget fails with TransactionFailed.
func (r *Runner) Run(ctx context.Context, opts Options, fn func(tx *Tx) error) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	bo := newBackOff(opts)

	attempts := opts.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.log.Debug("retrying transaction, attempt %d of %d", attempt+1, attempts)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := newTx(ctx, r.store, r.registry, opts, r.log, r.now)
		if err != nil {
			return err
		}
		err = fn(tx)
		committed := false
		if err == nil {
			committed = true
			err = tx.commit()
		}
		if committed {
			if handlerErr := tx.firePostCommit(err); handlerErr != nil && err == nil {
				return handlerErr
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return err
		}
	}
	return &errors.TransactionError{Err: lastErr, Attempts: attempts}
}

// newBackOff builds the retry schedule: min(initial·2^i, max) with ±10%
// jitter per attempt.
func newBackOff(opts Options) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.RandomizationFactor = 0.1
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func stringOf(item core.Item, name string) (string, bool) {
	av, ok := item[name]
	if !ok {
		return "", false
	}
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}
