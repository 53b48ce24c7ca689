// Package batcher tracks the items a transaction touched and reduces them
// to a single store write or a transactional bundle at commit time.
package batcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/errors"
	"github.com/theory-cloud/txtheory/pkg/logging"
	"github.com/theory-cloud/txtheory/pkg/model"
)

const (
	fastPathAttempts = 3
	fastPathBase     = 40 * time.Millisecond
)

// Batcher is the per-transaction write set. Items register as they are
// created or retrieved; Commit reduces the set to the cheapest store call
// that preserves the read set's conditions.
type Batcher struct {
	store core.Store
	log   logging.Logger
	items map[string]*model.Item
	order []string
}

// New creates an empty batcher.
func New(store core.Store, log logging.Logger) *Batcher {
	if log == nil {
		log = logging.NewNoOpLogger()
	}
	return &Batcher{
		store: store,
		log:   log,
		items: make(map[string]*model.Item),
	}
}

// Track registers an item. Tracking the same logical row twice in one
// transaction is a programming error.
func (b *Batcher) Track(item *model.Item) error {
	key := item.Key().TrackKey()
	if _, exists := b.items[key]; exists {
		return fmt.Errorf("%w: %s %v", errors.ErrDuplicateTracking,
			item.Descriptor().Name, item.Key().Components)
	}
	b.items[key] = item
	b.order = append(b.order, key)
	return nil
}

// Tracked returns the already-tracked item for a key, if any.
func (b *Batcher) Tracked(key *model.Key) (*model.Item, bool) {
	item, ok := b.items[key.TrackKey()]
	return item, ok
}

// Items returns the tracked items in tracking order.
func (b *Batcher) Items() []*model.Item {
	out := make([]*model.Item, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.items[key])
	}
	return out
}

type plannedOp struct {
	item *model.Item
	req  *core.WriteRequest
}

// plan applies the per-item decision table: deletes and upserts keep their
// shape, new items put unless they were written after construction, mutated
// existing items update, and read-only items degrade to condition checks or
// drop out entirely.
func (b *Batcher) plan() ([]plannedOp, error) {
	ops := make([]plannedOp, 0, len(b.order))
	for _, key := range b.order {
		item := b.items[key]
		var (
			req *core.WriteRequest
			err error
		)
		switch {
		case item.Deleted():
			req, err = item.DeleteRequest()
		case item.Source() == model.SourceCreateOrPut:
			req, err = item.PutRequest()
		case item.Source() == model.SourceUpdate:
			req, err = item.UpdateRequest()
		case item.IsNew():
			if item.WrittenAfterConstruction() {
				req, err = item.UpdateRequest()
			} else {
				req, err = item.PutRequest()
			}
		case item.Mutated():
			req, err = item.UpdateRequest()
		default:
			req, err = item.ConditionCheckRequest()
		}
		if err != nil {
			return nil, err
		}
		if req != nil {
			ops = append(ops, plannedOp{item: item, req: req})
		}
	}
	return ops, nil
}

// Commit issues the planned operations: nothing, a single conditional write
// with bounded retries on transient store errors, or one transactional
// bundle.
func (b *Batcher) Commit(ctx context.Context) error {
	ops, err := b.plan()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if len(ops) == 1 && ops[0].req.Kind != core.WriteConditionCheck {
		return b.commitSingle(ctx, ops[0])
	}
	return b.commitBundle(ctx, ops)
}

func (b *Batcher) commitSingle(ctx context.Context, op plannedOp) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = fastPathBase
	bo.RandomizationFactor = 0.1
	bo.Multiplier = 2
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < fastPathAttempts; attempt++ {
		if attempt > 0 {
			b.log.Debug("retrying single-item commit, attempt %d", attempt+1)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = b.issueSingle(ctx, op.req)
		if lastErr == nil {
			return nil
		}
		if errors.IsConditionalCheckFailed(lastErr) {
			return b.classifyConditionFailure(op.item, lastErr)
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (b *Batcher) issueSingle(ctx context.Context, req *core.WriteRequest) error {
	switch req.Kind {
	case core.WritePut:
		return b.store.Put(ctx, &core.PutInput{Table: req.Table, Item: req.Item, Expr: req.Expr})
	case core.WriteUpdate:
		return b.store.Update(ctx, &core.UpdateInput{Table: req.Table, Key: req.Key, Expr: req.Expr})
	case core.WriteDelete:
		return b.store.Delete(ctx, &core.DeleteInput{Table: req.Table, Key: req.Key, Expr: req.Expr})
	default:
		return fmt.Errorf("%w: %s cannot be issued as a single write", errors.ErrInvalidParameter, req.Kind)
	}
}

func (b *Batcher) commitBundle(ctx context.Context, ops []plannedOp) error {
	reqs := make([]core.WriteRequest, 0, len(ops))
	for _, op := range ops {
		reqs = append(reqs, *op.req)
	}
	b.log.Debug("committing transactional bundle of %d operations", len(reqs))
	err := b.store.TransactWrite(ctx, &core.TransactWriteInput{
		ClientRequestToken: uuid.NewString(),
		Items:              reqs,
	})
	if err == nil {
		return nil
	}

	var canceled *errors.TransactionCanceledError
	if !errors.AsTransactionCanceled(err, &canceled) {
		return err
	}

	var nonRetryable []error
	conditionFailed := false
	for idx, reason := range canceled.Reasons {
		if reason.Code != errors.CodeConditionFailedReason || idx >= len(ops) {
			continue
		}
		conditionFailed = true
		classified := b.classifyConditionFailure(ops[idx].item, canceled)
		if !errors.IsRetryable(classified) {
			nonRetryable = append(nonRetryable, classified)
		}
	}
	switch {
	case len(nonRetryable) == 1:
		return nonRetryable[0]
	case len(nonRetryable) > 1:
		return &errors.MultipleError{Errors: nonRetryable}
	case conditionFailed:
		return fmt.Errorf("%w: %v", errors.ErrContention, canceled)
	default:
		return canceled
	}
}

// classifyConditionFailure maps a condition-check failure back to the item
// that provoked it: a failed creation means the row already exists, a failed
// blind write means the expected values no longer hold, anything else is
// contention the transaction runner may retry.
func (b *Batcher) classifyConditionFailure(item *model.Item, cause error) error {
	desc := item.Descriptor().Name
	key := item.Key().Components
	if item.IsNew() && !item.Deleted() {
		if item.ReplacesExpired() {
			return fmt.Errorf("%w: %s %v: expired row revived concurrently", errors.ErrContention, desc, key)
		}
		return fmt.Errorf("%w: %s %v", errors.ErrModelAlreadyExists, desc, key)
	}
	switch item.Source() {
	case model.SourceUpdate, model.SourceCreateOrPut:
		return fmt.Errorf("%w: %s %v", errors.ErrInvalidModelUpdate, desc, key)
	default:
		return fmt.Errorf("%w: %s %v: %v", errors.ErrContention, desc, key, cause)
	}
}

func isTransient(err error) bool {
	var se *errors.StoreError
	return errors.AsStoreError(err, &se) && se.Retryable
}
