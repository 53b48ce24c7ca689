package transaction

import (
	"fmt"

	"github.com/theory-cloud/txtheory/pkg/errors"
)

// Event names a transaction lifecycle hook.
type Event string

// PostCommit fires after every commit attempt, successful or not.
const PostCommit Event = "postCommit"

// Handler observes a commit outcome. commitErr is nil on success; after a
// successful commit a non-nil return propagates to the transaction caller,
// after a failed commit it is ignored and the commit error decides the run.
type Handler func(commitErr error) error

// AddEventHandler registers a handler for an event. Handlers fire
// synchronously in registration order and live for the current closure run
// only; a retried closure registers its own.
func (tx *Tx) AddEventHandler(event Event, handler Handler) error {
	if event != PostCommit {
		return fmt.Errorf("%w: unknown event %q", errors.ErrInvalidParameter, event)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil event handler", errors.ErrInvalidParameter)
	}
	tx.handlers = append(tx.handlers, handler)
	return nil
}

// firePostCommit runs the handlers in order; the first error stops the chain.
func (tx *Tx) firePostCommit(commitErr error) error {
	for _, handler := range tx.handlers {
		if err := handler(commitErr); err != nil {
			return err
		}
	}
	return nil
}
