// Package transaction runs user closures with optimistic concurrency,
// retry, and post-commit events for txtheory
package transaction

import (
	"fmt"
	"time"

	"github.com/theory-cloud/txtheory/pkg/errors"
)

// Options configures one transaction run.
type Options struct {
	// Retries is how many times the closure is re-run after a retryable
	// failure; the total attempt count is Retries+1.
	Retries int

	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff between attempts.
	MaxBackoff time.Duration

	// ReadOnly rejects every write operation inside the closure.
	ReadOnly bool

	// CacheModels makes repeated reads of the same row return the same item.
	CacheModels bool
}

// DefaultOptions returns the default transaction options
func DefaultOptions() Options {
	return Options{
		Retries:        3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Validate checks the option bounds.
func (o *Options) Validate() error {
	if o.Retries < 0 {
		return fmt.Errorf("%w: retries must be >= 0", errors.ErrInvalidOptions)
	}
	if o.InitialBackoff < time.Millisecond {
		return fmt.Errorf("%w: initialBackoff must be >= 1ms", errors.ErrInvalidOptions)
	}
	if o.MaxBackoff < 200*time.Millisecond {
		return fmt.Errorf("%w: maxBackoff must be >= 200ms", errors.ErrInvalidOptions)
	}
	return nil
}

// GetOptions tunes a single- or multi-row read.
type GetOptions struct {
	// CreateIfMissing turns a miss (or an expired row) into a new empty
	// item instead of a nil result.
	CreateIfMissing bool

	// InconsistentRead selects eventually consistent reads; multi-key reads
	// with it set dispatch as batch gets instead of a transactional get.
	InconsistentRead bool
}
