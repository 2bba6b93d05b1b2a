package flashsale

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Errors returned by Cache operations.
var (
	// ErrLockContention is returned by QueryWithMutex when another caller held
	// the rebuild lock for longer than MaxWait or MaxAttempts allowed.
	ErrLockContention = errors.New("rebuild lock contended")

	// ErrInvalidTTL is returned when a TTL option is out of range.
	ErrInvalidTTL = errors.New("invalid TTL value")

	// ErrNilLoader is returned when a query is called without a loader.
	ErrNilLoader = errors.New("loader function cannot be nil")

	// ErrCorruptEntry is returned when a logical-expiry record cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrEmptyPrefix is returned when CacheOption.Prefix is empty.
	ErrEmptyPrefix = errors.New("cache key prefix must not be empty")
)

// LoaderError wraps a failure returned by a Loader. Loader failures are never
// cached; the next query calls the loader again.
type LoaderError struct {
	Key string
	Err error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Key, e.Err)
}

func (e *LoaderError) Unwrap() error { return e.Err }

// BatchError reports the per-id outcome of Warm.
type BatchError struct {
	// Failed maps failed ids to their errors.
	Failed map[string]error

	// Succeeded lists ids that were written.
	Succeeded []string
}

func (e *BatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return fmt.Sprintf("batch partially failed: %d succeeded, %d failed (%s)",
		len(e.Succeeded), len(e.Failed), strings.Join(ids, ", "))
}

// HasFailures reports whether any id failed.
func (e *BatchError) HasFailures() bool {
	return len(e.Failed) > 0
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// NewBatchError returns nil when nothing failed, so callers can return it directly.
func NewBatchError(failed map[string]error, succeeded []string) error {
	if len(failed) == 0 {
		return nil
	}
	return &BatchError{Failed: failed, Succeeded: succeeded}
}
