// Package contextx provides context helpers used by lock release and retry loops.
package contextx

import (
	"context"
	"time"
)

// WithCleanupTimeout returns a context that survives cancellation of parent but
// expires after timeout. Lock releases and compensations run under it so that a
// cancelled caller does not leave a lock held until its TTL.
//
//	ctx, cancel := contextx.WithCleanupTimeout(parentCtx, 5*time.Second)
//	defer cancel()
//	if err := l.Unlock(ctx); err != nil {
//	    log.Error("failed to release lock", "error", err)
//	}
func WithCleanupTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// Sleep pauses for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the context ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
