// Package appctx builds contexts for work that must outlive a cancelled
// request, such as persisting a task's terminal state while the process
// shuts down.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bounded only by timeout and, when stop is
// non-nil, by the close of stop. The caller's cancellation deliberately
// does not propagate into it.
func Detached(stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}
