// Package sweep runs periodic batch checks. Wall-clock deadlines (call
// timeouts, host grace periods) are evaluated here instead of with one timer
// per entity.
package sweep

import (
	"context"
	"time"
)

// Run calls fn every interval until ctx is done
func Run(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
