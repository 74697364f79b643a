// Package worker runs the background tasks of the htrules service: the cache
// event queue, the expiry sweeper and rate limiter cleanup.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
