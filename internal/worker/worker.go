// Package worker provides background tasks that keep the cache layer's
// inputs fresh: the origin counter, expired persisted entries and DNS.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

// Named is implemented by workers that identify themselves in logs.
type Named interface {
	Name() string
}
