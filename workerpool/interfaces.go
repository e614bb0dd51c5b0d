package workerpool

import (
	"context"
)

// Manager owns the worker pool used to fan out per-message work.
type Manager interface {
	GetPool() (WorkerPool, error)
	Shutdown(ctx context.Context) error
}

// WorkerPool defines the common methods for worker pool operations.
// This allows the manager to hold either a single ants.Pool or an ants.MultiPool.
type WorkerPool interface {
	Submit(ctx context.Context, task func()) error
	Running() int
	Shutdown()
}
