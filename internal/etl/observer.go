package etl

import "context"

// RunObserver is told about every finished run once it is stored.
// Observers run synchronously, in registration order, and must not block.
type RunObserver interface {
	ObserveRun(ctx context.Context, run *Run)
}

// ObserverFunc adapts a function to RunObserver.
type ObserverFunc func(ctx context.Context, run *Run)

func (f ObserverFunc) ObserveRun(ctx context.Context, run *Run) { f(ctx, run) }
