// Package groutine launches background tasks under a pprof "task" label so
// session watchdogs, pollers and read loops can be told apart in goroutine
// dumps.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

const taskLabel = "task"

// Go runs fn on a new goroutine labelled with name. A nil ctx means
// context.Background().
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels(taskLabel, name), fn)
}

// GoWait is Go with the task tracked by wg.
func GoWait(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	Go(ctx, name, func(ctx context.Context) {
		defer wg.Done()
		fn(ctx)
	})
}
