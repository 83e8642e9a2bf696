// Package worker runs a function over a slice with bounded concurrency.
// Workspace maintenance uses it to inspect worktrees in parallel without
// starting one git process per workspace at once.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Result is the outcome for the item at Index of the input slice.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Pool processes items with at most concurrency goroutines.
type Pool[In, Out any] struct {
	concurrency int
}

// NewPool returns a pool of the given width; zero or less means NumCPU.
func NewPool[In, Out any](concurrency int) *Pool[In, Out] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[In, Out]{concurrency: concurrency}
}

// Process applies fn to every item and returns results in input order.
// A failing or panicking item only fails its own result. Items not started
// before ctx is done get ctx.Err().
func (p *Pool[In, Out]) Process(ctx context.Context, items []In, fn func(context.Context, In) (Out, error)) []Result[Out] {
	if len(items) == 0 {
		return nil
	}

	results := make([]Result[Out], len(items))
	var next atomic.Int64
	var wg sync.WaitGroup
	for range min(p.concurrency, len(items)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= len(items) {
					return
				}
				results[i].Index = i
				if err := ctx.Err(); err != nil {
					results[i].Err = err
					continue
				}
				results[i].Value, results[i].Err = call(ctx, items[i], fn)
			}
		}()
	}
	wg.Wait()
	return results
}

func call[In, Out any](ctx context.Context, item In, fn func(context.Context, In) (Out, error)) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
