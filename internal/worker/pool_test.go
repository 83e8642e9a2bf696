package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPoolWidth(t *testing.T) {
	for _, n := range []int{0, -1} {
		if got := NewPool[string, string](n).concurrency; got != runtime.NumCPU() {
			t.Errorf("NewPool(%d) width = %d, want NumCPU (%d)", n, got, runtime.NumCPU())
		}
	}
	if got := NewPool[string, string](3).concurrency; got != 3 {
		t.Errorf("NewPool(3) width = %d", got)
	}
}

func TestProcessEmpty(t *testing.T) {
	p := NewPool[string, string](2)
	results := p.Process(context.Background(), nil, func(_ context.Context, s string) (string, error) {
		return s, nil
	})
	if results != nil {
		t.Errorf("expected nil results for empty input, got %v", results)
	}
}

func TestProcessPreservesOrder(t *testing.T) {
	p := NewPool[int, string](4)
	items := []int{5, 4, 3, 2, 1, 0}

	results := p.Process(context.Background(), items, func(_ context.Context, n int) (string, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return fmt.Sprintf("ws-%d", n), nil
	})

	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result[%d] unexpected error: %v", i, r.Err)
		}
		if want := fmt.Sprintf("ws-%d", items[i]); r.Value != want {
			t.Errorf("result[%d] = %q, expected %q", i, r.Value, want)
		}
		if r.Index != i {
			t.Errorf("result[%d].Index = %d, expected %d", i, r.Index, i)
		}
	}
}

func TestProcessCapturesErrors(t *testing.T) {
	p := NewPool[int, bool](2)
	errOdd := errors.New("odd")
	results := p.Process(context.Background(), []int{0, 1, 2, 3}, func(_ context.Context, n int) (bool, error) {
		if n%2 == 1 {
			return false, errOdd
		}
		return true, nil
	})

	for i, r := range results {
		if i%2 == 1 {
			if !errors.Is(r.Err, errOdd) {
				t.Errorf("result[%d] should carry errOdd, got %v", i, r.Err)
			}
			continue
		}
		if r.Err != nil || !r.Value {
			t.Errorf("result[%d] should succeed, got err=%v val=%v", i, r.Err, r.Value)
		}
	}
}

func TestProcessBoundsConcurrency(t *testing.T) {
	p := NewPool[int, int](3)

	var peak, current int64
	items := make([]int, 20)
	results := p.Process(context.Background(), items, func(_ context.Context, _ int) (int, error) {
		c := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if c <= old || atomic.CompareAndSwapInt64(&peak, old, c) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return 1, nil
	})

	if len(results) != 20 {
		t.Fatalf("expected 20 results, got %d", len(results))
	}
	if got := atomic.LoadInt64(&peak); got < 2 || got > 3 {
		t.Errorf("peak concurrency = %d, want between 2 and 3", got)
	}
}

func TestProcessCancelledContext(t *testing.T) {
	p := NewPool[int, int](1)
	ctx, cancel := context.WithCancel(context.Background())

	var ran int64
	results := p.Process(ctx, []int{1, 2, 3, 4}, func(_ context.Context, n int) (int, error) {
		atomic.AddInt64(&ran, 1)
		cancel()
		return n, nil
	})

	if atomic.LoadInt64(&ran) != 1 {
		t.Fatalf("expected only the first item to run, ran %d", ran)
	}
	for _, r := range results[1:] {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("result[%d] err = %v, want context.Canceled", r.Index, r.Err)
		}
	}
}

func TestProcessRecoversPanics(t *testing.T) {
	p := NewPool[string, int](2)
	results := p.Process(context.Background(), []string{"ok", "boom", "ok"}, func(_ context.Context, s string) (int, error) {
		if s == "boom" {
			panic("corrupt worktree")
		}
		return len(s), nil
	})

	if results[1].Err == nil {
		t.Fatal("expected the panicking item to fail")
	}
	for _, i := range []int{0, 2} {
		if results[i].Err != nil || results[i].Value != 2 {
			t.Errorf("result[%d] = %+v, want value 2", i, results[i])
		}
	}
}
