package engine

import (
	"fmt"
	"sync/atomic"
	"testing"
)

func TestConcurrencyPoolRunStable(t *testing.T) {
	pool := NewConcurrencyPool(3)
	items := make([]interface{}, 10)
	for i := range items {
		items[i] = i
	}

	results := pool.Run(items, func(item interface{}, index int) (interface{}, error) {
		return item.(int) * 2, nil
	}, nil)

	if len(results) != 10 {
		t.Fatalf("len(results) = %d, want 10", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error at index %d: %v", i, r.Err)
		}
		if r.Value.(int) != i*2 {
			t.Errorf("results[%d] = %d, want %d", i, r.Value, i*2)
		}
	}
}

func TestConcurrencyPoolNeverExceedsMaxConcurrency(t *testing.T) {
	pool := NewConcurrencyPool(2)
	items := make([]interface{}, 20)
	for i := range items {
		items[i] = i
	}

	var current, maxObserved int32
	results := pool.Run(items, func(item interface{}, index int) (interface{}, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		atomic.AddInt32(&current, -1)
		return nil, nil
	}, nil)

	if len(results) != 20 {
		t.Fatalf("len(results) = %d, want 20", len(results))
	}
	if maxObserved > 2 {
		t.Errorf("observed max concurrency %d, want <= 2", maxObserved)
	}
}

func TestConcurrencyPoolCapturesPanics(t *testing.T) {
	pool := NewConcurrencyPool(2)
	items := []interface{}{1, 2, 3}

	results := pool.Run(items, func(item interface{}, index int) (interface{}, error) {
		if index == 1 {
			panic("boom")
		}
		return item, nil
	}, nil)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[1].Err == nil {
		t.Error("expected panic to be captured as an error at index 1")
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Error("expected non-panicking tasks to complete without error")
	}
}

func TestConcurrencyPoolEmptyInput(t *testing.T) {
	pool := NewConcurrencyPool(4)
	results := pool.Run(nil, func(item interface{}, index int) (interface{}, error) {
		return nil, fmt.Errorf("should never run")
	}, nil)
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}
}

func TestConcurrencyPoolProgressCallback(t *testing.T) {
	pool := NewConcurrencyPool(2)
	items := []interface{}{1, 2, 3, 4}

	var completions int32
	pool.Run(items, func(item interface{}, index int) (interface{}, error) {
		return nil, nil
	}, func(completed, total int, inProgress []int) {
		if completed == total {
			atomic.StoreInt32(&completions, int32(completed))
		}
	})

	if completions != 4 {
		t.Errorf("expected final progress callback to report completed=4, got %d", completions)
	}
}
