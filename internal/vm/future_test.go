package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestFutureSingleAssignment(t *testing.T) {
	f := NewFuture()

	const waiters = 8
	results := make([]Result, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait: %v", err)
			}
			results[i] = r
		}(i)
	}

	if err := f.Set(Result{State: StateFinished, Value: "first"}); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if err := f.Set(Result{State: StateFinished, Value: "second"}); !errors.Is(err, ErrFutureAlreadySet) {
		t.Errorf("second Set: expected ErrFutureAlreadySet, got %v", err)
	}
	wg.Wait()

	for i, r := range results {
		if r.Value != "first" {
			t.Errorf("waiter %d saw %v", i, r.Value)
		}
	}
}

func TestFutureThen(t *testing.T) {
	f := NewFuture()
	var got []string
	f.Then(func(r Result) { got = append(got, "before:"+r.Value.(string)) })
	_ = f.Set(Result{State: StateFinished, Value: "v"})
	f.Then(func(r Result) { got = append(got, "after:"+r.Value.(string)) })

	if len(got) != 2 || got[0] != "before:v" || got[1] != "after:v" {
		t.Errorf("unexpected callbacks %v", got)
	}
}

func TestFutureWaitCancelled(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if f.Ready() {
		t.Error("future should still be pending")
	}
}
