package mutation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otero-dcs/fetchctl/backoff"
	"github.com/otero-dcs/fetchctl/cachemanager"
	"github.com/otero-dcs/fetchctl/pkg/models"
)

func TestExecuteEmitsLoadingThenSuccess(t *testing.T) {
	var statuses []models.MutationStatus
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) { return input + "!", nil },
		StateFn: func(_ context.Context, next models.MutationState[string, error], _ models.StateMetadata, _ *cachemanager.Manager[string, error]) {
			statuses = append(statuses, next.Status)
		},
	})

	final := m.Execute(context.Background(), "hi")

	if final.Status != models.MutationSuccess || *final.Data != "hi!" {
		t.Fatalf("final state = %+v, want Success{hi!}", final)
	}
	if len(statuses) != 2 || statuses[0] != models.MutationLoading || statuses[1] != models.MutationSuccess {
		t.Fatalf("transition sequence = %v, want [Loading, Success]", statuses)
	}
}

func TestExecuteTerminalFailureEmitsError(t *testing.T) {
	wantErr := errors.New("boom")
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) { return "", wantErr },
	})

	final := m.Execute(context.Background(), "hi")

	if final.Status != models.MutationError || final.Err != wantErr {
		t.Fatalf("final state = %+v, want Error{%v}", final, wantErr)
	}
	if final.HasData() {
		t.Error("an Error state must not carry data")
	}
}

func TestLoadingClearsPriorDataAndError(t *testing.T) {
	var calls atomic.Int32
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) {
			if calls.Add(1) == 1 {
				return "", errors.New("first fails")
			}
			return "second-ok", nil
		},
	})

	first := m.Execute(context.Background(), "a")
	if first.Status != models.MutationError {
		t.Fatalf("first = %+v, want Error", first)
	}

	var seenLoading models.MutationState[string, error]
	var sawLoading bool
	m.SetStateFn(func(_ context.Context, next models.MutationState[string, error], _ models.StateMetadata, _ *cachemanager.Manager[string, error]) {
		if next.Status == models.MutationLoading {
			seenLoading = next
			sawLoading = true
		}
	})

	second := m.Execute(context.Background(), "b")
	if !sawLoading {
		t.Fatal("expected a Loading transition on the second execute")
	}
	if seenLoading.HasData() || seenLoading.HasError() {
		t.Errorf("Loading state = %+v, want both data and error cleared", seenLoading)
	}
	if second.Status != models.MutationSuccess || *second.Data != "second-ok" {
		t.Fatalf("second = %+v, want Success{second-ok}", second)
	}
}

func TestRetryExhaustionThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) {
			if attempts.Add(1) <= 2 {
				return "", errors.New("transient")
			}
			return "v", nil
		},
		RetryPolicy: backoff.NewBasicPolicy(3, backoff.Fixed(time.Millisecond)),
	})

	final := m.Execute(context.Background(), "in")

	if final.Status != models.MutationSuccess || *final.Data != "v" {
		t.Fatalf("final = %+v, want Success{v} after retries", final)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestResetReturnsToIdleSilently(t *testing.T) {
	var stateCalls atomic.Int32
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) { return "v", nil },
		StateFn: func(_ context.Context, _ models.MutationState[string, error], _ models.StateMetadata, _ *cachemanager.Manager[string, error]) {
			stateCalls.Add(1)
		},
	})
	m.Execute(context.Background(), "in")
	before := stateCalls.Load()

	m.Reset()

	if m.GetState().Status != models.MutationIdle {
		t.Errorf("state after Reset = %v, want Idle", m.GetState().Status)
	}
	if stateCalls.Load() != before {
		t.Error("Reset must not dispatch handlers")
	}
}

func TestDisposeStopsFurtherHandlerInvocation(t *testing.T) {
	var calls atomic.Int32
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) { return "v", nil },
		StateFn: func(_ context.Context, _ models.MutationState[string, error], _ models.StateMetadata, _ *cachemanager.Manager[string, error]) {
			calls.Add(1)
		},
	})

	m.Execute(context.Background(), "in")
	before := calls.Load()

	m.Dispose()
	m.Execute(context.Background(), "in")

	if calls.Load() != before {
		t.Errorf("handler invoked %d times after dispose, want %d (no change)", calls.Load(), before)
	}
}

func TestFilterRejectsTransitionAndCountsFiltered(t *testing.T) {
	var handlerCalls int32
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) { return "v", nil },
		FilterFn: func(current, next models.MutationState[string, error], meta models.StateMetadata) bool {
			return next.Status != models.MutationLoading
		},
		StateFn: func(_ context.Context, _ models.MutationState[string, error], _ models.StateMetadata, _ *cachemanager.Manager[string, error]) {
			atomic.AddInt32(&handlerCalls, 1)
		},
	})

	m.Execute(context.Background(), "in")

	snap := m.Stats()
	if snap.EventsFiltered == 0 {
		t.Error("expected at least one filtered transition (the Loading state)")
	}
	if handlerCalls == 0 {
		t.Error("the non-filtered Success transition should still dispatch")
	}
}

func TestHandlerPanicDoesNotAbortSiblingDispatch(t *testing.T) {
	var dataCalls atomic.Int32
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) { return "v", nil },
		StateFn: func(_ context.Context, _ models.MutationState[string, error], _ models.StateMetadata, _ *cachemanager.Manager[string, error]) {
			panic("boom")
		},
		DataFn: func(_ context.Context, _ string, _ models.StateMetadata, _ *cachemanager.Manager[string, error]) {
			dataCalls.Add(1)
		},
	})

	final := m.Execute(context.Background(), "in")

	if final.Status != models.MutationSuccess {
		t.Fatalf("state = %+v, want Success despite a panicking stateFn", final)
	}
	if dataCalls.Load() == 0 {
		t.Error("dataFn should still run after stateFn panics")
	}
}

func TestConcurrentExecutesAreIndependent(t *testing.T) {
	var calls atomic.Int32
	m := New[string, string, error](Config[string, string, error]{
		MutationFn: func(ctx context.Context, input string) (string, error) {
			calls.Add(1)
			return input, nil
		},
	})

	var wg sync.WaitGroup
	results := make([]models.MutationState[string, error], 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Execute(context.Background(), "v")
		}(i)
	}
	wg.Wait()

	if calls.Load() != 10 {
		t.Errorf("mutationFn called %d times, want 10 (mutations don't single-flight)", calls.Load())
	}
	for i, r := range results {
		if r.Status != models.MutationSuccess {
			t.Errorf("result[%d] = %+v, want Success", i, r)
		}
	}
}
