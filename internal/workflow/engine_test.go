package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestmark-data/ratings-sync/internal/resilience"
)

func testSpecs() []QueueSpec {
	return []QueueSpec{
		{Name: "scraping", Workers: 2},
		{Name: "extraction", Workers: 2},
		{Name: "default", Workers: 1},
	}
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestEngine_ChainFeedsResultsForward(t *testing.T) {
	e := NewEngine(NewMemoryBarrierStore(), testSpecs())
	final := make(chan string, 1)

	e.Register("step_one", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var s string
		require.NoError(t, json.Unmarshal(payload, &s))
		return json.Marshal(s + "-one")
	})
	e.Register("step_two", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var s string
		require.NoError(t, json.Unmarshal(payload, &s))
		final <- s + "-two"
		return nil, nil
	})

	startEngine(t, e)
	require.NoError(t, e.SubmitChain(context.Background(),
		NewTask("step_one", "scraping", "start"),
		NewTask("step_two", "extraction", nil),
	))

	select {
	case got := <-final:
		assert.Equal(t, "start-one-two", got)
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not complete")
	}
}

func TestEngine_GroupBarrierReleasesContinuationInOrder(t *testing.T) {
	e := NewEngine(NewMemoryBarrierStore(), testSpecs())
	results := make(chan []string, 1)

	e.Register("branch", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	e.Register("combine", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var parts []json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &parts))
		var out []string
		for _, p := range parts {
			var s string
			require.NoError(t, json.Unmarshal(p, &s))
			out = append(out, s)
		}
		results <- out
		return nil, nil
	})

	startEngine(t, e)
	branches := []Task{
		NewTask("branch", "scraping", "a"),
		NewTask("branch", "scraping", "b"),
		NewTask("branch", "scraping", "c"),
	}
	_, err := e.SubmitGroup(context.Background(), branches, NewTask("combine", "default", nil))
	require.NoError(t, err)

	select {
	case got := <-results:
		assert.Equal(t, []string{"a", "b", "c"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("barrier did not release")
	}
}

func TestEngine_FailedBranchStillReleasesBarrier(t *testing.T) {
	e := NewEngine(NewMemoryBarrierStore(), testSpecs())
	results := make(chan []json.RawMessage, 1)

	e.Register("branch_ok", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	e.Register("branch_fail", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, eris.New("page unavailable")
	})
	e.Register("combine", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var parts []json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &parts))
		results <- parts
		return nil, nil
	})

	startEngine(t, e)
	branches := []Task{
		NewTask("branch_ok", "scraping", "good").WithRetry(fastRetry(1)),
		NewTask("branch_fail", "scraping", nil).WithRetry(fastRetry(1)),
	}
	_, err := e.SubmitGroup(context.Background(), branches, NewTask("combine", "default", nil))
	require.NoError(t, err)

	select {
	case parts := <-results:
		require.Len(t, parts, 2)
		_, failed := BranchError(parts[0])
		assert.False(t, failed)
		msg, failed := BranchError(parts[1])
		assert.True(t, failed)
		assert.Contains(t, msg, "page unavailable")
	case <-time.After(5 * time.Second):
		t.Fatal("barrier did not release after branch failure")
	}
}

func TestEngine_RetriesTransientThenSucceeds(t *testing.T) {
	e := NewEngine(NewMemoryBarrierStore(), testSpecs())
	done := make(chan int32, 1)
	var calls int32

	e.Register("flaky", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, resilience.NewTransientError(eris.New("rate limited"), 429)
		}
		done <- n
		return nil, nil
	})

	startEngine(t, e)
	require.NoError(t, e.SubmitTask(context.Background(),
		NewTask("flaky", "default", nil).WithRetry(fastRetry(5))))

	select {
	case n := <-done:
		assert.Equal(t, int32(3), n)
	case <-time.After(5 * time.Second):
		t.Fatal("task never succeeded")
	}
}

func TestEngine_PermanentErrorNotRetried(t *testing.T) {
	e := NewEngine(NewMemoryBarrierStore(), testSpecs())
	failed := make(chan error, 1)
	var calls int32

	e.Register("broken", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, eris.New("malformed markup")
	})
	e.OnFailure(func(_ context.Context, task Task, err error) {
		failed <- err
	})

	startEngine(t, e)
	require.NoError(t, e.SubmitTask(context.Background(),
		NewTask("broken", "default", nil).WithRetry(fastRetry(5))))

	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "malformed markup")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	case <-time.After(5 * time.Second):
		t.Fatal("failure hook never called")
	}
}

func TestEngine_ResumeReleasesCompletedBarrier(t *testing.T) {
	store := NewMemoryBarrierStore()
	ctx := context.Background()

	// A barrier whose branches all arrived before the process died.
	state := &BarrierState{
		ID:           "b-1",
		Expected:     2,
		Continuation: NewTask("combine", "default", nil),
	}
	require.NoError(t, store.Create(ctx, state))
	_, err := store.Arrive(ctx, "b-1", 0, json.RawMessage(`"x"`))
	require.NoError(t, err)
	_, err = store.Arrive(ctx, "b-1", 1, json.RawMessage(`"y"`))
	require.NoError(t, err)

	e := NewEngine(store, testSpecs())
	released := make(chan struct{})
	e.Register("combine", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(released)
		return nil, nil
	})

	startEngine(t, e)
	require.NoError(t, e.Resume(ctx))

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("continuation not released on resume")
	}

	// Released barriers are not released twice.
	unreleased, err := store.Unreleased(ctx)
	require.NoError(t, err)
	assert.Empty(t, unreleased)
}

func TestEngine_SubmitUnknownQueue(t *testing.T) {
	e := NewEngine(NewMemoryBarrierStore(), testSpecs())
	err := e.SubmitTask(context.Background(), NewTask("x", "nope", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue")
}
