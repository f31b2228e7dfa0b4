package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/queue"
	"github.com/msageha/specsync/internal/rpc"
	"github.com/msageha/specsync/internal/store"
)

// fakeAdapter answers requests with a scriptable handler and records
// every dispatched method.
type fakeAdapter struct {
	mu      sync.Mutex
	handler func(ctx context.Context, method string, params any) (json.RawMessage, error)
	calls   []string
	online  bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		online: true,
		handler: func(ctx context.Context, method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
}

func (a *fakeAdapter) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls = append(a.calls, method)
	h := a.handler
	a.mu.Unlock()
	return h(ctx, method, params)
}

func (a *fakeAdapter) Status() rpc.ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return rpc.ConnectionStatus{Connected: a.online}
}

func (a *fakeAdapter) methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

func newTestCoordinator(t *testing.T, adapter *fakeAdapter) (*Coordinator, *events.Bus) {
	t.Helper()
	cfg := model.DefaultConfig()
	q := queue.New(cfg.Queue.MaxRetries)
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	return New(cfg, q, adapter, bus, "", nil), bus
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func statusOf(c *Coordinator, id string) model.Status {
	op, _ := c.Queue().Get(id)
	return op.Status
}

func TestDispatchCompletesOperation(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"version":4}`), nil
	}
	c, bus := newTestCoordinator(t, adapter)

	var completed []string
	var mu sync.Mutex
	bus.Subscribe(events.EventOperationCompleted, func(e events.Event) {
		mu.Lock()
		completed = append(completed, e.OperationID)
		mu.Unlock()
	}, nil)

	op, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "# Design"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)

	c.Tick()
	waitFor(t, func() bool { return statusOf(c, op.ID) == model.StatusCompleted }, "completion")

	got, _ := c.Queue().Get(op.ID)
	assert.JSONEq(t, `{"version":4}`, string(got.Result))
	assert.Equal(t, []string{"spec.updateDesign"}, adapter.methods())

	state := c.SyncState()
	require.Len(t, state.Specs, 1)
	assert.Equal(t, "auth", state.Specs[0].ID)
	assert.Equal(t, 4, state.Specs[0].Version)
	require.NotNil(t, state.LastSync)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	}, "completed event")
}

func TestPriorityOrderAcrossTicks(t *testing.T) {
	adapter := newFakeAdapter()
	c, _ := newTestCoordinator(t, adapter)

	_, err := c.Enqueue(model.KindUpdateTasks, &model.UpdateTasksParams{Spec: "auth", Content: "x"}, model.PriorityLow, model.SourceClient)
	require.NoError(t, err)
	_, err = c.Enqueue(model.KindDeleteSpec, &model.DeleteSpecParams{Spec: "old"}, model.PriorityUrgent, model.SourceClient)
	require.NoError(t, err)

	c.Tick()
	waitFor(t, func() bool { return len(adapter.methods()) == 2 }, "both dispatched")
	assert.Equal(t, "spec.delete", adapter.methods()[0])
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	adapter := newFakeAdapter()
	var mu sync.Mutex
	attempts := 0
	adapter.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, &rpc.TransportError{Op: "send", Err: errors.New("broken pipe")}
		}
		return json.RawMessage(`{}`), nil
	}
	c, bus := newTestCoordinator(t, adapter)

	var progress int
	var pmu sync.Mutex
	bus.Subscribe(events.EventOperationProgress, func(e events.Event) {
		pmu.Lock()
		progress++
		pmu.Unlock()
	}, nil)

	op, err := c.Enqueue(model.KindCreateSpec, &model.CreateSpecParams{Name: "Payments"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)

	waitFor(t, func() bool {
		c.Tick()
		return statusOf(c, op.ID) == model.StatusCompleted
	}, "eventual completion")

	got, _ := c.Queue().Get(op.ID)
	assert.Equal(t, 2, got.RetryCount)
	waitFor(t, func() bool {
		pmu.Lock()
		defer pmu.Unlock()
		return progress == 2
	}, "progress events")
}

func TestTerminalFailureStopsRetrying(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		return nil, errors.New("validation rejected by server")
	}
	c, bus := newTestCoordinator(t, adapter)

	failed := make(chan string, 1)
	bus.Subscribe(events.EventOperationFailed, func(e events.Event) {
		select {
		case failed <- e.OperationID:
		default:
		}
	}, nil)

	op, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)

	c.Tick()
	waitFor(t, func() bool { return statusOf(c, op.ID) == model.StatusFailed }, "failure")

	got, _ := c.Queue().Get(op.ID)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.Error, "validation rejected")

	select {
	case id := <-failed:
		assert.Equal(t, op.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event")
	}

	state := c.SyncState()
	assert.Equal(t, 1, state.FailedOperations)
	require.NotEmpty(t, state.RecentErrors)
	assert.Contains(t, state.RecentErrors[0], op.ID)
}

func TestRetryBudgetExhausted(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		return nil, &rpc.TransportError{Op: "send", Err: errors.New("down")}
	}
	c, _ := newTestCoordinator(t, adapter)

	op, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)

	// Initial attempt plus three retries, then the operation stays failed.
	waitFor(t, func() bool {
		c.Tick()
		got, _ := c.Queue().Get(op.ID)
		return got.Status == model.StatusFailed && got.RetryCount == got.MaxRetries
	}, "terminal failure")

	got, _ := c.Queue().Get(op.ID)
	assert.Len(t, adapter.methods(), got.MaxRetries+1)

	// Manual retry is refused once the budget is gone.
	ok, err := c.Retry(op.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelPendingNeverDispatches(t *testing.T) {
	adapter := newFakeAdapter()
	c, _ := newTestCoordinator(t, adapter)

	op, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)
	require.NoError(t, c.Cancel(op.ID))

	c.Tick()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, adapter.methods())
	assert.Equal(t, model.StatusCancelled, statusOf(c, op.ID))
}

func TestCancelInFlightAbandonsRequest(t *testing.T) {
	adapter := newFakeAdapter()
	started := make(chan struct{})
	adapter.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c, _ := newTestCoordinator(t, adapter)

	op, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)

	c.Tick()
	<-started
	require.NoError(t, c.Cancel(op.ID))

	waitFor(t, func() bool { return statusOf(c, op.ID) == model.StatusCancelled }, "cancelled")
	// The worker must not overwrite the cancelled status with failed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.StatusCancelled, statusOf(c, op.ID))
}

func TestBlockedSpecStaysPending(t *testing.T) {
	adapter := newFakeAdapter()
	c, _ := newTestCoordinator(t, adapter)

	blocked := map[string]bool{"auth": true}
	var mu sync.Mutex
	c.SetBlocker(blockerFunc(func(specID string) bool {
		mu.Lock()
		defer mu.Unlock()
		return blocked[specID]
	}))

	held, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"}, model.PriorityUrgent, model.SourceClient)
	require.NoError(t, err)
	free, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "billing", Content: "y"}, model.PriorityLow, model.SourceClient)
	require.NoError(t, err)

	c.Tick()
	waitFor(t, func() bool { return statusOf(c, free.ID) == model.StatusCompleted }, "unblocked spec")
	assert.Equal(t, model.StatusPending, statusOf(c, held.ID))

	mu.Lock()
	blocked["auth"] = false
	mu.Unlock()
	c.Tick()
	waitFor(t, func() bool { return statusOf(c, held.ID) == model.StatusCompleted }, "released spec")
}

type blockerFunc func(string) bool

func (f blockerFunc) Blocked(specID string) bool { return f(specID) }

func TestConcurrencyLimitHolds(t *testing.T) {
	adapter := newFakeAdapter()
	release := make(chan struct{})
	var mu sync.Mutex
	active, peak := 0, 0
	adapter.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	}

	cfg := model.DefaultConfig()
	cfg.Coordinator.MaxConcurrentOperations = 2
	q := queue.New(cfg.Queue.MaxRetries)
	c := New(cfg, q, adapter, nil, "", nil)

	for i := 0; i < 5; i++ {
		_, err := c.Enqueue(model.KindSyncStatus, &model.SyncStatusParams{}, model.PriorityNormal, model.SourceClient)
		require.NoError(t, err)
	}

	c.Tick()
	waitFor(t, func() bool { return len(adapter.methods()) == 2 }, "two in flight")
	c.Tick() // no free slots, must dispatch nothing
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, adapter.methods(), 2)

	close(release)
	waitFor(t, func() bool {
		c.Tick()
		return len(adapter.methods()) == 5
	}, "all dispatched")

	mu.Lock()
	assert.LessOrEqual(t, peak, 2)
	mu.Unlock()
}

func TestSetCurrentAndDeleteMaintainState(t *testing.T) {
	adapter := newFakeAdapter()
	c, _ := newTestCoordinator(t, adapter)

	run := func(kind model.Kind, params model.Params) {
		op, err := c.Enqueue(kind, params, model.PriorityNormal, model.SourceClient)
		require.NoError(t, err)
		c.Tick()
		waitFor(t, func() bool { return statusOf(c, op.ID) == model.StatusCompleted }, string(kind))
	}

	run(model.KindCreateSpec, &model.CreateSpecParams{Name: "Auth", Spec: "auth"})
	run(model.KindSetCurrentSpec, &model.SetCurrentSpecParams{Spec: "auth"})
	assert.Equal(t, "auth", c.SyncState().CurrentSpec)

	run(model.KindDeleteSpec, &model.DeleteSpecParams{Spec: "auth"})
	state := c.SyncState()
	assert.Empty(t, state.CurrentSpec)
	assert.Empty(t, state.Specs)
}

func TestSweepExpiredRemovesOldOperations(t *testing.T) {
	adapter := newFakeAdapter()
	c, _ := newTestCoordinator(t, adapter)

	past := time.Now().Add(-48 * time.Hour)
	c.SetClock(func() time.Time { return past })
	old, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)

	c.SetClock(time.Now)
	fresh, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "y"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)

	assert.Equal(t, 1, c.SweepExpired())
	_, ok := c.Queue().Get(old.ID)
	assert.False(t, ok)
	_, ok = c.Queue().Get(fresh.ID)
	assert.True(t, ok)
}

func TestQueueDocumentPersistedAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	adapter := newFakeAdapter()
	adapter.handler = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
		return nil, errors.New("permanent")
	}
	cfg := model.DefaultConfig()
	q := queue.New(cfg.Queue.MaxRetries)
	c := New(cfg, q, adapter, nil, path, nil)

	op, err := c.Enqueue(model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"}, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)
	c.Tick()
	waitFor(t, func() bool { return statusOf(c, op.ID) == model.StatusFailed }, "failure persisted")

	_, err = os.Stat(path)
	require.NoError(t, err)

	doc, err := store.LoadQueueDocument(dir, path)
	require.NoError(t, err)
	q2 := queue.New(cfg.Queue.MaxRetries)
	require.NoError(t, q2.Restore(doc))

	restored, ok := q2.Get(op.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, restored.Status)
	assert.Contains(t, restored.Error, "permanent")
}

func TestNoteServerOnlinePublishesOnFlip(t *testing.T) {
	adapter := newFakeAdapter()
	c, bus := newTestCoordinator(t, adapter)

	changes := make(chan events.Event, 4)
	bus.Subscribe(events.EventSyncStatusChanged, func(e events.Event) { changes <- e }, nil)

	c.NoteServerOnline(true)
	c.NoteServerOnline(true) // no flip, no event
	c.NoteServerOnline(false)

	for i := 0; i < 2; i++ {
		select {
		case <-changes:
		case <-time.After(2 * time.Second):
			t.Fatalf("missing sync_status_changed event %d", i)
		}
	}
	select {
	case e := <-changes:
		t.Fatalf("unexpected extra event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
