package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/queue"
	"github.com/msageha/specsync/internal/rpc"
	"github.com/msageha/specsync/internal/store"
)

// Adapter is the outbound side the coordinator dispatches operations
// through. *rpc.Client satisfies it; tests substitute a fake.
type Adapter interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Status() rpc.ConnectionStatus
}

// Blocker reports whether a specification is held by an unresolved
// conflict. Blocked operations stay pending and keep their queue slot.
type Blocker interface {
	Blocked(specID string) bool
}

// Coordinator drains the operation queue through the adapter with a
// bounded worker pool, retries transient failures, and maintains the
// derived synchronization state.
type Coordinator struct {
	cfg       model.Config
	queue     *queue.Queue
	adapter   Adapter
	bus       *events.Bus
	logger    *log.Logger
	queuePath string

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	state    model.SyncState
	blocker  Blocker

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New creates a Coordinator. queuePath is where the queue document is
// persisted after every mutation; "" disables persistence.
func New(cfg model.Config, q *queue.Queue, adapter Adapter, bus *events.Bus, queuePath string, logger *log.Logger) *Coordinator {
	maxConcurrent := cfg.Coordinator.MaxConcurrentOperations
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Coordinator{
		cfg:       cfg,
		queue:     q,
		adapter:   adapter,
		bus:       bus,
		logger:    logger,
		queuePath: queuePath,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		inflight:  make(map[string]context.CancelFunc),
		state:     model.SyncState{ClientOnline: true},
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// SetBlocker installs the conflict gate consulted before dispatch.
func (c *Coordinator) SetBlocker(b Blocker) {
	c.mu.Lock()
	c.blocker = b
	c.mu.Unlock()
}

// SetClock overrides the time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.queue.SetClock(now)
}

// Queue exposes the underlying queue for read-side commands.
func (c *Coordinator) Queue() *queue.Queue { return c.queue }

// Start runs the dispatch and sweep loops until Stop is called.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.runLoop()
	go c.sweepLoop()
}

// Stop halts the loops, cancels in-flight requests and waits for the
// workers to drain.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.mu.Lock()
	for _, cancel := range c.inflight {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) runLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Coordinator.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}

// Tick performs one dispatch pass: dequeue eligible operations while
// worker slots remain and hand each to a worker goroutine.
func (c *Coordinator) Tick() {
	for {
		if !c.sem.TryAcquire(1) {
			return
		}
		op, ok := c.queue.Dequeue(c.eligible)
		if !ok {
			c.sem.Release(1)
			return
		}
		c.persist()

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.inflight[op.ID] = cancel
		c.mu.Unlock()

		c.wg.Add(1)
		go func(op model.Operation) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			defer func() {
				c.mu.Lock()
				delete(c.inflight, op.ID)
				c.mu.Unlock()
				cancel()
			}()
			c.execute(ctx, op)
		}(op)
	}
}

func (c *Coordinator) eligible(op model.Operation) bool {
	specID := op.SpecID()
	if specID == "" {
		return true
	}
	c.mu.Lock()
	b := c.blocker
	c.mu.Unlock()
	return b == nil || !b.Blocked(specID)
}

func (c *Coordinator) execute(ctx context.Context, op model.Operation) {
	c.publish(events.EventOperationStarted, op, nil)

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout())
	result, err := c.adapter.Request(reqCtx, op.Method(), op.Params)
	cancel()

	if err != nil {
		// A cancel that raced the dispatch wins: the queue already
		// holds the cancelled status, nothing more to record.
		if cur, ok := c.queue.Get(op.ID); ok && cur.Status == model.StatusCancelled {
			c.logf("operation %s cancelled mid-flight", op.ID)
			c.persist()
			return
		}
		select {
		case <-c.stop:
			// Shutdown interrupted the request. The operation stays
			// in_progress; restore re-admits it as pending.
			return
		default:
		}
		c.handleFailure(op, err)
		return
	}

	if err := c.queue.MarkCompleted(op.ID, result); err != nil {
		// Cancelled after the server already applied it. The next
		// sync_status pass reconciles the divergence.
		c.logf("operation %s finished but could not be recorded: %v", op.ID, err)
		c.persist()
		return
	}
	c.persist()
	c.recordSuccess(op, result)
}

func (c *Coordinator) handleFailure(op model.Operation, cause error) {
	if err := c.queue.MarkFailed(op.ID, cause.Error()); err != nil {
		c.logf("operation %s failed (%v) but could not be recorded: %v", op.ID, cause, err)
		c.persist()
		return
	}

	if rpc.IsTransient(cause) {
		if ok, err := c.queue.Retry(op.ID); err == nil && ok {
			c.persist()
			cur, _ := c.queue.Get(op.ID)
			c.publish(events.EventOperationProgress, op, map[string]any{
				"retry_count": cur.RetryCount,
				"max_retries": cur.MaxRetries,
				"error":       cause.Error(),
			})
			return
		}
	}

	c.persist()
	c.mu.Lock()
	c.state.RecordError(fmt.Sprintf("%s %s: %v", op.Kind, op.ID, cause))
	c.refreshCountsLocked()
	c.mu.Unlock()
	c.publish(events.EventOperationFailed, op, map[string]any{"error": cause.Error()})
}

// specResult is the slice of a server reply the coordinator versions
// specs by. Extra fields are ignored.
type specResult struct {
	Version      int       `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

func (c *Coordinator) recordSuccess(op model.Operation, result json.RawMessage) {
	now := c.now().UTC()

	c.mu.Lock()
	c.state.LastSync = &now
	specID := op.SpecID()
	switch op.Kind {
	case model.KindDeleteSpec:
		c.dropSpecLocked(specID)
	case model.KindSetCurrentSpec:
		c.state.CurrentSpec = specID
		c.touchSpecLocked(specID, result, now)
	case model.KindSyncStatus, model.KindHeartbeat:
		// No spec to version.
	default:
		c.touchSpecLocked(specID, result, now)
	}
	c.refreshCountsLocked()
	c.mu.Unlock()

	c.publish(events.EventOperationCompleted, op, nil)
	switch op.Kind {
	case model.KindSyncStatus, model.KindHeartbeat:
	default:
		c.publish(events.EventSpecUpdated, op, nil)
	}
}

func (c *Coordinator) touchSpecLocked(specID string, result json.RawMessage, now time.Time) {
	if specID == "" {
		return
	}
	sv := model.SpecVersion{ID: specID, LastModified: now}
	var sr specResult
	if len(result) > 0 && json.Unmarshal(result, &sr) == nil {
		if sr.Version > 0 {
			sv.Version = sr.Version
		}
		if !sr.LastModified.IsZero() {
			sv.LastModified = sr.LastModified
		}
	}
	for i := range c.state.Specs {
		if c.state.Specs[i].ID == specID {
			if sv.Version == 0 {
				sv.Version = c.state.Specs[i].Version + 1
			}
			c.state.Specs[i] = sv
			return
		}
	}
	if sv.Version == 0 {
		sv.Version = 1
	}
	c.state.Specs = append(c.state.Specs, sv)
}

func (c *Coordinator) dropSpecLocked(specID string) {
	for i := range c.state.Specs {
		if c.state.Specs[i].ID == specID {
			c.state.Specs = append(c.state.Specs[:i], c.state.Specs[i+1:]...)
			break
		}
	}
	if c.state.CurrentSpec == specID {
		c.state.CurrentSpec = ""
	}
}

// Enqueue admits a new operation and persists the queue document.
func (c *Coordinator) Enqueue(kind model.Kind, params model.Params, priority model.Priority, source model.Source) (model.Operation, error) {
	op, err := c.queue.Enqueue(kind, params, priority, source)
	if err != nil {
		return model.Operation{}, err
	}
	c.persist()
	c.mu.Lock()
	c.refreshCountsLocked()
	c.mu.Unlock()
	return op, nil
}

// Cancel cancels an operation. An in-flight operation gets its context
// cancelled too; the server may still have applied it, which the next
// status sync surfaces.
func (c *Coordinator) Cancel(id string) error {
	if err := c.queue.Cancel(id); err != nil {
		return err
	}
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	c.refreshCountsLocked()
	c.mu.Unlock()
	if ok {
		cancel()
	}
	c.persist()
	return nil
}

// Retry re-admits one failed operation. ok is false when the retry
// budget is exhausted.
func (c *Coordinator) Retry(id string) (bool, error) {
	ok, err := c.queue.Retry(id)
	if err == nil && ok {
		c.persist()
		c.mu.Lock()
		c.refreshCountsLocked()
		c.mu.Unlock()
	}
	return ok, err
}

// RetryFailed re-admits every failed operation with remaining budget.
func (c *Coordinator) RetryFailed() []string {
	retried := c.queue.RetryFailed()
	if len(retried) > 0 {
		c.persist()
		c.mu.Lock()
		c.refreshCountsLocked()
		c.mu.Unlock()
	}
	return retried
}

// SweepExpired removes operations older than the configured horizon.
func (c *Coordinator) SweepExpired() int {
	n := c.queue.Sweep(c.cfg.ExpiryHorizon())
	if n > 0 {
		c.logf("swept %d expired operations", n)
		c.persist()
		c.mu.Lock()
		c.refreshCountsLocked()
		c.mu.Unlock()
	}
	return n
}

// SyncState returns a copy of the derived synchronization state,
// refreshed against the queue and adapter.
func (c *Coordinator) SyncState() model.SyncState {
	status := c.adapter.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ServerOnline = status.Connected
	c.refreshCountsLocked()
	return c.state.Clone()
}

// SpecVersion returns the last recorded version of one specification.
func (c *Coordinator) SpecVersion(specID string) (model.SpecVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sv := range c.state.Specs {
		if sv.ID == specID {
			return sv, true
		}
	}
	return model.SpecVersion{}, false
}

// NoteServerOnline records a connection state change and publishes
// sync_status_changed when the flag actually flips.
func (c *Coordinator) NoteServerOnline(online bool) {
	c.mu.Lock()
	changed := c.state.ServerOnline != online
	c.state.ServerOnline = online
	c.mu.Unlock()
	if changed && c.bus != nil {
		c.bus.Publish(events.Event{
			Type: events.EventSyncStatusChanged,
			Data: map[string]any{"server_online": online},
		})
	}
}

func (c *Coordinator) refreshCountsLocked() {
	counts := c.queue.CountByStatus()
	c.state.PendingOperations = counts[model.StatusPending] + counts[model.StatusInProgress]
	c.state.FailedOperations = counts[model.StatusFailed]
}

func (c *Coordinator) persist() {
	if c.queuePath == "" {
		return
	}
	if err := store.SaveQueueDocument(c.queuePath, c.queue.Snapshot()); err != nil {
		c.logf("persist queue: %v", err)
	}
}

func (c *Coordinator) publish(t events.EventType, op model.Operation, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:        t,
		OperationID: op.ID,
		SpecID:      op.SpecID(),
		Data:        data,
	})
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf("[coordinator] "+format, args...)
	}
}
