// Package queue implements the operation queue: validated admission, a
// stable priority dequeue order, the status state machine, retry
// bookkeeping, expiry sweeps and snapshot/restore for persistence.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/specsync/internal/model"
)

// Queue is the ordered collection of operations plus a monotonically
// increasing version counter. The version lets consumers detect a stale
// snapshot without holding a lock.
type Queue struct {
	mu            sync.Mutex
	ops           []*model.Operation
	byID          map[string]*model.Operation
	version       uint64
	lastProcessed *time.Time
	maxRetries    int

	now func() time.Time
}

func New(maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	return &Queue{
		byID:       make(map[string]*model.Operation),
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the queue's time source for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue validates the inputs and, only when every rule passes, admits
// a new pending operation and increments the version. On validation
// failure the queue is not mutated and the full set of violations is
// returned.
func (q *Queue) Enqueue(kind model.Kind, params model.Params, priority model.Priority, source model.Source) (model.Operation, error) {
	if errs := model.ValidateOperationInput(kind, params, priority, source); errs.HasErrors() {
		return model.Operation{}, errs
	}

	id, err := model.GenerateID(model.IDTypeOperation)
	if err != nil {
		return model.Operation{}, fmt.Errorf("generate operation ID: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	op := &model.Operation{
		ID:         id,
		Kind:       kind,
		Params:     params,
		Status:     model.StatusPending,
		Priority:   priority,
		Source:     source,
		CreatedAt:  q.now(),
		MaxRetries: q.maxRetries,
	}
	q.ops = append(q.ops, op)
	q.byID[id] = op
	q.version++

	return *op, nil
}

// Dequeue returns the highest-priority pending operation, FIFO within a
// priority band, and marks it in_progress. A non-nil eligible predicate
// skips operations (for example ones blocked by an unresolved conflict)
// while leaving them pending. ok is false when nothing is eligible.
func (q *Queue) Dequeue(eligible func(model.Operation) bool) (model.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *model.Operation
	for _, op := range q.ops {
		if op.Status != model.StatusPending {
			continue
		}
		if eligible != nil && !eligible(*op) {
			continue
		}
		if best == nil {
			best = op
			continue
		}
		if op.Priority > best.Priority ||
			(op.Priority == best.Priority && op.CreatedAt.Before(best.CreatedAt)) {
			best = op
		}
	}
	if best == nil {
		return model.Operation{}, false
	}

	now := q.now()
	best.Status = model.StatusInProgress
	best.StartedAt = &now
	q.version++

	return *best, true
}

// Transition moves the operation with id to the given status, enforcing
// the state machine and incrementing the version.
func (q *Queue) Transition(id string, to model.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transitionLocked(id, to)
}

func (q *Queue) transitionLocked(id string, to model.Status) error {
	op, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("unknown operation %q", id)
	}
	if err := model.ValidateTransition(op.Status, to); err != nil {
		return err
	}
	op.Status = to
	if model.IsTerminal(to) || to == model.StatusFailed {
		now := q.now()
		op.CompletedAt = &now
	}
	q.version++
	return nil
}

// MarkCompleted records a successful terminal state with its result.
func (q *Queue) MarkCompleted(id string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.transitionLocked(id, model.StatusCompleted); err != nil {
		return err
	}
	op := q.byID[id]
	op.Result = result
	op.Error = ""
	now := q.now()
	q.lastProcessed = &now
	return nil
}

// MarkFailed records a failure with its error text. The operation stays
// failed; RetryFailed may re-admit it while budget remains.
func (q *Queue) MarkFailed(id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.transitionLocked(id, model.StatusFailed); err != nil {
		return err
	}
	op := q.byID[id]
	op.Error = errMsg
	op.Result = nil
	now := q.now()
	q.lastProcessed = &now
	return nil
}

// Cancel moves a pending or in-progress operation to cancelled.
// Terminal operations cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[id]; !ok {
		return fmt.Errorf("unknown operation %q", id)
	}
	return q.transitionLocked(id, model.StatusCancelled)
}

// Retry re-admits a single failed operation, consuming one retry.
// Returns false without mutating when the budget is exhausted.
func (q *Queue) Retry(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.byID[id]
	if !ok {
		return false, fmt.Errorf("unknown operation %q", id)
	}
	if op.Status != model.StatusFailed {
		return false, fmt.Errorf("operation %q is %s, only failed operations retry", id, op.Status)
	}
	if op.RetryCount >= op.MaxRetries {
		return false, nil
	}
	if err := q.transitionLocked(id, model.StatusPending); err != nil {
		return false, err
	}
	op.RetryCount++
	op.StartedAt = nil
	op.CompletedAt = nil
	return true, nil
}

// RetryFailed re-admits every failed operation with remaining budget.
// Returns the ids that went back to pending.
func (q *Queue) RetryFailed() []string {
	q.mu.Lock()
	failed := make([]string, 0)
	for _, op := range q.ops {
		if op.Status == model.StatusFailed && op.RetryCount < op.MaxRetries {
			failed = append(failed, op.ID)
		}
	}
	q.mu.Unlock()

	retried := make([]string, 0, len(failed))
	for _, id := range failed {
		if ok, err := q.Retry(id); err == nil && ok {
			retried = append(retried, id)
		}
	}
	return retried
}

// Sweep removes operations whose CreatedAt is older than the horizon,
// regardless of status, to bound queue growth.
func (q *Queue) Sweep(horizon time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-horizon)
	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.CreatedAt.Before(cutoff) {
			delete(q.byID, op.ID)
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	if removed > 0 {
		q.version++
	}
	return removed
}

// Get returns a copy of the operation with id.
func (q *Queue) Get(id string) (model.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.byID[id]
	if !ok {
		return model.Operation{}, false
	}
	return *op, true
}

// Version returns the current queue version.
func (q *Queue) Version() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// List returns copies of every operation in admission order.
func (q *Queue) List() []model.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Operation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, *op)
	}
	return out
}

// CountByStatus tallies operations per status.
func (q *Queue) CountByStatus() map[model.Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[model.Status]int)
	for _, op := range q.ops {
		counts[op.Status]++
	}
	return counts
}

// ActiveForSpec returns non-terminal operations targeting the spec id.
func (q *Queue) ActiveForSpec(specID string) []model.Operation {
	if specID == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.Operation
	for _, op := range q.ops {
		if model.IsTerminal(op.Status) {
			continue
		}
		if op.SpecID() == specID {
			out = append(out, *op)
		}
	}
	return out
}

// Snapshot captures the queue as its persistence document.
func (q *Queue) Snapshot() model.QueueDocument {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc := model.QueueDocument{
		Operations: make([]model.Operation, 0, len(q.ops)),
		Version:    q.version,
	}
	for _, op := range q.ops {
		doc.Operations = append(doc.Operations, *op)
	}
	if q.lastProcessed != nil {
		t := *q.lastProcessed
		doc.LastProcessed = &t
	}
	return doc
}

// Restore replaces the queue contents from a persistence document.
// Operations left in_progress by a crash go back to pending so they are
// dispatched again. Admission order is reconstructed from CreatedAt.
func (q *Queue) Restore(doc model.QueueDocument) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := make([]*model.Operation, 0, len(doc.Operations))
	byID := make(map[string]*model.Operation, len(doc.Operations))
	for i := range doc.Operations {
		op := doc.Operations[i]
		if !model.ValidStatus(op.Status) {
			return fmt.Errorf("operation %s has unknown status %q", op.ID, op.Status)
		}
		if _, dup := byID[op.ID]; dup {
			return fmt.Errorf("duplicate operation ID %s", op.ID)
		}
		if op.Status == model.StatusInProgress {
			op.Status = model.StatusPending
			op.StartedAt = nil
		}
		ops = append(ops, &op)
		byID[op.ID] = &op
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})

	q.ops = ops
	q.byID = byID
	q.version = doc.Version
	q.lastProcessed = doc.LastProcessed
	return nil
}
