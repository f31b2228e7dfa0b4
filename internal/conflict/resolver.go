package conflict

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/store"
)

// Resolution strategies accepted by Resolve.
const (
	StrategyLastWriterWins = "last_writer_wins"
	StrategyAcceptLocal    = "accept_local"
	StrategyAcceptRemote   = "accept_remote"
)

// QueueView is the read-only slice of the queue the resolver inspects.
// *queue.Queue satisfies it.
type QueueView interface {
	ActiveForSpec(specID string) []model.Operation
	Get(id string) (model.Operation, bool)
}

// VersionView answers what version the coordinator last recorded for a
// specification. *coordinator.Coordinator satisfies it.
type VersionView interface {
	SpecVersion(specID string) (model.SpecVersion, bool)
}

// Resolver owns the set of active conflicts. It reads operation
// snapshots from the queue and never mutates them; resolution only
// retires conflicts and records attempts.
type Resolver struct {
	queue    QueueView
	versions VersionView
	bus      *events.Bus
	logger   *log.Logger

	// escalationThreshold raises severity once this many resolution
	// attempts on a conflict have failed.
	escalationThreshold int

	mu     sync.Mutex
	active map[string]*Conflict
	// pairSeen dedups concurrent-operation conflicts per operation pair
	// so one overlap raises exactly one conflict.
	pairSeen map[string]bool
	// persistPath, when set, receives the active set after every change.
	persistPath string

	now func() time.Time
}

// NewResolver creates a Resolver. versions may be nil when no recorded
// version source exists; version-mismatch detection is then disabled.
func NewResolver(q QueueView, versions VersionView, bus *events.Bus, escalationThreshold int, logger *log.Logger) *Resolver {
	if escalationThreshold <= 0 {
		escalationThreshold = 3
	}
	return &Resolver{
		queue:               q,
		versions:            versions,
		bus:                 bus,
		logger:              logger,
		escalationThreshold: escalationThreshold,
		active:              make(map[string]*Conflict),
		pairSeen:            make(map[string]bool),
		now:                 time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// SetPersistPath enables persistence: the active conflict set is
// written to path after every change, and any previously persisted
// conflicts are restored now.
func (r *Resolver) SetPersistPath(path string) error {
	cs, err := LoadConflicts(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.persistPath = path
	for i := range cs {
		c := cs[i]
		r.active[c.ID] = &c
		if c.Type == TypeConcurrentOperation && len(c.RelatedOperations) == 2 {
			r.pairSeen[pairKey(c.RelatedOperations[0], c.RelatedOperations[1])] = true
		}
	}
	r.mu.Unlock()
	return nil
}

// LoadConflicts reads a persisted conflict set. A missing file yields
// an empty set.
func LoadConflicts(path string) ([]Conflict, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conflicts: %w", err)
	}
	var cs []Conflict
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("parse conflicts: %w", err)
	}
	return cs, nil
}

func (r *Resolver) persistLocked() {
	if r.persistPath == "" {
		return
	}
	cs := make([]Conflict, 0, len(r.active))
	for _, c := range r.active {
		cs = append(cs, *c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
	if err := store.AtomicWriteJSON(r.persistPath, cs); err != nil {
		r.logf("persist conflicts: %v", err)
	}
}

// Blocked reports whether an unresolved conflict holds the
// specification. The coordinator consults this before dispatch.
func (r *Resolver) Blocked(specID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.active {
		if c.SpecID == specID {
			return true
		}
	}
	return false
}

// NoteOperation checks a newly admitted or started operation against
// every other active operation on the same specification and raises
// concurrent-operation conflicts for unseen pairs.
func (r *Resolver) NoteOperation(op model.Operation) {
	specID := op.SpecID()
	if specID == "" {
		return
	}
	for _, other := range r.queue.ActiveForSpec(specID) {
		if other.ID == op.ID {
			continue
		}
		r.raiseConcurrent(specID, op, other)
	}
}

func (r *Resolver) raiseConcurrent(specID string, a, b model.Operation) {
	key := pairKey(a.ID, b.ID)
	r.mu.Lock()
	if r.pairSeen[key] {
		r.mu.Unlock()
		return
	}
	r.pairSeen[key] = true

	severity, auto := classify(a, b)
	c := &Conflict{
		ID:                uuid.NewString(),
		Type:              TypeConcurrentOperation,
		Severity:          severity,
		SpecID:            specID,
		Description:       fmt.Sprintf("%s and %s both target spec %q", a.Kind, b.Kind, specID),
		RelatedOperations: []string{a.ID, b.ID},
		AutoResolvable:    auto,
		Timestamp:         r.now().UTC(),
	}
	r.active[c.ID] = c
	r.persistLocked()
	r.mu.Unlock()

	r.logf("conflict %s: %s", c.ID, c.Description)
	r.publishDetected(*c)
}

// NoteFileChange raises an external-modification conflict when a file
// change lands on a specification with active operations, and a
// version-mismatch conflict when the change reports a version older
// than the last recorded one.
func (r *Resolver) NoteFileChange(fc FileChange) {
	if fc.SpecID == "" {
		return
	}

	if active := r.queue.ActiveForSpec(fc.SpecID); len(active) > 0 {
		related := make([]string, 0, len(active))
		for _, op := range active {
			related = append(related, op.ID)
		}
		r.raise(&Conflict{
			Type:              TypeExternalModification,
			Severity:          SeverityHigh,
			SpecID:            fc.SpecID,
			Description:       fmt.Sprintf("spec %q changed on disk (%s) while %d operation(s) were active", fc.SpecID, fc.Path, len(active)),
			RelatedOperations: related,
		})
	}

	if r.versions != nil && fc.Version > 0 {
		if sv, ok := r.versions.SpecVersion(fc.SpecID); ok && fc.Version < sv.Version {
			r.raise(&Conflict{
				Type:        TypeVersionMismatch,
				Severity:    SeverityHigh,
				SpecID:      fc.SpecID,
				Description: fmt.Sprintf("spec %q file reports version %d, last recorded version is %d", fc.SpecID, fc.Version, sv.Version),
			})
		}
	}
}

// raise admits a conflict unless an equivalent one (same type and spec)
// is already active; the existing conflict absorbs the new related ids.
func (r *Resolver) raise(c *Conflict) {
	r.mu.Lock()
	for _, existing := range r.active {
		if existing.Type == c.Type && existing.SpecID == c.SpecID {
			existing.RelatedOperations = mergeIDs(existing.RelatedOperations, c.RelatedOperations)
			r.persistLocked()
			r.mu.Unlock()
			return
		}
	}
	c.ID = uuid.NewString()
	c.Timestamp = r.now().UTC()
	r.active[c.ID] = c
	r.persistLocked()
	r.mu.Unlock()

	r.logf("conflict %s: %s", c.ID, c.Description)
	r.publishDetected(*c)
}

// Active returns the unresolved conflicts, oldest first.
func (r *Resolver) Active() []Conflict {
	r.mu.Lock()
	out := make([]Conflict, 0, len(r.active))
	for _, c := range r.active {
		cp := *c
		cp.RelatedOperations = append([]string(nil), c.RelatedOperations...)
		out = append(out, cp)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one active conflict by id.
func (r *Resolver) Get(id string) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[id]
	if !ok {
		return Conflict{}, false
	}
	cp := *c
	cp.RelatedOperations = append([]string(nil), c.RelatedOperations...)
	return cp, true
}

// Resolve applies a strategy to one conflict. The attempt is recorded
// whether or not it succeeds; a failed attempt escalates severity once
// the threshold is reached and leaves the conflict active.
//
// The related operations are fetched from the queue while the resolver
// lock is released: the queue's dequeue path consults Blocked under the
// queue lock, so the two locks must never nest in opposite orders.
func (r *Resolver) Resolve(id, strategy string) error {
	for {
		r.mu.Lock()
		c, ok := r.active[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("unknown conflict %q", id)
		}
		related := append([]string(nil), c.RelatedOperations...)
		r.mu.Unlock()

		ops := make([]model.Operation, 0, len(related))
		for _, opID := range related {
			op, ok := r.queue.Get(opID)
			if !ok {
				// Swept or completed; nothing left to merge against.
				continue
			}
			ops = append(ops, op)
		}

		r.mu.Lock()
		c, ok = r.active[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("unknown conflict %q", id)
		}
		if !sameIDs(c.RelatedOperations, related) {
			// A merge grew the conflict since the snapshot.
			r.mu.Unlock()
			continue
		}
		c.ResolutionAttempts++

		if err := applyStrategy(c, strategy, ops); err != nil {
			if c.ResolutionAttempts >= r.escalationThreshold {
				c.Severity = c.Severity.Escalate()
			}
			r.persistLocked()
			r.mu.Unlock()
			return err
		}

		delete(r.active, id)
		resolved := *c
		r.persistLocked()
		r.mu.Unlock()

		r.logf("conflict %s resolved via %s", id, strategy)
		r.publishResolved(resolved, strategy)
		return nil
	}
}

// applyStrategy validates that the strategy is defined for the conflict.
// accept_local and accept_remote are always legal explicit choices;
// last_writer_wins only where the deterministic merge rule holds.
func applyStrategy(c *Conflict, strategy string, ops []model.Operation) error {
	switch strategy {
	case StrategyAcceptLocal, StrategyAcceptRemote:
		return nil
	case StrategyLastWriterWins:
		if !lastWriterWins(c, ops) {
			return fmt.Errorf("conflict %q has no deterministic last-writer-wins merge", c.ID)
		}
		return nil
	default:
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// lastWriterWins re-checks whether the merge rule still holds: every
// pair of related task-status updates must touch disjoint task numbers,
// so applying them in timestamp order loses nothing.
func lastWriterWins(c *Conflict, ops []model.Operation) bool {
	if !c.AutoResolvable {
		return false
	}
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			if _, auto := classify(ops[i], ops[j]); !auto {
				return false
			}
		}
	}
	return true
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AutoResolveAll attempts last-writer-wins on every auto-resolvable
// conflict and returns the ids that resolved. Failed attempts are
// recorded on the conflict like any other.
func (r *Resolver) AutoResolveAll() []string {
	r.mu.Lock()
	candidates := make([]string, 0)
	for id, c := range r.active {
		if c.AutoResolvable {
			candidates = append(candidates, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(candidates)

	resolved := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if err := r.Resolve(id, StrategyLastWriterWins); err == nil {
			resolved = append(resolved, id)
		} else {
			r.logf("auto-resolve %s: %v", id, err)
		}
	}
	return resolved
}

func (r *Resolver) publishDetected(c Conflict) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:   events.EventConflictDetected,
		SpecID: c.SpecID,
		Data: map[string]any{
			"conflict_id": c.ID,
			"type":        string(c.Type),
			"severity":    string(c.Severity),
			"description": c.Description,
		},
	})
}

func (r *Resolver) publishResolved(c Conflict, strategy string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:   events.EventConflictResolved,
		SpecID: c.SpecID,
		Data: map[string]any{
			"conflict_id": c.ID,
			"strategy":    strategy,
			"attempts":    c.ResolutionAttempts,
		},
	})
}

func (r *Resolver) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf("[conflict] "+format, args...)
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func mergeIDs(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	sort.Strings(existing)
	return existing
}
