package conflict

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/queue"
)

func mustEnqueue(t *testing.T, q *queue.Queue, kind model.Kind, params model.Params) model.Operation {
	t.Helper()
	op, err := q.Enqueue(kind, params, model.PriorityNormal, model.SourceClient)
	require.NoError(t, err)
	return op
}

type fixedVersions map[string]int

func (v fixedVersions) SpecVersion(specID string) (model.SpecVersion, bool) {
	n, ok := v[specID]
	return model.SpecVersion{ID: specID, Version: n}, ok
}

func TestConcurrentTaskStatusRaisesMediumConflict(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 3, nil)

	a := mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "1.2", TaskStatus: model.TaskStatusCompleted})
	b := mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "3", TaskStatus: model.TaskStatusInProgress})

	r.NoteOperation(b)

	active := r.Active()
	require.Len(t, active, 1)
	c := active[0]
	assert.Equal(t, TypeConcurrentOperation, c.Type)
	assert.Equal(t, SeverityMedium, c.Severity)
	assert.Equal(t, "auth", c.SpecID)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, c.RelatedOperations)
	assert.True(t, c.AutoResolvable)

	assert.True(t, r.Blocked("auth"))
	assert.False(t, r.Blocked("billing"))
}

func TestDeleteCollisionIsCritical(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 3, nil)

	mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"})
	del := mustEnqueue(t, q, model.KindDeleteSpec, &model.DeleteSpecParams{Spec: "auth"})

	r.NoteOperation(del)

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, SeverityCritical, active[0].Severity)
	assert.False(t, active[0].AutoResolvable)
}

func TestSamePairRaisesOnce(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 3, nil)

	a := mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"})
	b := mustEnqueue(t, q, model.KindUpdateTasks, &model.UpdateTasksParams{Spec: "auth", Content: "y"})

	r.NoteOperation(a)
	r.NoteOperation(b)
	r.NoteOperation(b)

	assert.Len(t, r.Active(), 1)
}

func TestOperationsOnDistinctSpecsDoNotConflict(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 3, nil)

	mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"})
	other := mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "billing", Content: "y"})

	r.NoteOperation(other)
	assert.Empty(t, r.Active())
}

func TestFileChangeDuringActiveOperation(t *testing.T) {
	q := queue.New(3)
	bus := events.NewBus(16)
	defer bus.Close()
	r := NewResolver(q, nil, bus, 3, nil)

	detected := make(chan events.Event, 1)
	bus.Subscribe(events.EventConflictDetected, func(e events.Event) {
		select {
		case detected <- e:
		default:
		}
	}, nil)

	op := mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"})
	r.NoteFileChange(FileChange{SpecID: "auth", Path: "/specs/auth/design.md", Time: time.Now()})

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, TypeExternalModification, active[0].Type)
	assert.Equal(t, SeverityHigh, active[0].Severity)
	assert.Equal(t, []string{op.ID}, active[0].RelatedOperations)

	select {
	case e := <-detected:
		assert.Equal(t, "auth", e.SpecID)
	case <-time.After(2 * time.Second):
		t.Fatal("no conflict_detected event")
	}
}

func TestFileChangeWithoutActiveOperationIsIgnored(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 3, nil)

	r.NoteFileChange(FileChange{SpecID: "auth", Path: "/specs/auth/design.md", Time: time.Now()})
	assert.Empty(t, r.Active())
}

func TestStaleVersionRaisesMismatch(t *testing.T) {
	q := queue.New(3)
	versions := fixedVersions{"auth": 7}
	r := NewResolver(q, versions, nil, 3, nil)

	r.NoteFileChange(FileChange{SpecID: "auth", Version: 3, Time: time.Now()})

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, TypeVersionMismatch, active[0].Type)
	assert.Equal(t, SeverityHigh, active[0].Severity)

	// Same or newer version is not a mismatch.
	r.NoteFileChange(FileChange{SpecID: "auth", Version: 8, Time: time.Now()})
	assert.Len(t, r.Active(), 1)
}

func TestResolveRetiresConflict(t *testing.T) {
	q := queue.New(3)
	bus := events.NewBus(16)
	defer bus.Close()
	r := NewResolver(q, nil, bus, 3, nil)

	resolved := make(chan events.Event, 1)
	bus.Subscribe(events.EventConflictResolved, func(e events.Event) {
		select {
		case resolved <- e:
		default:
		}
	}, nil)

	mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"})
	op := mustEnqueue(t, q, model.KindUpdateTasks, &model.UpdateTasksParams{Spec: "auth", Content: "y"})
	r.NoteOperation(op)

	active := r.Active()
	require.Len(t, active, 1)
	require.NoError(t, r.Resolve(active[0].ID, StrategyAcceptLocal))

	assert.Empty(t, r.Active())
	assert.False(t, r.Blocked("auth"))

	select {
	case e := <-resolved:
		assert.Equal(t, StrategyAcceptLocal, e.Data["strategy"])
	case <-time.After(2 * time.Second):
		t.Fatal("no conflict_resolved event")
	}
}

func TestFailedAttemptsEscalateSeverity(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 2, nil)

	mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"})
	op := mustEnqueue(t, q, model.KindUpdateTasks, &model.UpdateTasksParams{Spec: "auth", Content: "y"})
	r.NoteOperation(op)

	id := r.Active()[0].ID

	require.Error(t, r.Resolve(id, "bogus"))
	c, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, c.ResolutionAttempts)
	assert.Equal(t, SeverityHigh, c.Severity)

	require.Error(t, r.Resolve(id, "bogus"))
	c, _ = r.Get(id)
	assert.Equal(t, 2, c.ResolutionAttempts)
	assert.Equal(t, SeverityCritical, c.Severity)

	// Still resolvable explicitly after escalation.
	require.NoError(t, r.Resolve(id, StrategyAcceptRemote))
	assert.Empty(t, r.Active())
}

func TestAutoResolveAllMergesDisjointTaskUpdates(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 3, nil)

	mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "1", TaskStatus: model.TaskStatusCompleted})
	b := mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "2", TaskStatus: model.TaskStatusCompleted})
	r.NoteOperation(b)

	mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "billing", Content: "x"})
	d := mustEnqueue(t, q, model.KindUpdateTasks, &model.UpdateTasksParams{Spec: "billing", Content: "y"})
	r.NoteOperation(d)

	require.Len(t, r.Active(), 2)
	resolved := r.AutoResolveAll()
	assert.Len(t, resolved, 1)

	remaining := r.Active()
	require.Len(t, remaining, 1)
	assert.Equal(t, "billing", remaining[0].SpecID)
	assert.True(t, r.Blocked("billing"))
	assert.False(t, r.Blocked("auth"))
}

func TestConflictsPersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conflicts.json")
	q := queue.New(3)

	r1 := NewResolver(q, nil, nil, 3, nil)
	require.NoError(t, r1.SetPersistPath(path))

	mustEnqueue(t, q, model.KindUpdateDesign, &model.UpdateDesignParams{Spec: "auth", Content: "x"})
	op := mustEnqueue(t, q, model.KindUpdateTasks, &model.UpdateTasksParams{Spec: "auth", Content: "y"})
	r1.NoteOperation(op)
	require.Len(t, r1.Active(), 1)
	id := r1.Active()[0].ID

	r2 := NewResolver(q, nil, nil, 3, nil)
	require.NoError(t, r2.SetPersistPath(path))
	require.Len(t, r2.Active(), 1)
	assert.Equal(t, id, r2.Active()[0].ID)
	assert.True(t, r2.Blocked("auth"))

	// The restored pair is still deduplicated.
	r2.NoteOperation(op)
	assert.Len(t, r2.Active(), 1)

	require.NoError(t, r2.Resolve(id, StrategyAcceptLocal))

	r3 := NewResolver(q, nil, nil, 3, nil)
	require.NoError(t, r3.SetPersistPath(path))
	assert.Empty(t, r3.Active())
}

func TestLastWriterWinsRefusedForOverlappingTasks(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 3, nil)

	mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "1", TaskStatus: model.TaskStatusCompleted})
	b := mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "1", TaskStatus: model.TaskStatusPending})
	r.NoteOperation(b)

	active := r.Active()
	require.Len(t, active, 1)
	assert.False(t, active[0].AutoResolvable)

	err := r.Resolve(active[0].ID, StrategyLastWriterWins)
	require.Error(t, err)
	c, _ := r.Get(active[0].ID)
	assert.Equal(t, 1, c.ResolutionAttempts)
}

func TestResolveConcurrentWithDispatchCompletes(t *testing.T) {
	q := queue.New(3)
	r := NewResolver(q, nil, nil, 1000, nil)

	mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "2", TaskStatus: model.TaskStatusCompleted})
	op := mustEnqueue(t, q, model.KindUpdateTaskStatus, &model.UpdateTaskStatusParams{Spec: "auth", TaskNumber: "2", TaskStatus: model.TaskStatusInProgress})
	r.NoteOperation(op)

	active := r.Active()
	require.Len(t, active, 1)
	id := active[0].ID

	// Overlapping task numbers keep the conflict active through every
	// attempt, so both loops run their full length against each other.
	done := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2000; i++ {
			q.Dequeue(func(op model.Operation) bool {
				return !r.Blocked(op.SpecID())
			})
		}
		done <- struct{}{}
	}()
	go func() {
		for i := 0; i < 2000; i++ {
			_ = r.Resolve(id, StrategyLastWriterWins)
		}
		done <- struct{}{}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("dispatch and resolve did not finish against each other")
		}
	}
	assert.True(t, r.Blocked("auth"))
}
