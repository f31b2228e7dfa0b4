// Package conflict owns the conflict set: detection of overlapping
// mutations, severity classification, and resolution bookkeeping.
package conflict

import (
	"time"

	"github.com/msageha/specsync/internal/model"
)

// Type classifies what kind of inconsistency a conflict records.
type Type string

const (
	TypeConcurrentOperation  Type = "concurrent_operation"
	TypeExternalModification Type = "external_modification"
	TypeVersionMismatch      Type = "version_mismatch"
)

// Severity orders conflicts by how dangerous unresolved overlap is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalate returns the next severity up, saturating at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Conflict is a detected inconsistency on one specification. It stays
// in the active set until resolved.
type Conflict struct {
	ID                 string    `json:"id"`
	Type               Type      `json:"type"`
	Severity           Severity  `json:"severity"`
	SpecID             string    `json:"spec_id"`
	Description        string    `json:"description"`
	RelatedOperations  []string  `json:"related_operations,omitempty"`
	AutoResolvable     bool      `json:"auto_resolvable"`
	ResolutionAttempts int       `json:"resolution_attempts"`
	Timestamp          time.Time `json:"timestamp"`
}

// FileChange is an externally observed mutation of a specification
// file, reported by the filesystem watcher. Version is 0 when the
// change carries no version information.
type FileChange struct {
	SpecID  string    `json:"spec_id"`
	Path    string    `json:"path"`
	Version int       `json:"version,omitempty"`
	Time    time.Time `json:"time"`
}

// classify applies the fixed severity rule table to a pair of
// concurrently active operations on the same specification.
// delete_spec colliding with anything is critical. Two task-status
// updates are medium and auto-resolvable when they touch different
// task numbers (last-writer-wins merges cleanly). Everything else is
// high: overlapping document edits have no deterministic merge.
func classify(a, b model.Operation) (Severity, bool) {
	if a.Kind == model.KindDeleteSpec || b.Kind == model.KindDeleteSpec {
		return SeverityCritical, false
	}
	if a.Kind == model.KindUpdateTaskStatus && b.Kind == model.KindUpdateTaskStatus {
		return SeverityMedium, tasksDisjoint(a, b)
	}
	return SeverityHigh, false
}

// tasksDisjoint reports whether two task-status updates touch
// different task numbers.
func tasksDisjoint(a, b model.Operation) bool {
	pa, okA := a.Params.(*model.UpdateTaskStatusParams)
	pb, okB := b.Params.(*model.UpdateTaskStatusParams)
	if !okA || !okB {
		return false
	}
	return pa.TaskNumber != pb.TaskNumber
}
