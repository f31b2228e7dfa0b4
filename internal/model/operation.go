// Package model defines the data structures for specsync's operations,
// queue persistence, sync state, and configuration.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of mutation an operation requests.
type Kind string

const (
	KindCreateSpec         Kind = "create_spec"
	KindUpdateRequirements Kind = "update_requirements"
	KindUpdateDesign       Kind = "update_design"
	KindUpdateTasks        Kind = "update_tasks"
	KindAddUserStory       Kind = "add_user_story"
	KindUpdateTaskStatus   Kind = "update_task_status"
	KindDeleteSpec         Kind = "delete_spec"
	KindSetCurrentSpec     Kind = "set_current_spec"
	KindSyncStatus         Kind = "sync_status"
	KindHeartbeat          Kind = "heartbeat"
)

var validKinds = map[Kind]bool{
	KindCreateSpec:         true,
	KindUpdateRequirements: true,
	KindUpdateDesign:       true,
	KindUpdateTasks:        true,
	KindAddUserStory:       true,
	KindUpdateTaskStatus:   true,
	KindDeleteSpec:         true,
	KindSetCurrentSpec:     true,
	KindSyncStatus:         true,
	KindHeartbeat:          true,
}

func ValidKind(k Kind) bool {
	return validKinds[k]
}

// Priority orders operations within the queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

var priorityValues = map[string]Priority{
	"low":    PriorityLow,
	"normal": PriorityNormal,
	"high":   PriorityHigh,
	"urgent": PriorityUrgent,
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) MarshalJSON() ([]byte, error) {
	s, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return json.Marshal(s)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := priorityValues[s]
	if !ok {
		return fmt.Errorf("invalid priority: %q", s)
	}
	*p = v
	return nil
}

// ParsePriority converts a priority name to its ordinal. Unknown names
// fall back to normal.
func ParsePriority(s string) Priority {
	if p, ok := priorityValues[s]; ok {
		return p
	}
	return PriorityNormal
}

// Source identifies which peer admitted an operation.
type Source string

const (
	SourceClient Source = "client"
	SourceServer Source = "server"
)

func ValidSource(s Source) bool {
	return s == SourceClient || s == SourceServer
}

// Operation is a single requested mutation against a specification,
// tracked through the lifecycle in status.go.
type Operation struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Params      Params          `json:"params"`
	Status      Status          `json:"status"`
	Priority    Priority        `json:"priority"`
	Source      Source          `json:"source"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// DefaultMaxRetries applies when an operation is admitted without an
// explicit retry budget.
const DefaultMaxRetries = 3

// SpecID returns the specification identifier the operation targets,
// or "" for operations without a target (sync_status, heartbeat).
func (o *Operation) SpecID() string {
	if o.Params == nil {
		return ""
	}
	return o.Params.SpecID()
}

// Method derives the RPC method name for the operation's kind.
func (o *Operation) Method() string {
	return MethodForKind(o.Kind)
}

// MethodForKind maps each operation kind to its wire method. The switch
// is exhaustive over every kind so a new kind cannot be forgotten here.
func MethodForKind(k Kind) string {
	switch k {
	case KindCreateSpec:
		return "spec.create"
	case KindUpdateRequirements:
		return "spec.updateRequirements"
	case KindUpdateDesign:
		return "spec.updateDesign"
	case KindUpdateTasks:
		return "spec.updateTasks"
	case KindAddUserStory:
		return "spec.addUserStory"
	case KindUpdateTaskStatus:
		return "spec.updateTaskStatus"
	case KindDeleteSpec:
		return "spec.delete"
	case KindSetCurrentSpec:
		return "spec.setCurrent"
	case KindSyncStatus:
		return "sync.status"
	case KindHeartbeat:
		return "ping"
	}
	return ""
}

// Describe renders a one-line human-readable summary of the operation.
// Exhaustive over every kind, mirroring MethodForKind.
func (o *Operation) Describe() string {
	switch o.Kind {
	case KindCreateSpec:
		p := o.Params.(*CreateSpecParams)
		return fmt.Sprintf("create spec %q", p.Name)
	case KindUpdateRequirements:
		return fmt.Sprintf("update requirements of %s", o.SpecID())
	case KindUpdateDesign:
		return fmt.Sprintf("update design of %s", o.SpecID())
	case KindUpdateTasks:
		return fmt.Sprintf("update tasks of %s", o.SpecID())
	case KindAddUserStory:
		return fmt.Sprintf("add user story to %s", o.SpecID())
	case KindUpdateTaskStatus:
		p := o.Params.(*UpdateTaskStatusParams)
		return fmt.Sprintf("set task %s of %s to %s", p.TaskNumber, p.Spec, p.TaskStatus)
	case KindDeleteSpec:
		return fmt.Sprintf("delete spec %s", o.SpecID())
	case KindSetCurrentSpec:
		return fmt.Sprintf("set current spec to %s", o.SpecID())
	case KindSyncStatus:
		return "sync status"
	case KindHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("unknown operation %s", o.Kind)
}

// operationAlias avoids recursing into Operation's own UnmarshalJSON.
type operationAlias struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Params      json.RawMessage `json:"params"`
	Status      Status          `json:"status"`
	Priority    Priority        `json:"priority"`
	Source      Source          `json:"source"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// UnmarshalJSON decodes the params payload into the concrete variant for
// the operation's kind.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var a operationAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	params, err := UnmarshalParams(a.Kind, a.Params)
	if err != nil {
		return fmt.Errorf("operation %s: %w", a.ID, err)
	}
	*o = Operation{
		ID:          a.ID,
		Kind:        a.Kind,
		Params:      params,
		Status:      a.Status,
		Priority:    a.Priority,
		Source:      a.Source,
		CreatedAt:   a.CreatedAt,
		StartedAt:   a.StartedAt,
		CompletedAt: a.CompletedAt,
		RetryCount:  a.RetryCount,
		MaxRetries:  a.MaxRetries,
		Error:       a.Error,
		Result:      a.Result,
	}
	return nil
}

// QueueDocument is the queue's JSON persistence shape.
type QueueDocument struct {
	Operations    []Operation `json:"operations"`
	LastProcessed *time.Time  `json:"last_processed,omitempty"`
	Version       uint64      `json:"version"`
}
