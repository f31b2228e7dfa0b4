package model

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Params is the closed set of per-kind parameter shapes. Exactly one
// implementation exists per Kind; UnmarshalParams and MethodForKind
// switch exhaustively over the set.
type Params interface {
	// Kind reports which operation kind the parameters belong to.
	Kind() Kind
	// SpecID returns the targeted specification identifier, or "".
	SpecID() string
	// Validate appends every violated rule to errs.
	Validate(errs *ValidationErrors)

	sealed()
}

const MaxSpecNameBytes = 1024

var (
	specIDRegex     = regexp.MustCompile(`^[a-z0-9-]+$`)
	taskNumberRegex = regexp.MustCompile(`^\d+(\.\d+)*$`)
)

// TaskStatus is the three-value status enum for task-status updates.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

var validTaskStatuses = map[TaskStatus]bool{
	TaskStatusPending:    true,
	TaskStatusInProgress: true,
	TaskStatusCompleted:  true,
}

func validateSpecID(errs *ValidationErrors, field, id string) {
	if id == "" {
		errs.Add(field, "is required")
		return
	}
	if !specIDRegex.MatchString(id) {
		errs.Add(field, fmt.Sprintf("must match [a-z0-9-]+, got %q", id))
	}
}

type CreateSpecParams struct {
	Name        string `json:"name"`
	Spec        string `json:"spec_id,omitempty"`
	Description string `json:"description,omitempty"`
}

func (p *CreateSpecParams) Kind() Kind     { return KindCreateSpec }
func (p *CreateSpecParams) SpecID() string { return p.Spec }
func (p *CreateSpecParams) sealed()        {}

func (p *CreateSpecParams) Validate(errs *ValidationErrors) {
	if p.Name == "" {
		errs.Add("name", "is required")
	}
	if len(p.Name) > MaxSpecNameBytes {
		errs.Add("name", fmt.Sprintf("exceeds %d bytes", MaxSpecNameBytes))
	}
	// Spec id is optional at creation; the server derives one from the
	// name when absent. If supplied it must already be well formed.
	if p.Spec != "" && !specIDRegex.MatchString(p.Spec) {
		errs.Add("spec_id", fmt.Sprintf("must match [a-z0-9-]+, got %q", p.Spec))
	}
}

type UpdateRequirementsParams struct {
	Spec    string `json:"spec_id"`
	Content string `json:"content"`
}

func (p *UpdateRequirementsParams) Kind() Kind     { return KindUpdateRequirements }
func (p *UpdateRequirementsParams) SpecID() string { return p.Spec }
func (p *UpdateRequirementsParams) sealed()        {}

func (p *UpdateRequirementsParams) Validate(errs *ValidationErrors) {
	validateSpecID(errs, "spec_id", p.Spec)
	if p.Content == "" {
		errs.Add("content", "is required")
	}
}

type UpdateDesignParams struct {
	Spec    string `json:"spec_id"`
	Content string `json:"content"`
}

func (p *UpdateDesignParams) Kind() Kind     { return KindUpdateDesign }
func (p *UpdateDesignParams) SpecID() string { return p.Spec }
func (p *UpdateDesignParams) sealed()        {}

func (p *UpdateDesignParams) Validate(errs *ValidationErrors) {
	validateSpecID(errs, "spec_id", p.Spec)
	if p.Content == "" {
		errs.Add("content", "is required")
	}
}

type UpdateTasksParams struct {
	Spec    string `json:"spec_id"`
	Content string `json:"content"`
}

func (p *UpdateTasksParams) Kind() Kind     { return KindUpdateTasks }
func (p *UpdateTasksParams) SpecID() string { return p.Spec }
func (p *UpdateTasksParams) sealed()        {}

func (p *UpdateTasksParams) Validate(errs *ValidationErrors) {
	validateSpecID(errs, "spec_id", p.Spec)
	if p.Content == "" {
		errs.Add("content", "is required")
	}
}

type AddUserStoryParams struct {
	Spec               string   `json:"spec_id"`
	Title              string   `json:"title"`
	Story              string   `json:"story"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

func (p *AddUserStoryParams) Kind() Kind     { return KindAddUserStory }
func (p *AddUserStoryParams) SpecID() string { return p.Spec }
func (p *AddUserStoryParams) sealed()        {}

func (p *AddUserStoryParams) Validate(errs *ValidationErrors) {
	validateSpecID(errs, "spec_id", p.Spec)
	if p.Title == "" {
		errs.Add("title", "is required")
	}
	if p.Story == "" {
		errs.Add("story", "is required")
	}
}

type UpdateTaskStatusParams struct {
	Spec       string     `json:"spec_id"`
	TaskNumber string     `json:"task_number"`
	TaskStatus TaskStatus `json:"task_status"`
}

func (p *UpdateTaskStatusParams) Kind() Kind     { return KindUpdateTaskStatus }
func (p *UpdateTaskStatusParams) SpecID() string { return p.Spec }
func (p *UpdateTaskStatusParams) sealed()        {}

func (p *UpdateTaskStatusParams) Validate(errs *ValidationErrors) {
	validateSpecID(errs, "spec_id", p.Spec)
	if p.TaskNumber == "" {
		errs.Add("task_number", "is required")
	} else if !taskNumberRegex.MatchString(p.TaskNumber) {
		errs.Add("task_number", fmt.Sprintf(`must match \d+(\.\d+)*, got %q`, p.TaskNumber))
	}
	if !validTaskStatuses[p.TaskStatus] {
		errs.Add("task_status", fmt.Sprintf("must be pending, in_progress or completed, got %q", p.TaskStatus))
	}
}

type DeleteSpecParams struct {
	Spec string `json:"spec_id"`
}

func (p *DeleteSpecParams) Kind() Kind     { return KindDeleteSpec }
func (p *DeleteSpecParams) SpecID() string { return p.Spec }
func (p *DeleteSpecParams) sealed()        {}

func (p *DeleteSpecParams) Validate(errs *ValidationErrors) {
	validateSpecID(errs, "spec_id", p.Spec)
}

type SetCurrentSpecParams struct {
	Spec string `json:"spec_id"`
}

func (p *SetCurrentSpecParams) Kind() Kind     { return KindSetCurrentSpec }
func (p *SetCurrentSpecParams) SpecID() string { return p.Spec }
func (p *SetCurrentSpecParams) sealed()        {}

func (p *SetCurrentSpecParams) Validate(errs *ValidationErrors) {
	validateSpecID(errs, "spec_id", p.Spec)
}

type SyncStatusParams struct{}

func (p *SyncStatusParams) Kind() Kind                      { return KindSyncStatus }
func (p *SyncStatusParams) SpecID() string                  { return "" }
func (p *SyncStatusParams) sealed()                         {}
func (p *SyncStatusParams) Validate(errs *ValidationErrors) {}

type HeartbeatParams struct{}

func (p *HeartbeatParams) Kind() Kind                      { return KindHeartbeat }
func (p *HeartbeatParams) SpecID() string                  { return "" }
func (p *HeartbeatParams) sealed()                         {}
func (p *HeartbeatParams) Validate(errs *ValidationErrors) {}

// UnmarshalParams decodes raw JSON into the parameter variant for kind.
// Exhaustive over every kind.
func UnmarshalParams(kind Kind, data []byte) (Params, error) {
	var p Params
	switch kind {
	case KindCreateSpec:
		p = &CreateSpecParams{}
	case KindUpdateRequirements:
		p = &UpdateRequirementsParams{}
	case KindUpdateDesign:
		p = &UpdateDesignParams{}
	case KindUpdateTasks:
		p = &UpdateTasksParams{}
	case KindAddUserStory:
		p = &AddUserStoryParams{}
	case KindUpdateTaskStatus:
		p = &UpdateTaskStatusParams{}
	case KindDeleteSpec:
		p = &DeleteSpecParams{}
	case KindSetCurrentSpec:
		p = &SetCurrentSpecParams{}
	case KindSyncStatus:
		p = &SyncStatusParams{}
	case KindHeartbeat:
		p = &HeartbeatParams{}
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("unmarshal %s params: %w", kind, err)
		}
	}
	return p, nil
}
