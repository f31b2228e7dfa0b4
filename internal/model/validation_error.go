package model

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects every violated rule so callers see the full
// set, not just the first failure.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// ValidateOperationInput checks the admission-time inputs for an
// operation. It never mutates anything; the queue only admits when the
// returned set is empty.
func ValidateOperationInput(kind Kind, params Params, priority Priority, source Source) *ValidationErrors {
	errs := &ValidationErrors{}
	if !ValidKind(kind) {
		errs.Add("kind", fmt.Sprintf("unknown operation kind %q", kind))
		return errs
	}
	if params == nil {
		errs.Add("params", "are required")
		return errs
	}
	if params.Kind() != kind {
		errs.Add("params", fmt.Sprintf("are for kind %q, want %q", params.Kind(), kind))
		return errs
	}
	if _, ok := priorityNames[priority]; !ok {
		errs.Add("priority", fmt.Sprintf("invalid ordinal %d", int(priority)))
	}
	if !ValidSource(source) {
		errs.Add("source", fmt.Sprintf("must be client or server, got %q", source))
	}
	params.Validate(errs)
	return errs
}
