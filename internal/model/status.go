package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
}

// Operation status transitions:
//
//	pending     → in_progress (dequeued) | cancelled (explicit cancel)
//	in_progress → completed | failed | cancelled
//	failed      → pending (retry while retry_count < max_retries)
//
// failed is terminal once the retry budget is exhausted; that check lives
// in the queue, not the transition table.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPending: true,
	},
}

// IsTerminal reports whether no further transitions are possible from s.
// failed is excluded because a retry may re-admit the operation.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid operation transition: %q → %q", from, to)
	}
	return nil
}
