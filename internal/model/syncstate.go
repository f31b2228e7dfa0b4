package model

import "time"

// MaxRecentErrors bounds the rolling error list in SyncState.
const MaxRecentErrors = 10

// SpecVersion is the coordinator's last observed state of one
// specification on the peer.
type SpecVersion struct {
	ID           string    `json:"id"`
	LastModified time.Time `json:"last_modified"`
	Version      int       `json:"version"`
}

// SyncState is the derived, recomputed view of synchronization health.
// It is owned by the coordinator; everyone else sees copies.
type SyncState struct {
	ClientOnline      bool          `json:"client_online"`
	ServerOnline      bool          `json:"server_online"`
	PendingOperations int           `json:"pending_operations"`
	FailedOperations  int           `json:"failed_operations"`
	LastSync          *time.Time    `json:"last_sync,omitempty"`
	Specs             []SpecVersion `json:"specs"`
	// CurrentSpec is the single authoritative pointer to the active
	// specification. There is deliberately no per-spec boolean.
	CurrentSpec  string   `json:"current_spec,omitempty"`
	RecentErrors []string `json:"recent_errors,omitempty"`
}

// RecordError appends msg to the rolling error list, dropping the oldest
// entry once the bound is reached.
func (s *SyncState) RecordError(msg string) {
	s.RecentErrors = append(s.RecentErrors, msg)
	if len(s.RecentErrors) > MaxRecentErrors {
		s.RecentErrors = s.RecentErrors[len(s.RecentErrors)-MaxRecentErrors:]
	}
}

// Clone returns a deep copy safe to hand to observers.
func (s *SyncState) Clone() SyncState {
	out := *s
	out.Specs = append([]SpecVersion(nil), s.Specs...)
	out.RecentErrors = append([]string(nil), s.RecentErrors...)
	if s.LastSync != nil {
		t := *s.LastSync
		out.LastSync = &t
	}
	return out
}
