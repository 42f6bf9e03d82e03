package model

import "time"

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// GroupFailure records why one group (or a whole provider, when Identifier is
// empty) failed during a run.
type GroupFailure struct {
	Platform   Platform `json:"platform"`
	Identifier string   `json:"identifier,omitempty"`
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
}

// SyncRun is one row of the sync run log. It is created when a pass starts
// and finalized exactly once.
type SyncRun struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Status      RunStatus

	EventsCreated int
	EventsUpdated int
	EventsDeleted int
	// GroupsChanged counts groups created or updated, including new or
	// renamed connections.
	GroupsChanged int

	GroupsTotal  int
	GroupsFailed int

	// Error is the top-level failure message, empty on success.
	Error string
	// GroupID is set for single-group runs.
	GroupID  string
	Failures []GroupFailure
}

// Changes returns the number of events and groups the run wrote.
func (r *SyncRun) Changes() int {
	return r.EventsCreated + r.EventsUpdated + r.EventsDeleted + r.GroupsChanged
}
