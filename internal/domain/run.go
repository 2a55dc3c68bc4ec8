package domain

import "time"

// RunState is the lifecycle state of a report or sync run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// rank orders states for monotonic transitions.
func (s RunState) rank() int {
	switch s {
	case RunQueued:
		return 0
	case RunRunning:
		return 1
	case RunCompleted, RunFailed:
		return 2
	}
	return -1
}

// RunStatus is the polled progress of a report run.
type RunStatus struct {
	RunID     string    `json:"run_id"`
	State     RunState  `json:"state"`
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransition reports whether next may replace s.
// Terminal states are final; running updates may only move percent forward.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.State.IsTerminal() {
		return false
	}
	if next.State.rank() < s.State.rank() {
		return false
	}
	if next.State == RunRunning && s.State == RunRunning && next.Percent < s.Percent {
		return false
	}
	return true
}

// ReportRun is the index record of a report run.
// Artifact paths are set only after both artifacts are written.
type ReportRun struct {
	ID            string
	Scope         Scope
	Preset        string
	StartMs       int64
	EndMs         int64
	IncludeMarket bool
	State         RunState
	Error         string
	FactsPath     string
	EvidencePath  string
	SchemaVersion string
	Summary       []byte // JSON summary
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncRun records one ledger sync for an exchange account.
type SyncRun struct {
	ID            string
	Exchange      string
	Scope         Scope
	StartMs       int64
	EndMs         int64
	State         RunState
	FillsInserted int
	FlowsInserted int
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
}
