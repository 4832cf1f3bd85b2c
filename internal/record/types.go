// Package record persists one JSON document per harness run so that held
// instances can be found, attached to and killed after the run command has
// returned.
package record

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Run statuses
const (
	StatusRunning  = "running"
	StatusHeld     = "held"
	StatusFinished = "finished"
	StatusKilled   = "killed"
)

// Record describes one harness run.
type Record struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "running", "held", "finished", "killed"
	PID    int    `json:"pid,omitempty"`

	Monitor      string   `json:"monitor"`
	Revision     string   `json:"revision,omitempty"` // producer checkout, from git describe
	FeatureFlags []string `json:"feature_flags,omitempty"`
	Timeout      string   `json:"timeout"` // e.g. "1m0s"

	Outcome  string `json:"outcome,omitempty"`   // "passed" | "failed" | "timed-out" | "unknown" | "crashed"
	ExitCode *int   `json:"exit_code,omitempty"` // raw monitor exit code when it was reaped

	ConsoleLog    string        `json:"console_log"`
	MonitorLog    string        `json:"monitor_log,omitempty"`
	TraceLog      string        `json:"trace_log,omitempty"`
	DebugAddress  string        `json:"debug_address,omitempty"`
	SymbolFile    string        `json:"symbol_file,omitempty"`
	StagingRoot   string        `json:"staging_root"`
	StagingDigest digest.Digest `json:"staging_digest,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Active reports whether the monitor of this run may still be alive.
func (r *Record) Active() bool {
	return r.Status == StatusRunning || r.Status == StatusHeld
}

// Finish marks the record terminal.
func (r *Record) Finish(status string, at time.Time) {
	r.Status = status
	r.FinishedAt = &at
}

// Duration is the wall time of a finished run, or the time since start for
// an active one.
func (r *Record) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}
