package harness

import (
	"errors"
	"fmt"

	"github.com/je4os/harness/internal/artifacts"
	"github.com/je4os/harness/internal/instrument"
	"github.com/je4os/harness/internal/monitor"
	"github.com/je4os/harness/internal/outcome"
	"github.com/je4os/harness/internal/stage"
	"github.com/je4os/harness/internal/supervise"
)

// ErrInterrupted is returned when the run was cancelled before the monitor
// exited.
var ErrInterrupted = errors.New("run interrupted")

// OutcomeError is returned by the run command for every outcome other than
// Passed. It carries the process exit status.
type OutcomeError struct {
	Outcome outcome.Outcome
	Held    bool
}

func (e *OutcomeError) Error() string {
	if e.Held {
		return "run held for inspection"
	}
	return fmt.Sprintf("run %s", e.Outcome)
}

// ExitStatus is the status the process should exit with.
func (e *OutcomeError) ExitStatus() int {
	if e.Held {
		return outcome.HeldExitStatus
	}
	return e.Outcome.ExitStatus()
}

// Exit statuses for errors that are not outcomes.
const (
	FatalExitStatus       = 6
	InterruptedExitStatus = 130
)

// ExitStatus maps an error returned by a command to the process exit
// status. Outcomes keep their own statuses; taxonomy errors that aborted a
// run exit with FatalExitStatus; anything else with 1.
func ExitStatus(err error) int {
	var outcomeErr *OutcomeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &outcomeErr):
		return outcomeErr.ExitStatus()
	case errors.Is(err, ErrInterrupted):
		return InterruptedExitStatus
	}

	switch Kind(err) {
	case "BuildError", "StagingError", "ConfigError", "LaunchError", "KillUnconfirmed":
		return FatalExitStatus
	default:
		return 1
	}
}

// reportedError marks an error the command already printed.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// MarkReported records that err was already printed through PrintReport or
// PrintFailure. A nil err stays nil.
func MarkReported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}

// Reported reports whether err was marked by MarkReported.
func Reported(err error) bool {
	var re *reportedError
	return errors.As(err, &re)
}

// Kind names the failure class of err for the operator.
func Kind(err error) string {
	var (
		buildErr   *artifacts.BuildError
		stagingErr *stage.StagingError
		configErr  *instrument.ConfigError
		launchErr  *monitor.LaunchError
		outcomeErr *OutcomeError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &buildErr):
		return "BuildError"
	case errors.As(err, &stagingErr):
		return "StagingError"
	case errors.As(err, &configErr):
		return "ConfigError"
	case errors.As(err, &launchErr):
		return "LaunchError"
	case errors.Is(err, supervise.ErrKillUnconfirmed):
		return "KillUnconfirmed"
	case errors.Is(err, ErrInterrupted):
		return "Interrupted"
	case errors.As(err, &outcomeErr):
		if outcomeErr.Held {
			return "Held"
		}
		return outcomeKind(outcomeErr.Outcome.Kind)
	default:
		return "Error"
	}
}

func outcomeKind(k outcome.Kind) string {
	switch k {
	case outcome.Passed:
		return "Passed"
	case outcome.Failed:
		return "Failed"
	case outcome.TimedOut:
		return "TimedOut"
	case outcome.Crashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}
