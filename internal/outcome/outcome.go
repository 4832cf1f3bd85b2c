// Package outcome maps how the monitor process ended to a test verdict.
//
// The guest reports its result by writing one byte to the isa-debug-exit
// device. The monitor then exits with (byte << 1) | 1, so the two signals
// the guest's test runner uses arrive as exit codes 33 and 35.
package outcome

import (
	"fmt"
	"os"
	"syscall"
)

const (
	// PassSignal is written by the guest when every test passed.
	PassSignal byte = 0x10
	// FailSignal is written by the guest when a test failed.
	FailSignal byte = 0x11
)

// ExitCode returns the monitor exit code produced by the guest writing
// signal to the exit device.
func ExitCode(signal byte) int {
	return int(signal)<<1 | 1
}

var (
	passCode = ExitCode(PassSignal)
	failCode = ExitCode(FailSignal)
)

// Kind classifies an outcome.
type Kind int

const (
	Passed Kind = iota
	Failed
	TimedOut
	Unknown
	Crashed
)

func (k Kind) String() string {
	switch k {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed-out"
	case Unknown:
		return "unknown"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is the verdict of one run.
type Outcome struct {
	Kind Kind
	// Code is the raw exit code for Unknown outcomes.
	Code int
	// Signal is the terminating signal for Crashed outcomes.
	Signal syscall.Signal
}

// InterpretCode maps a raw monitor exit code.
func InterpretCode(code int) Outcome {
	switch code {
	case passCode:
		return Outcome{Kind: Passed, Code: code}
	case failCode:
		return Outcome{Kind: Failed, Code: code}
	default:
		return Outcome{Kind: Unknown, Code: code}
	}
}

// Interpret maps how the monitor ended. killed is set when the harness
// terminated the monitor itself; that always means the run timed out,
// whatever the process state says.
func Interpret(killed bool, state *os.ProcessState) Outcome {
	if killed {
		return Outcome{Kind: TimedOut}
	}
	if state == nil {
		return Outcome{Kind: Unknown, Code: -1}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Outcome{Kind: Crashed, Signal: ws.Signal()}
	}

	return InterpretCode(state.ExitCode())
}

func (o Outcome) String() string {
	switch o.Kind {
	case Unknown:
		return fmt.Sprintf("unknown (exit code %d)", o.Code)
	case Crashed:
		return fmt.Sprintf("crashed (%s)", o.Signal)
	default:
		return o.Kind.String()
	}
}

// Success reports whether the guest signalled that every test passed.
func (o Outcome) Success() bool {
	return o.Kind == Passed
}

// HeldExitStatus is the CLI exit status of a run left held for inspection.
const HeldExitStatus = 5

// ExitStatus returns the process exit status the CLI reports for o.
func (o Outcome) ExitStatus() int {
	switch o.Kind {
	case Passed:
		return 0
	case Failed:
		return 1
	case TimedOut:
		return 2
	case Crashed:
		return 4
	default:
		return 3
	}
}
