// Package supervise bounds the lifetime of a running monitor.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

func debugLog(format string, args ...interface{}) {
	if os.Getenv("HARNESS_DEBUG") == "1" {
		fmt.Printf("[DEBUG:SUPERVISE] "+format+"\n", args...)
	}
}

// DefaultKillGrace bounds how long Supervise waits for a killed process to
// be reaped.
const DefaultKillGrace = 5 * time.Second

// ErrKillUnconfirmed is reported when a killed process did not exit within
// the kill grace period.
var ErrKillUnconfirmed = errors.New("process did not exit after kill")

// Process is the part of a running monitor the supervisor needs.
type Process interface {
	// Wait blocks until the process exits. It must be safe to call more
	// than once.
	Wait() (*os.ProcessState, error)
	// Kill terminates the process and its descendants.
	Kill() error
	// Release closes handles held on the process without touching it.
	Release() error
}

// State is the terminal state of a supervised process.
type State int

const (
	Running State = iota
	Completed
	Killed
	Held
	// Unconfirmed means the process was killed but not seen to exit within
	// the kill grace period. It may still be running.
	Unconfirmed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Killed:
		return "killed"
	case Held:
		return "held"
	case Unconfirmed:
		return "kill-unconfirmed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options control a single supervision.
type Options struct {
	// Timeout is the wall-clock budget. Zero or negative means no deadline.
	Timeout time.Duration

	// Hold leaves the process running when the deadline passes.
	Hold bool

	// StartAfter, when set, defers the deadline until the channel closes.
	StartAfter <-chan struct{}

	// KillGrace bounds the wait for a killed process. Defaults to
	// DefaultKillGrace.
	KillGrace time.Duration

	// Cleanup runs after the process handles are released, in order. It is
	// skipped after an unconfirmed kill, since the process may still be
	// using what cleanup removes.
	Cleanup []func()
}

// Result describes how supervision ended.
type Result struct {
	State State

	// ProcessState is set when the process was reaped.
	ProcessState *os.ProcessState

	// Interrupted is set when the context was cancelled.
	Interrupted bool

	// Err reports a failure to wait on, kill or release the process.
	Err error

	// Elapsed is the time from the start of supervision to the terminal
	// state.
	Elapsed time.Duration
}

type waitResult struct {
	state *os.ProcessState
	err   error
}

// Supervise waits for p to exit, killing it when the deadline passes or ctx
// is cancelled. It always releases p before returning. A kill only counts
// once the process has been reaped; otherwise the result is Unconfirmed.
func Supervise(ctx context.Context, p Process, opts Options) Result {
	started := time.Now()

	waitCh := make(chan waitResult, 1)
	go func() {
		state, err := p.Wait()
		waitCh <- waitResult{state: state, err: err}
	}()

	startCh := opts.StartAfter
	if startCh == nil {
		now := make(chan struct{})
		close(now)
		startCh = now
	}

	var (
		deadline <-chan time.Time
		result   Result
	)

loop:
	for {
		select {
		case w := <-waitCh:
			debugLog("Process exited")
			result = Result{State: Completed, ProcessState: w.state, Err: w.err}
			break loop

		case <-startCh:
			startCh = nil
			if opts.Timeout > 0 {
				debugLog("Deadline armed: %s", opts.Timeout)
				timer := time.NewTimer(opts.Timeout)
				defer timer.Stop()
				deadline = timer.C
			}

		case <-deadline:
			if opts.Hold {
				debugLog("Deadline passed, holding process for inspection")
				result = Result{State: Held}
				break loop
			}
			debugLog("Deadline passed, killing process")
			result = kill(p, waitCh, opts.KillGrace)
			break loop

		case <-ctx.Done():
			debugLog("Interrupted: %v", ctx.Err())
			result = kill(p, waitCh, opts.KillGrace)
			result.Interrupted = true
			break loop
		}
	}

	if err := p.Release(); err != nil && result.Err == nil {
		result.Err = fmt.Errorf("failed to release process: %w", err)
	}
	if result.State == Unconfirmed {
		debugLog("Kill unconfirmed, skipping cleanup")
	} else {
		for _, fn := range opts.Cleanup {
			fn()
		}
	}

	result.Elapsed = time.Since(started)
	return result
}

// kill terminates p and waits for it to be reaped, bounded by grace.
func kill(p Process, waitCh <-chan waitResult, grace time.Duration) Result {
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	result := Result{State: Killed}
	if err := p.Kill(); err != nil {
		result.Err = fmt.Errorf("failed to kill process: %w", err)
	}

	select {
	case w := <-waitCh:
		result.ProcessState = w.state
		if result.Err == nil {
			result.Err = w.err
		}
	case <-time.After(grace):
		result.State = Unconfirmed
		if result.Err == nil {
			result.Err = ErrKillUnconfirmed
		} else {
			result.Err = fmt.Errorf("%w: %v", ErrKillUnconfirmed, result.Err)
		}
	}

	return result
}
