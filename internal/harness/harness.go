// Package harness runs one boot of the system under test from artifacts to
// verdict: resolve, stage, launch, supervise, interpret, record.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/je4os/harness/internal/artifacts"
	"github.com/je4os/harness/internal/git"
	"github.com/je4os/harness/internal/instrument"
	"github.com/je4os/harness/internal/metrics"
	"github.com/je4os/harness/internal/monitor"
	"github.com/je4os/harness/internal/outcome"
	"github.com/je4os/harness/internal/record"
	"github.com/je4os/harness/internal/stage"
	"github.com/je4os/harness/internal/supervise"
)

func debugLog(format string, args ...interface{}) {
	if os.Getenv("HARNESS_DEBUG") == "1" {
		fmt.Printf("[DEBUG:HARNESS] "+format+"\n", args...)
	}
}

// Harness wires the run pipeline together. Store and Metrics are optional.
type Harness struct {
	Resolver *artifacts.Resolver
	Stager   *stage.Stager
	Launcher *monitor.Launcher
	Store    *record.Store
	Metrics  *metrics.Recorder

	// Out receives progress messages. Defaults to io.Discard.
	Out io.Writer

	// KillGrace bounds the wait for a killed monitor.
	KillGrace time.Duration

	// Teardown removes the staging root once the monitor is gone. Ignored
	// for runs that may be held.
	Teardown bool
}

// Report is the result of one run.
type Report struct {
	RunID   string
	Outcome outcome.Outcome
	// Held is set when the monitor was left running after the deadline.
	Held        bool
	Interrupted bool

	PID          int
	ConsoleLog   string
	MonitorLog   string
	TraceLog     string
	DebugAddress string
	SymbolFile   string
	Digest       digest.Digest
	Elapsed      time.Duration

	// Err is a non-fatal supervision problem, such as a kill that could not
	// be confirmed.
	Err error
}

// ExitStatus is the CLI exit status for the report.
func (r *Report) ExitStatus() int {
	if r.Held {
		return outcome.HeldExitStatus
	}
	return r.Outcome.ExitStatus()
}

// Success reports whether the run passed.
func (r *Report) Success() bool {
	return !r.Held && !r.Interrupted && r.Outcome.Success()
}

func newRunID() string {
	return uuid.New().String()[:8]
}

func (h *Harness) printf(format string, args ...interface{}) {
	if h.Out == nil {
		return
	}
	_, _ = fmt.Fprintf(h.Out, format, args...)
}

// Run executes one run. Any error before the monitor starts aborts the run
// and is returned with a partial report that still names the console log.
// A non-passing outcome is not an error.
func (h *Harness) Run(ctx context.Context, desc instrument.Descriptor, req artifacts.Request) (*Report, error) {
	report := &Report{
		RunID:        newRunID(),
		ConsoleLog:   desc.ConsoleLog,
		MonitorLog:   desc.MonitorLog,
		TraceLog:     desc.TraceLog,
		DebugAddress: desc.DebugAddress(),
	}
	debugLog("Run %s starting", report.RunID)

	if req.Build {
		h.printf("Building artifacts...\n")
	}
	paths, err := h.Resolver.Resolve(ctx, req)
	if err != nil {
		return report, err
	}
	desc = desc.WithArtifacts(paths.BootStage, paths.Kernel)
	report.SymbolFile = paths.Kernel

	h.printf("Staging image in %s\n", desc.StagingRoot)
	img, err := h.Stager.Stage(desc)
	if err != nil {
		return report, err
	}
	report.Digest = img.Digest
	debugLog("Staged image digest %s", img.Digest)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	proc, err := h.Launcher.Launch(desc, img)
	if err != nil {
		return report, err
	}
	report.PID = proc.PID

	rec := &record.Record{
		ID:            report.RunID,
		Status:        record.StatusRunning,
		PID:           proc.PID,
		Monitor:       desc.Monitor.Binary,
		FeatureFlags:  desc.FeatureFlags,
		Timeout:       desc.Timeout.String(),
		ConsoleLog:    desc.ConsoleLog,
		MonitorLog:    desc.MonitorLog,
		TraceLog:      desc.TraceLog,
		DebugAddress:  report.DebugAddress,
		SymbolFile:    report.SymbolFile,
		StagingRoot:   desc.StagingRoot,
		StagingDigest: img.Digest,
		StartedAt:     proc.Started,
	}
	if dir := h.Resolver.Producer.Dir; dir != "" {
		rec.Revision = git.Describe(dir)
	}
	h.save(rec)

	opts := supervise.Options{
		Timeout:   desc.Timeout,
		Hold:      desc.HoldOnTimeout,
		KillGrace: h.KillGrace,
	}
	switch desc.DebugStub {
	case instrument.DebugStubWaitForAttach:
		h.printf("Monitor halted, waiting for a debugger on %s\n", report.DebugAddress)
		opts.StartAfter = proc.Sink().FirstOutput()
	case instrument.DebugStubListen:
		h.printf("Debug stub listening on %s\n", report.DebugAddress)
	}
	if h.Teardown && !desc.HoldOnTimeout {
		opts.Cleanup = append(opts.Cleanup, func() {
			if err := stage.Teardown(img); err != nil {
				debugLog("Teardown of %s failed: %v", img.Root, err)
			}
		})
	}

	h.printf("Run %s: monitor pid %d, timeout %s\n", report.RunID, proc.PID, desc.Timeout)
	res := supervise.Supervise(ctx, proc, opts)
	report.Elapsed = res.Elapsed
	report.Err = res.Err
	debugLog("Supervision ended: %s after %s (err=%v)", res.State, res.Elapsed, res.Err)

	now := time.Now()
	switch {
	case res.State == supervise.Unconfirmed:
		// the record stays running so the kill command can finish the job
		report.Err = nil
		h.save(rec)
		return report, fmt.Errorf("%w: monitor pid %d may still be running, stop it with 'harness kill %s'",
			res.Err, proc.PID, report.RunID)

	case res.State == supervise.Held:
		report.Held = true
		rec.Status = record.StatusHeld
		h.save(rec)
		h.observe("held", -1, res.Elapsed)
		return report, nil

	case res.Interrupted:
		report.Interrupted = true
		rec.Finish(record.StatusKilled, now)
		h.save(rec)
		return report, ErrInterrupted
	}

	report.Outcome = outcome.Interpret(res.State == supervise.Killed, res.ProcessState)

	code := -1
	if res.ProcessState != nil && res.ProcessState.ExitCode() >= 0 {
		code = res.ProcessState.ExitCode()
		rec.ExitCode = &code
	}
	rec.Outcome = report.Outcome.Kind.String()
	if res.State == supervise.Killed {
		rec.Finish(record.StatusKilled, now)
	} else {
		rec.Finish(record.StatusFinished, now)
	}
	h.save(rec)
	h.observe(report.Outcome.Kind.String(), code, res.Elapsed)

	return report, nil
}

func (h *Harness) save(rec *record.Record) {
	if h.Store == nil {
		return
	}
	if err := h.Store.Save(rec); err != nil {
		debugLog("Failed to save run record %s: %v", rec.ID, err)
	}
}

func (h *Harness) observe(kind string, code int, elapsed time.Duration) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.Observe(kind, code, elapsed)
	if err := h.Metrics.Write(); err != nil {
		h.printf("Warning: %v\n", err)
	}
}

// Result turns a report into the error the run command returns.
func Result(report *Report, err error) error {
	if err != nil {
		return err
	}
	if report.Success() {
		return nil
	}
	return &OutcomeError{Outcome: report.Outcome, Held: report.Held}
}

// IsOutcome reports whether err only carries a non-passing outcome, as
// opposed to a fatal condition.
func IsOutcome(err error) bool {
	var oe *OutcomeError
	return errors.As(err, &oe)
}
