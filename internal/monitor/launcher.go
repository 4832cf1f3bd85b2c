// Package monitor starts the virtual machine monitor for a staged image and
// keeps hold of the resulting process and its console capture.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/je4os/harness/internal/instrument"
	"github.com/je4os/harness/internal/stage"
)

func debugLog(format string, args ...interface{}) {
	if os.Getenv("HARNESS_DEBUG") == "1" {
		fmt.Printf("[DEBUG:MONITOR] "+format+"\n", args...)
	}
}

// ExitPort is the I/O port of the isa-debug-exit device the guest writes
// its result byte to.
const ExitPort = 0xf4

const defaultMemory = "512M"

// LaunchError is returned when the monitor process could not be started.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Launcher starts monitor processes.
type Launcher struct {
	// Echo receives console output as it is captured. Optional.
	Echo io.Writer
}

// Args derives the monitor command line from the descriptor and image.
func (l *Launcher) Args(desc instrument.Descriptor, img *stage.StagedImage) []string {
	memory := desc.Monitor.Memory
	if memory == "" {
		memory = defaultMemory
	}

	args := []string{
		"-machine", "q35",
		"-m", memory,
		"-display", "none",
		"-monitor", "none",
		"-serial", "stdio",
		"-no-reboot",
		"-device", fmt.Sprintf("isa-debug-exit,iobase=%#x,iosize=0x04", ExitPort),
	}
	args = append(args, accelArgs(desc.Acceleration)...)

	if desc.Monitor.Firmware != "" {
		args = append(args, "-bios", desc.Monitor.Firmware)
	}
	args = append(args, "-drive", "format=raw,file=fat:rw:"+img.Root)

	switch desc.DebugStub {
	case instrument.DebugStubListen:
		args = append(args, "-gdb", fmt.Sprintf("tcp::%d", desc.DebugPort))
	case instrument.DebugStubWaitForAttach:
		// -S freezes the CPU at the first instruction until a debugger resumes it
		args = append(args, "-gdb", fmt.Sprintf("tcp::%d", desc.DebugPort), "-S")
	}

	if desc.TraceLog != "" {
		args = append(args, "-d", "int,cpu_reset,guest_errors", "-D", desc.TraceLog)
	}

	return append(args, desc.Monitor.ExtraArgs...)
}

// Launch starts the monitor and returns as soon as it is running. The
// returned Process owns the console sink; release it through the
// supervisor.
func (l *Launcher) Launch(desc instrument.Descriptor, img *stage.StagedImage) (*Process, error) {
	binary := desc.Monitor.Binary

	sink, err := OpenSink(desc.ConsoleLog, l.Echo)
	if err != nil {
		return nil, &LaunchError{Binary: binary, Err: fmt.Errorf("failed to open console log: %w", err)}
	}

	if desc.TraceLog != "" {
		// stale traces would be mistaken for this run's
		if err := os.Remove(desc.TraceLog); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = sink.Close()
			return nil, &LaunchError{Binary: binary, Err: fmt.Errorf("failed to reset trace log: %w", err)}
		}
	}

	// Only the serial console on stdout counts as guest output. Host-side
	// warnings must not start the deadline of a guest halted for a debugger.
	var stderr *os.File
	if desc.MonitorLog != "" {
		stderr, err = os.Create(desc.MonitorLog)
		if err != nil {
			_ = sink.Close()
			return nil, &LaunchError{Binary: binary, Err: fmt.Errorf("failed to open monitor log: %w", err)}
		}
	}

	args := l.Args(desc, img)
	debugLog("Starting %s %s", binary, strings.Join(args, " "))

	cmd := exec.Command(binary, args...)
	cmd.Stdout = sink.File()
	if stderr != nil {
		cmd.Stderr = stderr
	}
	setProcAttrs(cmd)

	if err := cmd.Start(); err != nil {
		_ = sink.Close()
		if stderr != nil {
			_ = stderr.Close()
		}
		return nil, &LaunchError{Binary: binary, Err: err}
	}

	p := &Process{
		PID:          cmd.Process.Pid,
		Started:      time.Now(),
		DebugAddress: desc.DebugAddress(),
		cmd:          cmd,
		sink:         sink,
		stderr:       stderr,
	}
	debugLog("Monitor running with pid %d", p.PID)

	return p, nil
}

// Process is a running monitor.
type Process struct {
	PID          int
	Started      time.Time
	DebugAddress string

	cmd    *exec.Cmd
	sink   *Sink
	stderr *os.File

	waitOnce sync.Once
	state    *os.ProcessState
	waitErr  error
}

// Sink returns the console capture of the process.
func (p *Process) Sink() *Sink {
	return p.sink
}

// Wait blocks until the monitor exits. A non-zero exit status is not an
// error here; it is returned in the process state for interpretation.
func (p *Process) Wait() (*os.ProcessState, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.state = p.cmd.ProcessState

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		p.waitErr = err
	})
	return p.state, p.waitErr
}

// Kill forcibly terminates the monitor and everything in its process group.
func (p *Process) Kill() error {
	if err := KillTree(p.PID); err != nil {
		debugLog("Process group kill of %d failed: %v", p.PID, err)
		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return killErr
		}
	}
	return nil
}

// Release closes the console capture and the monitor log. The process
// itself is not touched.
func (p *Process) Release() error {
	err := p.sink.Close()
	if p.stderr != nil {
		if closeErr := p.stderr.Close(); err == nil {
			err = closeErr
		}
		p.stderr = nil
	}
	return err
}
