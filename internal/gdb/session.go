// Package gdb drives a gdb process attached to the monitor's debug stub.
//
// A session only ever detaches from the target; it never stops or signals
// the monitor. Several sessions may attach one after another to the same
// halted instance.
//
// Nothing but gdb itself connects to the stub. A bare TCP connection counts
// as a debugger to the monitor and halts the guest, with nobody left to
// resume it.
package gdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

func debugLog(format string, args ...interface{}) {
	if os.Getenv("HARNESS_DEBUG") == "1" {
		fmt.Printf("[DEBUG:GDB] "+format+"\n", args...)
	}
}

const (
	DefaultBinary         = "gdb"
	DefaultDialTimeout    = 2 * time.Second
	DefaultCommandTimeout = 10 * time.Second
)

// DefaultScript is run by Run when no commands are given.
var DefaultScript = []string{"info registers", "bt"}

var (
	// ErrNoTarget is returned when gdb cannot reach a stub at the debug
	// address.
	ErrNoTarget = errors.New("no debug target listening")

	// ErrExited is returned when gdb exits while a command is pending.
	ErrExited = errors.New("gdb exited")

	// ErrClosed is returned by Exec after Close.
	ErrClosed = errors.New("session closed")
)

// remoteErrors are gdb messages that mean "target remote" did not attach.
var remoteErrors = []string{
	"Connection refused",
	"Remote connection closed",
	"Remote communication error",
	"Connection timed out",
}

// Target identifies a running instance to attach to.
type Target struct {
	// Address of the gdb remote stub, host:port.
	Address string
	// SymbolFile is loaded before attaching when set.
	SymbolFile string
}

// Options configure the debugger process.
type Options struct {
	Binary string
	// DialTimeout is gdb's tcp connect-timeout for "target remote".
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	return o
}

// Session is an attached gdb process.
type Session struct {
	target Target
	opts   Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	exited chan struct{}

	// guards stdin, seq, stale and the transcript
	mu         sync.Mutex
	seq        int
	transcript strings.Builder
	closed     bool

	// stale is the sentinel of a command abandoned on timeout or
	// cancellation. Its output is skipped before the next command.
	stale string

	waitErr  error
	closeErr error
}

// Open starts gdb and attaches it to the target.
func Open(ctx context.Context, target Target, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	if target.Address == "" {
		return nil, fmt.Errorf("%w: no address", ErrNoTarget)
	}

	pr, pw := io.Pipe()

	cmd := exec.Command(opts.Binary, "-nx", "-q")
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create gdb stdin: %w", err)
	}

	debugLog("Starting %s for %s", opts.Binary, target.Address)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Binary, err)
	}

	s := &Session{
		target: target,
		opts:   opts,
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 256),
		exited: make(chan struct{}),
	}

	go s.read(pr)
	go func() {
		s.waitErr = cmd.Wait()
		_ = pw.Close()
		close(s.exited)
	}()

	setup := []string{
		"set pagination off",
		"set confirm off",
		"set width 0",
		"set height 0",
		fmt.Sprintf("set tcp connect-timeout %d", max(1, int(opts.DialTimeout.Round(time.Second)/time.Second))),
	}
	if target.SymbolFile != "" {
		setup = append(setup, "file "+target.SymbolFile)
	}
	for _, c := range setup {
		if _, err := s.Exec(ctx, c); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to configure gdb: %w", err)
		}
	}

	out, err := s.Exec(ctx, "target remote "+target.Address)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to attach to %s: %w", target.Address, err)
	}
	for _, msg := range remoteErrors {
		if strings.Contains(out, msg) {
			_ = s.Close()
			return nil, fmt.Errorf("%w at %s: %s", ErrNoTarget, target.Address, strings.TrimSpace(out))
		}
	}

	return s, nil
}

func (s *Session) read(r io.Reader) {
	defer close(s.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.lines <- scanner.Text()
	}
	// unblock the writer side if the scanner gave up early
	_, _ = io.Copy(io.Discard, r)
}

// Exec runs one gdb command and returns its output.
func (s *Session) Exec(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()

	if err := s.skipStale(ctx, timer.C); err != nil {
		return "", err
	}

	s.seq++
	sentinel := fmt.Sprintf("@@harness-%d@@", s.seq)

	if _, err := fmt.Fprintf(s.stdin, "%s\necho %s\\n\n", command, sentinel); err != nil {
		return "", fmt.Errorf("failed to send %q: %w", command, err)
	}

	var out strings.Builder
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.record(command, out.String())
				return out.String(), ErrExited
			}
			if strings.Contains(line, sentinel) {
				s.record(command, out.String())
				return out.String(), nil
			}
			out.WriteString(stripPrompt(line))
			out.WriteByte('\n')

		case <-timer.C:
			s.stale = sentinel
			s.record(command, out.String())
			return out.String(), fmt.Errorf("gdb command %q timed out after %s", command, s.opts.CommandTimeout)

		case <-ctx.Done():
			s.stale = sentinel
			s.record(command, out.String())
			return out.String(), ctx.Err()
		}
	}
}

// skipStale consumes the late output of an abandoned command up to its
// sentinel, so it is not mistaken for the next command's output. Callers
// hold s.mu.
func (s *Session) skipStale(ctx context.Context, timeout <-chan time.Time) error {
	for s.stale != "" {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return ErrExited
			}
			if strings.Contains(line, s.stale) {
				s.stale = ""
				continue
			}
			s.transcript.WriteString(stripPrompt(line))
			s.transcript.WriteByte('\n')

		case <-timeout:
			return fmt.Errorf("gdb still busy with an earlier command after %s", s.opts.CommandTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func stripPrompt(line string) string {
	for strings.HasPrefix(line, "(gdb) ") {
		line = strings.TrimPrefix(line, "(gdb) ")
	}
	return line
}

// record appends one exchange to the transcript. Callers hold s.mu.
func (s *Session) record(command, output string) {
	s.transcript.WriteString("(gdb) " + command + "\n")
	s.transcript.WriteString(output)
}

// Transcript returns every command sent so far with its output.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Close detaches from the target and waits for gdb to exit. The target is
// left running. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closeErr
	}
	s.closed = true

	debugLog("Detaching from %s", s.target.Address)
	_, _ = io.WriteString(s.stdin, "detach\nquit\n")
	_ = s.stdin.Close()

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()

	var out strings.Builder
	for lines := s.lines; lines != nil; {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			out.WriteString(stripPrompt(line))
			out.WriteByte('\n')
		case <-timer.C:
			// only gdb itself is killed, never the monitor
			_ = s.cmd.Process.Kill()
			go func(rest <-chan string) {
				for range rest {
				}
			}(lines)
			lines = nil
			s.closeErr = fmt.Errorf("gdb did not exit within %s", s.opts.CommandTimeout)
		}
	}
	s.record("detach", out.String())

	<-s.exited
	if s.closeErr == nil && s.waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(s.waitErr, &exitErr) {
			s.closeErr = s.waitErr
		}
	}

	return s.closeErr
}

// Run attaches, runs script in order and detaches, returning the
// transcript. An empty script runs DefaultScript.
func Run(ctx context.Context, target Target, opts Options, script []string) (string, error) {
	if len(script) == 0 {
		script = DefaultScript
	}

	s, err := Open(ctx, target, opts)
	if err != nil {
		return "", err
	}

	for _, c := range script {
		if _, err := s.Exec(ctx, c); err != nil {
			_ = s.Close()
			return s.Transcript(), fmt.Errorf("failed to run %q: %w", c, err)
		}
	}

	if err := s.Close(); err != nil {
		return s.Transcript(), err
	}
	return s.Transcript(), nil
}
