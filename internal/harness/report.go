package harness

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/je4os/harness/internal/outcome"
)

// TailLines is how much of the console log a report shows.
const TailLines = 20

// PrintReport writes the operator summary of a finished run.
func PrintReport(w io.Writer, r *Report) {
	switch {
	case r.Held:
		_, _ = fmt.Fprintf(w, "\nRun %s: HELD after %s\n", r.RunID, r.Elapsed.Round(10*time.Millisecond))
	case r.Interrupted:
		_, _ = fmt.Fprintf(w, "\nRun %s: INTERRUPTED after %s\n", r.RunID, r.Elapsed.Round(10*time.Millisecond))
	default:
		_, _ = fmt.Fprintf(w, "\nRun %s: %s (%s) after %s\n",
			r.RunID, strings.ToUpper(r.Outcome.Kind.String()), outcomeKind(r.Outcome.Kind), r.Elapsed.Round(10*time.Millisecond))
	}

	if !r.Held && !r.Interrupted {
		switch r.Outcome.Kind {
		case outcome.Unknown:
			_, _ = fmt.Fprintf(w, "  raw exit code: %d (not a test-runner signal)\n", r.Outcome.Code)
		case outcome.Crashed:
			_, _ = fmt.Fprintf(w, "  monitor terminated by signal: %s\n", r.Outcome.Signal)
		}
	}

	_, _ = fmt.Fprintf(w, "  console log: %s\n", r.ConsoleLog)
	if info, err := os.Stat(r.MonitorLog); r.MonitorLog != "" && err == nil && info.Size() > 0 {
		_, _ = fmt.Fprintf(w, "  monitor log: %s\n", r.MonitorLog)
	}
	if r.TraceLog != "" {
		_, _ = fmt.Fprintf(w, "  trace log: %s\n", r.TraceLog)
	}
	if r.Err != nil {
		_, _ = fmt.Fprintf(w, "  warning: %v\n", r.Err)
	}

	if r.Held {
		_, _ = fmt.Fprintf(w, "  monitor pid %d left running", r.PID)
		if r.DebugAddress != "" {
			_, _ = fmt.Fprintf(w, ", debug stub at %s", r.DebugAddress)
		}
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintf(w, "  inspect: harness debug-attach --run %s %s\n", r.RunID, r.SymbolFile)
		_, _ = fmt.Fprintf(w, "  stop:    harness kill %s\n", r.RunID)
		return
	}

	if !r.Success() {
		printTail(w, "console", r.ConsoleLog)
		if r.MonitorLog != "" {
			printTail(w, "monitor", r.MonitorLog)
		}
		if r.DebugAddress != "" && r.Outcome.Kind != outcome.Passed {
			_, _ = fmt.Fprintln(w, "  rerun with --hold-on-timeout to keep the instance for debug-attach")
		}
	}
}

// PrintFailure writes the operator summary of a run aborted by err.
func PrintFailure(w io.Writer, err error, consoleLog string) {
	_, _ = fmt.Fprintf(w, "\n%s: %v\n", Kind(err), err)
	if consoleLog != "" {
		_, _ = fmt.Fprintf(w, "  console log: %s\n", consoleLog)
		printTail(w, "console", consoleLog)
	}
}

func printTail(w io.Writer, label, path string) {
	lines, err := Tail(path, TailLines)
	if err != nil || len(lines) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "  last %d %s lines:\n", len(lines), label)
	for _, line := range lines {
		_, _ = fmt.Fprintf(w, "    | %s\n", line)
	}
}

// Tail returns the last n lines of the file at path with terminal escape
// sequences removed.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(ansi.Strip(scanner.Text()), "\r"))
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
