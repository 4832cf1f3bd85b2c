package outcome

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processState(t *testing.T, script string) *os.ProcessState {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	cmd := exec.Command("/bin/sh", "-c", script)
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		require.NoError(t, err)
	}
	return cmd.ProcessState
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 33, ExitCode(PassSignal))
	assert.Equal(t, 35, ExitCode(FailSignal))
	assert.Equal(t, 1, ExitCode(0))
}

func TestInterpretCode(t *testing.T) {
	tests := []struct {
		code   int
		kind   Kind
		status int
	}{
		{code: 33, kind: Passed, status: 0},
		{code: 35, kind: Failed, status: 1},
		{code: 0, kind: Unknown, status: 3},
		{code: 1, kind: Unknown, status: 3},
		{code: 34, kind: Unknown, status: 3},
		{code: 255, kind: Unknown, status: 3},
	}

	for _, tt := range tests {
		got := InterpretCode(tt.code)
		assert.Equal(t, tt.kind, got.Kind, "code %d", tt.code)
		assert.Equal(t, tt.code, got.Code)
		assert.Equal(t, tt.status, got.ExitStatus(), "code %d", tt.code)
	}
}

func TestInterpretProcessState(t *testing.T) {
	assert.Equal(t, Outcome{Kind: Passed, Code: 33}, Interpret(false, processState(t, "exit 33")))
	assert.Equal(t, Outcome{Kind: Failed, Code: 35}, Interpret(false, processState(t, "exit 35")))
	assert.Equal(t, Outcome{Kind: Unknown, Code: 1}, Interpret(false, processState(t, "exit 1")))
}

func TestInterpretKilledWins(t *testing.T) {
	// a killed run is a timeout even if the monitor reported success first
	got := Interpret(true, processState(t, "exit 33"))
	assert.Equal(t, TimedOut, got.Kind)
	assert.Equal(t, 2, got.ExitStatus())

	assert.Equal(t, TimedOut, Interpret(true, nil).Kind)
}

func TestInterpretSignal(t *testing.T) {
	got := Interpret(false, processState(t, "kill -SEGV $$"))
	assert.Equal(t, Crashed, got.Kind)
	assert.Equal(t, syscall.SIGSEGV, got.Signal)
	assert.Equal(t, 4, got.ExitStatus())
	assert.Contains(t, got.String(), "crashed")
}

func TestInterpretMissingState(t *testing.T) {
	got := Interpret(false, nil)
	assert.Equal(t, Unknown, got.Kind)
	assert.Equal(t, 3, got.ExitStatus())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "passed", Outcome{Kind: Passed}.String())
	assert.Equal(t, "failed", Outcome{Kind: Failed}.String())
	assert.Equal(t, "timed-out", Outcome{Kind: TimedOut}.String())
	assert.Equal(t, "unknown (exit code 7)", Outcome{Kind: Unknown, Code: 7}.String())
	assert.Equal(t, "Kind(42)", Kind(42).String())

	assert.True(t, Outcome{Kind: Passed}.Success())
	assert.False(t, Outcome{Kind: Failed}.Success())
}
