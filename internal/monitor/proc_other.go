//go:build !unix

package monitor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

func setProcAttrs(cmd *exec.Cmd) {}

// KillTree kills the process with the given pid. Process groups are not
// available here, so descendants are not reached.
func KillTree(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
