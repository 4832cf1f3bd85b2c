package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/je4os/harness/internal/monitor"
	"github.com/je4os/harness/internal/outcome"
	"github.com/je4os/harness/internal/record"
)

const killWait = 5 * time.Second

var killCmd = &cobra.Command{
	Use:   "kill <run-id>",
	Short: "Terminate a held or running instance",
	Long: `Terminate the monitor of a held or still running run and everything it
started, then mark the run as killed.

A held run hit its deadline, so it is recorded as timed out.

The run ID can be a partial match (prefix).

Examples:
  harness kill 3f2a9c1d
  harness kill 3f2a`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	store, err := record.NewStore()
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	rec, err := store.Find(args[0])
	if err != nil {
		return err
	}
	if !rec.Active() {
		return fmt.Errorf("run %s is not running (status: %s)", rec.ID, rec.Status)
	}

	if monitor.Alive(rec.PID) {
		Debug("Killing process group %d", rec.PID)
		if err := monitor.KillTree(rec.PID); err != nil {
			return fmt.Errorf("failed to kill run %s: %w", rec.ID, err)
		}
		if !waitForExit(rec.PID, killWait) {
			return fmt.Errorf("run %s: pid %d still alive after %s", rec.ID, rec.PID, killWait)
		}
	} else {
		Debug("Process %d already gone", rec.PID)
	}

	if rec.Status == record.StatusHeld && rec.Outcome == "" {
		rec.Outcome = outcome.TimedOut.String()
	}
	rec.Finish(record.StatusKilled, time.Now())
	if err := store.Save(rec); err != nil {
		return fmt.Errorf("failed to update run %s: %w", rec.ID, err)
	}

	fmt.Printf("Run %s killed.\n", rec.ID)
	return nil
}

// waitForExit polls until pid is gone or timeout passes.
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !monitor.Alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !monitor.Alive(pid)
}
