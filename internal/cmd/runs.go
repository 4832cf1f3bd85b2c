package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/je4os/harness/internal/monitor"
	"github.com/je4os/harness/internal/record"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs",
	Long:  `List recorded harness runs, newest first, with their outcome and debug stub.`,
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

// displayStatus notices active records whose monitor has gone away.
func displayStatus(rec *record.Record) string {
	if rec.Active() && !monitor.Alive(rec.PID) {
		return rec.Status + " (exited)"
	}
	return rec.Status
}

func runRuns(cmd *cobra.Command, args []string) error {
	store, err := record.NewStore()
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	records, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tOUTCOME\tPID\tSTARTED\tDURATION\tDEBUG")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t---\t-------\t--------\t-----")

	now := time.Now()
	for _, rec := range records {
		outcome := rec.Outcome
		if outcome == "" {
			outcome = "-"
		}
		debugAddr := rec.DebugAddress
		if debugAddr == "" {
			debugAddr = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.ID,
			displayStatus(rec),
			outcome,
			rec.PID,
			rec.StartedAt.Format("2006-01-02 15:04:05"),
			rec.Duration(now).Round(time.Second),
			debugAddr,
		)
	}

	_ = w.Flush()
	return nil
}
