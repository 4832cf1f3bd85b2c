package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/je4os/harness/internal/harness"
	"github.com/je4os/harness/internal/record"
	"github.com/je4os/harness/internal/stage"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [run-id]",
	Short: "Show the details of a run",
	Long: `Show the record of a run, whether its staged image still matches what was
booted, and the end of its console log.

If no run-id is given, shows the most recent run.

Examples:
  harness inspect
  harness inspect 3f2a
  harness inspect --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "output the record in JSON format")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	store, err := record.NewStore()
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	var rec *record.Record
	if len(args) > 0 {
		rec, err = store.Find(args[0])
	} else {
		rec, err = mostRecentRun(store)
	}
	if err != nil {
		return err
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	fmt.Printf("Run %s\n", rec.ID)
	fmt.Printf("  status:      %s\n", displayStatus(rec))
	if rec.Outcome != "" {
		fmt.Printf("  outcome:     %s\n", rec.Outcome)
	}
	if rec.ExitCode != nil {
		fmt.Printf("  exit code:   %d\n", *rec.ExitCode)
	}
	fmt.Printf("  monitor:     %s (pid %d)\n", rec.Monitor, rec.PID)
	if rec.Revision != "" {
		fmt.Printf("  revision:    %s\n", rec.Revision)
	}
	if len(rec.FeatureFlags) > 0 {
		fmt.Printf("  features:    %v\n", rec.FeatureFlags)
	}
	fmt.Printf("  started:     %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  timeout:     %s\n", rec.Timeout)
	if rec.DebugAddress != "" {
		fmt.Printf("  debug stub:  %s\n", rec.DebugAddress)
	}
	fmt.Printf("  symbols:     %s\n", rec.SymbolFile)
	fmt.Printf("  staging:     %s (%s)\n", rec.StagingRoot, stagingState(rec))
	fmt.Printf("  console log: %s\n", rec.ConsoleLog)
	if rec.MonitorLog != "" {
		fmt.Printf("  monitor log: %s\n", rec.MonitorLog)
	}
	if rec.TraceLog != "" {
		fmt.Printf("  trace log:   %s\n", rec.TraceLog)
	}

	lines, err := harness.Tail(rec.ConsoleLog, harness.TailLines)
	if err == nil && len(lines) > 0 {
		fmt.Println()
		for _, line := range lines {
			fmt.Printf("    | %s\n", line)
		}
	}
	return nil
}

// stagingState compares the staging root with the digest recorded at boot.
func stagingState(rec *record.Record) string {
	if rec.StagingDigest == "" {
		return "no digest recorded"
	}
	current, err := stage.Digest(rec.StagingRoot)
	if errors.Is(err, os.ErrNotExist) {
		return "removed"
	}
	if err != nil {
		return fmt.Sprintf("unreadable: %v", err)
	}
	if current != rec.StagingDigest {
		return "changed since the run"
	}
	return "unchanged"
}

func mostRecentRun(store *record.Store) (*record.Record, error) {
	records, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no runs found")
	}
	return records[0], nil
}
