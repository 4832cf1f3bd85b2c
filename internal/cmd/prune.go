package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/je4os/harness/internal/monitor"
	"github.com/je4os/harness/internal/record"
	"github.com/je4os/harness/internal/stage"
)

var (
	pruneAll     bool
	pruneStaging bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Clean up run records and staging",
	Long: `Clean up run records to free up disk space.

This command removes:
  - Finished and killed run records
  - Records of held runs whose monitor is gone
  - All records (with --all; running monitors are left alone)
  - The staging root (with --staging)`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVarP(&pruneAll, "all", "a", false, "remove all run records (including running)")
	pruneCmd.Flags().BoolVar(&pruneStaging, "staging", false, "also remove the staging root")
}

func runPrune(cmd *cobra.Command, args []string) error {
	fmt.Println("Cleaning up run records...")

	store, err := record.NewStore()
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	records, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	removedCount := 0
	for _, rec := range records {
		if !pruneAll && rec.Active() && monitor.Alive(rec.PID) {
			continue
		}
		if err := store.Delete(rec.ID); err != nil {
			fmt.Printf("Warning: failed to delete run %s: %v\n", rec.ID, err)
		} else {
			Debug("Removed run %s (%s)", rec.ID, rec.Status)
			removedCount++
		}
	}

	if removedCount == 0 {
		fmt.Println("No runs to remove.")
	} else {
		fmt.Printf("Removed %d run(s).\n", removedCount)
	}

	// Optionally clean staging
	if pruneStaging {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("\nRemoving staging root %s...\n", cfg.StagingRoot)
		if err := stage.Teardown(&stage.StagedImage{Root: cfg.StagingRoot}); err != nil {
			return fmt.Errorf("failed to remove staging root: %w", err)
		}
		fmt.Println("Staging root removed.")
	}

	return nil
}
