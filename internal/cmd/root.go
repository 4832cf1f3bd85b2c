package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

// Debug prints a message if debug mode is enabled
func Debug(format string, args ...interface{}) {
	if debug {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
}

var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "harness - boot test runner for the je4OS image",
	Long: `harness builds, stages and boots the OS image under QEMU, supervises the
run against a deadline and turns the guest's exit signal into a verdict.

Run the in-kernel test suite:
  harness run --build
  harness run --boot-stage bootloader.efi --kernel kernel

Debug a hanging run:
  harness run --debug-stub-enable --hold-on-timeout
  harness debug-attach --run <run-id>

Manage runs:
  harness runs
  harness kill <run-id>
  harness prune`,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set debug env var for subpackages
		if debug {
			_ = os.Setenv("HARNESS_DEBUG", "1")
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./harness.yaml or ~/.harness/harness.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
