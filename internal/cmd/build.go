package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/je4os/harness/internal/artifacts"
	"github.com/je4os/harness/internal/config"
	"github.com/je4os/harness/internal/harness"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the build producer without booting",
	Long: `Run the configured build producer once and print the artifact paths it
left behind. Each feature flag is passed on as its own --features argument
and exported as HARNESS_FEATURE_FLAGS.

The producer is configured in harness.yaml:
  producer:
    command: [cargo, build, --release]
    boot-stage: target/x86_64-unknown-uefi/release/bootloader.efi
    kernel: target/x86_64-kernel/release/kernel

Examples:
  harness build
  harness build --feature-flags visualize-allocator`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringSlice(config.KeyFeatureFlags, nil, "build feature flags (repeatable)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if err := bindFlags(cmd.Flags(), config.KeyFeatureFlags); err != nil {
		return err
	}

	cfg, desc, err := loadDescriptor()
	if err != nil {
		harness.PrintFailure(os.Stderr, err, "")
		return harness.MarkReported(err)
	}

	if len(desc.FeatureFlags) > 0 {
		fmt.Printf("Building in %s with features %v...\n", cfg.Producer.Dir, desc.FeatureFlags)
	} else {
		fmt.Printf("Building in %s...\n", cfg.Producer.Dir)
	}

	paths, err := newResolver(cfg, os.Stdout).Resolve(cmd.Context(), artifacts.Request{
		Build:        true,
		FeatureFlags: desc.FeatureFlags,
	})
	if err != nil {
		harness.PrintFailure(os.Stderr, err, "")
		return harness.MarkReported(err)
	}

	fmt.Println("\nBuild finished.")
	fmt.Printf("  boot stage: %s\n", paths.BootStage)
	fmt.Printf("  kernel:     %s\n", paths.Kernel)
	return nil
}
