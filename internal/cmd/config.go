package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/je4os/harness/internal/harness"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved run descriptor",
	Long: `Load harness.yaml, HARNESS_* environment variables and defaults, validate
them and print the descriptor a run would use, as YAML.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	_, desc, err := loadDescriptor()
	if err != nil {
		harness.PrintFailure(os.Stderr, err, "")
		return harness.MarkReported(err)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("# config file: %s\n", used)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(desc); err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}
	return enc.Close()
}
