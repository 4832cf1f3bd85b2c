package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/je4os/harness/internal/gdb"
	"github.com/je4os/harness/internal/record"
)

var (
	attachAddress  string
	attachRun      string
	attachCommands []string
	attachScript   string
)

var debugAttachCmd = &cobra.Command{
	Use:   "debug-attach [symbol-file]",
	Short: "Attach gdb to a live or held instance",
	Long: `Attach gdb to the debug stub of a running monitor, run a command script
and detach again. The instance is never stopped: detaching lets a halted
(--debug-stub-wait) instance start executing.

Without commands, "info registers" and "bt" are run.

The run ID can be a partial match (prefix). With --run, the debug address
and symbol file are taken from the run record.

Examples:
  harness debug-attach target/x86_64-kernel/release/kernel
  harness debug-attach --run 3f2a
  harness debug-attach --run 3f2a -x "x/8i \$pc" -x "info frame"
  harness debug-attach kernel --address localhost:1235 --script inspect.gdb`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDebugAttach,
}

func init() {
	debugAttachCmd.Flags().StringVar(&attachAddress, "address", "localhost:1234", "debug stub address")
	debugAttachCmd.Flags().StringVar(&attachRun, "run", "", "take address and symbol file from a recorded run")
	debugAttachCmd.Flags().StringArrayVarP(&attachCommands, "command", "x", []string{}, "gdb command to run (repeatable)")
	debugAttachCmd.Flags().StringVar(&attachScript, "script", "", "file with one gdb command per line")
	rootCmd.AddCommand(debugAttachCmd)
}

func runDebugAttach(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	target := gdb.Target{Address: attachAddress}
	if len(args) > 0 {
		target.SymbolFile = args[0]
	}

	if attachRun != "" {
		store, err := record.NewStore()
		if err != nil {
			return fmt.Errorf("failed to access run store: %w", err)
		}
		rec, err := store.Find(attachRun)
		if err != nil {
			return err
		}
		if !rec.Active() {
			return fmt.Errorf("run %s is not running (status: %s)", rec.ID, rec.Status)
		}
		if rec.DebugAddress == "" {
			return fmt.Errorf("run %s was started without a debug stub", rec.ID)
		}
		if !cmd.Flags().Changed("address") {
			target.Address = rec.DebugAddress
		}
		if target.SymbolFile == "" {
			target.SymbolFile = rec.SymbolFile
		}
	}
	if target.SymbolFile == "" {
		return errors.New("no symbol file given")
	}

	script := append([]string{}, attachCommands...)
	if attachScript != "" {
		lines, err := readScript(attachScript)
		if err != nil {
			return err
		}
		script = append(script, lines...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	Debug("Attaching %s to %s with %d command(s)", cfg.Debugger.Binary, target.Address, len(script))
	fmt.Printf("Attaching to %s...\n", target.Address)

	transcript, err := gdb.Run(ctx, target, gdb.Options{Binary: cfg.Debugger.Binary}, script)
	fmt.Print(transcript)
	if errors.Is(err, gdb.ErrNoTarget) {
		return fmt.Errorf("%w (is the run still alive and started with --debug-stub-enable?)", err)
	}
	if err != nil {
		return err
	}

	fmt.Printf("\nDetached from %s; the instance is still running.\n", target.Address)
	return nil
}

// readScript returns the commands in path, skipping blank lines and
// # comments.
func readScript(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return lines, nil
}
