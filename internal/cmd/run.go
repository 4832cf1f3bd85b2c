package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/je4os/harness/internal/artifacts"
	"github.com/je4os/harness/internal/config"
	"github.com/je4os/harness/internal/harness"
	"github.com/je4os/harness/internal/metrics"
	"github.com/je4os/harness/internal/monitor"
	"github.com/je4os/harness/internal/record"
	"github.com/je4os/harness/internal/stage"
)

var (
	runQuiet    bool
	runTeardown bool
)

// runKeys are the configuration keys the run command exposes as flags.
var runKeys = []string{
	config.KeyAccelerationDisable,
	config.KeyDebugStubEnable,
	config.KeyDebugStubWait,
	config.KeyDebugStubPort,
	config.KeyTraceLogEnable,
	config.KeyFeatureFlags,
	config.KeyTimeoutSeconds,
	config.KeyHoldOnTimeout,
	config.KeyStagingRoot,
	config.KeyOutputDir,
	config.KeyMetricsFile,
	config.KeyBootStage,
	config.KeyKernel,
	config.KeyBuild,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the image and report the test outcome",
	Long: `Stage the boot stage and kernel, boot them under QEMU and wait for the
guest to report through the isa-debug-exit device.

Exit status:
  0  passed
  1  failed
  2  timed out
  3  unknown exit code (shown in the report)
  4  monitor crashed
  5  held for inspection (--hold-on-timeout)
  6  build, staging, configuration or launch error, or a kill that could
     not be confirmed

Every option can also be set in harness.yaml or as HARNESS_<OPTION>, for
example HARNESS_TIMEOUT_SECONDS=120 or HARNESS_FEATURE_FLAGS=visualize-allocator.

Examples:
  harness run --build
  harness run --boot-stage bootloader.efi --kernel kernel --timeout-seconds 30
  harness run --build --feature-flags visualize-allocator
  harness run --debug-stub-enable --debug-stub-wait`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.Bool(config.KeyAccelerationDisable, false, "use software emulation even when KVM/HVF is available")
	f.Bool(config.KeyDebugStubEnable, false, "expose the gdb remote stub")
	f.Bool(config.KeyDebugStubWait, false, "halt the CPU until a debugger attaches (requires --debug-stub-enable)")
	f.Int(config.KeyDebugStubPort, 1234, "gdb remote stub port")
	f.Bool(config.KeyTraceLogEnable, false, "write the QEMU interrupt/reset trace log")
	f.StringSlice(config.KeyFeatureFlags, nil, "build feature flags (repeatable)")
	f.Int(config.KeyTimeoutSeconds, 60, "wall-clock budget for the run")
	f.Bool(config.KeyHoldOnTimeout, false, "leave the instance running for debug-attach when the deadline passes")
	f.String(config.KeyStagingRoot, "", "directory the boot image is staged in")
	f.String(config.KeyOutputDir, "", "directory for console and trace logs")
	f.String(config.KeyMetricsFile, "", "write a Prometheus textfile with the run result")
	f.String(config.KeyBootStage, "", "path to the UEFI boot stage")
	f.String(config.KeyKernel, "", "path to the kernel ELF")
	f.Bool(config.KeyBuild, false, "run the build producer first")
	f.BoolVarP(&runQuiet, "quiet", "q", false, "do not echo the guest console")
	f.BoolVar(&runTeardown, "teardown", false, "remove the staging root after the run")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if err := bindFlags(cmd.Flags(), runKeys...); err != nil {
		return err
	}

	cfg, desc, err := loadDescriptor()
	if err != nil {
		harness.PrintFailure(os.Stderr, err, "")
		return harness.MarkReported(err)
	}
	Debug("Descriptor: stub=%s port=%d accel=%v timeout=%s flags=%v",
		desc.DebugStub, desc.DebugPort, desc.Acceleration, desc.Timeout, desc.FeatureFlags)

	tty := isTerminal()
	var echo, progress io.Writer
	if !runQuiet {
		echo = os.Stdout
		if tty {
			progress = os.Stderr
		}
	}

	store, err := record.NewStore()
	if err != nil {
		// runs are still useful without a record
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	h := &harness.Harness{
		Resolver: newResolver(cfg, echo),
		Stager:   &stage.Stager{Progress: progress},
		Launcher: &monitor.Launcher{Echo: echo},
		Store:    store,
		Metrics:  metrics.New(cfg.MetricsFile),
		Out:      os.Stdout,
		Teardown: runTeardown,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := h.Run(ctx, desc, artifacts.Request{
		BootStage:    desc.BootStage,
		Kernel:       desc.Kernel,
		Build:        cfg.Build,
		FeatureFlags: desc.FeatureFlags,
	})
	if err != nil {
		if report.Interrupted {
			harness.PrintReport(os.Stdout, report)
		} else {
			harness.PrintFailure(os.Stderr, err, report.ConsoleLog)
		}
		return harness.MarkReported(err)
	}

	harness.PrintReport(os.Stdout, report)
	return harness.MarkReported(harness.Result(report, nil))
}
