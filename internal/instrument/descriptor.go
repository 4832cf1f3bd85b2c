// Package instrument turns loaded configuration into the immutable
// descriptor that parameterizes a single harness run.
package instrument

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/je4os/harness/internal/config"
)

const (
	// DefaultTimeout bounds a run when timeout-seconds is not configured.
	DefaultTimeout = 60 * time.Second

	// DefaultDebugPort is the well-known gdb remote protocol port.
	DefaultDebugPort = 1234

	// ConsoleLogName is the serial capture file, overwritten every run.
	ConsoleLogName = "serial.log"

	// MonitorLogName receives the monitor's own diagnostics (stderr),
	// kept apart from the guest console.
	MonitorLogName = "qemu.log"

	// TraceLogName receives the monitor's interrupt/exception trace.
	TraceLogName = "qemu-trace.log"
)

// DebugStubMode selects whether and how the monitor exposes a gdb endpoint.
type DebugStubMode int

const (
	DebugStubOff DebugStubMode = iota
	// DebugStubListen exposes the endpoint and starts executing immediately.
	DebugStubListen
	// DebugStubWaitForAttach exposes the endpoint and holds the first
	// instruction until a debugger attaches.
	DebugStubWaitForAttach
)

func (m DebugStubMode) String() string {
	switch m {
	case DebugStubOff:
		return "off"
	case DebugStubListen:
		return "listen"
	case DebugStubWaitForAttach:
		return "wait-for-attach"
	default:
		return fmt.Sprintf("DebugStubMode(%d)", int(m))
	}
}

// MarshalYAML renders the mode by name.
func (m DebugStubMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// Monitor holds the monitor settings carried by a Descriptor.
type Monitor struct {
	Binary    string   `yaml:"binary"`
	Firmware  string   `yaml:"firmware,omitempty"`
	Memory    string   `yaml:"memory"`
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// Descriptor is the run descriptor. It is built once by Resolve and passed
// by value; nothing modifies it after launch.
type Descriptor struct {
	BootStage     string        `yaml:"boot_stage,omitempty"`
	Kernel        string        `yaml:"kernel,omitempty"`
	StagingRoot   string        `yaml:"staging_root"`
	OutputDir     string        `yaml:"output_dir"`
	ConsoleLog    string        `yaml:"console_log"`
	MonitorLog    string        `yaml:"monitor_log"`
	TraceLog      string        `yaml:"trace_log,omitempty"`
	Acceleration  bool          `yaml:"acceleration"`
	DebugStub     DebugStubMode `yaml:"debug_stub"`
	DebugPort     int           `yaml:"debug_port,omitempty"`
	FeatureFlags  []string      `yaml:"feature_flags,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
	HoldOnTimeout bool          `yaml:"hold_on_timeout"`
	Monitor       Monitor       `yaml:"monitor"`
}

// DebugAddress returns the host:port a debugger should connect to, or ""
// when the debug stub is off.
func (d Descriptor) DebugAddress() string {
	if d.DebugStub == DebugStubOff {
		return ""
	}
	return fmt.Sprintf("localhost:%d", d.DebugPort)
}

// WithArtifacts returns a copy of d that carries the given artifact paths.
func (d Descriptor) WithArtifacts(bootStage, kernel string) Descriptor {
	out := d
	out.BootStage = bootStage
	out.Kernel = kernel
	out.FeatureFlags = append([]string(nil), d.FeatureFlags...)
	out.Monitor.ExtraArgs = append([]string(nil), d.Monitor.ExtraArgs...)
	return out
}

// ConfigError reports an invalid or conflicting option. It is always raised
// before any process is spawned.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Option, e.Reason)
}

// Resolve validates cfg and builds the run descriptor. It has no side
// effects.
func Resolve(cfg *config.Config) (Descriptor, error) {
	if cfg == nil {
		return Descriptor{}, &ConfigError{Option: "config", Reason: "no configuration loaded"}
	}

	if cfg.TimeoutSeconds <= 0 {
		return Descriptor{}, &ConfigError{
			Option: config.KeyTimeoutSeconds,
			Reason: fmt.Sprintf("must be a positive number of seconds, got %d", cfg.TimeoutSeconds),
		}
	}

	mode := DebugStubOff
	switch {
	case cfg.DebugStubWait && !cfg.DebugStubEnable:
		return Descriptor{}, &ConfigError{
			Option: config.KeyDebugStubWait,
			Reason: "requires " + config.KeyDebugStubEnable,
		}
	case cfg.DebugStubWait:
		mode = DebugStubWaitForAttach
	case cfg.DebugStubEnable:
		mode = DebugStubListen
	}

	port := 0
	if mode != DebugStubOff {
		port = cfg.DebugStubPort
		if port == 0 {
			port = DefaultDebugPort
		}
		if port < 1 || port > 65535 {
			return Descriptor{}, &ConfigError{
				Option: config.KeyDebugStubPort,
				Reason: fmt.Sprintf("port %d out of range", port),
			}
		}
	}

	if cfg.HoldOnTimeout && mode == DebugStubOff {
		return Descriptor{}, &ConfigError{
			Option: config.KeyHoldOnTimeout,
			Reason: "a held instance needs " + config.KeyDebugStubEnable + " to be inspected",
		}
	}

	flags, err := normalizeFlags(cfg.FeatureFlags)
	if err != nil {
		return Descriptor{}, err
	}

	if strings.TrimSpace(cfg.StagingRoot) == "" {
		return Descriptor{}, &ConfigError{Option: config.KeyStagingRoot, Reason: "must not be empty"}
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return Descriptor{}, &ConfigError{Option: config.KeyOutputDir, Reason: "must not be empty"}
	}
	if strings.TrimSpace(cfg.Monitor.Binary) == "" {
		return Descriptor{}, &ConfigError{Option: "monitor.binary", Reason: "must not be empty"}
	}

	stagingRoot := filepath.Clean(cfg.StagingRoot)
	outputDir := filepath.Clean(cfg.OutputDir)
	if isWithin(outputDir, stagingRoot) {
		return Descriptor{}, &ConfigError{
			Option: config.KeyOutputDir,
			Reason: "must not live inside the staging root, which is wiped every run",
		}
	}

	desc := Descriptor{
		BootStage:     cfg.BootStage,
		Kernel:        cfg.Kernel,
		StagingRoot:   stagingRoot,
		OutputDir:     outputDir,
		ConsoleLog:    filepath.Join(outputDir, ConsoleLogName),
		MonitorLog:    filepath.Join(outputDir, MonitorLogName),
		Acceleration:  !cfg.AccelerationDisable,
		DebugStub:     mode,
		DebugPort:     port,
		FeatureFlags:  flags,
		Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		HoldOnTimeout: cfg.HoldOnTimeout,
		Monitor: Monitor{
			Binary:    cfg.Monitor.Binary,
			Firmware:  cfg.Monitor.Firmware,
			Memory:    cfg.Monitor.Memory,
			ExtraArgs: append([]string(nil), cfg.Monitor.ExtraArgs...),
		},
	}
	if cfg.TraceLogEnable {
		desc.TraceLog = filepath.Join(outputDir, TraceLogName)
	}

	return desc, nil
}

// normalizeFlags keeps the first occurrence of each flag in order. Flags
// are forwarded to the build producer as-is, so separators are rejected
// rather than guessed at.
func normalizeFlags(flags []string) ([]string, error) {
	seen := make(map[string]bool)
	result := make([]string, 0, len(flags))

	for _, flag := range flags {
		if flag == "" {
			return nil, &ConfigError{Option: config.KeyFeatureFlags, Reason: "empty feature flag"}
		}
		if strings.ContainsAny(flag, ", \t\n") {
			return nil, &ConfigError{
				Option: config.KeyFeatureFlags,
				Reason: fmt.Sprintf("feature flag %q contains a separator", flag),
			}
		}
		if !seen[flag] {
			seen[flag] = true
			result = append(result, flag)
		}
	}

	return result, nil
}

// isWithin reports whether path equals root or lies below it.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
