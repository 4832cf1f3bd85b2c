package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every option when read from the environment,
// e.g. HARNESS_TIMEOUT_SECONDS or HARNESS_DEBUG_STUB_WAIT.
const EnvPrefix = "HARNESS"

// Option keys. The first six are the literal names operators and CI
// pipelines already use; do not rename them.
const (
	KeyAccelerationDisable = "acceleration-disable"
	KeyDebugStubEnable     = "debug-stub-enable"
	KeyDebugStubWait       = "debug-stub-wait"
	KeyTraceLogEnable      = "trace-log-enable"
	KeyFeatureFlags        = "feature-flags"
	KeyTimeoutSeconds      = "timeout-seconds"

	KeyDebugStubPort = "debug-stub-port"
	KeyHoldOnTimeout = "hold-on-timeout"
	KeyStagingRoot   = "staging-root"
	KeyOutputDir     = "output-dir"
	KeyMetricsFile   = "metrics-file"
	KeyBootStage     = "boot-stage"
	KeyKernel        = "kernel"
	KeyBuild         = "build"
)

// Config represents the harness configuration after merging defaults,
// the config file, HARNESS_* environment variables and bound flags.
type Config struct {
	AccelerationDisable bool     `mapstructure:"acceleration-disable"`
	DebugStubEnable     bool     `mapstructure:"debug-stub-enable"`
	DebugStubWait       bool     `mapstructure:"debug-stub-wait"`
	DebugStubPort       int      `mapstructure:"debug-stub-port"`
	TraceLogEnable      bool     `mapstructure:"trace-log-enable"`
	FeatureFlags        []string `mapstructure:"feature-flags"`
	TimeoutSeconds      int      `mapstructure:"timeout-seconds"`
	HoldOnTimeout       bool     `mapstructure:"hold-on-timeout"`

	StagingRoot string `mapstructure:"staging-root"`
	OutputDir   string `mapstructure:"output-dir"`
	MetricsFile string `mapstructure:"metrics-file"`

	// Explicit artifact paths, used unless Build is set.
	BootStage string `mapstructure:"boot-stage"`
	Kernel    string `mapstructure:"kernel"`
	Build     bool   `mapstructure:"build"`

	Monitor  Monitor  `mapstructure:"monitor"`
	Producer Producer `mapstructure:"producer"`
	Debugger Debugger `mapstructure:"debugger"`
}

// Monitor contains settings for the virtual machine monitor process
type Monitor struct {
	Binary    string   `mapstructure:"binary"`
	Firmware  string   `mapstructure:"firmware"`
	Memory    string   `mapstructure:"memory"`
	ExtraArgs []string `mapstructure:"extra-args"`
}

// Producer describes the external build that emits the boot stage and kernel.
type Producer struct {
	Command   []string `mapstructure:"command"`
	Dir       string   `mapstructure:"dir"`
	BootStage string   `mapstructure:"boot-stage"`
	Kernel    string   `mapstructure:"kernel"`
}

// Debugger contains settings for the remote debugging client
type Debugger struct {
	Binary string `mapstructure:"binary"`
}

// OptionError reports a value that could not be read as its option's type,
// or a config file that could not be parsed.
type OptionError struct {
	Option string
	Err    error
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid option %s: %v", e.Option, e.Err)
}

func (e *OptionError) Unwrap() error {
	return e.Err
}

// Typed options, checked one by one so a bad value names its key.
var (
	intKeys  = []string{KeyTimeoutSeconds, KeyDebugStubPort}
	boolKeys = []string{
		KeyAccelerationDisable,
		KeyDebugStubEnable,
		KeyDebugStubWait,
		KeyTraceLogEnable,
		KeyHoldOnTimeout,
		KeyBuild,
	}
)

// Load loads the configuration. cfgFile takes precedence when set; otherwise
// harness.yaml in the working directory and ~/.harness/harness.yaml are tried.
func Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		expanded, err := homedir.Expand(cfgFile)
		if err != nil {
			return nil, err
		}
		viper.SetConfigFile(expanded)
	} else {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		viper.SetConfigName("harness")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(dir)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Try to read config file, but don't fail if it doesn't exist
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, &OptionError{Option: "config file", Err: err}
		}
	}

	if err := checkTypes(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, &OptionError{Option: "config", Err: err}
	}

	cfg.StagingRoot = expandPath(cfg.StagingRoot)
	cfg.OutputDir = expandPath(cfg.OutputDir)
	cfg.MetricsFile = expandPath(cfg.MetricsFile)
	cfg.BootStage = expandPath(cfg.BootStage)
	cfg.Kernel = expandPath(cfg.Kernel)
	cfg.Monitor.Firmware = expandPath(cfg.Monitor.Firmware)
	cfg.Producer.Dir = expandPath(cfg.Producer.Dir)

	return &cfg, nil
}

func checkTypes() error {
	for _, key := range intKeys {
		if _, err := cast.ToIntE(viper.Get(key)); err != nil {
			return &OptionError{Option: key, Err: fmt.Errorf("%q is not a number", fmt.Sprint(viper.Get(key)))}
		}
	}
	for _, key := range boolKeys {
		if _, err := cast.ToBoolE(viper.Get(key)); err != nil {
			return &OptionError{Option: key, Err: fmt.Errorf("%q is not a boolean", fmt.Sprint(viper.Get(key)))}
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault(KeyAccelerationDisable, false)
	viper.SetDefault(KeyDebugStubEnable, false)
	viper.SetDefault(KeyDebugStubWait, false)
	viper.SetDefault(KeyDebugStubPort, 1234)
	viper.SetDefault(KeyTraceLogEnable, false)
	viper.SetDefault(KeyFeatureFlags, []string{})
	viper.SetDefault(KeyTimeoutSeconds, 60)
	viper.SetDefault(KeyHoldOnTimeout, false)

	viper.SetDefault(KeyStagingRoot, filepath.Join("build", "mnt"))
	viper.SetDefault(KeyOutputDir, "build")
	viper.SetDefault(KeyMetricsFile, "")
	viper.SetDefault(KeyBootStage, "")
	viper.SetDefault(KeyKernel, "")
	viper.SetDefault(KeyBuild, false)

	viper.SetDefault("monitor.binary", "qemu-system-x86_64")
	viper.SetDefault("monitor.firmware", "/usr/share/ovmf/OVMF.fd")
	viper.SetDefault("monitor.memory", "512M")
	viper.SetDefault("monitor.extra-args", []string{})

	// cargo workspace layout of the bootloader and kernel crates
	viper.SetDefault("producer.command", []string{"cargo", "build", "--release"})
	viper.SetDefault("producer.dir", "")
	viper.SetDefault("producer.boot-stage", filepath.Join("target", "x86_64-unknown-uefi", "release", "bootloader.efi"))
	viper.SetDefault("producer.kernel", filepath.Join("target", "x86_64-kernel", "release", "kernel"))

	viper.SetDefault("debugger.binary", "gdb")
}

// expandPath expands a leading ~ to the home directory
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		// If expansion fails, use original path
		return path
	}
	return expanded
}

// ConfigDir returns the harness configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".harness"), nil
}
