package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/je4os/harness/internal/artifacts"
	"github.com/je4os/harness/internal/config"
	"github.com/je4os/harness/internal/git"
	"github.com/je4os/harness/internal/instrument"
)

// bindFlags lets the named flags override configuration keys of the same
// name. Bound at run time so commands sharing a key do not steal each
// other's binding.
func bindFlags(flags *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}
	return nil
}

// loadConfig loads the configuration and fills in defaults that depend on
// the working directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		var optErr *config.OptionError
		if errors.As(err, &optErr) {
			return nil, &instrument.ConfigError{Option: optErr.Option, Reason: optErr.Err.Error()}
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	Debug("Config loaded (file: %q)", viper.ConfigFileUsed())

	if cfg.Producer.Dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		cfg.Producer.Dir = git.ProducerDir(cwd)
	}
	Debug("Producer directory: %s", cfg.Producer.Dir)

	return cfg, nil
}

// loadDescriptor loads the configuration and resolves the run descriptor.
func loadDescriptor() (*config.Config, instrument.Descriptor, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, instrument.Descriptor{}, err
	}
	desc, err := instrument.Resolve(cfg)
	if err != nil {
		return cfg, instrument.Descriptor{}, err
	}
	return cfg, desc, nil
}

func newResolver(cfg *config.Config, output io.Writer) *artifacts.Resolver {
	return artifacts.NewResolver(artifacts.Producer{
		Command:   cfg.Producer.Command,
		Dir:       cfg.Producer.Dir,
		BootStage: cfg.Producer.BootStage,
		Kernel:    cfg.Producer.Kernel,
		Output:    output,
	})
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
