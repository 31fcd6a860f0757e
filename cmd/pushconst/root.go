package main

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/openfluke/pushconst/config"
)

var (
	cfgFile   string
	backend   string
	verbosity int
)

var rootCmd = &cobra.Command{
	Use:   "pushconst",
	Short: "Run a push constant compute kernel and verify it on the host",
	Long: `pushconst acquires a compute device with push constant support, runs
b[i] = a[i] + b[i] + offset with the offset passed as a push constant, reads
the result back and checks it against a host reference.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "backend: webgpu, softgpu or occa (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", -1, "log verbosity (overrides config)")
}

// loadConfig loads the config file and applies the global flags over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("backend") {
		cfg.Backend = backend
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbosity = verbosity
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logr.Logger {
	stdr.SetVerbosity(cfg.Verbosity)
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}
