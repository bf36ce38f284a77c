// Package main implements the rollup binary. "rollup serve" runs the
// maintainers, the audit daemon and the API; the other commands run one
// maintenance operation against the configured data directory and exit.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkilian/rollup/internal/config"
	"github.com/arkilian/rollup/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// flags holds values given on the command line; empty means unset.
var flags struct {
	configFile string
	dataDir    string
	logMode    string

	mode     string
	httpAddr string
	grpcAddr string

	customerID string
	limit      int
	keep       int
}

var rootCmd = &cobra.Command{
	Use:   "rollup",
	Short: "maintain per-customer spend aggregates",
	Long: `
  Keeps customer_aggregates.total_spent consistent with the order ledger,
  event by event, in batch, and through periodic audits.

  Configuration is read from --config (YAML or JSON), then ROLLUP_*
  environment variables, then command line flags.
`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&flags.configFile, "config", "", "path to configuration file (YAML or JSON)")
	f.StringVar(&flags.dataDir, "data-dir", "", "base directory for all data files")
	f.StringVar(&flags.logMode, "log-mode", "", "log mode: development or production")
}

// loadConfig applies file, environment and flags in increasing priority.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if flags.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	if flags.logMode != "" {
		cfg.Log.Mode = flags.logMode
	}
	if flags.mode != "" {
		cfg.Mode = config.Mode(flags.mode)
	}
	if flags.httpAddr != "" {
		cfg.HTTP.Addr = flags.httpAddr
	}
	if flags.grpcAddr != "" {
		cfg.GRPC.Addr = flags.grpcAddr
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
