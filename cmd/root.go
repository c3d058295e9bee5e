package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-speakerd/internal/config"
	"github.com/tinkerbelle-io/tb-speakerd/internal/logging"
)

var (
	// Flags
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagDBDriver  string
	flagDBDSN     string
	flagEndpoints []string
)

var rootCmd = &cobra.Command{
	Use:   "tb-speakerd",
	Short: "Local hub for SoundTouch speakers",
	Long: `tb-speakerd replaces the discontinued speaker cloud on the local network.
It discovers speakers, keeps an inventory of them and their capabilities,
and answers their preset requests with playable stream locations.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env: TBS_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text, json (env: TBS_LOG_FORMAT)")
	rootCmd.PersistentFlags().StringVar(&flagDBDriver, "db-driver", "", "Inventory backend: sqlite3, pgx, memory (env: TBS_DB_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&flagDBDSN, "db-dsn", "", "Inventory DSN (env: TBS_DB_DSN)")
	rootCmd.PersistentFlags().StringSliceVar(&flagEndpoints, "endpoint", nil, "Manual speaker endpoint host[:port], repeatable (env: TBS_MANUAL_ENDPOINTS)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tb-speakerd %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, applies the persistent
// flags and any command-specific overrides on top, validates, and sets up
// logging.
func loadConfig(overrides ...func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// applyFlags overrides cfg with every flag that was set.
func applyFlags(cfg *config.Config) {
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if flagDBDriver != "" {
		cfg.Database.Driver = flagDBDriver
	}
	if flagDBDSN != "" {
		cfg.Database.DSN = flagDBDSN
	}
	if len(flagEndpoints) > 0 {
		cfg.Discovery.ManualEndpoints = flagEndpoints
	}
}
