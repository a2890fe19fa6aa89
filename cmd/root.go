// Package cmd provides the kiln command-line interface. Every task of the
// registry is a subcommand; running kiln without one runs "default".
//
// Configuration is read from several sources, highest priority first:
//
//  1. Command-line flags (--port, --log-level, ...)
//  2. KILN_<SECTION>_<KEY> environment variables (KILN_SERVER_PORT, ...)
//  3. The config file: --config, else KILN_CONFIG_FILE, else .kiln.yml
//  4. Built-in defaults
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/tasks"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Front-end asset build pipeline",
	Long: `kiln compiles stylesheets, bundles scripts, renders templated HTML and
optimizes images into a build directory and a theme directory, and serves
the build with live reload while you work.

Quick Start:
  kiln init        Write a default .kiln.yml
  kiln             Build, then watch and serve
  kiln build       Build everything once
  kiln list        Show every task`,
	SilenceUsage:      true,
	PersistentPreRunE: bindPersistentFlags,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTask(cmd, "default")
	},
}

// Execute runs the command line until ctx is cancelled.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .kiln.yml, can also use KILN_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	addServerFlags(rootCmd)
}

// initConfig points viper at the config file and the KILN_ environment.
// A missing config file is not an error; defaults apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("KILN_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(config.DefaultConfigName)
	}

	viper.SetEnvPrefix("KILN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// bindPersistentFlags binds the global flags to their config keys. Binding
// happens per run so that the flags of the executing command win.
func bindPersistentFlags(cmd *cobra.Command, _ []string) error {
	return bindFlags(cmd.Flags(), map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
	})
}

func bindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 3000, "dev server port")
	cmd.Flags().String("host", "localhost", "dev server host")
}

func bindServerFlags(cmd *cobra.Command) error {
	return bindFlags(cmd.Flags(), map[string]string{
		"server.port": "port",
		"server.host": "host",
	})
}

// loadConfig reads the configuration for the running command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := bindServerFlags(cmd); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	}), nil
}

// runTask loads the configuration and runs the named tasks in order.
func runTask(cmd *cobra.Command, names ...string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	reg, err := tasks.NewRegistry(cfg, logger, tasks.WithBannerOutput(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn(cmd.Context(), err, "Failed to release task resources")
		}
	}()

	return reg.Series(cmd.Context(), names...)
}
