// Package cmd provides the command-line interface for devloop.
//
// Configuration is read from several sources, highest priority first:
//
//  1. Command-line flags (--config, --port, ...)
//  2. Environment variables (DEVLOOP_SERVER_PORT, DEVLOOP_BUILD_COMMAND, ...)
//  3. The configuration file: --config, DEVLOOP_CONFIG_FILE or .devloop.yml
//  4. Built-in defaults
//
// DEVLOOP_ENV selects development or production mode for the process.
package cmd

import (
	"fmt"
	"os"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ConfigFileEnvVar names an alternative configuration file.
const ConfigFileEnvVar = "DEVLOOP_CONFIG_FILE"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "Compile, serve and live-reload a frontend during development",
	Long: `devloop compiles frontend sources into one bundle, serves it next to a
rendered page and reloads connected browsers whenever something changes.

Commands:
  devloop dev       Compile, watch, supervise the server and start the reload proxy
  devloop serve     Run the application server on its own
  devloop build     Compile the bundle once
  devloop config    Print the effective configuration

Default ports: 6400 (application), 6401 (reload proxy), 6402 (management UI).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .devloop.yml, can also use "+ConfigFileEnvVar+")")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)
	AddFlagValidation(rootCmd.PersistentFlags(), "log-level", oneOf("debug", "info", "warn", "warning", "error"))
	AddFlagValidation(rootCmd.PersistentFlags(), "log-format", oneOf("text", "json"))

	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the configuration file and enables the
// DEVLOOP_ environment overrides. A missing file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(ConfigFileEnvVar); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".devloop")
	}

	config.ConfigureEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from --log-level and --log-format.
func newLogger() (logging.Logger, error) {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}

	format := viper.GetString("log-format")
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("unsupported log format: %s (supported: text, json)", format)
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: format,
		Output: os.Stderr,
	}), nil
}

// loadConfig loads the configuration and the logger every command needs.
func loadConfig() (*config.Config, logging.Logger, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	return cfg, logger, nil
}
