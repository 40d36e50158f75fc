package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/orchestrator"
	"github.com/conneroisu/devloop/internal/proxy"
	"github.com/conneroisu/devloop/internal/reload"
	"github.com/conneroisu/devloop/internal/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var devCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"d"},
	Short:   "Compile, watch, serve and live-reload",
	Long: `Run the development loop:

  1. compile the sources once
  2. watch sources, views and the server-restart set
  3. start the application server under supervision
  4. start the reload proxy and the management interface

Every source change recompiles the bundle and then reloads the browsers
connected through the proxy. Compile errors are shown in the browser and the
previous bundle keeps being served.

Examples:
  devloop dev
  devloop dev --proxy-port 3000
  DEVLOOP_BUILD_COMMAND=esbuild devloop dev`,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)

	devCmd.Flags().Int("proxy-port", 6401, "Port of the reload proxy")
	devCmd.Flags().Int("ui-port", 6402, "Port of the management interface")
	addPortFlagValidation(devCmd, "proxy-port", "ui-port")

	_ = viper.BindPFlag("proxy.port", devCmd.Flags().Lookup("proxy-port"))
	_ = viper.BindPFlag("proxy.ui_port", devCmd.Flags().Lookup("ui-port"))
}

func runDev(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadDevConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	compiler, err := newCompiler(cfg, logger)
	if err != nil {
		return err
	}

	supOpts, err := supervisorOptions(cfg)
	if err != nil {
		return err
	}
	sup := supervisor.New(supOpts, logger)

	hub := reload.NewHub(logger)
	px, err := proxy.New(proxy.Options{
		Addr:   cfg.Proxy.Addr(),
		UIAddr: cfg.Proxy.UIAddr(),
		Target: cfg.ProxyTarget(),
		Mode:   cfg.Mode,
	}, hub, logger)
	if err != nil {
		return err
	}
	px.SetBuildInfo(compiler.LastResult)
	px.SetServerInfo(sup)

	orch := orchestrator.New(orchestrator.Options{
		Sources:     cfg.Build.Sources,
		Views:       cfg.Watch.Views,
		ServerWatch: cfg.Supervisor.Watch,
		Debounce:    cfg.Watch.Debounce,
	}, compiler, sup, px, logger)

	return orch.Run(ctx)
}

// loadDevConfig loads the configuration with the mode pinned to development.
// Debug bundles follow the mode unless build.debug is set explicitly.
func loadDevConfig() (*config.Config, logging.Logger, error) {
	viper.Set("env", string(config.ModeDevelopment))
	return loadConfig()
}

// supervisorOptions resolves the child command. By default it is this
// executable running "serve" with the same configuration file.
func supervisorOptions(cfg *config.Config) (supervisor.Options, error) {
	opts := supervisor.Options{
		Command:      cfg.Supervisor.Command,
		Args:         cfg.Supervisor.Args,
		Env:          cfg.Supervisor.Env,
		RestartDelay: cfg.Supervisor.RestartDelay,
		StopTimeout:  cfg.Supervisor.StopTimeout,
	}

	if opts.Command != "" {
		return opts, nil
	}

	self, err := os.Executable()
	if err != nil {
		return opts, fmt.Errorf("cannot locate the devloop executable: %w", err)
	}
	opts.Command = self

	if used := viper.ConfigFileUsed(); used != "" {
		opts.Args = append(append([]string(nil), opts.Args...), "--config", used)
	}

	return opts, nil
}
