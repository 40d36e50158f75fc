package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Compile the bundle once",
	Long: `Run the configured compiler once over every source file and write the
bundle. Exits non-zero when the compile fails; the previous bundle is kept.

Examples:
  devloop build
  devloop build --debug
  devloop build --output dist/app.js`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().Bool("debug", false, "Pass --debug to the compiler")
	buildCmd.Flags().StringP("output", "o", "static/js/app.js", "Bundle destination")

	_ = viper.BindPFlag("build.debug", buildCmd.Flags().Lookup("debug"))
	_ = viper.BindPFlag("build.output", buildCmd.Flags().Lookup("output"))
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	compiler, err := newCompiler(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := compiler.Compile(ctx)
	if err != nil {
		if result != nil && result.CompilerOutput != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), result.CompilerOutput)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %d sources) in %s\n",
		result.Output, humanize.Bytes(uint64(result.Size)), len(result.Sources), result.Duration.Round(time.Millisecond))
	return nil
}

func newCompiler(cfg *config.Config, logger logging.Logger) (*build.Compiler, error) {
	return build.NewCompiler(build.Options{
		Command: cfg.Build.Command,
		Args:    cfg.Build.Args,
		Sources: cfg.Build.Sources,
		Output:  cfg.Build.Output,
		Debug:   cfg.Build.Debug,
	}, logger)
}
