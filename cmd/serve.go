package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/server"
	"github.com/conneroisu/devloop/internal/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Run the application server",
	Long: `Serve files from the static directory and render the page template for
every other path.

In development mode (DEVLOOP_ENV=development) the template is re-read on every
request and render errors show the full diagnostic.

Examples:
  devloop serve
  devloop serve --port 8080
  DEVLOOP_ENV=development devloop serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 6400, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	addPortFlagValidation(serveCmd, "port")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.OptionsFromConfig(cfg), logger)

	return srv.Start(ctx, readyAnnouncer(cmd.OutOrStdout(), logger))
}

// readyAnnouncer reports the bound address. Under the supervisor it prints
// the readiness marker the parent is scanning for.
func readyAnnouncer(out io.Writer, logger logging.Logger) func(addr string) {
	return func(addr string) {
		if os.Getenv(config.SupervisedEnvVar) == "1" {
			fmt.Fprintf(out, "%s %s\n", supervisor.ReadyMarker, addr)
			return
		}
		logger.Info(context.Background(), "Ready", "url", "http://"+addr)
	}
}
