// Package main is the headless entry point for the Heimdall core
// runtime. It starts the configuration, event, task, and plugin
// subsystems and runs until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsundem/Heimdall/internal/app"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		headless   bool
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:           "heimdall",
		Short:         "Heimdall analytics runtime",
		Long:          "Heimdall runs the core analytics runtime: layered configuration,\nthe event bus, the task executor, and the plugin system.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), app.Options{
				ConfigPath: configPath,
				Headless:   headless,
				LogLevel:   logLevel,
			})
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a configuration file layered above the defaults")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "run without collecting plugin UI components")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// serve starts the runtime and blocks until the context is cancelled
// by a signal. Degraded starts (broken config file, failed plugins)
// keep running; only an unbuildable core is fatal.
func serve(ctx context.Context, opts app.Options) error {
	application := app.New(opts)

	report, err := application.Start(ctx)
	if err != nil {
		return err
	}

	if report.Degraded() {
		for _, src := range report.Sources {
			if src.Err != nil {
				fmt.Fprintf(os.Stderr, "config source %s: %v\n", src.Name, src.Err)
			}
		}
		for id, loadErr := range report.Plugins.Failed {
			fmt.Fprintf(os.Stderr, "plugin %s: %v\n", id, loadErr)
		}
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Shutdown(shutdownCtx)
}
