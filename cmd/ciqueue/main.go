package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	clientcmd "github.com/rzbill/ciqueue/internal/cmd/client"
	serverrun "github.com/rzbill/ciqueue/internal/cmd/server"
	logpkg "github.com/rzbill/ciqueue/pkg/log"
)

func main() {
	// CLI logger; the worker builds its own from config once it starts.
	level, err := logpkg.ParseLevel(os.Getenv("CIQ_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	// Match GOMAXPROCS to the container CPU quota.
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Debugf)); err != nil {
		logger.Warn("maxprocs", logpkg.Err(err))
	}

	rootCmd := &cobra.Command{
		Use:          "ciqueue",
		Short:        "Leased CI work queue",
		Long:         "ciqueue runs CI workers that share a queue of revisions and claim them with leases.",
		SilenceUsage: true,
	}

	workerCmd := &cobra.Command{Use: "worker", Short: "Worker commands"}
	workerStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a worker with its HTTP and gRPC servers",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			flag := func(name string) string {
				v, _ := cmd.Flags().GetString(name)
				return v
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{
				ConfigPath: flag("config"),
				Backend:    flag("backend"),
				DataDir:    flag("data-dir"),
				Fsync:      flag("fsync"),
				HTTPAddr:   flag("http"),
				GRPCAddr:   flag("grpc"),
				LogLevel:   flag("log-level"),
				LogFormat:  flag("log-format"),
				WorkerID:   flag("worker-id"),
				Command:    flag("command"),
				EngineKind: flag("engine"),
			}); err != nil {
				return fmt.Errorf("worker error: %w", err)
			}
			return nil
		},
	}
	f := workerStartCmd.Flags()
	f.StringP("config", "c", os.Getenv("CIQ_CONFIG"), "Config file (.yaml, .yml or .json)")
	f.String("backend", "", "Store backend: memory|pebble|etcd|redis|postgres")
	f.String("data-dir", "", "Data directory for the pebble backend (if not specified, uses OS-specific application data directory)")
	f.String("fsync", "", "Fsync mode for pebble: always|interval|never")
	f.String("http", "", "HTTP listen address (default :8480)")
	f.String("grpc", "", "gRPC listen address (default :8481)")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json (default text)")
	f.String("worker-id", "", "Worker id, unique per cluster (default hostname plus ULID)")
	f.String("command", "", "Shell command run for each claimed revision")
	f.String("engine", "", "Engine kind: command|kubernetes (default command)")
	workerCmd.AddCommand(workerStartCmd)
	rootCmd.AddCommand(workerCmd)

	clientcmd.AddCommands(rootCmd, clientcmd.HTTPURLFromEnv)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
