// Command billsyncd runs the subscription reconciliation service: the
// provider webhook endpoints, the direct-call subscription API and the
// metrics and health endpoints.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/billsync/pkg/billsync"
	zerologadapter "github.com/mihaimyh/billsync/pkg/billsync/logger/zerolog"
	"github.com/mihaimyh/billsync/storage/postgres"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:          "billsyncd",
	Short:        "billsyncd - billing subscription reconciliation service",
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "billsyncd %s (%s)\n", Version, GitCommit)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync SUBSCRIPTION_ID...",
	Short: "Reconcile subscriptions from the provider's current state",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context(), cmd.OutOrStdout(), args)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the postgres tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment")
	rootCmd.AddCommand(versionCmd, syncCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (Config, error) {
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. format is "json" or "console".
func newLogger(level, format string, w io.Writer) *zerologadapter.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "billsyncd").Logger()
	return zerologadapter.NewLogger(&zl)
}

func setup(ctx context.Context) (Config, *backends, *app, billsync.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return Config{}, nil, nil, nil, err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return Config{}, nil, nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a, err := newApp(cfg, b, logger, reg)
	if err != nil {
		b.Close()
		return Config{}, nil, nil, nil, err
	}
	return cfg, b, a, logger, nil
}

func runServer(ctx context.Context) error {
	cfg, b, a, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	logger.Info("starting billsyncd",
		billsync.F("version", Version),
		billsync.F("store", cfg.Store),
		billsync.F("distributed_lock", cfg.DistributedLock),
	)
	return a.serve(ctx, cfg, logger)
}

func runSync(ctx context.Context, out io.Writer, ids []string) error {
	cfg, b, a, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = a.notifier.Close(closeCtx)
	}()

	failed := 0
	for _, id := range ids {
		res, err := a.service.Sync(ctx, a.client, id)
		if err != nil {
			failed++
			logger.Error("sync failed", billsync.F("subscription_id", id), billsync.F("error", err.Error()))
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", id, res.Outcome, res.Current.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subscriptions failed to sync", failed, len(ids))
	}
	return nil
}

func runMigrate(ctx context.Context) error {
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return err
	}
	if cfg.PostgresURL == "" {
		return fmt.Errorf("BILLSYNC_POSTGRES_URL is required")
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.PostgresURL
	pgConfig.AutoMigrate = false
	pgConfig.CleanupEnabled = false
	pg, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return err
	}
	defer pg.Close()
	return pg.Migrate(ctx)
}
