package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"NavCurve/internal/bucket"
	"NavCurve/internal/config"
	"NavCurve/internal/engine"
	"NavCurve/internal/observability"
	"NavCurve/internal/persistence"
	"NavCurve/internal/publish"
	"NavCurve/internal/query"
	"NavCurve/internal/server"
	"NavCurve/internal/source"
)

var (
	cfgPath string
	cfg     config.Config
)

func main() {
	root := &cobra.Command{
		Use:   "navcurve",
		Short: "Net-value curve reconstruction for trading accounts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(runCmd(), serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		address  string
		interval string
		full     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recompute the curve for one address and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address is required")
			}
			iv, err := bucket.ParseInterval(interval)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx, "run")
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.engine.Run(ctx, address, iv, !full)
			if err != nil {
				return err
			}
			app.log.Info().
				Str("run_id", result.RunID).
				Int("points", result.Points).
				Int("persisted", result.Persisted).
				Msg("done")
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "account address")
	cmd.Flags().StringVar(&interval, "interval", "1h", "bucket width (1h, 2h, 4h, 8h, 12h, 1d)")
	cmd.Flags().BoolVar(&full, "full", false, "rewrite the whole curve instead of resuming")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API and run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx, "serve")
			if err != nil {
				return err
			}
			defer app.Close()

			sched, err := engine.NewScheduler(app.engine, cfg.Scheduler.Cron, cfg.Scheduler.Addresses, cfg.Scheduler.Intervals, app.log)
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			svc := query.NewService(app.db)
			srv := server.New(cfg.Server.Addr, svc, app.health, app.log, app.metrics)
			app.health.SetReady(true)
			return srv.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
					return m.Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
					return m.Down(ctx)
				})
			},
		},
	)
	return cmd
}

func withMigrator(fn func(context.Context, *persistence.Migrator) error) error {
	log := observability.NewLogger("migrate")
	ctx, cancel := signalContext()
	defer cancel()

	db, err := persistence.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, persistence.NewMigrator(db, cfg.Database.MigrationsDir, log))
}

// app bundles shared dependencies plus the handles to close on exit.
type app struct {
	log     zerolog.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker
	db      *sql.DB
	engine  *engine.Engine

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires the full pipeline from config: Postgres, optional
// Redis price cache, optional NATS publishing, source clients and the
// engine itself.
func buildApp(ctx context.Context, component string) (*app, error) {
	log := observability.NewLogger(component)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	a := &app{log: log, metrics: metrics, health: health}

	db, err := persistence.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() { db.Close() })
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Database.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}

	var js jetstream.JetStream
	if cfg.NATS.Enabled {
		var nc *nats.Conn
		nc, js, err = publish.Connect(cfg.NATS.URL, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { nc.Close() })
		if err := publish.EnsureStream(ctx, js, log); err != nil {
			a.Close()
			return nil, err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("nats connected")
	}

	priceClient := source.NewPriceClient(cfg.Prices.InfoURL, time.Duration(cfg.Prices.TimeoutSeconds)*time.Second, log, metrics)
	prices := source.NewCachedPriceSource(priceClient, rdb, time.Duration(cfg.Prices.CacheTTLMinutes)*time.Minute, log, metrics)
	history := source.NewHistoryClient(cfg.Source.BaseURL, time.Duration(cfg.Source.TimeoutSeconds)*time.Second, priceClient, log, metrics)

	store := persistence.NewNavStore(db, log, metrics)
	pub := publish.NewPublisher(js, log, metrics)

	a.engine = engine.New(history, prices, store, pub, cfg.Prices.Workers, log, metrics)
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
