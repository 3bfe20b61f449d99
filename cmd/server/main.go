package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/cache"
	"github.com/iliyamo/ticket-capacity/internal/config"
	"github.com/iliyamo/ticket-capacity/internal/database"
	"github.com/iliyamo/ticket-capacity/internal/handler"
	"github.com/iliyamo/ticket-capacity/internal/queue"
	"github.com/iliyamo/ticket-capacity/internal/repository"
	"github.com/iliyamo/ticket-capacity/internal/router"
	"github.com/iliyamo/ticket-capacity/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ticket-capacity: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares.  Resources are opened lazily
// so commands that do not need MySQL or Redis never dial them.
type app struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "ticket-capacity",
		Short:         "Sharded ticket capacity and reservation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Env)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.AddCommand(
		newServeCommand(a),
		newSweepCommand(a),
		newMigrateCommand(a),
		newAuditCommand(a),
		newProvisionCommand(a),
		newPaymentTokenCommand(a),
	)
	return cmd
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) openDB() (*sql.DB, error) {
	db, err := database.Open(a.cfg.DB.User, a.cfg.DB.Pass, a.cfg.DB.Host, a.cfg.DB.Port, a.cfg.DB.Name, database.Pool{
		MaxOpen:     a.cfg.DB.MaxOpenConns,
		MaxIdle:     a.cfg.DB.MaxIdleConns,
		MaxLifetime: a.cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	return db, nil
}

func (a *app) newCache(rdb *redis.Client) *cache.AvailabilityCache {
	return cache.New(rdb, cache.Config{
		Prefix:    a.cfg.Cache.Prefix,
		LocalSize: a.cfg.Cache.LocalSize,
		LocalTTL:  a.cfg.Cache.LocalTTL,
	}, a.logger.Named("cache"))
}

// publisherOptions returns the event publisher option and a closer.  With
// events disabled nothing is published.
func (a *app) publisherOptions() ([]service.Option, func()) {
	if !a.cfg.AMQP.PublishEvents {
		return nil, func() {}
	}
	pub := queue.NewPublisher(a.cfg.AMQP.URL, a.logger.Named("events"),
		queue.WithDialTimeout(a.cfg.AMQP.DialTimeout),
		queue.WithRedialBackoff(a.cfg.AMQP.RedialBackoff))
	return []service.Option{service.WithPublisher(pub)}, func() { _ = pub.Close() }
}

func newServeCommand(a *app) *cobra.Command {
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and an expiry sweeper unless disabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return a.serve(ctx, !noSweeper)
		},
	}
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the expiry sweeper in this process")
	return cmd
}

func (a *app) serve(ctx context.Context, withSweeper bool) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := config.NewRedisClient(a.logger)
	if rdb != nil {
		defer rdb.Close()
	}
	store := repository.NewMySQLStore(db)
	c := a.newCache(rdb)
	opts, closePub := a.publisherOptions()
	defer closePub()

	svc := service.NewReservationService(store, c, a.cfg.Reservation, a.cfg.Cache, a.logger, opts...)
	sweeper := service.NewExpirySweeper(store, c, a.cfg.Sweeper, a.logger, opts...)
	if withSweeper {
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e)
	router.RegisterReservations(e, handler.NewReservationHandler(svc, a.logger), router.Guards{
		RateLimit:        a.cfg.RateLimit,
		Redis:            rdb,
		PaymentJWTSecret: a.cfg.PaymentJWTSecret,
		Logger:           a.logger,
	})
	router.RegisterInternal(e, sweeper)

	addr := ":" + a.cfg.Port
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server starting", zap.String("addr", addr), zap.String("env", a.cfg.Env))
		errCh <- e.Start(addr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newSweepCommand(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a standalone expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			rdb := config.NewRedisClient(a.logger)
			if rdb != nil {
				defer rdb.Close()
			}
			opts, closePub := a.publisherOptions()
			defer closePub()

			sweeper := service.NewExpirySweeper(repository.NewMySQLStore(db), a.newCache(rdb), a.cfg.Sweeper, a.logger, opts...)
			if once {
				n, err := sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d reservations\n", n)
				return nil
			}
			if err := sweeper.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			sweeper.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the capacity tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return database.Migrate(cmd.Context(), db, a.logger)
		},
	}
}

func newAuditCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Consume reservation events into the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			consumer := &queue.AuditConsumer{
				URL:    a.cfg.AMQP.URL,
				Dir:    a.cfg.AMQP.AuditLogDir,
				Logger: a.logger.Named("audit"),
			}
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
