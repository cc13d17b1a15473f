package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"calendar-sync-server/routes"
	"calendar-sync-server/services"
	"calendar-sync-server/storage"

	"github.com/kataras/iris/v12"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// redisLockTTL bounds how long a crashed holder can keep a property locked.
const redisLockTTL = 30 * time.Second

type appRuntime struct {
	db          *gorm.DB
	registry    *services.ChannelRegistry
	engine      *services.CalendarEngine
	dispatcher  *services.Dispatcher
	reconciler  *services.Reconciler
	connections *services.ConnectionService
}

// buildRuntime opens the store and wires every service from cfg.
func buildRuntime(ctx context.Context) (*appRuntime, error) {
	db, err := storage.InitializeDB(cfg.DBConnectionString)
	if err != nil {
		return nil, err
	}

	var locker storage.PropertyLocker
	switch cfg.LockBackend {
	case "redis":
		client, err := storage.InitializeRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		locker = storage.NewRedisLocker(client, cfg.LockTimeout, redisLockTTL, log)
	default:
		locker = storage.NewKeyedLocker(cfg.LockTimeout)
	}

	registry := services.BuildChannelRegistry(cfg.Channels, cfg.OutboxSendTimeout, log)
	engine := services.NewCalendarEngine(db, locker, services.EngineOptions{
		HorizonDays: cfg.CalendarHorizonDays,
		MaxAttempts: cfg.OutboxMaxAttempts,
	}, log)
	rt := &appRuntime{
		db:       db,
		registry: registry,
		engine:   engine,
		dispatcher: services.NewDispatcher(db, registry, services.DispatcherOptions{
			BatchSize:    cfg.OutboxBatchSize,
			PollInterval: cfg.OutboxPollInterval,
			BackoffBase:  cfg.OutboxBackoffBase,
			BackoffMax:   cfg.OutboxBackoffMax,
			LeaseTimeout: cfg.OutboxLeaseTimeout,
		}, log),
		reconciler: services.NewReconciler(db, engine, registry, services.NewReservationDirectory(db), services.ReconcilerOptions{
			LookaheadDays: cfg.ReconcileLookaheadDays,
			AutoHeal:      cfg.ReconcileAutoHeal,
			Interval:      cfg.ReconcileInterval,
		}, log),
		connections: services.NewConnectionService(db, locker, registry, cfg.OutboxMaxAttempts, log),
	}
	return rt, nil
}

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the outbox dispatcher and the reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.AccessTokenSecret == "" {
				return errors.New("ACCESS_TOKEN_SECRET is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}

			app := routes.NewApp(cfg.AccessTokenSecret,
				&routes.CalendarHandlers{Engine: rt.engine, Log: log},
				&routes.AdminChannelHandlers{
					DB:           rt.db,
					Connections:  rt.connections,
					Dispatcher:   rt.dispatcher,
					Reconciler:   rt.reconciler,
					Reservations: services.NewReservationDirectory(rt.db),
					Conflicts:    services.NewConflictService(rt.db),
					Registry:     rt.registry,
					Log:          log,
				}, log)

			g, ctx := errgroup.WithContext(ctx)
			addr := "0.0.0.0:" + cfg.Port
			g.Go(func() error {
				log.WithField("addr", addr).Info("server starting")
				err := app.Listen(addr, iris.WithoutInterruptHandler, iris.WithoutStartupLog)
				if err != nil && !errors.Is(err, iris.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return app.Shutdown(shutdownCtx)
			})
			if !noWorkers {
				g.Go(func() error { return rt.dispatcher.Run(ctx) })
				g.Go(func() error { return rt.reconciler.RunScheduler(ctx) })
			}

			err = g.Wait()
			rt.reconciler.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve HTTP only; run the dispatcher and scheduler elsewhere")
	return cmd
}
