package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/oggyb/muzz-live/internal/activecall"
	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clients"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/httpapi"
	"github.com/oggyb/muzz-live/internal/logger"
	"github.com/oggyb/muzz-live/internal/observability"
	"github.com/oggyb/muzz-live/internal/scheduler"
	"github.com/oggyb/muzz-live/internal/server"
	"github.com/oggyb/muzz-live/internal/service/matchmaking"
	"github.com/oggyb/muzz-live/internal/service/preferences"
	"github.com/oggyb/muzz-live/internal/service/queue"
	"github.com/oggyb/muzz-live/internal/service/queuerpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var seed bool
	flagSet := pflag.NewFlagSet("matchmaker", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "YAML file applied over the environment")
	flagSet.BoolVar(&seed, "seed", false, "seed demo queue data before serving (development only)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Init logger (global singleton)
	log := logger.InitFromConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitTracing(ctx, cfg, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	database, err := db.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}

	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisCache.Close()

	appCtx := app.New(cfg, database, redisCache, log)

	if seed && cfg.App.ENV == "development" {
		if _, err := db.SeedDemoData(ctx, database, db.SeedOptions{Users: 20}, log); err != nil {
			log.Error("failed to seed", "err", err)
		}
	}

	bus := eventbus.NewRedisBus(redisCache.Client, cfg.Redis.Channel, log)
	sessions := clients.NewSessionRegistry(cfg.Deps.SessionRegistryURL, cfg.Deps.SessionCreateTimeout, nil, log)
	queueStore := queue.NewStore(appCtx)
	prefStore := preferences.NewStore(appCtx)
	active := activecall.New(cfg.Matching.ActiveCallStore, redisCache)
	metrics := observability.MustMetrics()

	sched := scheduler.New(appCtx, scheduler.Deps{
		Queue:       queueStore,
		Preferences: prefStore,
		ActiveCalls: active,
		Sessions:    sessions,
		Bus:         bus,
		Metrics:     metrics,
		Premium:     redisCache,
	})
	svc := matchmaking.New(appCtx, matchmaking.Deps{
		Queue:       queueStore,
		Preferences: prefStore,
		ActiveCalls: active,
		Sessions:    sessions,
		Bus:         bus,
		Matcher:     sched,
		Engine:      sched.Engine(),
		Premium:     redisCache,
	})

	pingDB := func(ctx context.Context) error {
		sqlDB, err := database.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}

	router := httpapi.NewRouter(svc, httpapi.Options{
		ServiceName:    cfg.Otel.ServiceName,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RatePerMinute:  cfg.RateLimit.PerMinute,
		Checks:         map[string]httpapi.HealthCheck{"db": pingDB, "redis": redisCache.Ping},
		Logger:         log,
	})
	httpSrv := httpapi.NewServer(cfg.HTTP.Addr, router)

	grpcSrv := server.NewGRPCServer(log,
		map[string]server.Check{"db": pingDB, "redis": redisCache.Ping},
		queuerpc.NewRegistrar(queuerpc.NewService(appCtx, svc)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		log.Info("starting gRPC server", "addr", cfg.GRPC.Host+":"+cfg.GRPC.Port)
		return server.StartGRPCServer(ctx, cfg, grpcSrv)
	})
	g.Go(func() error {
		log.Info("starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("matchmaker stopped", "err", err)
	return err
}
