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

	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clients"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/gateway"
	"github.com/oggyb/muzz-live/internal/logger"
	"github.com/oggyb/muzz-live/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "YAML file applied over the environment")
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
	if cfg.Log.Component == "matchmaker" {
		cfg.Log.Component = "gateway"
	}
	log := logger.InitFromConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitTracing(ctx, cfg, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisCache.Close()

	bus := eventbus.NewRedisBus(redisCache.Client, cfg.Redis.Channel, log)
	auth := gateway.NewAuthenticator(cfg.Gateway.JWTSecret)
	sio := gateway.NewSocketIO(auth, log)
	hub := gateway.New(gateway.Config{
		HeartTimeout:        cfg.Consent.HeartTimeout,
		ProfileFetchTimeout: cfg.Deps.ProfileFetchTimeout,
		EventsPerMinute:     cfg.RateLimit.PerMinute,
	}, gateway.Deps{
		Transport:     sio,
		Bus:           bus,
		Users:         clients.NewUserStore(cfg.Deps.UserStoreURL, nil, log),
		Conversations: clients.NewConversationStore(cfg.Deps.ConversationStoreURL, nil, log),
		Messages:      clients.NewMessageService(cfg.Deps.MessageServiceURL, nil, log),
		Metrics:       observability.MustMetrics(),
		Logger:        log,
	})
	sio.Bind(hub)

	httpSrv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           gateway.NewHTTPHandler(sio, cfg.Gateway.AllowedOrigins, redisCache.Ping),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return sio.Serve(ctx) })
	g.Go(func() error {
		log.Info("starting gateway", "addr", cfg.Gateway.Addr)
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
	log.Info("gateway stopped", "err", err)
	return err
}
