package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/gateway"
	"github.com/oggyb/muzz-live/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		users      int
		reset      bool
		premium    int
		tokens     bool
	)
	flagSet := pflag.NewFlagSet("seed", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "YAML file applied over the environment")
	flagSet.IntVarP(&users, "users", "n", 20, "number of demo users")
	flagSet.BoolVar(&reset, "reset", false, "clear queue, preference and attempt tables first")
	flagSet.IntVar(&premium, "premium-every", 5, "mark every Nth demo user premium in redis (0 disables)")
	flagSet.BoolVar(&tokens, "tokens", false, "print a gateway bearer token per demo user")
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
	log := logger.InitFromConfig(cfg)
	ctx := context.Background()

	database, err := db.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	ids, err := db.SeedDemoData(ctx, database, db.SeedOptions{Users: users, Reset: reset}, log)
	if err != nil {
		return err
	}

	if premium > 0 {
		rc := cache.NewRedisCache(cfg)
		defer rc.Close()
		for i, id := range ids {
			if err := rc.SetPremium(ctx, id, (i+1)%premium == 0); err != nil {
				return fmt.Errorf("set premium for %s: %w", id, err)
			}
		}
	}

	if tokens {
		auth := gateway.NewAuthenticator(cfg.Gateway.JWTSecret)
		for _, id := range ids {
			token, err := auth.Sign(id, 24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", id, token)
		}
	}

	log.Info("seeding completed", "users", len(ids))
	return nil
}
