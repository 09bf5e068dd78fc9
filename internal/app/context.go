package app

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clock"
	"github.com/oggyb/muzz-live/internal/config"
)

// AppContext holds shared dependencies (DB, Redis, Logger, etc.)
type AppContext struct {
	Config     *config.Config
	DB         *gorm.DB
	RedisCache *cache.RedisCache
	Logger     *slog.Logger
	Clock      clock.Clock
}

// New creates a new AppContext. A nil logger discards; the clock defaults to real time.
func New(cfg *config.Config, db *gorm.DB, rdb *cache.RedisCache, logger *slog.Logger) *AppContext {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AppContext{
		Config:     cfg,
		DB:         db,
		RedisCache: rdb,
		Logger:     logger,
		Clock:      clock.Real(),
	}
}

// WithClock swaps the clock, used by tests to drive timers.
func (a *AppContext) WithClock(c clock.Clock) *AppContext {
	a.Clock = c
	return a
}
