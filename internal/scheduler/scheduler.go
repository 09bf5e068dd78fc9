// Package scheduler runs the pairing loops: immediate-on-join matching, the
// periodic batch, the expiry sweeper and the active-call reconciler. It also
// consumes match.accepted and call.ended to keep attempts and the active-call
// registry in step with the rest of the system.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oggyb/muzz-live/internal/activecall"
	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clients"
	"github.com/oggyb/muzz-live/internal/clock"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/observability"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/scoring"
	"github.com/oggyb/muzz-live/internal/service/preferences"
	"github.com/oggyb/muzz-live/internal/service/queue"
)

const (
	joinBuffer            = 256
	defaultPublishBackoff = 200 * time.Millisecond
)

// PremiumChecker reports whether a user is on the premium tier.
type PremiumChecker interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// Deps are the collaborators that are not part of AppContext.
type Deps struct {
	Queue       *queue.Store
	Preferences *preferences.Store
	ActiveCalls activecall.Registry
	Sessions    clients.SessionRegistry
	Bus         eventbus.Bus
	Metrics     *observability.Metrics
	// Premium is optional; without it nobody gets the premium bonus.
	Premium PremiumChecker
	// PublishBackoff is the base delay between pair.formed publish retries.
	PublishBackoff time.Duration
}

// Scheduler forms pairs out of the waiting queue.
type Scheduler struct {
	cfg        config.Config
	queue      *queue.Store
	prefs      *preferences.Store
	attempts   *repository.AttemptRepository
	active     activecall.Registry
	sessions   clients.SessionRegistry
	bus        eventbus.Bus
	premium    PremiumChecker
	cache      *cache.RedisCache
	engine     *scoring.Engine
	metrics    *observability.Metrics
	clock      clock.Clock
	log        *slog.Logger
	backoff    time.Duration
	joins      chan string
	inflightMu sync.Mutex
	inflight   map[string]struct{}
	cooldownMu sync.Mutex
	cooldown   map[string]time.Time
}

// New builds a scheduler from AppContext and deps.
func New(appCtx *app.AppContext, deps Deps) *Scheduler {
	cfg := *appCtx.Config
	backoff := deps.PublishBackoff
	if backoff <= 0 {
		backoff = defaultPublishBackoff
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.MustMetrics()
	}
	return &Scheduler{
		cfg:      cfg,
		queue:    deps.Queue,
		prefs:    deps.Preferences,
		attempts: repository.NewAttemptRepository(appCtx.DB),
		active:   deps.ActiveCalls,
		sessions: deps.Sessions,
		bus:      deps.Bus,
		premium:  deps.Premium,
		cache:    appCtx.RedisCache,
		engine:   scoring.NewEngine(cfg.Matching.Weights, cfg.Matching.PremiumBonus),
		metrics:  metrics,
		clock:    appCtx.Clock,
		log:      appCtx.Logger.With("component", "scheduler"),
		backoff:  backoff,
		joins:    make(chan string, joinBuffer),
		inflight: map[string]struct{}{},
		cooldown: map[string]time.Time{},
	}
}

// Engine exposes the scoring engine so other services score the same way.
func (s *Scheduler) Engine() *scoring.Engine { return s.engine }

// Trigger asks the immediate-on-join worker to look for a partner for userID.
// It never blocks; when the buffer is full the batch tick picks the user up.
func (s *Scheduler) Trigger(userID string) {
	select {
	case s.joins <- userID:
	default:
		s.log.Warn("join trigger dropped, buffer full", "user_id", userID)
	}
}

// Run reconciles once, subscribes to the bus and then drives every loop until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx, true); err != nil {
		s.log.Error("boot reconcile failed", "err", err)
	}
	if err := s.bus.Subscribe(ctx, s.HandleEvent, eventbus.TopicMatchAccepted, eventbus.TopicCallEnded); err != nil {
		return err
	}

	m := s.cfg.Matching
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.joinWorker(ctx); return nil })
	g.Go(func() error {
		s.every(ctx, "batch", m.SchedInterval, func(ctx context.Context) error {
			_, err := s.Tick(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, "expiry", m.ExpiryInterval, func(ctx context.Context) error {
			_, err := s.SweepExpired(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, "reconcile", m.ReconcileInterval, func(ctx context.Context) error {
			return s.Reconcile(ctx, false)
		})
		return nil
	})

	s.log.Info("scheduler started",
		"batch", m.BatchSize, "t_sched", m.SchedInterval, "t_expiry", m.ExpiryInterval,
		"t_reconcile", m.ReconcileInterval, "women_first", m.WomenFirst)
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

func (s *Scheduler) joinWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-s.joins:
			if _, err := s.MatchUser(ctx, userID); err != nil && ctx.Err() == nil {
				s.log.Warn("immediate match failed", "user_id", userID, "err", err)
			}
		}
	}
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		s.log.Warn("loop disabled", "loop", name)
		return
	}
	t := s.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("loop iteration failed", "loop", name, "err", err)
			}
		}
	}
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// markInflight reserves users for a pair formation in progress so the
// reconciler does not clear them mid-way.
func (s *Scheduler) markInflight(ids ...string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, id := range ids {
		s.inflight[id] = struct{}{}
	}
}

func (s *Scheduler) clearInflight(ids ...string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, id := range ids {
		delete(s.inflight, id)
	}
}

// Pairing reports whether userID is part of a pair formation that has not
// finished yet.
func (s *Scheduler) Pairing(userID string) bool {
	return s.isInflight(userID)
}

func (s *Scheduler) isInflight(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// coolDown keeps a pair apart until the next batch after a fatal registry refusal.
func (s *Scheduler) coolDown(a, b string) {
	s.separate(a, b, s.cfg.Matching.SchedInterval)
}

// Separate keeps two users from being paired again while they wait in the
// queue, e.g. after one skipped the other.
func (s *Scheduler) Separate(a, b string) {
	s.separate(a, b, s.cfg.Matching.QueueTTL)
}

func (s *Scheduler) separate(a, b string, d time.Duration) {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	s.cooldown[db.PairKey(a, b)] = s.clock.Now().Add(d)
}

func (s *Scheduler) coolingDown(a, b string) bool {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	key := db.PairKey(a, b)
	until, ok := s.cooldown[key]
	if !ok {
		return false
	}
	if !s.clock.Now().Before(until) {
		delete(s.cooldown, key)
		return false
	}
	return true
}
