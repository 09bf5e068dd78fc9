// Package matchmaking is the application service behind the Queue Service
// REST and gRPC surfaces: joining and leaving the queue, ending or skipping
// calls, status and stats, preferences, discovery and suggestion matches.
package matchmaking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oggyb/muzz-live/internal/activecall"
	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clients"
	"github.com/oggyb/muzz-live/internal/clock"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/scoring"
	"github.com/oggyb/muzz-live/internal/service/preferences"
	"github.com/oggyb/muzz-live/internal/service/queue"
)

const (
	rejoinKeep     = "keep"
	statsWindowHrs = 24
)

// Matcher is the slice of the scheduler the service drives.
type Matcher interface {
	// Trigger asks for an immediate partner search for userID.
	Trigger(userID string)
	// Separate keeps two users from being paired again for a while.
	Separate(a, b string)
	// Pairing reports whether userID is inside an unfinished pair formation.
	Pairing(userID string) bool
}

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
	Matcher     Matcher
	// Engine defaults to one built from the matching config.
	Engine *scoring.Engine
	// Premium is optional; without it discovery scores carry no premium bonus.
	Premium PremiumChecker
}

// Service implements the queue API.
type Service struct {
	cfg      config.Config
	queue    *queue.Store
	prefs    *preferences.Store
	attempts *repository.AttemptRepository
	active   activecall.Registry
	sessions clients.SessionRegistry
	bus      eventbus.Bus
	matcher  Matcher
	engine   *scoring.Engine
	premium  PremiumChecker
	cache    *cache.RedisCache
	clock    clock.Clock
	log      *slog.Logger
}

// New creates a Service with dependencies from AppContext and deps.
func New(appCtx *app.AppContext, deps Deps) *Service {
	cfg := *appCtx.Config
	engine := deps.Engine
	if engine == nil {
		engine = scoring.NewEngine(cfg.Matching.Weights, cfg.Matching.PremiumBonus)
	}
	return &Service{
		cfg:      cfg,
		queue:    deps.Queue,
		prefs:    deps.Preferences,
		attempts: repository.NewAttemptRepository(appCtx.DB),
		active:   deps.ActiveCalls,
		sessions: deps.Sessions,
		bus:      deps.Bus,
		matcher:  deps.Matcher,
		engine:   engine,
		premium:  deps.Premium,
		cache:    appCtx.RedisCache,
		clock:    appCtx.Clock,
		log:      appCtx.Logger.With("component", "matchmaking"),
	}
}

// Join admits a user to the waiting queue.
//
// Behavior:
//   - intent and gender are upper-cased and must be enum members.
//   - A user in a live call, or being paired right now, gets a Conflict error.
//   - The check is repeated after the row is written; a join that raced a
//     pair formation withdraws its row and gets a Conflict.
//   - Preferences in the request are stored before the row is written.
//   - A user already WAITING keeps their row under REJOIN_POLICY=keep; under
//     replace the row is replaced and attempts carry over.
//   - An immediate partner search is triggered; the returned status is taken
//     right after admission.
//
// Example:
//
//	st, err := svc.Join(ctx, JoinRequest{UserID: "u1", Intent: "SERIOUS", Gender: "WOMAN"})
func (s *Service) Join(ctx context.Context, req JoinRequest) (*QueueStatus, error) {
	s.log.Debug("Join called", "user_id", req.UserID, "intent", req.Intent, "gender", req.Gender)

	req.UserID = strings.TrimSpace(req.UserID)
	req.Intent = strings.ToUpper(strings.TrimSpace(req.Intent))
	req.Gender = strings.ToUpper(strings.TrimSpace(req.Gender))
	if req.UserID == "" {
		return nil, svcErr.Validation("user_id is required")
	}
	if !preferences.ValidIntent(req.Intent) {
		return nil, svcErr.Validation("intent must be one of %v", preferences.Intents)
	}
	if !preferences.ValidGender(req.Gender) {
		return nil, svcErr.Validation("gender must be one of %v", preferences.Genders)
	}
	if req.Age != nil && *req.Age < 0 {
		return nil, svcErr.Validation("age must be non-negative")
	}
	if (req.Lat == nil) != (req.Lon == nil) {
		return nil, svcErr.Validation("lat and lon must be set together")
	}

	if err := s.ensureNotInCall(ctx, req.UserID); err != nil {
		return nil, err
	}

	if req.Preferences != nil {
		if _, err := s.prefs.Upsert(ctx, req.UserID, req.Preferences); err != nil {
			return nil, err
		}
	}

	entry := &db.QueueEntry{
		UserID:    req.UserID,
		Intent:    req.Intent,
		Gender:    req.Gender,
		Age:       req.Age,
		Lat:       req.Lat,
		Lon:       req.Lon,
		Interests: req.Interests,
		Languages: req.Languages,
		Ethnicity: req.Ethnicity,
	}
	cur, err := s.queue.Get(ctx, req.UserID)
	switch {
	case err == nil && s.cfg.Matching.RejoinPolicy == rejoinKeep:
		s.log.Debug("already waiting, keeping row", "user_id", req.UserID)
		return s.Status(ctx, req.UserID), nil
	case err == nil:
		entry.Attempts = cur.Attempts
		entry.LastAttemptAt = cur.LastAttemptAt
		entry.Priority = cur.Priority
	case !repository.IsNotFound(err):
		return nil, fmt.Errorf("join %s: %w", req.UserID, err)
	}

	if _, err := s.queue.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.ensureNotInCall(ctx, req.UserID); err != nil {
		if _, rmErr := s.queue.Remove(context.WithoutCancel(ctx), req.UserID); rmErr != nil {
			s.log.Error("withdrawing raced join failed", "user_id", req.UserID, "err", rmErr)
		}
		return nil, err
	}
	s.log.Info("user joined queue", "user_id", req.UserID, "intent", req.Intent, "replaced", cur != nil)

	if s.matcher != nil {
		s.matcher.Trigger(req.UserID)
	}
	return s.Status(ctx, req.UserID), nil
}

// ensureNotInCall returns a Conflict when userID holds ActiveCall membership
// or is being paired by the in-process scheduler.
func (s *Service) ensureNotInCall(ctx context.Context, userID string) error {
	inCall, err := s.active.Contains(ctx, userID)
	if err != nil {
		return svcErr.Transient("active call lookup", err)
	}
	if inCall || (s.matcher != nil && s.matcher.Pairing(userID)) {
		return svcErr.Conflict("user %s is in a live call", userID)
	}
	return nil
}

// Leave removes the user from the queue. Leaving while not waiting is not an error.
func (s *Service) Leave(ctx context.Context, userID string) (bool, error) {
	s.log.Debug("Leave called", "user_id", userID)
	if strings.TrimSpace(userID) == "" {
		return false, svcErr.Validation("user_id is required")
	}
	removed, err := s.queue.Remove(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("leave %s: %w", userID, err)
	}
	return removed, nil
}

// Status reports where the user stands. It never fails: lookup errors
// produce a status of ERROR with the user id still set.
//
// Behavior:
//   - WAITING → in_queue, 1-based position, attempts, entered_at, intent.
//   - In a live call → IN_CALL.
//   - Otherwise the status of the latest row (MATCHED, EXPIRED, REMOVED),
//     or NOT_IN_QUEUE for users with no history.
//
// Example:
//
//	st := svc.Status(ctx, "u1")
func (s *Service) Status(ctx context.Context, userID string) *QueueStatus {
	st := &QueueStatus{UserID: userID, Status: StatusNotInQueue}
	if strings.TrimSpace(userID) == "" {
		return s.statusError(st, svcErr.Validation("user_id is required"))
	}

	total, err := s.queue.WaitingCount(ctx)
	if err != nil {
		return s.statusError(st, err)
	}
	st.Total = total

	entry, err := s.queue.Get(ctx, userID)
	if err == nil {
		pos, found, err := s.queue.Position(ctx, userID)
		if err != nil {
			return s.statusError(st, err)
		}
		st.InQueue = found
		st.Status = db.StatusWaiting
		st.Position = pos
		st.EnteredAt = &entry.EnteredAt
		st.Attempts = entry.Attempts
		st.Intent = entry.Intent
		return st
	}
	if !repository.IsNotFound(err) {
		return s.statusError(st, err)
	}

	if last, err := s.queue.Latest(ctx, userID); err == nil {
		st.Status = last.Status
		st.Attempts = last.Attempts
		st.Intent = last.Intent
	} else if !repository.IsNotFound(err) {
		return s.statusError(st, err)
	}

	inCall, err := s.active.Contains(ctx, userID)
	if err != nil {
		return s.statusError(st, err)
	}
	if inCall {
		st.Status = StatusInCall
	}
	return st
}

func (s *Service) statusError(st *QueueStatus, err error) *QueueStatus {
	s.log.Warn("status lookup failed", "user_id", st.UserID, "err", err)
	st.InQueue = false
	st.Status = StatusError
	st.Error = err.Error()
	return st
}

// Stats summarizes the queue.
//
// Behavior:
//   - waiting, by_intent and by_gender come from the durable tier.
//   - matches_24h sums the hourly Redis counters and falls back to counting
//     ACCEPTED attempts when Redis is unavailable.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	s.log.Debug("Stats called")

	waiting, err := s.queue.WaitingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count waiting: %w", err)
	}
	byIntent, err := s.queue.CountBy(ctx, "intent")
	if err != nil {
		return nil, fmt.Errorf("count by intent: %w", err)
	}
	byGender, err := s.queue.CountBy(ctx, "gender")
	if err != nil {
		return nil, fmt.Errorf("count by gender: %w", err)
	}

	now := s.clock.Now().UTC()
	matches, err := s.matches24h(ctx, now)
	if err != nil {
		return nil, err
	}
	return &Stats{Waiting: waiting, ByIntent: byIntent, ByGender: byGender, Matches24h: matches}, nil
}

func (s *Service) matches24h(ctx context.Context, now time.Time) (int64, error) {
	if s.cache != nil {
		n, err := s.cache.SumMatchCounters(ctx, now, statsWindowHrs)
		if err == nil {
			return n, nil
		}
		s.log.Warn("match counters unavailable, counting attempts", "err", err)
	}
	n, err := s.attempts.CountAcceptedSince(ctx, now.Add(-statsWindowHrs*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("count accepted: %w", err)
	}
	return n, nil
}

// PutPreferences normalizes and stores preferences.
func (s *Service) PutPreferences(ctx context.Context, userID string, raw map[string]any) (*db.MatchingPreferences, error) {
	s.log.Debug("PutPreferences called", "user_id", userID)
	return s.prefs.Upsert(ctx, userID, raw)
}

// GetPreferences returns stored preferences or NotFound.
func (s *Service) GetPreferences(ctx context.Context, userID string) (*db.MatchingPreferences, error) {
	return s.prefs.Get(ctx, userID)
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}
