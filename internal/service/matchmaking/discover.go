package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/scoring"
	"github.com/oggyb/muzz-live/internal/service/preferences"
	"github.com/oggyb/muzz-live/internal/utils/pagination"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Discover lists waiting users ranked by compatibility with userID. It
// scores exactly like the scheduler but never pairs anyone.
//
// Behavior:
//   - The caller's profile is their current queue row, else their latest one;
//     users who never joined get NotFound.
//   - preferences in the request override the stored ones for this call only.
//   - Users in a live call and the caller are excluded.
//   - min_compat defaults to DISCOVER_MIN_SCORE; limit defaults to 20, max 100.
//   - total_candidates counts every candidate at or above min_compat.
//
// Example:
//
//	res, err := svc.Discover(ctx, DiscoverRequest{UserID: "u1", Limit: 10})
func (s *Service) Discover(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error) {
	s.log.Debug("Discover called", "user_id", req.UserID, "limit", req.Limit)

	if strings.TrimSpace(req.UserID) == "" {
		return nil, svcErr.Validation("user_id is required")
	}
	limit := clampLimit(req.Limit)
	minCompat := s.cfg.Matching.DiscoverMinScore
	if req.MinCompat != nil {
		if *req.MinCompat < 0 || *req.MinCompat > 1 {
			return nil, svcErr.Validation("min_compat must be within [0, 1]")
		}
		minCompat = *req.MinCompat
	}

	self, err := s.profile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, svcErr.NotFound("user %s has never joined the queue", req.UserID)
	}

	var override *scoring.Preferences
	if req.Preferences != nil {
		p, err := preferences.Normalize(req.UserID, req.Preferences)
		if err != nil {
			return nil, err
		}
		override = scoring.FromModel(p)
	}

	waiting, err := s.queue.Waiting(ctx)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	pool := make([]db.QueueEntry, 0, len(waiting))
	for _, e := range waiting {
		if e.UserID == req.UserID {
			continue
		}
		inCall, err := s.active.Contains(ctx, e.UserID)
		if err != nil {
			return nil, svcErr.Transient("active call lookup", err)
		}
		if !inCall {
			pool = append(pool, e)
		}
	}
	if len(pool) == 0 {
		return &DiscoverResult{Profiles: []DiscoverProfile{}}, nil
	}

	ids := make([]string, 0, len(pool)+1)
	ids = append(ids, req.UserID)
	for _, e := range pool {
		ids = append(ids, e.UserID)
	}
	byUser, err := s.prefs.ForScoring(ctx, ids)
	if err != nil {
		return nil, err
	}
	if override != nil {
		byUser[req.UserID] = override
	}

	selfCand := scoring.FromEntry(self)
	selfCand.Premium = s.isPremium(ctx, req.UserID)
	cands := make([]scoring.Candidate, len(pool))
	for i := range pool {
		cands[i] = scoring.FromEntry(&pool[i])
		cands[i].Premium = s.isPremium(ctx, pool[i].UserID)
	}

	ranked := s.engine.Rank(selfCand, cands, func(id string) *scoring.Preferences { return byUser[id] }, minCompat)
	res := &DiscoverResult{Profiles: make([]DiscoverProfile, 0, min(limit, len(ranked))), TotalCandidates: len(ranked)}
	for _, r := range ranked {
		if len(res.Profiles) == limit {
			break
		}
		res.Profiles = append(res.Profiles, DiscoverProfile{
			UserID: r.Candidate.UserID,
			Intent: r.Candidate.Intent,
			Gender: r.Candidate.Gender,
			Age:    r.Candidate.Age,
			Score:  r.Score,
		})
	}
	return res, nil
}

// CreateFromSuggestion records that userID wants to match targetID outside the queue.
//
// Behavior:
//   - No open attempt → a PROPOSED SUGGESTION attempt from userID to targetID.
//   - The caller's own open suggestion → returned unchanged.
//   - An open suggestion from targetID → promoted to ACCEPTED,
//     match.accepted is published (no session) and the match counter bumped.
//   - An open queue attempt (the two are in a call) → Conflict.
//   - A concurrent insert of the same pair is retried once.
//
// Example:
//
//	res, err := svc.CreateFromSuggestion(ctx, "u1", "u2")
func (s *Service) CreateFromSuggestion(ctx context.Context, userID, targetID string) (*SuggestionResult, error) {
	s.log.Debug("CreateFromSuggestion called", "user_id", userID, "target_user_id", targetID)

	userID, targetID = strings.TrimSpace(userID), strings.TrimSpace(targetID)
	if userID == "" || targetID == "" {
		return nil, svcErr.Validation("user_id and target_user_id are required")
	}
	if userID == targetID {
		return nil, svcErr.Validation("cannot match with yourself")
	}

	for try := 0; ; try++ {
		res, err := s.suggest(ctx, userID, targetID)
		if errors.Is(err, gorm.ErrDuplicatedKey) && try == 0 {
			s.log.Debug("concurrent suggestion, retrying", "user_id", userID, "target_user_id", targetID)
			continue
		}
		return res, err
	}
}

func (s *Service) suggest(ctx context.Context, userID, targetID string) (*SuggestionResult, error) {
	open, err := s.attempts.FindOpen(ctx, userID, targetID)
	switch {
	case err == nil:
		return s.resolveOpen(ctx, open, userID)
	case !repository.IsNotFound(err):
		return nil, fmt.Errorf("find open attempt: %w", err)
	}

	a, b, err := s.pairProfiles(ctx, userID, targetID)
	if err != nil {
		return nil, err
	}
	byUser, err := s.prefs.ForScoring(ctx, []string{userID, targetID})
	if err != nil {
		return nil, err
	}
	score := s.engine.Score(a, b, byUser[userID], byUser[targetID])

	attempt := &db.MatchAttempt{
		User1ID: userID,
		User2ID: targetID,
		Source:  db.SourceSuggestion,
		Status:  db.AttemptProposed,
	}
	score.ApplyTo(attempt)
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return nil, err
	}
	s.log.Info("suggestion proposed", "attempt_id", attempt.ID, "user_id", userID,
		"target_user_id", targetID, "score", score.Total)
	return &SuggestionResult{AttemptID: attempt.ID, Status: attempt.Status, TotalScore: attempt.TotalScore}, nil
}

func (s *Service) resolveOpen(ctx context.Context, open *db.MatchAttempt, userID string) (*SuggestionResult, error) {
	if open.Source != db.SourceSuggestion {
		return nil, svcErr.Conflict("users %s and %s already have an open match attempt", open.User1ID, open.User2ID)
	}
	res := &SuggestionResult{AttemptID: open.ID, Status: open.Status, TotalScore: open.TotalScore}
	if open.User1ID == userID {
		return res, nil
	}

	now := s.now()
	changed, err := s.attempts.Accept(ctx, open.ID, now)
	if err != nil {
		return nil, fmt.Errorf("accept suggestion: %w", err)
	}
	res.Status = db.AttemptAccepted
	res.Mutual = true
	if !changed {
		return res, nil
	}

	ev := eventbus.MatchAccepted{U1: open.User1ID, U2: open.User2ID, TS: now}
	if err := s.bus.Publish(ctx, eventbus.TopicMatchAccepted, ev); err != nil {
		s.log.Warn("match.accepted publish failed", "attempt_id", open.ID, "err", err)
	}
	if s.cache != nil {
		if err := s.cache.IncrMatchCounter(ctx, now); err != nil {
			s.log.Warn("match counter increment failed", "err", err)
		}
	}
	s.log.Info("suggestion accepted", "attempt_id", open.ID, "u1", open.User1ID, "u2", open.User2ID)
	return res, nil
}

// ListMatches pages through the user's ACCEPTED attempts, newest first.
func (s *Service) ListMatches(ctx context.Context, userID string, cursor *string, limit int) (*MatchPage, error) {
	s.log.Debug("ListMatches called", "user_id", userID, "limit", limit)
	if strings.TrimSpace(userID) == "" {
		return nil, svcErr.Validation("user_id is required")
	}
	if cursor != nil {
		if _, err := pagination.Decode(*cursor); err != nil {
			return nil, err
		}
	}
	rows, next, err := s.attempts.ListAccepted(ctx, userID, cursor, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	page := &MatchPage{Matches: make([]Match, 0, len(rows)), NextCursor: next}
	for _, r := range rows {
		m := Match{
			AttemptID:  r.ID,
			PartnerID:  r.Partner(userID),
			Source:     r.Source,
			SessionID:  r.SessionID,
			TotalScore: r.TotalScore,
		}
		if r.AcceptedAt != nil {
			m.AcceptedAt = *r.AcceptedAt
		}
		page.Matches = append(page.Matches, m)
	}
	return page, nil
}

// profile returns the user's WAITING row, else their latest row, else nil.
func (s *Service) profile(ctx context.Context, userID string) (*db.QueueEntry, error) {
	e, err := s.queue.Get(ctx, userID)
	if err == nil {
		return e, nil
	}
	if !repository.IsNotFound(err) {
		return nil, err
	}
	e, err = s.queue.Latest(ctx, userID)
	if repository.IsNotFound(err) {
		return nil, nil
	}
	return e, err
}

// pairProfiles builds scoring candidates; users without a queue history score
// on preferences alone.
func (s *Service) pairProfiles(ctx context.Context, a, b string) (scoring.Candidate, scoring.Candidate, error) {
	out := [2]scoring.Candidate{}
	for i, id := range []string{a, b} {
		e, err := s.profile(ctx, id)
		if err != nil {
			return scoring.Candidate{}, scoring.Candidate{}, err
		}
		if e != nil {
			out[i] = scoring.FromEntry(e)
		} else {
			out[i] = scoring.Candidate{UserID: id}
		}
		out[i].Premium = s.isPremium(ctx, id)
	}
	return out[0], out[1], nil
}

func (s *Service) isPremium(ctx context.Context, userID string) bool {
	if s.premium == nil {
		return false
	}
	ok, err := s.premium.IsPremium(ctx, userID)
	if err != nil {
		s.log.Debug("premium lookup failed", "user_id", userID, "err", err)
		return false
	}
	return ok
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}
