package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/oggyb/muzz-live/internal/clients"
	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/observability"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/scoring"
	"github.com/oggyb/muzz-live/internal/service/queue"
)

// genderRank is the women-first processing order.
var genderRank = map[string]int{"WOMAN": 0, "NONBINARY": 1, "MAN": 2}

// MatchUser is the immediate-on-join driver: it pairs userID with the best
// same-intent peer if one scores at or above MIN_SCORE.
//
// Behavior:
//   - Users not WAITING, or in a live call, are ignored.
//   - Peers in a live call are never considered.
//   - No pair means no state change; attempts are only counted by the batch.
//
// Example:
//
//	paired, err := sched.MatchUser(ctx, "u1")
func (s *Scheduler) MatchUser(ctx context.Context, userID string) (bool, error) {
	self, err := s.queue.Get(ctx, userID)
	if repository.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if in, err := s.active.Contains(ctx, userID); err != nil || in {
		return false, err
	}

	peers, err := s.queue.Peers(ctx, self.Intent, userID)
	if err != nil {
		return false, err
	}
	pool := make([]db.QueueEntry, 0, len(peers))
	for _, p := range peers {
		in, err := s.active.Contains(ctx, p.UserID)
		if err != nil {
			return false, err
		}
		if in || s.coolingDown(userID, p.UserID) {
			continue
		}
		pool = append(pool, p)
	}
	if len(pool) == 0 {
		return false, nil
	}
	s.order(pool)

	in, err := s.inputs(ctx, append([]db.QueueEntry{*self}, pool...))
	if err != nil {
		return false, err
	}
	idx, score := s.engine.Best(in.candidate(self), in.candidates(pool), in.prefs, s.cfg.Matching.MinScore)
	if idx < 0 {
		return false, nil
	}
	if err := s.formPair(ctx, *self, pool[idx], score); err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Tick runs one periodic batch and returns the number of pairs formed.
//
// Behavior:
//   - Dequeues up to BATCH live WAITING rows and groups them by intent.
//   - Each intent group is matched on its own errgroup job.
//   - Users scored against at least one candidate that stay unpaired get attempts+1.
//   - Fewer than two candidates means no state change.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx, span := observability.Tracer().Start(ctx, "scheduler.tick")
	defer span.End()

	entries, err := s.queue.DequeueForMatch(ctx, s.cfg.Matching.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) < 2 {
		return 0, nil
	}

	in, err := s.inputs(ctx, entries)
	if err != nil {
		return 0, err
	}
	members, err := s.active.Members(ctx)
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool, len(members))
	for _, m := range members {
		active[m] = true
	}

	groups := map[string][]db.QueueEntry{}
	var intents []string
	for _, e := range entries {
		if _, ok := groups[e.Intent]; !ok {
			intents = append(intents, e.Intent)
		}
		groups[e.Intent] = append(groups[e.Intent], e)
	}

	var (
		mu       sync.Mutex
		formed   int
		unpaired []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, intent := range intents {
		group := groups[intent]
		g.Go(func() error {
			n, left := s.matchGroup(gctx, group, in, active)
			mu.Lock()
			formed += n
			unpaired = append(unpaired, left...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("candidates", len(entries)), attribute.Int("pairs", formed))
	if len(unpaired) > 0 {
		if err := s.queue.BumpAttempts(ctx, unpaired); err != nil {
			return formed, err
		}
	}
	if formed > 0 || len(unpaired) > 0 {
		s.log.InfoContext(ctx, "batch tick", "candidates", len(entries), "pairs", formed, "unpaired", len(unpaired))
	}
	return formed, nil
}

// matchGroup pairs one intent group in fairness order. It returns the number
// of pairs formed and the users that were scored but stayed unpaired.
func (s *Scheduler) matchGroup(ctx context.Context, group []db.QueueEntry, in *inputs, active map[string]bool) (int, []string) {
	s.order(group)

	done := map[string]bool{}
	scored := map[string]bool{}
	formed := 0
	for i := range group {
		self := &group[i]
		if done[self.UserID] || active[self.UserID] {
			continue
		}

		var pool []db.QueueEntry
		for _, c := range group[i+1:] {
			if done[c.UserID] || active[c.UserID] || s.coolingDown(self.UserID, c.UserID) {
				continue
			}
			pool = append(pool, c)
		}
		if len(pool) == 0 {
			continue
		}
		scored[self.UserID] = true
		for _, c := range pool {
			scored[c.UserID] = true
		}

		idx, score := s.engine.Best(in.candidate(self), in.candidates(pool), in.prefs, s.cfg.Matching.MinScore)
		if idx < 0 {
			continue
		}
		partner := pool[idx]
		// Whatever the outcome, neither user is reconsidered this tick:
		// a failed formation has already reverted (and counted) them.
		done[self.UserID], done[partner.UserID] = true, true
		if err := s.formPair(ctx, *self, partner, score); err == nil {
			formed++
		}
	}

	var unpaired []string
	for _, e := range group {
		if scored[e.UserID] && !done[e.UserID] {
			unpaired = append(unpaired, e.UserID)
		}
	}
	return formed, unpaired
}

// order sorts entries in place: women first when enabled, then priority,
// fewer attempts, earlier entered_at, user_id.
func (s *Scheduler) order(entries []db.QueueEntry) {
	womenFirst := s.cfg.Matching.WomenFirst
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if womenFirst {
			ra, rb := rankOf(a.Gender), rankOf(b.Gender)
			if ra != rb {
				return ra < rb
			}
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Attempts != b.Attempts {
			return a.Attempts < b.Attempts
		}
		if !a.EnteredAt.Equal(b.EnteredAt) {
			return a.EnteredAt.Before(b.EnteredAt)
		}
		return a.UserID < b.UserID
	})
}

func rankOf(gender string) int {
	if r, ok := genderRank[gender]; ok {
		return r
	}
	return len(genderRank)
}

// formPair runs the pair formation sequence with local compensation:
// claim rows → mark active → create session → record attempt → publish.
func (s *Scheduler) formPair(ctx context.Context, a, b db.QueueEntry, score scoring.MatchScore) (err error) {
	ctx, span := observability.Tracer().Start(ctx, "scheduler.form_pair", trace.WithAttributes(
		attribute.String("u1", a.UserID),
		attribute.String("u2", b.UserID),
		attribute.Float64("score", score.Total),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := s.log.With("u1", a.UserID, "u2", b.UserID, "score", score.Total)
	s.markInflight(a.UserID, b.UserID)
	defer s.clearInflight(a.UserID, b.UserID)

	if err := s.queue.ClaimPair(ctx, a.UserID, b.UserID); err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			log.Debug("claim lost, pair skipped")
			s.metrics.PairDropped(ctx, observability.ReasonClaimLost)
		}
		return err
	}
	claimed := []db.QueueEntry{a, b}

	if err := s.active.Mark(ctx, a.UserID, b.UserID); err != nil {
		log.Error("active-call mark failed", "err", err)
		s.undo(ctx, claimed, false, observability.ReasonStore)
		return err
	}

	sess, err := s.sessions.Create(ctx, a.UserID, b.UserID, clients.SessionVoice)
	if err != nil {
		reason := observability.ReasonSessionTransient
		if svcErr.IsKind(err, svcErr.KindFatal) {
			reason = observability.ReasonSessionFatal
			s.coolDown(a.UserID, b.UserID)
		}
		log.WarnContext(ctx, "session create failed, pair dropped", "reason", reason, "err", err)
		s.metrics.PairDropped(ctx, reason)
		s.undo(ctx, claimed, true, reason)
		return err
	}
	log = log.With("session_id", sess.ID, "room_id", sess.RoomID)

	now := s.now()
	if n, err := s.attempts.ExpireOpen(ctx, a.UserID, b.UserID, now); err != nil {
		log.Warn("expiring stale attempt failed", "err", err)
	} else if n > 0 {
		log.Info("stale open attempt expired")
	}
	attempt := &db.MatchAttempt{
		User1ID:   a.UserID,
		User2ID:   b.UserID,
		Status:    db.AttemptProposed,
		Source:    db.SourceQueue,
		SessionID: &sess.ID,
		RoomID:    &sess.RoomID,
	}
	score.ApplyTo(attempt)
	if err := s.attempts.Create(ctx, attempt); err != nil {
		log.Error("attempt insert failed, ending session", "err", err)
		s.endSession(ctx, sess.ID, eventbus.ReasonPublishFailed)
		s.metrics.PairDropped(ctx, observability.ReasonAttemptConflict)
		s.undo(ctx, claimed, false, observability.ReasonAttemptConflict)
		return err
	}

	evt := eventbus.PairFormed{
		U1:        a.UserID,
		U2:        b.UserID,
		SessionID: sess.ID,
		RoomID:    sess.RoomID,
		Score:     score.Total,
		TS:        now,
	}
	if err := s.publishWithRetry(ctx, eventbus.TopicPairFormed, evt); err != nil {
		log.Error("pair.formed undeliverable, ending session", "err", err)
		cctx := context.WithoutCancel(ctx)
		s.endSession(cctx, sess.ID, eventbus.ReasonPublishFailed)
		if err := s.attempts.Close(cctx, attempt.ID, db.AttemptExpired, s.now()); err != nil {
			log.Error("closing attempt failed", "attempt_id", attempt.ID, "err", err)
		}
		s.metrics.PairDropped(ctx, observability.ReasonPublishFailed)
		s.undo(ctx, claimed, false, observability.ReasonPublishFailed)
		return err
	}

	s.metrics.PairFormed(ctx, a.Intent)
	log.InfoContext(ctx, "pair formed", "attempt_id", attempt.ID)
	return nil
}

// undo reverts claimed rows to WAITING and releases the users from the
// active-call registry. It runs even if ctx was cancelled.
func (s *Scheduler) undo(ctx context.Context, claimed []db.QueueEntry, bumpAttempts bool, reason string) {
	ctx = context.WithoutCancel(ctx)
	ids := make([]string, 0, len(claimed))
	for _, e := range claimed {
		ids = append(ids, e.UserID)
	}
	if err := s.queue.Revert(ctx, claimed, bumpAttempts); err != nil {
		s.log.Error("revert to WAITING failed", "users", ids, "err", err)
	}
	if err := s.active.Unmark(ctx, ids...); err != nil {
		s.log.Error("active-call unmark failed", "users", ids, "err", err)
	}
	s.metrics.Compensated(ctx, reason)
}

func (s *Scheduler) endSession(ctx context.Context, sessionID, reason string) {
	if err := s.sessions.End(ctx, sessionID, reason); err != nil {
		s.log.Error("ending session failed", "session_id", sessionID, "reason", reason, "err", err)
	}
}

// publishWithRetry tries PUBLISH_RETRIES times with linear backoff.
func (s *Scheduler) publishWithRetry(ctx context.Context, topic string, payload any) error {
	tries := max(1, s.cfg.Matching.PublishRetries)
	var err error
	for i := 1; i <= tries; i++ {
		if err = s.bus.Publish(ctx, topic, payload); err == nil {
			return nil
		}
		s.log.Warn("publish failed", "topic", topic, "try", i, "of", tries, "err", err)
		if i == tries {
			break
		}
		t := time.NewTimer(s.backoff * time.Duration(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

// inputs carries the per-batch scoring inputs.
type inputs struct {
	prefs   scoring.PrefsLookup
	premium map[string]bool
}

func (s *Scheduler) inputs(ctx context.Context, entries []db.QueueEntry) (*inputs, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	byUser, err := s.prefs.ForScoring(ctx, ids)
	if err != nil {
		return nil, err
	}
	premium := map[string]bool{}
	if s.premium != nil {
		for _, id := range ids {
			ok, err := s.premium.IsPremium(ctx, id)
			if err != nil {
				s.log.Debug("premium lookup failed, treating as free tier", "user_id", id, "err", err)
				continue
			}
			premium[id] = ok
		}
	}
	return &inputs{
		prefs:   func(id string) *scoring.Preferences { return byUser[id] },
		premium: premium,
	}, nil
}

func (in *inputs) candidate(e *db.QueueEntry) scoring.Candidate {
	c := scoring.FromEntry(e)
	c.Premium = in.premium[e.UserID]
	return c
}

func (in *inputs) candidates(entries []db.QueueEntry) []scoring.Candidate {
	out := make([]scoring.Candidate, len(entries))
	for i := range entries {
		out[i] = in.candidate(&entries[i])
	}
	return out
}
