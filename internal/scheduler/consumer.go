package scheduler

import (
	"context"
	"fmt"

	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/repository"
)

// HandleEvent consumes match.accepted and call.ended. Both handlers are
// idempotent on session_id, so redelivery is harmless.
func (s *Scheduler) HandleEvent(ctx context.Context, env eventbus.Envelope) {
	var err error
	switch env.Topic {
	case eventbus.TopicMatchAccepted:
		err = s.onMatchAccepted(ctx, env)
	case eventbus.TopicCallEnded:
		err = s.onCallEnded(ctx, env)
	default:
		return
	}
	if err != nil {
		s.log.Warn("event handling failed", "topic", env.Topic, "event_id", env.ID, "err", err)
	}
}

func (s *Scheduler) onMatchAccepted(ctx context.Context, env eventbus.Envelope) error {
	evt, err := eventbus.Decode[eventbus.MatchAccepted](env)
	if err != nil {
		return err
	}

	var attempt *db.MatchAttempt
	if evt.SessionID != "" {
		attempt, err = s.attempts.BySession(ctx, evt.SessionID)
	} else {
		attempt, err = s.attempts.FindOpen(ctx, evt.U1, evt.U2)
	}
	if repository.IsNotFound(err) {
		s.log.Debug("match.accepted without attempt", "session_id", evt.SessionID, "u1", evt.U1, "u2", evt.U2)
		return nil
	}
	if err != nil {
		return err
	}

	changed, err := s.attempts.Accept(ctx, attempt.ID, s.now())
	if err != nil {
		return fmt.Errorf("accept attempt %s: %w", attempt.ID, err)
	}
	if !changed {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.IncrMatchCounter(ctx, s.now()); err != nil {
			s.log.Warn("match counter bump failed", "err", err)
		}
	}
	s.log.Info("match accepted", "attempt_id", attempt.ID, "session_id", evt.SessionID)
	return nil
}

func (s *Scheduler) onCallEnded(ctx context.Context, env eventbus.Envelope) error {
	evt, err := eventbus.Decode[eventbus.CallEnded](env)
	if err != nil {
		return err
	}
	if evt.SessionID == "" {
		return fmt.Errorf("call.ended without session_id")
	}

	users := []string{evt.U1, evt.U2}
	if evt.U1 == "" || evt.U2 == "" {
		attempt, err := s.attempts.BySession(ctx, evt.SessionID)
		if err != nil && !repository.IsNotFound(err) {
			return err
		}
		if attempt != nil {
			users = []string{attempt.User1ID, attempt.User2ID}
		}
	}

	if _, err := s.attempts.EndSession(ctx, evt.SessionID, db.AttemptExpired, s.now()); err != nil {
		return err
	}

	// A user may already be in a newer call; only release those whose live
	// attempt (if any) is not someone else's session.
	var release []string
	for _, id := range users {
		if id == "" {
			continue
		}
		live, err := s.attempts.LiveForUser(ctx, id)
		if err != nil && !repository.IsNotFound(err) {
			return err
		}
		if live != nil && live.SessionID != nil && *live.SessionID != evt.SessionID {
			continue
		}
		release = append(release, id)
	}
	if len(release) > 0 {
		if err := s.active.Unmark(ctx, release...); err != nil {
			return err
		}
	}
	s.log.Info("call ended", "session_id", evt.SessionID, "reason", evt.Reason, "released", release)
	return nil
}
