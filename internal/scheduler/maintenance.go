package scheduler

import (
	"context"

	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
)

// SweepExpired is the only source of EXPIRED queue rows.
func (s *Scheduler) SweepExpired(ctx context.Context) ([]string, error) {
	expired, err := s.queue.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		s.log.Info("queue entries expired", "count", len(expired), "users", expired)
	}
	return expired, nil
}

// Reconcile brings the active-call registry back in line with live attempts.
//
// Behavior:
//   - boot=true first checks every live attempt against the session registry:
//     active sessions re-mark both users, ended or unknown ones are closed out.
//   - Every registry member must have a live attempt whose partner is also a
//     member. Otherwise both users are released and the call is ended.
//   - Users with a pair formation in flight are left alone.
func (s *Scheduler) Reconcile(ctx context.Context, boot bool) error {
	live, err := s.attempts.Live(ctx)
	if err != nil {
		return err
	}
	if boot {
		for i := range live {
			s.reconcileSession(ctx, &live[i])
		}
		if live, err = s.attempts.Live(ctx); err != nil {
			return err
		}
	}

	byUser := make(map[string]*db.MatchAttempt, 2*len(live))
	for i := range live {
		byUser[live[i].User1ID] = &live[i]
		byUser[live[i].User2ID] = &live[i]
	}
	members, err := s.active.Members(ctx)
	if err != nil {
		return err
	}
	inCall := make(map[string]bool, len(members))
	for _, m := range members {
		inCall[m] = true
	}

	for _, m := range members {
		if !inCall[m] || s.isInflight(m) {
			continue
		}
		attempt, ok := byUser[m]
		if ok && inCall[attempt.Partner(m)] {
			continue
		}

		s.metrics.InvariantViolation(ctx)
		release := []string{m}
		if ok {
			release = append(release, attempt.Partner(m))
		}
		s.log.Warn("active-call invariant violated, releasing users", "users", release)
		if err := s.active.Unmark(ctx, release...); err != nil {
			return err
		}
		for _, id := range release {
			inCall[id] = false
		}
		if ok {
			s.closeCall(ctx, attempt, eventbus.ReasonReconciled)
		}
	}
	return nil
}

func (s *Scheduler) reconcileSession(ctx context.Context, a *db.MatchAttempt) {
	sessionID := *a.SessionID
	sess, err := s.sessions.Get(ctx, sessionID)
	switch {
	case err == nil && sess.Active():
		if err := s.active.Mark(ctx, a.User1ID, a.User2ID); err != nil {
			s.log.Error("re-marking active call failed", "session_id", sessionID, "err", err)
		}
		return
	case err != nil && !svcErr.IsKind(err, svcErr.KindNotFound):
		s.log.Warn("session lookup failed, leaving attempt open", "session_id", sessionID, "err", err)
		return
	}

	s.log.Info("closing attempt for ended session", "session_id", sessionID, "attempt_id", a.ID)
	if _, err := s.attempts.EndSession(ctx, sessionID, db.AttemptExpired, s.now()); err != nil {
		s.log.Error("closing attempt failed", "session_id", sessionID, "err", err)
	}
	if err := s.active.Unmark(ctx, a.User1ID, a.User2ID); err != nil {
		s.log.Error("active-call unmark failed", "session_id", sessionID, "err", err)
	}
}

// closeCall ends the attempt's session everywhere and announces it.
func (s *Scheduler) closeCall(ctx context.Context, a *db.MatchAttempt, reason string) {
	sessionID := *a.SessionID
	s.endSession(ctx, sessionID, reason)
	if _, err := s.attempts.EndSession(ctx, sessionID, db.AttemptExpired, s.now()); err != nil {
		s.log.Error("closing attempt failed", "session_id", sessionID, "err", err)
	}
	evt := eventbus.CallEnded{SessionID: sessionID, Reason: reason, U1: a.User1ID, U2: a.User2ID, TS: s.now()}
	if err := s.bus.Publish(ctx, eventbus.TopicCallEnded, evt); err != nil {
		s.log.Warn("call.ended publish failed", "session_id", sessionID, "err", err)
	}
}
