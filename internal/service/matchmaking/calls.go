package matchmaking

import (
	"context"
	"fmt"
	"strings"

	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/repository"
)

// Skip ends the user's live call and puts both participants back in the queue.
//
// Behavior:
//   - The call is located by session_id when given, else by the user's live attempt.
//   - The session is ended in the registry first; a registry failure aborts
//     with nothing else changed.
//   - Both users leave the active-call registry, the attempt becomes REJECTED
//     (ACCEPTED attempts keep their status) and both rows return to WAITING
//     with attempts preserved.
//   - The two users are kept apart for a while so the next tick does not
//     pair them again.
//   - call.ended{reason=skipped} is published for the gateway.
//
// Example:
//
//	res, err := svc.Skip(ctx, "u1", "")
func (s *Service) Skip(ctx context.Context, userID, sessionID string) (*CallResult, error) {
	s.log.Debug("Skip called", "user_id", userID, "session_id", sessionID)
	return s.endCall(ctx, userID, sessionID, eventbus.ReasonSkipped, db.AttemptRejected, true)
}

// End ends the user's live call without requeueing anyone.
//
// Behavior:
//   - Same as Skip up to the queue: the attempt becomes EXPIRED unless
//     ACCEPTED and nobody is requeued.
//   - call.ended{reason=ended} is published.
func (s *Service) End(ctx context.Context, userID, sessionID string) (*CallResult, error) {
	s.log.Debug("End called", "user_id", userID, "session_id", sessionID)
	return s.endCall(ctx, userID, sessionID, eventbus.ReasonEnded, db.AttemptExpired, false)
}

func (s *Service) endCall(ctx context.Context, userID, sessionID, reason, closeAs string, requeue bool) (*CallResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, svcErr.Validation("user_id is required")
	}
	attempt, err := s.findCall(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	partner := attempt.Partner(userID)
	sessionID = *attempt.SessionID
	log := s.log.With("user_id", userID, "partner_id", partner, "session_id", sessionID, "reason", reason)

	if err := s.sessions.End(ctx, sessionID, reason); err != nil {
		log.Warn("session end failed", "err", err)
		return nil, err
	}

	// the session is gone; finish the bookkeeping even if the caller hangs up
	ctx = context.WithoutCancel(ctx)

	if _, err := s.attempts.EndSession(ctx, sessionID, closeAs, s.now()); err != nil {
		return nil, fmt.Errorf("close attempt: %w", err)
	}
	if err := s.active.Unmark(ctx, userID, partner); err != nil {
		log.Warn("active call unmark failed; reconciler will clear it", "err", err)
	}

	res := &CallResult{SessionID: sessionID, PartnerID: partner}
	if requeue {
		if s.matcher != nil {
			s.matcher.Separate(userID, partner)
		}
		res.Requeued = true
		for _, id := range []string{userID, partner} {
			if _, err := s.queue.Requeue(ctx, id); err != nil {
				log.Warn("requeue failed", "requeue_user", id, "err", err)
				res.Requeued = false
				continue
			}
			if s.matcher != nil {
				s.matcher.Trigger(id)
			}
		}
	}

	ev := eventbus.CallEnded{
		SessionID: sessionID,
		Reason:    reason,
		U1:        attempt.User1ID,
		U2:        attempt.User2ID,
		EndedBy:   userID,
		TS:        s.now(),
	}
	if err := s.bus.Publish(ctx, eventbus.TopicCallEnded, ev); err != nil {
		log.Warn("call.ended publish failed", "err", err)
	}
	log.Info("call ended", "requeued", res.Requeued)
	return res, nil
}

// findCall resolves the live attempt the user wants to end.
func (s *Service) findCall(ctx context.Context, userID, sessionID string) (*db.MatchAttempt, error) {
	var (
		attempt *db.MatchAttempt
		err     error
	)
	if sessionID != "" {
		attempt, err = s.attempts.BySession(ctx, sessionID)
	} else {
		attempt, err = s.attempts.LiveForUser(ctx, userID)
	}
	if repository.IsNotFound(err) {
		return nil, svcErr.NotFound("no live call for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("find call: %w", err)
	}
	if attempt.Partner(userID) == "" {
		return nil, svcErr.Forbidden("user %s is not in session %s", userID, sessionID)
	}
	if !attempt.Live() {
		return nil, svcErr.NotFound("no live call for user %s", userID)
	}
	return attempt, nil
}
