package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/oggyb/muzz-live/internal/clients"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/observability"
)

const fallbackName = "Someone"

// Run consumes pairing and call events until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, h.HandleEvent, eventbus.TopicPairFormed, eventbus.TopicCallEnded); err != nil {
		return err
	}
	h.log.Info("gateway subscribed", "topics", []string{eventbus.TopicPairFormed, eventbus.TopicCallEnded})
	<-ctx.Done()
	return nil
}

// HandleEvent applies one bus event. Replays are harmless.
func (h *Hub) HandleEvent(ctx context.Context, env eventbus.Envelope) {
	switch env.Topic {
	case eventbus.TopicPairFormed:
		ev, err := eventbus.Decode[eventbus.PairFormed](env)
		if err != nil {
			h.log.Warn("dropping malformed event", "topic", env.Topic, "error", err)
			return
		}
		h.fanout(ctx, ev)
	case eventbus.TopicCallEnded:
		ev, err := eventbus.Decode[eventbus.CallEnded](env)
		if err != nil {
			h.log.Warn("dropping malformed event", "topic", env.Topic, "error", err)
			return
		}
		h.callEnded(ev)
	}
}

// fanout delivers match:found to both users of a new pair.
//
// Behavior:
//   - at most one match:found per (session_id, user_id) while the call is
//     live and for deliveredTTL after it ends; older replays are delivered again
//   - both partner profiles are fetched concurrently under ProfileFetchTimeout
//   - a failed fetch still delivers, with partner_name "Someone" and no profile
func (h *Hub) fanout(ctx context.Context, ev eventbus.PairFormed) {
	ctx, span := observability.Tracer().Start(ctx, "gateway.fanout", trace.WithAttributes(
		attribute.String("session_id", ev.SessionID),
		attribute.String("room_id", ev.RoomID),
	))
	defer span.End()

	var fresh [][2]string
	for _, side := range [][2]string{{ev.U1, ev.U2}, {ev.U2, ev.U1}} {
		if h.markDelivered("found|"+ev.SessionID+"|"+side[0], ev.SessionID, deliveredHold) {
			fresh = append(fresh, side)
		}
	}
	if len(fresh) == 0 {
		span.AddEvent("replay dropped")
		return
	}

	h.alias(ev.RoomID, ev.SessionID)
	room, _ := h.canonical(ev.RoomID, ev.SessionID)
	h.mu.Lock()
	h.pairs[room] = [2]string{ev.U1, ev.U2}
	h.mu.Unlock()

	var g errgroup.Group
	for _, side := range fresh {
		self, partner := side[0], side[1]
		g.Go(func() error {
			h.matchFound(ctx, ev, self, partner)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) matchFound(ctx context.Context, ev eventbus.PairFormed, self, partner string) {
	data := map[string]any{
		"session_id":      ev.SessionID,
		"room_id":         ev.RoomID,
		"partner_id":      partner,
		"partner_name":    fallbackName,
		"partner_profile": nil,
		"score":           ev.Score,
		"ts":              ev.TS,
	}
	p, err := h.profile(ctx, partner)
	if err != nil {
		h.metrics.FanoutFallback(ctx)
		h.log.WarnContext(ctx, "partner profile unavailable, using fallback",
			"user_id", self, "partner_id", partner, "session_id", ev.SessionID, "error", err)
	} else {
		data["partner_profile"] = p
		if p.Name != "" {
			data["partner_name"] = p.Name
		}
	}
	h.emitUser(self, OutMatchFound, data)
}

func (h *Hub) profile(ctx context.Context, userID string) (*clients.Profile, error) {
	if h.users == nil {
		return nil, svcErr.Fatal("user store is not configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProfileFetchTimeout)
	defer cancel()
	return h.users.Profile(ctx, userID)
}

// callEnded clears the call's consent state; a skip is announced to the
// user who did not skip unless the socket path already did.
func (h *Hub) callEnded(ev eventbus.CallEnded) {
	room, session := h.canonical("", ev.SessionID)
	h.clearCall(room)

	users := []string{ev.U1, ev.U2}
	if ev.Reason != eventbus.ReasonSkipped {
		for _, u := range users {
			h.emitUser(u, OutCallEnded, map[string]any{"session_id": session, "room_id": room, "reason": ev.Reason})
		}
		return
	}
	for _, u := range users {
		if u == "" || u == ev.EndedBy {
			continue
		}
		if !h.markDelivered(skipKey(session, u), session, deliveredTTL) {
			continue
		}
		h.emitUser(u, OutMatchSkipped, map[string]any{
			"room_id":    room,
			"session_id": session,
			"by":         ev.EndedBy,
			"at":         ev.TS.Format(time.RFC3339),
		})
	}
}
