package gateway

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
)

func (h *Hub) routes() map[string]eventHandler {
	return map[string]eventHandler{
		EvJoinConversation:  h.onJoinConversation,
		EvLeaveConversation: h.onLeaveConversation,
		EvTypingStart:       h.onTyping(OutTypingStart),
		EvTypingStop:        h.onTyping(OutTypingStop),
		EvSendMessage:       h.onSendMessage,
		EvCallRequest:       h.onCallRequest,
		EvCallResponse:      h.onCallResponse,
		EvCallJoin:          h.onCallJoin,
		EvHeartRequest:      h.onHeartRequest,
		EvHeartAccept:       h.onHeartAccept,
		EvHeartDecline:      h.onHeartDecline,
		EvVideoRequest:      h.onVideoRequest,
		EvVideoAccept:       h.onVideoAnswer(OutVideoAccepted),
		EvVideoDecline:      h.onVideoAnswer(OutVideoDeclined),
		EvVideoCancel:       h.onVideoCancel,
		EvWebRTCOffer:       h.onSDP(EvWebRTCOffer, webrtc.SDPTypeOffer),
		EvWebRTCAnswer:      h.onSDP(EvWebRTCAnswer, webrtc.SDPTypeAnswer),
		EvWebRTCICE:         h.onICE,
		EvMatchUnmatch:      h.onMatchEnd(OutMatchUnmatched),
		EvMatchSkip:         h.onMatchEnd(OutMatchSkipped),
		EvPrivacy:           h.onPrivacy,
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, svcErr.Validation("malformed payload: %v", err)
	}
	return v, nil
}

// roomRequest is shared by consent, signaling and match events. room and
// session are accepted as aliases of room_id and session_id.
type roomRequest struct {
	To         string `json:"to"`
	RoomID     string `json:"room_id"`
	Room       string `json:"room"`
	SessionID  string `json:"session_id"`
	Session    string `json:"session"`
	FromUserID string `json:"from_user_id"`
}

func (r roomRequest) room() string    { return firstNonEmpty(r.RoomID, r.Room) }
func (r roomRequest) session() string { return firstNonEmpty(r.SessionID, r.Session) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// target resolves the peer and the canonical room of a two-party request.
func (h *Hub) target(sock *socketState, req roomRequest) (to, room, session string, err error) {
	to = strings.TrimSpace(req.To)
	room, session = h.canonical(req.room(), req.session())
	switch {
	case to == "":
		return "", "", "", svcErr.Validation("to is required")
	case to == sock.userID:
		return "", "", "", svcErr.Validation("to must name another user")
	case room == "":
		return "", "", "", svcErr.Validation("room_id or session_id is required")
	}
	h.mu.Lock()
	pair, known := h.pairs[room]
	h.mu.Unlock()
	if known && !(slices.Contains(pair[:], sock.userID) && slices.Contains(pair[:], to)) {
		return "", "", "", svcErr.Forbidden("room %s belongs to another call", room)
	}
	return to, room, session, nil
}

func (h *Hub) consentPayload(p Pending, reason string) map[string]any {
	_, session := h.canonical(p.Room, "")
	out := map[string]any{
		"room_id":      p.Room,
		"from_user_id": p.From,
		"to_user_id":   p.To,
	}
	if session != "" {
		out["session_id"] = session
	}
	if !p.Deadline.IsZero() {
		out["expires_at"] = p.Deadline
	}
	if reason != "" {
		out["reason"] = reason
	}
	return out
}

func (h *Hub) onHeartRequest(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[roomRequest](raw)
	if err != nil {
		return err
	}
	to, room, _, err := h.target(sock, req)
	if err != nil {
		return err
	}

	p, replaced := h.hearts.Request(room, sock.userID, to)
	if replaced != nil {
		cancelled := h.consentPayload(*replaced, "replaced")
		h.emitUser(replaced.From, OutHeartCancelled, cancelled)
		h.emitUser(replaced.To, OutHeartCancelled, cancelled)
	}
	payload := h.consentPayload(p, "")
	h.emitUser(to, OutHeartIncoming, payload)
	h.emitUser(sock.userID, OutHeartPending, payload)
	return nil
}

// onHeartAccept promotes the call to a match.
//
// Behavior:
//   - heart:accepted goes to both users, then match.accepted is published once
//   - a repeated or late accept fails on the accepting socket only
func (h *Hub) onHeartAccept(ctx context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[roomRequest](raw)
	if err != nil {
		return err
	}
	room := ""
	if req.room() != "" || req.session() != "" {
		room, _ = h.canonical(req.room(), req.session())
	}

	p, err := h.hearts.Accept(room, sock.userID, strings.TrimSpace(req.FromUserID))
	if err != nil {
		return err
	}
	_, session := h.canonical(p.Room, "")
	payload := h.consentPayload(p, "")
	payload["users"] = []string{p.From, p.To}
	h.emitUser(p.From, OutHeartAccepted, payload)
	h.emitUser(p.To, OutHeartAccepted, payload)
	h.metrics.HeartAccepted(ctx)
	h.log.Info("heart accepted", "room_id", p.Room, "session_id", session, "from", p.From, "to", p.To)

	if h.bus == nil {
		return nil
	}
	err = h.bus.Publish(context.WithoutCancel(ctx), eventbus.TopicMatchAccepted, eventbus.MatchAccepted{
		U1:        p.From,
		U2:        p.To,
		RoomID:    p.Room,
		SessionID: session,
		TS:        h.clock.Now(),
	})
	if err != nil {
		h.log.Error("publish match.accepted failed", "room_id", p.Room, "error", err)
	}
	return nil
}

func (h *Hub) onHeartDecline(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[roomRequest](raw)
	if err != nil {
		return err
	}
	room := ""
	if req.room() != "" || req.session() != "" {
		room, _ = h.canonical(req.room(), req.session())
	}
	p, err := h.hearts.Decline(room, sock.userID, strings.TrimSpace(req.FromUserID))
	if err != nil {
		return err
	}
	payload := h.consentPayload(p, "")
	h.emitUser(p.From, OutHeartDeclined, payload)
	h.emitUser(p.To, OutHeartDeclined, payload)
	return nil
}

// heartExpired runs on the heart machine's timer.
func (h *Hub) heartExpired(p Pending) {
	payload := h.consentPayload(p, "")
	h.emitUser(p.From, OutHeartExpired, payload)
	h.emitUser(p.To, OutHeartExpired, payload)
	h.metrics.HeartExpired(context.Background())
	h.log.Info("heart expired", "room_id", p.Room, "from", p.From, "to", p.To)
}

func (h *Hub) onVideoRequest(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[roomRequest](raw)
	if err != nil {
		return err
	}
	to, room, _, err := h.target(sock, req)
	if err != nil {
		return err
	}
	payload := h.consentPayload(h.videos.Request(room, sock.userID, to), "")
	h.emitUser(to, OutVideoIncoming, payload)
	h.emitUser(sock.userID, OutVideoPending, payload)
	return nil
}

func (h *Hub) onVideoAnswer(event string) eventHandler {
	return func(_ context.Context, sock *socketState, raw json.RawMessage) error {
		req, err := decode[roomRequest](raw)
		if err != nil {
			return err
		}
		room, _ := h.canonical(req.room(), req.session())
		if room == "" {
			return svcErr.Validation("room_id or session_id is required")
		}
		p, err := h.videos.Answer(room, sock.userID)
		if err != nil {
			return err
		}
		payload := h.consentPayload(p, "")
		h.emitUser(p.From, event, payload)
		h.emitUser(p.To, event, payload)
		return nil
	}
}

func (h *Hub) onVideoCancel(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[roomRequest](raw)
	if err != nil {
		return err
	}
	room, _ := h.canonical(req.room(), req.session())
	if room == "" {
		return svcErr.Validation("room_id or session_id is required")
	}
	p, err := h.videos.Cancel(room, sock.userID)
	if err != nil {
		return err
	}
	payload := h.consentPayload(p, "")
	h.emitUser(p.From, OutVideoCancelled, payload)
	h.emitUser(p.To, OutVideoCancelled, payload)
	return nil
}

type callRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
}

type callResponse struct {
	CallID string `json:"call_id"`
	Action string `json:"action"`
}

func (h *Hub) onCallRequest(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[callRequest](raw)
	if err != nil {
		return err
	}
	to := strings.TrimSpace(req.To)
	kind := strings.ToLower(strings.TrimSpace(req.Type))
	if kind == "" {
		kind = "video"
	}
	switch {
	case to == "" || to == sock.userID:
		return svcErr.Validation("to must name another user")
	case kind != "audio" && kind != "video":
		return svcErr.Validation("type must be audio or video")
	}

	c := pendingCall{ID: uuid.NewString(), From: sock.userID, To: to, Type: kind, CreatedAt: h.clock.Now()}
	h.mu.Lock()
	h.calls[c.ID] = c
	h.mu.Unlock()

	payload := map[string]any{"call_id": c.ID, "from": c.From, "to": c.To, "type": c.Type}
	h.emitUser(to, OutCallIncoming, payload)
	h.emitUser(sock.userID, OutCallPending, payload)
	return nil
}

func (h *Hub) onCallResponse(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[callResponse](raw)
	if err != nil {
		return err
	}
	var event string
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "accept":
		event = OutCallAccepted
	case "decline":
		event = OutCallDeclined
	case "ignore":
		event = OutCallIgnored
	default:
		return svcErr.Validation("action must be accept, decline or ignore")
	}

	h.mu.Lock()
	c, ok := h.calls[req.CallID]
	if ok && c.To == sock.userID {
		delete(h.calls, req.CallID)
	}
	h.mu.Unlock()
	if !ok {
		return svcErr.NotFound("call %s", req.CallID)
	}
	if c.To != sock.userID {
		return svcErr.Forbidden("call %s is not addressed to %s", c.ID, sock.userID)
	}

	payload := map[string]any{"call_id": c.ID, "from": c.From, "to": c.To, "type": c.Type}
	h.emitUser(c.From, event, payload)
	h.emitUser(c.To, event, payload)
	return nil
}

// onCallJoin subscribes the socket to both identifiers of a call.
func (h *Hub) onCallJoin(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[roomRequest](raw)
	if err != nil {
		return err
	}
	roomID, sessionID := req.room(), req.session()
	if roomID == "" && sessionID == "" {
		return svcErr.Validation("room_id or session_id is required")
	}
	h.alias(roomID, sessionID)
	room, session := h.canonical(roomID, sessionID)

	rooms := []string{callRoom(room)}
	if session != "" && session != room {
		rooms = append(rooms, callRoom(session))
	}
	h.join(sock, rooms...)
	h.mu.Lock()
	if u, ok := h.conns[sock.userID]; ok {
		u.currentRoom = room
	}
	h.mu.Unlock()

	h.emitSocket(sock.id, OutCallJoined, map[string]any{"room_id": room, "session_id": session})
	return nil
}

type signal struct {
	roomRequest
	SDP       string                   `json:"sdp"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// onSDP relays an offer or answer after checking it parses as SDP.
func (h *Hub) onSDP(event string, kind webrtc.SDPType) eventHandler {
	return func(_ context.Context, sock *socketState, raw json.RawMessage) error {
		req, err := decode[signal](raw)
		if err != nil {
			return err
		}
		to, room, session, err := h.target(sock, req.roomRequest)
		if err != nil {
			return err
		}
		desc := webrtc.SessionDescription{Type: kind, SDP: req.SDP}
		if _, err := desc.Unmarshal(); err != nil {
			return svcErr.Validation("invalid %s sdp: %v", kind, err)
		}
		h.emitUser(to, event, map[string]any{
			"from":       sock.userID,
			"room_id":    room,
			"session_id": session,
			"sdp":        desc,
		})
		return nil
	}
}

func (h *Hub) onICE(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[signal](raw)
	if err != nil {
		return err
	}
	to, room, session, err := h.target(sock, req.roomRequest)
	if err != nil {
		return err
	}
	if req.Candidate == nil {
		return svcErr.Validation("candidate is required")
	}
	h.emitUser(to, EvWebRTCICE, map[string]any{
		"from":       sock.userID,
		"room_id":    room,
		"session_id": session,
		"candidate":  req.Candidate,
	})
	return nil
}

// onMatchEnd handles match:unmatch and match:skip: pending consent for the
// room is dropped and the peer is told.
func (h *Hub) onMatchEnd(event string) eventHandler {
	return func(_ context.Context, sock *socketState, raw json.RawMessage) error {
		req, err := decode[roomRequest](raw)
		if err != nil {
			return err
		}
		to, room, session, err := h.target(sock, req)
		if err != nil {
			return err
		}
		h.clearCall(room)

		key := firstNonEmpty(session, room)
		if event == OutMatchSkipped && !h.markDelivered(skipKey(key, to), key, deliveredTTL) {
			return nil
		}
		h.emitUser(to, event, map[string]any{"room_id": room, "session_id": session, "by": sock.userID})
		return nil
	}
}

// clearCall forgets consent and membership state of a finished call.
func (h *Hub) clearCall(room string) {
	h.hearts.ClearRoom(room)
	h.videos.ClearRoom(room)
	now := h.clock.Now()
	h.mu.Lock()
	h.releaseDeliveredLocked(firstNonEmpty(h.sessionOf[room], room), now)
	pair, ok := h.pairs[room]
	delete(h.pairs, room)
	if ok {
		for _, id := range pair {
			if u, ok := h.conns[id]; ok && u.currentRoom == room {
				u.currentRoom = ""
			}
		}
	}
	h.mu.Unlock()
}

func skipKey(session, userID string) string { return "skip|" + session + "|" + userID }

type privacySettings struct {
	ShowOnline   *bool `json:"show_online"`
	SendReceipts *bool `json:"send_receipts"`
}

// onPrivacy updates presence settings; toggling show_online announces the
// change as if the user had connected or left.
func (h *Hub) onPrivacy(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[privacySettings](raw)
	if err != nil {
		return err
	}
	if req.ShowOnline == nil && req.SendReceipts == nil {
		return svcErr.Validation("show_online or send_receipts is required")
	}

	now := h.clock.Now()
	h.mu.Lock()
	u, ok := h.conns[sock.userID]
	if !ok {
		h.mu.Unlock()
		return svcErr.NotFound("user %s is not connected", sock.userID)
	}
	was := u.showOnline
	if req.ShowOnline != nil {
		u.showOnline = *req.ShowOnline
	}
	if req.SendReceipts != nil {
		u.sendReceipts = *req.SendReceipts
	}
	show, receipts := u.showOnline, u.sendReceipts
	h.mu.Unlock()

	switch {
	case !was && show:
		h.emitRoom(presenceRoom, OutUserOnline, map[string]any{"user_id": sock.userID}, "")
	case was && !show:
		h.emitRoom(presenceRoom, OutUserOffline, map[string]any{"user_id": sock.userID, "last_seen": now}, "")
	}
	h.emitSocket(sock.id, OutSettingsUpdated, map[string]any{"show_online": show, "send_receipts": receipts})
	return nil
}
