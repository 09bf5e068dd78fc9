package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oggyb/muzz-live/internal/clients"
	"github.com/oggyb/muzz-live/internal/clock"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/observability"
)

// Config carries the gateway's tunables.
type Config struct {
	HeartTimeout        time.Duration
	ProfileFetchTimeout time.Duration
	// EventsPerMinute caps inbound events per socket; zero disables the cap.
	EventsPerMinute int
}

// Deps are the hub's collaborators. Clock and Logger default to the real clock and slog.Default.
type Deps struct {
	Transport     Transport
	Bus           eventbus.Bus
	Users         clients.UserStore
	Conversations clients.ConversationStore
	Messages      clients.MessageService
	Metrics       *observability.Metrics
	Clock         clock.Clock
	Logger        *slog.Logger
}

type eventHandler func(ctx context.Context, sock *socketState, raw json.RawMessage) error

// userState is keyed by user id; it refers to sockets by id only.
type userState struct {
	sockets      map[string]struct{}
	currentRoom  string
	typingRoom   string
	showOnline   bool
	sendReceipts bool
	lastSeen     time.Time
}

type socketState struct {
	id      string
	userID  string
	limiter *rate.Limiter
	rooms   map[string]struct{}
}

// Hub owns every piece of cross-connection state. Emissions happen outside
// h.mu; the transport is expected to queue writes.
type Hub struct {
	cfg     Config
	tr      Transport
	bus     eventbus.Bus
	users   clients.UserStore
	convs   clients.ConversationStore
	msgs    clients.MessageService
	metrics *observability.Metrics
	clock   clock.Clock
	log     *slog.Logger

	hearts   *HeartMachine
	videos   *VideoMachine
	handlers map[string]eventHandler

	mu        sync.Mutex
	conns     map[string]*userState
	sockets   map[string]*socketState
	rooms     map[string]map[string]struct{}
	roomOf    map[string]string    // session_id -> room_id
	sessionOf map[string]string    // room_id -> session_id
	pairs     map[string][2]string // room_id -> call participants
	calls     map[string]pendingCall
	delivered map[string]deliveryMark
	convLocks map[string]*sync.Mutex
}

type pendingCall struct {
	ID        string
	From      string
	To        string
	Type      string
	CreatedAt time.Time
}

// deliveryMark remembers one delivered notification until expires.
type deliveryMark struct {
	session string
	expires time.Time
}

const (
	// deliveredHold keeps match:found keys while the call is live.
	deliveredHold = 24 * time.Hour
	// deliveredTTL is how long keys outlive the call they belong to.
	deliveredTTL = time.Hour
)

func New(cfg Config, deps Deps) *Hub {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.MustMetrics()
	}
	if cfg.HeartTimeout <= 0 {
		cfg.HeartTimeout = 15 * time.Second
	}
	if cfg.ProfileFetchTimeout <= 0 {
		cfg.ProfileFetchTimeout = 10 * time.Second
	}

	h := &Hub{
		cfg:       cfg,
		tr:        deps.Transport,
		bus:       deps.Bus,
		users:     deps.Users,
		convs:     deps.Conversations,
		msgs:      deps.Messages,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		log:       deps.Logger.With("component", "gateway"),
		conns:     map[string]*userState{},
		sockets:   map[string]*socketState{},
		rooms:     map[string]map[string]struct{}{},
		roomOf:    map[string]string{},
		sessionOf: map[string]string{},
		pairs:     map[string][2]string{},
		calls:     map[string]pendingCall{},
		delivered: map[string]deliveryMark{},
		convLocks: map[string]*sync.Mutex{},
	}
	h.hearts = NewHeartMachine(deps.Clock, cfg.HeartTimeout, h.heartExpired)
	h.videos = NewVideoMachine(deps.Clock)
	h.handlers = h.routes()
	return h
}

// Connect registers an authenticated socket for userID.
//
// Behavior:
//   - joins user:{id} and the presence room
//   - the first socket of a user announces user:online when showOnline is set
func (h *Hub) Connect(socketID, userID string) {
	var limiter *rate.Limiter
	if h.cfg.EventsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(h.cfg.EventsPerMinute)/60), h.cfg.EventsPerMinute)
	}

	h.mu.Lock()
	sock := &socketState{id: socketID, userID: userID, limiter: limiter, rooms: map[string]struct{}{}}
	h.sockets[socketID] = sock
	u, ok := h.conns[userID]
	if !ok {
		u = &userState{sockets: map[string]struct{}{}, showOnline: true, sendReceipts: true}
		h.conns[userID] = u
	}
	first := len(u.sockets) == 0
	u.sockets[socketID] = struct{}{}
	u.lastSeen = h.clock.Now()
	announce := first && u.showOnline
	h.joinLocked(sock, userRoom(userID))
	h.joinLocked(sock, presenceRoom)
	h.mu.Unlock()

	h.log.Info("socket connected", "socket_id", socketID, "user_id", userID)
	if announce {
		h.emitRoom(presenceRoom, OutUserOnline, map[string]any{"user_id": userID}, socketID)
	}
}

// Disconnect forgets a socket. The last socket of a user clears the user's
// pending hearts, video requests and call requests and announces user:offline.
func (h *Hub) Disconnect(socketID string) {
	h.mu.Lock()
	sock, ok := h.sockets[socketID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, socketID)
	for room := range sock.rooms {
		h.leaveLocked(sock, room)
	}
	userID := sock.userID
	u := h.conns[userID]
	last := false
	var lastSeen time.Time
	announce := false
	if u != nil {
		delete(u.sockets, socketID)
		if len(u.sockets) == 0 {
			last = true
			lastSeen = h.clock.Now()
			announce = u.showOnline
			// Settings are kept for the next connection.
			u.lastSeen = lastSeen
			u.currentRoom, u.typingRoom = "", ""
		}
	}
	var dropped []pendingCall
	if last {
		for id, c := range h.calls {
			if c.From == userID || c.To == userID {
				delete(h.calls, id)
				dropped = append(dropped, c)
			}
		}
	}
	h.mu.Unlock()

	h.log.Info("socket disconnected", "socket_id", socketID, "user_id", userID, "last", last)
	if !last {
		return
	}

	for _, p := range h.hearts.ClearUser(userID) {
		h.emitUser(other(p, userID), OutHeartCancelled, h.consentPayload(p, "disconnected"))
	}
	for _, p := range h.videos.ClearUser(userID) {
		h.emitUser(other(p, userID), OutVideoCancelled, h.consentPayload(p, "disconnected"))
	}
	for _, c := range dropped {
		peer := c.From
		if peer == userID {
			peer = c.To
		}
		h.emitUser(peer, OutCallIgnored, map[string]any{"call_id": c.ID, "from": c.From, "to": c.To})
	}
	if announce {
		h.emitRoom(presenceRoom, OutUserOffline, map[string]any{"user_id": userID, "last_seen": lastSeen}, "")
	}
}

// Handle dispatches one client event. Failures are reported to the
// initiating socket only.
func (h *Hub) Handle(ctx context.Context, socketID, event string, raw json.RawMessage) {
	h.mu.Lock()
	sock, ok := h.sockets[socketID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if sock.limiter != nil && !sock.limiter.Allow() {
		h.emitSocket(socketID, OutError, map[string]any{
			"event":   event,
			"code":    "rate_limited",
			"message": "too many events",
		})
		return
	}
	fn, ok := h.handlers[event]
	if !ok {
		h.emitError(socketID, event, svcErr.Validation("unknown event %q", event))
		return
	}
	if err := fn(ctx, sock, raw); err != nil {
		h.log.Warn("socket event failed",
			"event", event, "socket_id", socketID, "user_id", sock.userID, "kind", svcErr.Code(err), "error", err)
		h.emitError(socketID, event, err)
	}
}

// Online reports whether userID has at least one socket.
func (h *Hub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.conns[userID]
	return ok && len(u.sockets) > 0
}

// LastSeen returns when userID last connected or disconnected.
func (h *Hub) LastSeen(userID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.conns[userID]
	if !ok {
		return time.Time{}, false
	}
	return u.lastSeen, true
}

// Hearts exposes the heart machine for inspection.
func (h *Hub) Hearts() *HeartMachine { return h.hearts }

// joinLocked and leaveLocked must be called with h.mu held.
func (h *Hub) joinLocked(sock *socketState, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = map[string]struct{}{}
		h.rooms[room] = members
	}
	members[sock.id] = struct{}{}
	sock.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(sock *socketState, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, sock.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(sock.rooms, room)
}

func (h *Hub) join(sock *socketState, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range rooms {
		h.joinLocked(sock, r)
	}
}

func (h *Hub) leave(sock *socketState, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range rooms {
		h.leaveLocked(sock, r)
	}
}

// roomUsers lists the distinct users with a socket in room.
func (h *Hub) roomUsers(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[string]struct{}{}
	for id := range h.rooms[room] {
		if s, ok := h.sockets[id]; ok {
			seen[s.userID] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

func (h *Hub) emitRoom(room, event string, data any, exceptSocket string) {
	h.mu.Lock()
	targets := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if id != exceptSocket {
			targets = append(targets, id)
		}
	}
	h.mu.Unlock()

	env := Envelope{Event: event, Data: data, TS: h.clock.Now()}
	for _, id := range targets {
		h.tr.Emit(id, event, env)
	}
}

func (h *Hub) emitUser(userID, event string, data any) {
	if userID == "" {
		return
	}
	h.emitRoom(userRoom(userID), event, data, "")
}

func (h *Hub) emitSocket(socketID, event string, data any) {
	h.tr.Emit(socketID, event, Envelope{Event: event, Data: data, TS: h.clock.Now()})
}

func (h *Hub) emitError(socketID, event string, err error) {
	msg := err.Error()
	if svcErr.KindOf(err) == "" {
		msg = "internal error"
	}
	h.emitSocket(socketID, OutError, map[string]any{
		"event":   event,
		"code":    svcErr.Code(err),
		"message": msg,
	})
}

// alias records that sessionID and roomID name the same call.
func (h *Hub) alias(roomID, sessionID string) {
	if roomID == "" || sessionID == "" || roomID == sessionID {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomOf[sessionID] = roomID
	h.sessionOf[roomID] = sessionID
}

// canonical maps a room or session identifier onto the room id used as the
// consent key, and returns the matching session id when known.
func (h *Hub) canonical(roomID, sessionID string) (string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if roomID == "" {
		if r, ok := h.roomOf[sessionID]; ok {
			return r, sessionID
		}
		return sessionID, sessionID
	}
	if r, ok := h.roomOf[roomID]; ok {
		// The caller passed a session id as room.
		return r, roomID
	}
	if sessionID == "" {
		sessionID = h.sessionOf[roomID]
	}
	return roomID, sessionID
}

// markDelivered reports whether key is new and remembers it for ttl.
// clearCall shortens every key of the ended session to deliveredTTL.
func (h *Hub) markDelivered(key, session string, ttl time.Duration) bool {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.delivered[key]; ok && now.Before(m.expires) {
		return false
	}
	h.delivered[key] = deliveryMark{session: session, expires: now.Add(ttl)}
	if len(h.delivered) > 4096 {
		for k, m := range h.delivered {
			if !now.Before(m.expires) {
				delete(h.delivered, k)
			}
		}
	}
	return true
}

func (h *Hub) releaseDeliveredLocked(session string, now time.Time) {
	until := now.Add(deliveredTTL)
	for k, m := range h.delivered {
		if m.session == session && m.expires.After(until) {
			m.expires = until
			h.delivered[k] = m
		}
	}
}

func (h *Hub) conversationLock(convID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.convLocks[convID]
	if !ok {
		l = &sync.Mutex{}
		h.convLocks[convID] = l
	}
	return l
}

func other(p Pending, userID string) string {
	if p.From == userID {
		return p.To
	}
	return p.From
}
