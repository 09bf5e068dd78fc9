package gateway

import (
	"sync"
	"time"

	"github.com/oggyb/muzz-live/internal/clock"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

// Pending is a consent request waiting on its target. Deadline is zero for video requests.
type Pending struct {
	Room      string
	From      string
	To        string
	CreatedAt time.Time
	Deadline  time.Time
}

func (p Pending) involves(userID string) bool { return p.From == userID || p.To == userID }

type heartEntry struct {
	Pending
	gen   uint64
	timer *clock.Timer
}

// HeartMachine holds at most one pending heart per room. Every request arms
// a timer; the timer is the only path to expiry, so an accept that arrives
// at or after the deadline is refused and the expiry is reported exactly once.
type HeartMachine struct {
	clock    clock.Clock
	timeout  time.Duration
	onExpire func(Pending)

	mu      sync.Mutex
	gen     uint64
	pending map[string]*heartEntry
}

func NewHeartMachine(clk clock.Clock, timeout time.Duration, onExpire func(Pending)) *HeartMachine {
	return &HeartMachine{clock: clk, timeout: timeout, onExpire: onExpire, pending: map[string]*heartEntry{}}
}

// Request replaces any pending heart for room.
//
// Behavior:
//   - the previous timer is stopped before the new entry is stored
//   - returns the replaced request, if any, so callers can tell its users
func (m *HeartMachine) Request(room, from, to string) (Pending, *Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced *Pending
	if old, ok := m.pending[room]; ok {
		old.timer.Stop()
		delete(m.pending, room)
		p := old.Pending
		replaced = &p
	}

	now := m.clock.Now()
	m.gen++
	gen := m.gen
	e := &heartEntry{
		Pending: Pending{Room: room, From: from, To: to, CreatedAt: now, Deadline: now.Add(m.timeout)},
		gen:     gen,
	}
	m.pending[room] = e
	e.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(room, gen) })
	return e.Pending, replaced
}

func (m *HeartMachine) expire(room string, gen uint64) {
	m.mu.Lock()
	e, ok := m.pending[room]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.pending, room)
	m.mu.Unlock()

	if m.onExpire != nil {
		m.onExpire(e.Pending)
	}
}

// Accept resolves the heart addressed to acceptor.
//
// Behavior:
//   - room and from may be empty; the unique pending heart targeting acceptor is used
//   - several candidates: Validation; none: NotFound
//   - now >= deadline: Conflict, the entry stays for the timer to expire
func (m *HeartMachine) Accept(room, acceptor, from string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.resolve(room, acceptor, from)
	if err != nil {
		return Pending{}, err
	}
	if !m.clock.Now().Before(e.Deadline) {
		return Pending{}, svcErr.Conflict("heart request in room %s has expired", e.Room)
	}
	e.timer.Stop()
	delete(m.pending, e.Room)
	return e.Pending, nil
}

// Decline removes the heart addressed to decliner.
func (m *HeartMachine) Decline(room, decliner, from string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.resolve(room, decliner, from)
	if err != nil {
		return Pending{}, err
	}
	e.timer.Stop()
	delete(m.pending, e.Room)
	return e.Pending, nil
}

// resolve must be called with m.mu held.
func (m *HeartMachine) resolve(room, to, from string) (*heartEntry, error) {
	if room != "" {
		e, ok := m.pending[room]
		if !ok || e.To != to || (from != "" && e.From != from) {
			return nil, svcErr.NotFound("no pending heart for %s in room %s", to, room)
		}
		return e, nil
	}

	var found *heartEntry
	for _, e := range m.pending {
		if e.To != to || (from != "" && e.From != from) {
			continue
		}
		if found != nil {
			return nil, svcErr.Validation("several pending hearts target %s; room_id is required", to)
		}
		found = e
	}
	if found == nil {
		return nil, svcErr.NotFound("no pending heart for %s", to)
	}
	return found, nil
}

// ClearRoom cancels the pending heart for room.
func (m *HeartMachine) ClearRoom(room string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[room]
	if !ok {
		return nil
	}
	e.timer.Stop()
	delete(m.pending, room)
	p := e.Pending
	return &p
}

// ClearUser cancels every pending heart userID takes part in.
func (m *HeartMachine) ClearUser(userID string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pending
	for room, e := range m.pending {
		if e.involves(userID) {
			e.timer.Stop()
			delete(m.pending, room)
			out = append(out, e.Pending)
		}
	}
	return out
}

// Get returns the pending heart for room.
func (m *HeartMachine) Get(room string) (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[room]
	if !ok {
		return Pending{}, false
	}
	return e.Pending, true
}

// VideoMachine tracks video-upgrade consent. Requests never time out.
type VideoMachine struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]Pending
}

func NewVideoMachine(clk clock.Clock) *VideoMachine {
	return &VideoMachine{clock: clk, pending: map[string]Pending{}}
}

func (m *VideoMachine) Request(room, from, to string) Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Pending{Room: room, From: from, To: to, CreatedAt: m.clock.Now()}
	m.pending[room] = p
	return p
}

// Answer settles the request addressed to userID (accept and decline alike).
func (m *VideoMachine) Answer(room, userID string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[room]
	if !ok || p.To != userID {
		return Pending{}, svcErr.NotFound("no pending video request for %s in room %s", userID, room)
	}
	delete(m.pending, room)
	return p, nil
}

// Cancel withdraws a request; only its sender may cancel.
func (m *VideoMachine) Cancel(room, userID string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[room]
	if !ok || p.From != userID {
		return Pending{}, svcErr.NotFound("no video request from %s in room %s", userID, room)
	}
	delete(m.pending, room)
	return p, nil
}

func (m *VideoMachine) ClearRoom(room string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[room]
	if !ok {
		return nil
	}
	delete(m.pending, room)
	return &p
}

func (m *VideoMachine) ClearUser(userID string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pending
	for room, p := range m.pending {
		if p.involves(userID) {
			delete(m.pending, room)
			out = append(out, p)
		}
	}
	return out
}
