// Package clientstest provides in-memory fakes of the dependency clients.
package clientstest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/oggyb/muzz-live/internal/clients"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

// Sessions is an in-memory SessionRegistry.
type Sessions struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*clients.Session
	creates  int
	ended    map[string]string

	// CreateErr, when set, fails every Create.
	CreateErr error
	// OnCreate, when set, runs at the start of every Create.
	OnCreate func(u1, u2 string)
}

func NewSessions() *Sessions {
	return &Sessions{sessions: map[string]*clients.Session{}, ended: map[string]string{}}
}

func (f *Sessions) Create(_ context.Context, u1, u2, kind string) (*clients.Session, error) {
	if f.OnCreate != nil {
		f.OnCreate(u1, u2)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.seq++
	s := &clients.Session{
		ID:      fmt.Sprintf("session-%d", f.seq),
		RoomID:  fmt.Sprintf("room-%d", f.seq),
		User1ID: u1,
		User2ID: u2,
		Type:    kind,
		Status:  clients.SessionInitiated,
	}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *Sessions) End(_ context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[sessionID] = reason
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = clients.SessionEnded
	}
	return nil
}

func (f *Sessions) Get(_ context.Context, sessionID string) (*clients.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, svcErr.NotFound("session %s", sessionID)
	}
	cp := *s
	return &cp, nil
}

// Creates counts Create calls, failed ones included.
func (f *Sessions) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// EndReason returns the reason a session was ended with, if it was.
func (f *Sessions) EndReason(sessionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.ended[sessionID]
	return r, ok
}

// Users is an in-memory UserStore. Unknown ids fail with NotFound.
type Users struct {
	mu       sync.Mutex
	profiles map[string]*clients.Profile
	block    chan struct{}
	calls    int
}

func NewUsers(profiles ...*clients.Profile) *Users {
	u := &Users{profiles: map[string]*clients.Profile{}}
	for _, p := range profiles {
		u.profiles[p.ID] = p
	}
	return u
}

// Block makes Profile wait until the context ends.
func (f *Users) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
}

func (f *Users) Profile(ctx context.Context, userID string) (*clients.Profile, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	p, ok := f.profiles[userID]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, svcErr.Transient("user_store", ctx.Err())
		}
	}
	if !ok {
		return nil, svcErr.NotFound("user %s", userID)
	}
	cp := *p
	return &cp, nil
}

func (f *Users) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Conversations is an in-memory ConversationStore plus MessageService.
type Conversations struct {
	mu      sync.Mutex
	members map[string][]string
	sent    []clients.OutgoingMessage

	// SendErr, when set, fails every Send.
	SendErr error
	// OnSend, when set, runs at the start of every Send.
	OnSend func(msg clients.OutgoingMessage)
}

func NewConversations() *Conversations {
	return &Conversations{members: map[string][]string{}}
}

func (f *Conversations) Add(conversationID string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[conversationID] = members
}

func (f *Conversations) Participants(_ context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[conversationID]
	if !ok {
		return nil, svcErr.NotFound("conversation %s", conversationID)
	}
	return slices.Clone(m), nil
}

func (f *Conversations) Send(_ context.Context, msg clients.OutgoingMessage) (*clients.StoredMessage, error) {
	if f.OnSend != nil {
		f.OnSend(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.sent = append(f.sent, msg)
	return &clients.StoredMessage{
		ID:             fmt.Sprintf("msg-%d", len(f.sent)),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		Metadata:       msg.Metadata,
	}, nil
}

func (f *Conversations) Sent() []clients.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}
