package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

// Session types and statuses understood by the registry.
const (
	SessionVoice = "VOICE"
	SessionVideo = "VIDEO"

	SessionInitiated = "INITIATED"
	SessionEnded     = "ENDED"
)

// Session is the registry's view of a call between two users.
type Session struct {
	ID      string     `json:"id"`
	RoomID  string     `json:"room_id"`
	User1ID string     `json:"u1,omitempty"`
	User2ID string     `json:"u2,omitempty"`
	Type    string     `json:"type,omitempty"`
	Status  string     `json:"status,omitempty"`
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session still has live participants.
func (s *Session) Active() bool {
	if s == nil || s.EndedAt != nil {
		return false
	}
	switch strings.ToUpper(s.Status) {
	case SessionEnded, "COMPLETED", "CANCELLED", "FAILED":
		return false
	}
	return true
}

// SessionRegistry creates, ends and reads call sessions.
type SessionRegistry interface {
	Create(ctx context.Context, u1, u2, kind string) (*Session, error)
	End(ctx context.Context, sessionID, reason string) error
	Get(ctx context.Context, sessionID string) (*Session, error)
}

// HTTPSessionRegistry talks to the session registry over REST.
type HTTPSessionRegistry struct {
	baseClient
	createTimeout time.Duration
	now           func() time.Time
}

// NewSessionRegistry returns a registry client. createTimeout bounds Create.
func NewSessionRegistry(baseURL string, createTimeout time.Duration, httpClient *http.Client, log *slog.Logger) *HTTPSessionRegistry {
	return &HTTPSessionRegistry{
		baseClient:    newBaseClient("session_registry", baseURL, httpClient, log),
		createTimeout: createTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// sessionEnvelope accepts both a bare session body and {data:{session:{...}}}.
type sessionEnvelope struct {
	Session
	RoomIDAlt string `json:"roomId"`
	Data      *struct {
		Session *sessionEnvelope `json:"session"`
	} `json:"data"`
}

func (e *sessionEnvelope) unwrap() *Session {
	if e.Data != nil && e.Data.Session != nil {
		return e.Data.Session.unwrap()
	}
	s := e.Session
	if s.RoomID == "" {
		s.RoomID = e.RoomIDAlt
	}
	return &s
}

// Create opens a session for u1 and u2.
//
// Behavior:
//   - The call is bounded by the configured create timeout.
//   - A response without both id and room_id is a Transient failure; the caller
//     must never announce a pair without them.
//
// Example:
//
//	s, err := reg.Create(ctx, "u1", "u2", clients.SessionVoice)
func (r *HTTPSessionRegistry) Create(ctx context.Context, u1, u2, kind string) (*Session, error) {
	if r.createTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.createTimeout)
		defer cancel()
	}

	req := map[string]string{"u1": u1, "u2": u2, "type": kind, "status": SessionInitiated}
	var env sessionEnvelope
	if err := r.do(ctx, http.MethodPost, "/sessions", nil, req, &env); err != nil {
		return nil, err
	}
	s := env.unwrap()
	if s.ID == "" || s.RoomID == "" {
		return nil, svcErr.Transient(r.name, fmt.Errorf("incomplete session id=%q room_id=%q", s.ID, s.RoomID))
	}
	r.log.Info("session created", "session_id", s.ID, "room_id", s.RoomID, "u1", u1, "u2", u2)
	return s, nil
}

// End marks a session ENDED. Ending an unknown session is not an error.
func (r *HTTPSessionRegistry) End(ctx context.Context, sessionID, reason string) error {
	req := map[string]any{
		"status":   SessionEnded,
		"ended_at": r.now().Format(time.RFC3339Nano),
		"reason":   reason,
	}
	err := r.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(sessionID), nil, req, nil)
	if StatusCode(err) == http.StatusNotFound {
		r.log.Warn("ending unknown session", "session_id", sessionID)
		return nil
	}
	return err
}

// Get reads a session by id.
func (r *HTTPSessionRegistry) Get(ctx context.Context, sessionID string) (*Session, error) {
	var env sessionEnvelope
	if err := r.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, nil, &env); err != nil {
		return nil, err
	}
	return env.unwrap(), nil
}
