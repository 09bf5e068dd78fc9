package clients_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-live/internal/clients"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

func TestSessionRegistryCreate(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s1","room_id":"r1","status":"INITIATED"}`))
	}))
	defer srv.Close()

	reg := clients.NewSessionRegistry(srv.URL, time.Second, srv.Client(), nil)
	s, err := reg.Create(context.Background(), "u1", "u2", clients.SessionVoice)
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "r1", s.RoomID)
	assert.True(t, s.Active())
	assert.Equal(t, map[string]string{"u1": "u1", "u2": "u2", "type": "VOICE", "status": "INITIATED"}, got)
}

func TestSessionRegistryCreateWrappedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"session":{"id":"s2","roomId":"r2"}}}`))
	}))
	defer srv.Close()

	reg := clients.NewSessionRegistry(srv.URL, time.Second, srv.Client(), nil)
	s, err := reg.Create(context.Background(), "u1", "u2", clients.SessionVoice)
	require.NoError(t, err)
	assert.Equal(t, "s2", s.ID)
	assert.Equal(t, "r2", s.RoomID)
}

func TestSessionRegistryFailureKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   svcErr.Kind
	}{
		{"client error is fatal", http.StatusUnprocessableEntity, `{"error":"blocked"}`, svcErr.KindFatal},
		{"server error is transient", http.StatusServiceUnavailable, `down`, svcErr.KindTransient},
		{"missing room is transient", http.StatusOK, `{"id":"s1"}`, svcErr.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			reg := clients.NewSessionRegistry(srv.URL, time.Second, srv.Client(), nil)
			_, err := reg.Create(context.Background(), "u1", "u2", clients.SessionVoice)
			require.Error(t, err)
			assert.Equal(t, tc.kind, svcErr.KindOf(err))
		})
	}
}

func TestSessionRegistryCreateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg := clients.NewSessionRegistry(srv.URL, 50*time.Millisecond, srv.Client(), nil)
	_, err := reg.Create(context.Background(), "u1", "u2", clients.SessionVoice)
	require.Error(t, err)
	assert.Equal(t, svcErr.KindTransient, svcErr.KindOf(err))
}

func TestSessionRegistryEndAndGet(t *testing.T) {
	var patched map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/sessions/s1":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s1":
			_, _ = w.Write([]byte(`{"id":"s1","room_id":"r1","status":"ENDED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	reg := clients.NewSessionRegistry(srv.URL, time.Second, srv.Client(), nil)

	require.NoError(t, reg.End(ctx, "s1", "skipped"))
	assert.Equal(t, "ENDED", patched["status"])
	assert.Equal(t, "skipped", patched["reason"])
	assert.NotEmpty(t, patched["ended_at"])

	require.NoError(t, reg.End(ctx, "missing", "ended"))

	s, err := reg.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, s.Active())

	_, err = reg.Get(ctx, "missing")
	assert.True(t, svcErr.IsKind(err, svcErr.KindNotFound))
	assert.Equal(t, http.StatusNotFound, clients.StatusCode(err))
}

func TestUserStoreProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.Header.Get("X-Internal-Request"))
		switch r.URL.Path {
		case "/profile/internal/users/u1":
			_, _ = w.Write([]byte(`{"data":{"user":{"id":"u1","name":"Amira","picture":"https://cdn/p.jpg","age":27}}}`))
		case "/profile/internal/users/u2":
			_, _ = w.Write([]byte(`{"data":{"user":{"firstName":"Bilal","profilePicture":"https://cdn/b.jpg"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store := clients.NewUserStore(srv.URL, srv.Client(), nil)

	p, err := store.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Amira", p.Name)
	require.NotNil(t, p.Picture)
	assert.Equal(t, "https://cdn/p.jpg", *p.Picture)
	assert.Equal(t, 27, *p.Age)

	p, err = store.Profile(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", p.ID)
	assert.Equal(t, "Bilal", p.Name)
	assert.Equal(t, "https://cdn/b.jpg", *p.Picture)

	_, err = store.Profile(ctx, "nobody")
	assert.True(t, svcErr.IsKind(err, svcErr.KindNotFound))
}

func TestConversationStoreAndMessageService(t *testing.T) {
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/conversations/c1":
			_, _ = w.Write([]byte(`{"data":{"conversation":{"id":"c1","participants":["u1","u2"]}}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/conversations/c1/messages":
			assert.Equal(t, "u1", r.Header.Get("X-User-Id"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			_, _ = w.Write([]byte(`{"data":{"message":{"id":"m1","content":"hi","type":"text","created_at":"2026-06-01T09:00:00Z"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	conv := clients.NewConversationStore(srv.URL, srv.Client(), nil)
	members, err := conv.Participants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, members)

	_, err = conv.Participants(ctx, "session-xyz")
	assert.True(t, svcErr.IsKind(err, svcErr.KindNotFound))

	msgs := clients.NewMessageService(srv.URL, srv.Client(), nil)
	stored, err := msgs.Send(ctx, clients.OutgoingMessage{ConversationID: "c1", SenderID: "u1", Content: "hi", Type: "text"})
	require.NoError(t, err)
	assert.Equal(t, "m1", stored.ID)
	assert.Equal(t, "c1", stored.ConversationID)
	assert.Equal(t, "u1", stored.SenderID)
	assert.Equal(t, "hi", sent["content"])
}
