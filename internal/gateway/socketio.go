package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// eventTimeout bounds the dependency calls one socket event may make.
const eventTimeout = 30 * time.Second

// SocketIO is the socket.io Transport. Bind must be called before serving.
type SocketIO struct {
	srv  *socketio.Server
	auth *Authenticator
	log  *slog.Logger
	hub  *Hub

	mu    sync.RWMutex
	conns map[string]socketio.Conn
	ctx   context.Context
}

func NewSocketIO(auth *Authenticator, log *slog.Logger) *SocketIO {
	return &SocketIO{
		srv:   socketio.NewServer(nil),
		auth:  auth,
		log:   log.With("component", "socketio"),
		conns: map[string]socketio.Conn{},
		ctx:   context.Background(),
	}
}

// Bind wires the socket.io namespace to hub.
func (s *SocketIO) Bind(hub *Hub) {
	s.hub = hub
	s.srv.OnConnect("/", s.onConnect)
	s.srv.OnDisconnect("/", func(c socketio.Conn, reason string) {
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
		s.log.Debug("socket closed", "socket_id", c.ID(), "reason", reason)
		s.hub.Disconnect(c.ID())
	})
	s.srv.OnError("/", func(c socketio.Conn, err error) {
		if c == nil {
			s.log.Warn("socket.io error", "error", err)
			return
		}
		s.log.Warn("socket.io error", "socket_id", c.ID(), "error", err)
	})
	for _, event := range ClientEvents {
		s.srv.OnEvent("/", event, func(c socketio.Conn, data map[string]any) {
			s.onEvent(c, event, data)
		})
	}
}

// onConnect authenticates with ?token= or an Authorization header.
func (s *SocketIO) onConnect(c socketio.Conn) error {
	u := c.URL()
	token := u.Query().Get("token")
	if token == "" {
		token = c.RemoteHeader().Get("Authorization")
	}
	userID, err := s.auth.UserID(token)
	if err != nil {
		s.log.Warn("rejecting socket", "socket_id", c.ID(), "error", err)
		c.Emit(OutError, Envelope{
			Event: OutError,
			Data:  map[string]any{"code": "unauthorized", "message": "authentication required"},
			TS:    time.Now().UTC(),
		})
		_ = c.Close()
		return err
	}

	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	c.SetContext(userID)
	s.hub.Connect(c.ID(), userID)
	return nil
}

func (s *SocketIO) onEvent(c socketio.Conn, event string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("unencodable payload", "event", event, "error", err)
		return
	}
	s.mu.RLock()
	base := s.ctx
	s.mu.RUnlock()
	ctx, cancel := context.WithTimeout(base, eventTimeout)
	defer cancel()
	s.hub.Handle(ctx, c.ID(), event, raw)
}

func (s *SocketIO) Emit(socketID, event string, env Envelope) {
	s.mu.RLock()
	c, ok := s.conns[socketID]
	s.mu.RUnlock()
	if ok {
		c.Emit(event, env)
	}
}

// Serve runs the socket.io engine until ctx ends.
func (s *SocketIO) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve() }()
	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errc:
		return err
	}
}

// NewHTTPHandler mounts socket.io and /healthz behind CORS.
func NewHTTPHandler(sio *SocketIO, allowedOrigins []string, health func(context.Context) error) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, code := "ok", http.StatusOK
		if health != nil {
			if err := health(req.Context()); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}).Methods(http.MethodGet)
	r.PathPrefix("/socket.io/").Handler(sio.srv)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return otelhttp.NewHandler(c.Handler(r), "gateway")
}
