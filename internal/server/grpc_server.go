package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/oggyb/muzz-live/internal/config"
)

const healthInterval = 10 * time.Second

// Check probes one dependency for the health service.
type Check func(ctx context.Context) error

// Registrar attaches one service implementation to a server. Queue RPCs are
// the only registrar today; health and reflection are always added.
type Registrar interface {
	Register(s grpc.ServiceRegistrar)
}

// GRPCServer is a gRPC server with health and reflection registered.
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
	checks map[string]Check
	log    *slog.Logger
}

// NewGRPCServer builds the server and registers all provided services.
func NewGRPCServer(log *slog.Logger, checks map[string]Check, registrars ...Registrar) *GRPCServer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("component", "grpc")
	s := &GRPCServer{
		srv:    grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(log))),
		health: health.NewServer(),
		checks: checks,
		log:    log,
	}

	// register all services
	for _, r := range registrars {
		r.Register(s.srv)
	}
	healthpb.RegisterHealthServer(s.srv, s.health)

	// enable reflection for easier debugging with grpcurl
	reflection.Register(s.srv)
	return s
}

// Server exposes the underlying grpc.Server, used by tests to serve on bufconn.
func (s *GRPCServer) Server() *grpc.Server { return s.srv }

// Serve accepts on lis until ctx ends, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.probe(ctx)
	go func() {
		t := time.NewTicker(healthInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.srv.GracefulStop()
				return
			case <-t.C:
				s.probe(ctx)
			}
		}
	}()
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

// probe sets the overall health status from every check.
func (s *GRPCServer) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.log.Warn("health check failed", "dep", name, "err", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
}

// StartGRPCServer listens on the configured address and serves until ctx ends.
func StartGRPCServer(ctx context.Context, cfg *config.Config, s *GRPCServer) error {
	addr := fmt.Sprintf("%s:%s", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

func logUnary(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		attrs := []any{"method", info.FullMethod, "code", code.String(), "duration_ms", time.Since(start).Milliseconds()}
		if err != nil {
			log.Warn("gRPC request", append(attrs, "err", err)...)
		} else {
			log.Debug("gRPC request", attrs...)
		}
		return resp, err
	}
}
