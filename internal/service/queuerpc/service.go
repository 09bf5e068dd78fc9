// Package queuerpc serves the queue API over gRPC for internal callers.
package queuerpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oggyb/muzz-live/internal/app"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/service/matchmaking"
)

// Service adapts matchmaking.Service to QueueServiceServer.
type Service struct {
	svc *matchmaking.Service
	log *slog.Logger
}

// NewService creates the gRPC adapter.
func NewService(appCtx *app.AppContext, svc *matchmaking.Service) *Service {
	return &Service{svc: svc, log: appCtx.Logger.With("component", "queuerpc")}
}

// Join admits a user; the request carries the REST join body.
//
// Behavior:
//   - Validation failures map to InvalidArgument, a live call to AlreadyExists.
//
// Example:
//
//	out, err := client.Join(ctx, structpb.NewStruct(map[string]any{"user_id": "u1", "intent": "SERIOUS", "gender": "MAN"}))
func (s *Service) Join(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.log.Debug("Join called")
	var req matchmaking.JoinRequest
	if err := decode(in, &req); err != nil {
		return nil, svcErr.Map(err)
	}
	st, err := s.svc.Join(ctx, req)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return encode(st)
}

// Leave removes a user from the queue.
func (s *Service) Leave(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID := in.GetFields()["user_id"].GetStringValue()
	s.log.Debug("Leave called", "user_id", userID)
	removed, err := s.svc.Leave(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return encode(map[string]any{"user_id": userID, "removed": removed})
}

// Status never fails for a well-formed request; lookup errors come back as status ERROR.
func (s *Service) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID := in.GetFields()["user_id"].GetStringValue()
	s.log.Debug("Status called", "user_id", userID)
	return encode(s.svc.Status(ctx, userID))
}

// Stats summarizes the queue.
func (s *Service) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.log.Debug("Stats called")
	st, err := s.svc.Stats(ctx)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return encode(st)
}

func decode(in *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return svcErr.Validation("invalid request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return svcErr.Validation("invalid request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, svcErr.Map(err)
	}
	return out, nil
}

// Registrar ties QueueService into the gRPC server.
type Registrar struct {
	svc *Service
}

// NewRegistrar creates a Registrar for QueueService.
func NewRegistrar(svc *Service) *Registrar {
	return &Registrar{svc: svc}
}

// Register attaches QueueService to the gRPC server.
func (r *Registrar) Register(s grpc.ServiceRegistrar) {
	RegisterQueueServiceServer(s, r.svc)
}
