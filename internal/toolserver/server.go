package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/toolagent/internal/tool"
)

// Server serves one tool registry.
type Server struct {
	registry *tool.Registry
	logger   *slog.Logger
	health   *health.Server
}

// NewServer creates a server for registry.
func NewServer(registry *tool.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, logger: logger, health: health.NewServer()}
}

// Register installs the tool and health services on gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// ListTools implements ToolServiceServer.
func (s *Server) ListTools(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := listToolsResponse{Tools: []toolDescriptor{}}
	for _, schema := range s.registry.Schemas() {
		resp.Tools = append(resp.Tools, toolDescriptor(schema))
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// CallTool implements ToolServiceServer. Handler failures are returned in
// the payload so the caller can hand them to the agent.
func (s *Server) CallTool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, spec, err := s.resolve(in)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var resp callResponse
	output, err := spec.Handler.Call(ctx, req.Args)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Output = output
	}
	s.logger.Info("Tool call served", "tool", req.Name, "duration", time.Since(start), "failed", err != nil)

	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// PromptTool implements ToolServiceServer.
func (s *Server) PromptTool(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, spec, err := s.resolve(in)
	if err != nil {
		return nil, err
	}
	prompt, err := spec.ApprovalPrompt(req.Args)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := toStruct(callResponse{Prompt: prompt})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) resolve(in *structpb.Struct) (callRequest, tool.Spec, error) {
	req, err := fromStruct[callRequest](in)
	if err != nil {
		return req, tool.Spec{}, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	spec, err := s.registry.Lookup(req.Name)
	if errors.Is(err, tool.ErrToolNotFound) {
		return req, tool.Spec{}, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return req, tool.Spec{}, status.Error(codes.Internal, err.Error())
	}
	return req, spec, nil
}

// Serve listens on addr and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             30 * time.Second,
		PermitWithoutStream: true,
	}))
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Tool server listening", "address", lis.Addr().String(), "tools", s.registry.Names())
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve tools: %w", err)
		}
		return nil
	}
}
