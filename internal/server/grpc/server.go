package grpcserver

import (
	"context"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
}

// Server wraps the gRPC services a store exposes.
type Server struct {
	cfg    Config
	srv    *grpc.Server
	binder ServiceBinder
	health *health.Server
	logger *zap.Logger
}

// New constructs a Server. Every call is traced through otelgrpc.
func New(cfg Config, binder ServiceBinder, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if binder == nil {
		binder = noopBinder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := &Server{
		cfg:    cfg,
		srv:    grpc.NewServer(opts...),
		binder: binder,
		health: health.NewServer(),
		logger: logger.Named("grpc"),
	}
	binder.Register(s.srv)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.Serve(ctx, lis)
	return nil
}

// Serve serves on lis in the background until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) {
	s.setServing(true)
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	go func() {
		<-ctx.Done()
		s.setServing(false)
		s.srv.GracefulStop()
		_ = lis.Close()
	}()
	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.logger.Warn("grpc server stopped", zap.Error(err))
		}
	}()
}

// Stop shuts down the server.
func (s *Server) Stop() {
	if s.srv != nil {
		s.setServing(false)
		s.srv.GracefulStop()
	}
}

func (s *Server) setServing(serving bool) {
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// ServiceBinder registers services on the server before it starts.
type ServiceBinder interface {
	Register(grpc.ServiceRegistrar)
}

type noopBinder struct{}

func (noopBinder) Register(grpc.ServiceRegistrar) {}
