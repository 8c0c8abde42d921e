package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nyxkv/internal/logging"
	"nyxkv/internal/observability/tracing"
	"nyxkv/internal/pd"
	pdgrpc "nyxkv/internal/pd/grpc"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:18080", "gRPC listen address")
	dataDir := flag.String("data", "/tmp/nyxkv-pd", "PD data directory")
	level := flag.String("log-level", "info", "log level")
	traceEndpoint := flag.String("trace-endpoint", "", "OTLP gRPC collector address; empty disables tracing")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *level})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Setup(context.Background(), tracing.Config{
		Endpoint:  *traceEndpoint,
		Insecure:  true,
		Component: "pd",
	})
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	service, err := pd.NewPersistentService(*dataDir, logger)
	if err != nil {
		logger.Fatal("failed to create PD service", zap.Error(err))
	}
	defer service.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	pdgrpc.Register(grpcServer, service)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", *addr), zap.Error(err))
	}
	logger.Info("PD server listening", zap.String("addr", *addr))

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("serve", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	grpcServer.GracefulStop()
	logger.Info("PD server stopped")
}
