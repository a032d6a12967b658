package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the FaxRelay and health services.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

func New(svc FaxRelayServer, auth *Authenticator, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(requestIDInterceptor, loggingInterceptor(logger), authInterceptor(auth)),
		grpc.MaxRecvMsgSize(64 << 20),
	}, opts...)
	gs := grpc.NewServer(opts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	RegisterFaxRelayServer(gs, svc)
	reflection.Register(gs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{grpc: gs, health: hs, logger: logger}
}

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc.serving", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks the server not serving and drains in-flight calls, forcing a stop after timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.health.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("grpc.stopped")
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		s.logger.Warn("grpc.stop.forced")
		return ctx.Err()
	}
}
