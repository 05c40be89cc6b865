// Package grpcx serves the operational gRPC surface: the standard health
// service and reflection.
package grpcx

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name callers can check besides "".
const ServiceName = "chat.v1.ChatService"

type Server struct {
	*grpc.Server
	health *health.Server
}

func NewServer() *Server {
	obs := newCallObserver(10 * time.Second)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(obs.unary),
		grpc.ChainStreamInterceptor(obs.stream),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{Server: gs, health: hs}
	s.SetServing(true)
	return s
}

// SetServing flips the reported status of the overall server and the chat
// service together.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// GracefulStop reports NOT_SERVING, then drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}
