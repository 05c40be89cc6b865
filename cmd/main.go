package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/cwrk-planet/chat-service/config"
	"github.com/cwrk-planet/chat-service/internal/broadcast"
	"github.com/cwrk-planet/chat-service/internal/chat"
	"github.com/cwrk-planet/chat-service/internal/metrics"
	"github.com/cwrk-planet/chat-service/internal/registry"
	"github.com/cwrk-planet/chat-service/internal/room"
	"github.com/cwrk-planet/chat-service/internal/router"
	grpcx "github.com/cwrk-planet/chat-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/chat-service/internal/transport/http"
	"github.com/cwrk-planet/chat-service/internal/transport/ws"
	"github.com/cwrk-planet/chat-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	defer func() { _ = logger.Sync() }()
	slog.Info("starting chat-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version,
		"reconcile_threshold", cfg.Chat.ReconcileThreshold,
		"prune_on_close", cfg.Chat.PruneOnClose)

	// --- tracing ---
	// no exporter yet: spans only give log lines their trace_id/span_id
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.Logging.Service),
			attribute.String("service.version", cfg.Logging.Version),
		)),
	)
	otel.SetTracerProvider(tp)

	// --- metrics ---
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtr := metrics.New(promReg)

	// --- core ---
	live := registry.New(mtr)

	roomOpts := []room.Option{room.WithMetrics(mtr)}
	if cfg.Chat.PruneOnClose {
		roomOpts = append(roomOpts, room.WithConnTracking())
	}
	if cfg.Chat.CollectEmptyRooms {
		roomOpts = append(roomOpts, room.WithEmptyRoomCollection())
	}
	rooms := room.New(roomOpts...)

	bc := broadcast.New(broadcast.Options{
		SendTimeout:   cfg.Chat.SendTimeout,
		MaxConcurrent: cfg.Chat.MaxConcurrentSends,
		Metrics:       mtr,
	})
	rt := router.New(rooms, live, bc, chat.JSONCodec{}, router.Config{
		ReconcileThreshold: cfg.Chat.ReconcileThreshold,
	}, mtr)

	// --- WS ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsOpts := ws.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxMessageSize: cfg.Chat.MaxMessageSize,
		PingInterval:   cfg.Chat.PingInterval,
	}
	if cfg.Chat.PruneOnClose {
		wsOpts.Forget = rooms
	}
	wsServer := ws.NewServer(ctx, rt, live, wsOpts)

	// --- HTTP ---
	handler := httpx.NewHandler(rooms, live)
	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpx.NewRouter(httpx.RouterDeps{
			Handler:        handler,
			WS:             wsServer.HandleWS,
			Metrics:        metrics.Handler(promReg),
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// --- gRPC ---
	grpcSrv := grpcx.NewServer()

	// --- run both servers ---
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			errCh <- err
			return
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	grpcSrv.SetServing(false)
	// stop accepting upgrades before closing the sockets we already hold
	if err := httpSrv.Shutdown(ctxShutdown); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	if err := wsServer.Shutdown(ctxShutdown); err != nil {
		slog.Warn("ws shutdown", "err", err)
	}
	cancel()
	grpcSrv.GracefulStop()
	if err := tp.Shutdown(ctxShutdown); err != nil {
		slog.Warn("tracer shutdown", "err", err)
	}
	slog.Info("stopped")
}
