// Package server exposes the operational surface: Prometheus metrics and
// liveness/readiness probes over HTTP, plus the standard gRPC health service
// for environments that probe over gRPC.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Handler returns the HTTP handler for metrics and health checks. ready
// reports whether both the broker and storage connections are usable.
func Handler(ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Start launches the HTTP server and shuts it down when ctx is cancelled.
func Start(ctx context.Context, addr string, ready func() bool, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: Handler(ready)}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

// StartGRPC serves the grpc.health.v1 service on addr. The returned health
// server is the handle for flipping serving status as connections come and go.
// An empty addr disables the listener and returns a detached health server.
func StartGRPC(ctx context.Context, addr string, logger *slog.Logger) (*health.Server, error) {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if addr == "" {
		return hs, nil
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc health server error", "error", err)
		}
	}()
	return hs, nil
}
