// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/novatechflow/jasminmongologd/internal/broker"
	"github.com/novatechflow/jasminmongologd/internal/config"
	"github.com/novatechflow/jasminmongologd/internal/decoder"
	"github.com/novatechflow/jasminmongologd/internal/dedup"
	"github.com/novatechflow/jasminmongologd/internal/ingest"
	"github.com/novatechflow/jasminmongologd/internal/metrics"
	"github.com/novatechflow/jasminmongologd/internal/server"
	"github.com/novatechflow/jasminmongologd/internal/sink"
	"github.com/novatechflow/jasminmongologd/internal/supervisor"
)

const (
	defaultMetricsAddr   = ":8062"
	defaultDedupEntries  = 4096
	defaultStartupWindow = 60 * time.Second
	serviceVersion       = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (optional, env vars override)")
	startupTimeout := flag.Duration("startup-timeout", defaultStartupWindow, "how long to wait for broker and storage on boot")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(serviceVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting", "version", serviceVersion, "privacy", cfg.Privacy)

	// State callbacks fire from inside the supervisors; readiness reads these
	// snapshots instead of calling back into them.
	var brokerState, storageState atomic.Int64
	ready := func() bool {
		return usable(supervisor.State(brokerState.Load())) &&
			usable(supervisor.State(storageState.Load()))
	}

	metricsAddr := cfg.Server.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}
	server.Start(ctx, metricsAddr, ready, logger)
	healthSrv, err := server.StartGRPC(ctx, cfg.Server.GRPCAddr, logger)
	if err != nil {
		logger.Error("grpc health listener failed", "error", err)
		os.Exit(1)
	}

	onState := func(name string, slot *atomic.Int64) func(supervisor.State) {
		return func(st supervisor.State) {
			slot.Store(int64(st))
			metrics.SupervisorState.WithLabelValues(name).Set(float64(st))
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ready() {
				status = healthpb.HealthCheckResponse_SERVING
			}
			healthSrv.SetServingStatus("", status)
		}
	}

	brokerSup := supervisor.New[ingest.Source](
		supervisorConfig(cfg, "broker", onState("broker", &brokerState), logger),
		func(ctx context.Context) (ingest.Source, error) {
			sess, err := broker.Dial(ctx, brokerConfig(cfg, logger))
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		func(s ingest.Source) {
			if sess, ok := s.(*broker.Session); ok {
				sess.Close()
			}
		},
	)
	storageSup := supervisor.New[sink.Writer](
		supervisorConfig(cfg, "storage", onState("storage", &storageState), logger),
		func(ctx context.Context) (sink.Writer, error) {
			return sink.Connect(ctx, sink.MongoConfig{
				ConnectionString: cfg.Mongo.ConnectionString,
				Database:         cfg.Mongo.Database,
				LogCollection:    cfg.Mongo.Collection,
				UserCollection:   cfg.Mongo.UserCollection,
				OperationTimeout: 10 * time.Second,
				Logger:           logger,
			})
		},
		func(w sink.Writer) {
			cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer ccancel()
			_ = w.Close(cctx)
		},
	)

	loop := ingest.New(ingest.Config{
		PersistRetries:  cfg.Retry.PersistRetries,
		RetryBackoffMin: cfg.Retry.PersistBackoff,
		RetryBackoffMax: cfg.Retry.PersistBackoffMax,
		Logger:          logger,
	}, brokerSup, storageSup, decoder.New(cfg.Privacy), dedup.New(defaultDedupEntries))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return brokerSup.Run(gctx) })
	g.Go(func() error { return storageSup.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })

	// Both connections must come up within the startup window; a service that
	// cannot reach its dependencies at boot exits instead of idling.
	sctx, scancel := context.WithTimeout(gctx, *startupTimeout)
	if _, err := storageSup.Acquire(sctx); err != nil {
		scancel()
		cancel()
		_ = g.Wait()
		logger.Error("storage unavailable at startup", "error", err)
		os.Exit(1)
	}
	if _, err := brokerSup.Acquire(sctx); err != nil {
		scancel()
		cancel()
		_ = g.Wait()
		logger.Error("broker unavailable at startup", "error", err)
		os.Exit(1)
	}
	scancel()
	logger.Info("ingest running", "metrics_addr", metricsAddr)

	if err := g.Wait(); err != nil {
		logger.Error("service halted", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// usable reports whether a connection state can serve traffic. Degraded still
// counts: the session is alive, only recent operations on it have failed.
func usable(st supervisor.State) bool {
	return st == supervisor.Connected || st == supervisor.Degraded
}

func supervisorConfig(cfg config.Config, name string, onState func(supervisor.State), logger *slog.Logger) supervisor.Config {
	maxAttempts := 0
	if !cfg.RetryForever() {
		maxAttempts = cfg.Retry.MaxConnectAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
	}
	return supervisor.Config{
		Name:               name,
		BackoffMin:         cfg.Retry.ReconnectDelay,
		BackoffMax:         cfg.Retry.ReconnectDelayMax,
		FailureThreshold:   cfg.Retry.FailureThreshold,
		MaxConnectAttempts: maxAttempts,
		OnState:            onState,
		Logger:             logger,
	}
}

func brokerConfig(cfg config.Config, logger *slog.Logger) broker.Config {
	return broker.Config{
		Host:      cfg.AMQP.Host,
		Port:      cfg.AMQP.Port,
		VHost:     cfg.AMQP.VHost,
		Username:  cfg.AMQP.Username,
		Password:  cfg.AMQP.Password,
		Heartbeat: time.Duration(cfg.AMQP.HeartbeatSeconds) * time.Second,
		Exchange:  cfg.AMQP.Exchange,
		Queue:     cfg.AMQP.Queue,
		Bindings:  cfg.AMQP.Bindings,
		Prefetch:  cfg.AMQP.Prefetch,
		Logger:    logger,
	}
}

// newLogger builds the JSON logger, writing to a log file instead of stdout
// for deployments that still collect logs from disk.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stdout
	closeLog := func() {}
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", "jasminmongologd"), closeLog, nil
}
