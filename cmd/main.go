// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mqauth/authority"
	"github.com/absmach/mqauth/authz"
	"github.com/absmach/mqauth/config"
	"github.com/absmach/mqauth/hooks"
	mqtttls "github.com/absmach/mqauth/pkg/tls"
	"github.com/absmach/mqauth/ratelimit"
	"github.com/absmach/mqauth/server/health"
	"github.com/absmach/mqauth/server/mqtt"
	"github.com/absmach/mqauth/server/otel"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting MQTT authorization broker", "version", "0.1.0", "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.TCPAddr,
		"tls_listener", cfg.Server.TLSAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"authority", cfg.Authority.BaseURL,
		"cache_type", cfg.Cache.Type,
		"cache_ttl", cfg.Cache.TTL,
		"debug", cfg.Debug,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dc, err := newCache(ctx, cfg.Cache, cfg.Debug, logger)
	if err != nil {
		slog.Error("Failed to initialize decision cache", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	var (
		otelShutdown func(context.Context) error
		metrics      *otel.Metrics
	)
	if cfg.Server.MetricsEnabled {
		otelShutdown, err = otel.InitProvider(ctx, cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.OtelEndpoint)

		if cfg.Server.OtelMetricsEnabled {
			metrics, err = otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			slog.Info("OTel metrics enabled")
		}
		if cfg.Server.OtelTracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var authOpts []authority.Option
	var fwdOpts []authz.ForwarderOption
	if metrics != nil {
		authOpts = append(authOpts, authority.WithRecorder(metrics))
		fwdOpts = append(fwdOpts, authz.WithCacheRecorder(metrics))
	}

	client, err := authority.New(authorityConfig(cfg), dc, logger, authOpts...)
	if err != nil {
		slog.Error("Failed to create authority client", "error", err)
		os.Exit(1)
	}
	forwarder := authz.NewForwarder(dc, client, logger, fwdOpts...)

	handler := hooks.New(client, forwarder, logger)

	registry := mqtt.NewRegistry()
	var hookOpts []mqtt.HookOption

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewManager(cfg.RateLimit)
		defer limiter.Stop()

		handler = hooks.NewRateLimit(handler, limiter, logger)
		hookOpts = append(hookOpts, mqtt.WithDisconnectFunc(limiter.OnClientDisconnect))

		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("publish", cfg.RateLimit.Publish.Enabled),
			slog.Bool("subscribe", cfg.RateLimit.Subscribe.Enabled))
	} else {
		slog.Info("Rate limiting disabled")
	}

	if metrics != nil {
		handler = hooks.NewMetrics(handler, metrics)
		hookOpts = append(hookOpts, mqtt.WithConnRecorder(metrics))
	}
	handler = hooks.NewLogging(handler, logger)

	hook := mqtt.NewHook(handler, registry, cfg.HooksTimeout, logger, hookOpts...)

	tlsCfg, err := mqtttls.Load(&cfg.Server.TLS)
	if err != nil {
		slog.Error("Failed to build TLS configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("TLS listener security", "status", mqtttls.SecurityStatus(tlsCfg))

	mqttCfg := mqtt.Config{
		TCPAddr:   cfg.Server.TCPAddr,
		TLSAddr:   cfg.Server.TLSAddr,
		TLSConfig: tlsCfg,
	}
	if cfg.Server.WSEnabled {
		mqttCfg.WSAddr = cfg.Server.WSAddr
	}

	srv, err := mqtt.NewServer(mqttCfg, hook, logger)
	if err != nil {
		slog.Error("Failed to create MQTT server", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(gctx)
	})

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, dc, client, registry, logger)

		g.Go(func() error {
			return healthServer.Listen(gctx)
		})
	}

	slog.Info("MQTT authorization broker started successfully")

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
	}
	slog.Info("Received shutdown signal")

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("MQTT authorization broker stopped")
}
