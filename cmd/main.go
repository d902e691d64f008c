// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/mbridge"
	"github.com/absmach/mbridge/pkg/breaker"
	"github.com/absmach/mbridge/pkg/bridge"
	"github.com/absmach/mbridge/pkg/forwarder"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/health"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/modbus"
	"github.com/absmach/mbridge/pkg/mqtt"
	"github.com/absmach/mbridge/pkg/pool"
	"github.com/absmach/mbridge/pkg/ratelimit"
	"github.com/absmach/mbridge/pkg/tlsconfig"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	svcName         = "mbridge"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// .env is optional
	envErr := godotenv.Load()

	cfg, err := mbridge.NewConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}
	logger.Info("starting mbridge",
		slog.Any("transports", cfg.Transports),
		slog.String("gateway", cfg.Gateway.URL))

	m := metrics.New(svcName, prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("goroutines", func(ctx context.Context) error {
		m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
		return nil
	})
	checker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})

	cb := newBreaker(cfg.Gateway, m, logger)
	if cb != nil {
		checker.Register("gateway", func(ctx context.Context) error {
			if state := cb.State(); state == breaker.StateOpen {
				return fmt.Errorf("gateway circuit is %s", state)
			}
			return nil
		})
	}

	fwd, err := forwarder.New(forwarder.Config{
		URL:                cfg.Gateway.URL,
		APIKey:             cfg.Gateway.APIKey,
		Timeout:            cfg.Gateway.Timeout,
		InternalHost:       cfg.Gateway.InternalHost,
		SkipVerifyInternal: cfg.Gateway.SkipVerifyInternal,
		Breaker:            cb,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to create gateway forwarder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workers := pool.New(pool.Config{
		Workers:     cfg.Pool.Workers,
		QueueSize:   cfg.Pool.QueueSize,
		WaitTimeout: cfg.Pool.WaitTimeout,
	})
	checker.Register("worker_pool", func(ctx context.Context) error {
		queued, active := workers.Stats()
		m.PoolJobs.WithLabelValues("queued").Set(float64(queued))
		m.PoolJobs.WithLabelValues("active").Set(float64(active))
		return nil
	})

	forwarding := handler.NewForwarding(fwd, logger)
	var (
		direct handler.Handler = forwarding
		pooled handler.Handler = handler.NewPooled(forwarding, workers)
	)
	if cfg.RateLimit.Rate > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			Rate:       cfg.RateLimit.Rate,
			Burst:      cfg.RateLimit.Burst,
			MaxDevices: cfg.RateLimit.MaxDevices,
		})
		direct = handler.NewRateLimited(direct, limiter, logger)
		pooled = handler.NewRateLimited(pooled, limiter, logger)
	}
	direct = handler.NewInstrumented(direct, m)
	pooled = handler.NewInstrumented(pooled, m)

	listeners, err := newBridges(cfg, direct, pooled, m, checker, logger)
	if err != nil {
		logger.Error("failed to create bridges", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workers.Start(ctx)

	for name, listen := range listeners {
		name, listen := name, listen
		g.Go(func() error {
			logger.Info("starting bridge", slog.String("transport", name))
			if err := listen(ctx); err != nil {
				return fmt.Errorf("%s bridge: %w", name, err)
			}
			return nil
		})
	}

	if cfg.Observability.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serve(ctx, "metrics", cfg.Observability.MetricsPort, mux, logger)
		})
	}
	if cfg.Observability.HealthPort > 0 {
		g.Go(func() error {
			return serve(ctx, "health", cfg.Observability.HealthPort, checker.Handler(), logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	err = g.Wait()
	if cerr := workers.Close(); cerr != nil && !errors.Is(cerr, pool.ErrPoolClosed) {
		logger.Warn("failed to close worker pool", slog.String("error", cerr.Error()))
	}
	if err != nil {
		logger.Error(fmt.Sprintf("mbridge service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("mbridge service stopped")
}

type listenFunc func(ctx context.Context) error

func newBridges(cfg mbridge.Config, direct, pooled handler.Handler, m *metrics.Metrics, checker *health.Checker, logger *slog.Logger) (map[string]listenFunc, error) {
	listeners := make(map[string]listenFunc)

	if cfg.Enabled(mbridge.TransportCoAP) {
		b, err := bridge.NewCoAP(bridge.CoAPConfig{
			Host:            cfg.CoAP.Host,
			Port:            cfg.CoAP.Port,
			Resources:       cfg.CoAP.Resources,
			ForwardAttempts: cfg.CoAP.ForwardAttempts,
			BufferSize:      cfg.CoAP.BufferSize,
			Workers:         cfg.CoAP.Workers,
			QueueSize:       cfg.CoAP.QueueSize,
			ShutdownTimeout: cfg.CoAP.ShutdownTimeout,
			Logger:          logger.With(slog.String("transport", mbridge.TransportCoAP)),
		}, direct)
		if err != nil {
			return nil, err
		}
		listeners[mbridge.TransportCoAP] = b.Listen
	}

	if cfg.Enabled(mbridge.TransportModbus) {
		b, err := bridge.NewModbus(bridge.ModbusConfig{
			Config: modbus.Config{
				Host:            cfg.Modbus.Host,
				Port:            cfg.Modbus.Port,
				SlaveID:         cfg.Modbus.SlaveID,
				PollInterval:    cfg.Modbus.PollInterval,
				RetryInterval:   cfg.Modbus.RetryInterval,
				MaxRetries:      cfg.Modbus.MaxRetries,
				Backoff:         cfg.Modbus.BackoffPolicy(),
				Cooldown:        cfg.Modbus.Cooldown,
				RegisterAddress: cfg.Modbus.RegisterAddress,
				RegisterCount:   cfg.Modbus.RegisterCount,
				Fields:          cfg.Modbus.Fields,
				Scale:           cfg.Modbus.Scale,
				Logger:          logger.With(slog.String("transport", mbridge.TransportModbus)),
				Metrics:         m,
			},
			Timeout: cfg.Modbus.Timeout,
		}, direct)
		if err != nil {
			return nil, err
		}
		listeners[mbridge.TransportModbus] = b.Listen
	}

	if cfg.Enabled(mbridge.TransportMQTT) {
		b, err := bridge.NewMQTT(mqtt.Config{
			BrokerURL: cfg.MQTT.BrokerURL,
			Topic:     cfg.MQTT.Topic,
			QoS:       cfg.MQTT.QoS,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			TLS: tlsconfig.Client{
				CAFile:             cfg.MQTT.CAFile,
				CertFile:           cfg.MQTT.CertFile,
				KeyFile:            cfg.MQTT.KeyFile,
				InsecureSkipVerify: cfg.MQTT.InsecureSkipVerify,
			},
			KeepAlive:       cfg.MQTT.KeepAlive,
			ConnectAttempts: cfg.MQTT.ConnectAttempts,
			QueueSize:       cfg.MQTT.QueueSize,
			Logger:          logger.With(slog.String("transport", mbridge.TransportMQTT)),
			Metrics:         m,
		}, pooled)
		if err != nil {
			return nil, err
		}
		checker.Register("mqtt", func(ctx context.Context) error {
			if !b.Connected() {
				return errors.New("not connected to broker")
			}
			return nil
		})
		listeners[mbridge.TransportMQTT] = b.Listen
	}

	if cfg.Enabled(mbridge.TransportWebSocket) {
		b, err := bridge.NewWebSocket(bridge.WebSocketConfig{
			Host:              cfg.WebSocket.Host,
			Port:              cfg.WebSocket.Port,
			CertFile:          cfg.WebSocket.CertFile,
			KeyFile:           cfg.WebSocket.KeyFile,
			FallbackPlaintext: cfg.WebSocket.FallbackPlaintext,
			ReadLimit:         cfg.WebSocket.ReadLimit,
			ShutdownTimeout:   cfg.WebSocket.ShutdownTimeout,
			Logger:            logger.With(slog.String("transport", mbridge.TransportWebSocket)),
			Metrics:           m,
		}, pooled)
		if err != nil {
			return nil, err
		}
		listeners[mbridge.TransportWebSocket] = b.Listen
	}

	return listeners, nil
}

// newBreaker returns nil when the gateway circuit breaker is disabled.
func newBreaker(cfg mbridge.GatewayConfig, m *metrics.Metrics, logger *slog.Logger) *breaker.CircuitBreaker {
	if cfg.BreakerMaxFailures <= 0 {
		return nil
	}
	cb := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: 1,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("gateway circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues("gateway").Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues("gateway").Inc()
		}
	})
	return cb
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// serve runs an auxiliary HTTP server until ctx is cancelled.
func serve(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
