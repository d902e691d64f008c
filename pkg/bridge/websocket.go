// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/tlsconfig"
	"github.com/absmach/mbridge/pkg/websocket"
)

// DefaultShutdownTimeout bounds the HTTP server shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// WebSocketConfig holds configuration for the WebSocket bridge.
type WebSocketConfig struct {
	Host string
	Port string

	// CertFile and KeyFile enable WSS.
	CertFile string
	KeyFile  string

	// FallbackPlaintext serves plain WS when the certificate cannot be
	// loaded. Otherwise that is a configuration error.
	FallbackPlaintext bool

	ReadLimit       int64
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// WebSocketBridge coordinates the HTTP server and the WebSocket handler.
type WebSocketBridge struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewWebSocket creates a WebSocket bridge that hands messages to h.
func NewWebSocket(cfg WebSocketConfig, h handler.Handler) (*WebSocketBridge, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	tlsCfg, err := loadServerTLS(cfg)
	if err != nil {
		return nil, err
	}

	ws := websocket.NewHandler(h, websocket.Config{
		ReadLimit: cfg.ReadLimit,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           ws,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &WebSocketBridge{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
	}, nil
}

func loadServerTLS(cfg WebSocketConfig) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, nil
	}
	tlsCfg, err := tlsconfig.LoadServer(cfg.CertFile, cfg.KeyFile)
	if err == nil {
		return tlsCfg, nil
	}
	if !cfg.FallbackPlaintext {
		return nil, berrors.Config("websocket tls", err)
	}
	cfg.Logger.Error("WSS CERTIFICATE NOT LOADED, SERVING UNENCRYPTED WS",
		slog.String("cert_file", cfg.CertFile),
		slog.String("key_file", cfg.KeyFile),
		slog.String("error", err.Error()))
	return nil, nil
}

// Secure reports whether the bridge serves WSS.
func (b *WebSocketBridge) Secure() bool {
	return b.server.TLSConfig != nil
}

// Listen starts the server and blocks until ctx is cancelled. Open
// connections are closed on cancellation.
func (b *WebSocketBridge) Listen(ctx context.Context) error {
	b.server.BaseContext = func(net.Listener) context.Context { return ctx }

	scheme := "ws"
	if b.Secure() {
		scheme = "wss"
	}
	b.logger.Info("WebSocket server started",
		slog.String("address", b.server.Addr),
		slog.String("scheme", scheme))

	errCh := make(chan error, 1)
	go func() {
		if b.Secure() {
			errCh <- b.server.ListenAndServeTLS("", "")
			return
		}
		errCh <- b.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutdown signal received, closing WebSocket server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
		defer cancel()

		if err := b.server.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("error during shutdown", slog.String("error", err.Error()))
			return err
		}
		b.logger.Info("WebSocket server shutdown complete")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return berrors.New(berrors.ErrTransport, "listen", handler.WebSocket, b.server.Addr, err)
	}
}
