// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultReadLimit bounds the size of a single message.
const DefaultReadLimit = 1 << 20

// Config configures the WebSocket handler.
type Config struct {
	// ReadLimit is the maximum message size in bytes.
	ReadLimit int64

	// CheckOrigin is passed to the upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Handler upgrades HTTP requests and forwards every message received on the
// connection. Messages of one connection are forwarded strictly in order.
type Handler struct {
	upgrader websocket.Upgrader
	handler  handler.Handler
	cfg      Config
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a WebSocket endpoint that hands messages to h.
func NewHandler(h handler.Handler, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		handler:  h,
		cfg:      cfg,
	}
}

// ServeHTTP implements http.Handler. The connection is closed when the
// request context is cancelled.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.cfg.Logger.Error("failed to upgrade WebSocket connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		Protocol:   handler.WebSocket,
		RemoteAddr: r.RemoteAddr,
		DeviceID:   DeviceID(r.RemoteAddr),
	}
	p.cfg.Logger.Info("WebSocket client connected",
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr))

	serve := func() error { return p.serve(ctx, conn, hctx) }
	if p.cfg.Metrics != nil {
		err = p.cfg.Metrics.ObserveConnection(handler.WebSocket, serve)
	} else {
		err = serve()
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
		p.cfg.Logger.Info("WebSocket client disconnected",
			slog.String("session", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr))
		return
	}
	p.cfg.Logger.Warn("WebSocket connection closed",
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("error", err.Error()))
}

// serve reads until the connection fails. Each forward completes before the
// next message is read.
func (p *Handler) serve(ctx context.Context, conn *websocket.Conn, hctx *handler.Context) error {
	conn.SetReadLimit(p.cfg.ReadLimit)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}

		_, err = p.handler.Handle(ctx, hctx, data)
		switch {
		case err == nil, errors.Is(err, berrors.ErrDecode):
			// Outcome and invalid payloads are logged by the handler.
		default:
			p.cfg.Logger.Warn("WebSocket message dropped",
				slog.String("session", hctx.SessionID),
				slog.String("error", err.Error()))
		}
	}
}

// DeviceID derives the device identifier from the peer address.
func DeviceID(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ws_" + host
}
