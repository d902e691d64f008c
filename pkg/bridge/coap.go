// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mbridge/pkg/coap"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/server/udp"
)

// CoAPConfig holds configuration for the CoAP bridge.
type CoAPConfig struct {
	Host            string
	Port            string
	Resources       []string
	ForwardAttempts int
	// BufferSize bounds accepted datagrams. Defaults to udp.MaxDatagramSize.
	BufferSize      int
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// CoAPBridge coordinates the UDP server and the CoAP router.
type CoAPBridge struct {
	server *udp.Server
}

// NewCoAP creates a CoAP bridge that hands readings to h.
func NewCoAP(cfg CoAPConfig, h handler.Handler) (*CoAPBridge, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = udp.MaxDatagramSize
	}
	router := coap.NewRouter(h, coap.Config{
		Resources:       cfg.Resources,
		ForwardAttempts: cfg.ForwardAttempts,
		Logger:          cfg.Logger,
	})

	server := udp.New(udp.Config{
		Address:         net.JoinHostPort(cfg.Host, cfg.Port),
		BufferSize:      cfg.BufferSize,
		WorkerPoolSize:  cfg.Workers,
		QueueSize:       cfg.QueueSize,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          cfg.Logger,
	}, router)

	return &CoAPBridge{server: server}, nil
}

// Listen serves CoAP and blocks until ctx is cancelled.
func (b *CoAPBridge) Listen(ctx context.Context) error {
	return b.server.Listen(ctx)
}
