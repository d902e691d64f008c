// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/absmach/mbridge/pkg/event"
	"github.com/absmach/mbridge/pkg/forwarder"
)

// Transport names, also used as the X-Source-Identifier family.
const (
	CoAP      = "coap"
	Modbus    = "modbus"
	MQTT      = "mqtt"
	WebSocket = "websocket"
)

// Context carries the transport metadata of one reading.
type Context struct {
	// SessionID correlates log lines of one connection or datagram.
	SessionID string

	// Protocol is one of the transport names above.
	Protocol string

	// RemoteAddr is the peer address, or the Modbus target.
	RemoteAddr string

	// DeviceID is derived by the adapter from the transport context.
	DeviceID string

	// Topic is the MQTT topic the message arrived on.
	Topic string
}

// Handler turns a raw payload into a delivered event.
//
// A non-nil error means the payload could not be normalized and nothing was
// forwarded. Otherwise the Outcome reports what the gateway did with it.
type Handler interface {
	Handle(ctx context.Context, hctx *Context, payload []byte) (forwarder.Outcome, error)
}

// Forwarder delivers one event to the gateway.
type Forwarder interface {
	Forward(ctx context.Context, ev event.Event) forwarder.Outcome
}

// Forwarding normalizes payloads and hands them to a Forwarder.
type Forwarding struct {
	fwd    Forwarder
	logger *slog.Logger
}

var _ Handler = (*Forwarding)(nil)

// NewForwarding creates the default handler.
func NewForwarding(fwd Forwarder, logger *slog.Logger) *Forwarding {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarding{fwd: fwd, logger: logger}
}

// Handle implements Handler.
func (h *Forwarding) Handle(ctx context.Context, hctx *Context, payload []byte) (forwarder.Outcome, error) {
	ev, err := event.Normalize(payload, meta(hctx))
	if err != nil {
		h.logger.Warn("invalid payload, reading not forwarded",
			append(attrs(hctx),
				slog.String("device_id", hctx.DeviceID),
				slog.Int("size", len(payload)),
				slog.String("error", err.Error()))...)
		return forwarder.Outcome{}, err
	}

	out := h.fwd.Forward(ctx, ev)

	args := append(attrs(hctx),
		slog.String("device_id", ev.DeviceID()),
		slog.String("source", ev.Source()),
		slog.String("outcome", out.String()))
	if out.StatusCode != 0 {
		args = append(args, slog.Int("status", out.StatusCode))
	}
	if out.Err != nil {
		args = append(args, slog.String("error", out.Err.Error()))
	}

	switch out.Kind {
	case forwarder.Delivered:
		h.logger.Debug("reading delivered", args...)
	case forwarder.Rejected:
		h.logger.Warn("reading rejected by gateway", args...)
	default:
		h.logger.Error("gateway unavailable, reading dropped", args...)
	}
	return out, nil
}

func meta(hctx *Context) event.Meta {
	m := event.Meta{
		Family:   hctx.Protocol,
		DeviceID: hctx.DeviceID,
		Topic:    hctx.Topic,
	}
	switch hctx.Protocol {
	case CoAP:
		m.Source, m.RawSource = event.SourceCoAP, event.SourceCoAPRaw
	case MQTT:
		m.Source, m.RawSource = event.SourceMQTT, event.SourceMQTTRaw
	case Modbus:
		m.Source = event.SourceModbus
	case WebSocket:
		m.Source = event.SourceWebSocket
	default:
		m.Source = hctx.Protocol
	}
	return m
}

func attrs(hctx *Context) []any {
	args := []any{
		slog.String("transport", hctx.Protocol),
		slog.String("session", hctx.SessionID),
		slog.String("peer", hctx.RemoteAddr),
	}
	if hctx.Topic != "" {
		args = append(args, slog.String("topic", hctx.Topic))
	}
	return args
}

// StatusLabel formats an HTTP status for metric labels.
func StatusLabel(code int) string {
	if code == 0 {
		return "none"
	}
	return strconv.Itoa(code)
}
