// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/forwarder"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/retry"
	"github.com/absmach/mbridge/pkg/server/udp"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// Response payloads.
const (
	TextOK             = "OK"
	TextInvalid        = "invalid payload"
	TextForwardFailed  = "Failed to forward data"
	TextGatewayTimeout = "gateway timeout"
	TextUnavailable    = "reading dropped"
	TextTooLarge       = "payload too large"
)

// DefaultForwardAttempts is one delivery plus one immediate retry on
// GatewayUnavailable.
const DefaultForwardAttempts = 2

// DefaultResources are the resources that accept readings.
var DefaultResources = []string{"/sensor/ir", "/data"}

var errUnavailable = errors.New("gateway unavailable")

// Config configures the router.
type Config struct {
	// Resources lists accepted paths. Defaults to DefaultResources.
	Resources []string

	// ForwardAttempts bounds deliveries per request. Only GatewayUnavailable
	// outcomes are retried, immediately.
	ForwardAttempts int

	// ExchangeLifetime is how long a Confirmable request is remembered for
	// deduplication. Defaults to DefaultExchangeLifetime.
	ExchangeLifetime time.Duration

	// MaxExchanges bounds remembered requests. Defaults to DefaultMaxExchanges.
	MaxExchanges int

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Router decodes CoAP requests and answers them with the outcome of the
// forward. Confirmable requests are remembered per peer and message ID so
// retransmissions get the first reply.
type Router struct {
	handler   handler.Handler
	resources map[string]struct{}
	attempts  int
	seen      *exchanges
	logger    *slog.Logger
}

var (
	_ udp.Handler          = (*Router)(nil)
	_ udp.TruncatedHandler = (*Router)(nil)
)

// NewRouter creates a router that hands payloads to h.
func NewRouter(h handler.Handler, cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Resources) == 0 {
		cfg.Resources = DefaultResources
	}
	if cfg.ForwardAttempts <= 0 {
		cfg.ForwardAttempts = DefaultForwardAttempts
	}
	if cfg.ExchangeLifetime <= 0 {
		cfg.ExchangeLifetime = DefaultExchangeLifetime
	}
	if cfg.MaxExchanges <= 0 {
		cfg.MaxExchanges = DefaultMaxExchanges
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	resources := make(map[string]struct{}, len(cfg.Resources))
	for _, r := range cfg.Resources {
		resources[normalizePath(r)] = struct{}{}
	}
	return &Router{
		handler:   h,
		resources: resources,
		attempts:  cfg.ForwardAttempts,
		seen:      newExchanges(cfg.ExchangeLifetime, cfg.MaxExchanges, cfg.Now),
		logger:    cfg.Logger,
	}
}

// HandleDatagram implements udp.Handler.
func (r *Router) HandleDatagram(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
	req := pool.NewMessage(ctx)
	defer req.Reset()

	if _, err := req.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		r.logger.Warn("failed to decode CoAP message",
			slog.String("peer", from.String()),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()))
		return nil
	}

	switch req.Type() {
	case message.Acknowledgement, message.Reset:
		return nil
	}
	if req.Code() == codes.Empty {
		// CoAP ping.
		if req.Type() == message.Confirmable {
			return r.encode(ctx, req, message.Reset, codes.Empty, "")
		}
		return nil
	}

	if req.Type() != message.Confirmable {
		return r.serve(ctx, from, req)
	}

	key := fmt.Sprintf("%s/%d", from, req.MessageID())
	if reply, dup := r.seen.begin(key); dup {
		r.logger.Debug("duplicate CoAP request",
			slog.String("peer", from.String()),
			slog.Int("mid", int(req.MessageID())),
			slog.Bool("answered", reply != nil))
		return reply
	}
	reply := r.serve(ctx, from, req)
	r.seen.finish(key, reply)
	return reply
}

// HandleTruncated implements udp.TruncatedHandler. The request is refused
// with 4.13 since its payload was cut.
func (r *Router) HandleTruncated(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
	req := pool.NewMessage(ctx)
	defer req.Reset()

	if _, err := req.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil
	}
	if req.Type() == message.Acknowledgement || req.Type() == message.Reset || req.Code() == codes.Empty {
		return nil
	}
	r.logger.Warn("CoAP request exceeds datagram buffer, reading not forwarded",
		slog.String("peer", from.String()),
		slog.Int("size", len(data)))
	return r.respond(ctx, req, codes.RequestEntityTooLarge, TextTooLarge)
}

func (r *Router) serve(ctx context.Context, from *net.UDPAddr, req *pool.Message) []byte {
	path, err := req.Options().Path()
	if err != nil {
		path = "/"
	}
	path = normalizePath(path)

	if _, ok := r.resources[path]; !ok {
		return r.respond(ctx, req, codes.NotFound, "")
	}
	if req.Code() != codes.POST {
		return r.respond(ctx, req, codes.MethodNotAllowed, "")
	}

	payload, err := readBody(req)
	if err != nil {
		return r.respond(ctx, req, codes.BadRequest, TextInvalid)
	}

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		Protocol:   handler.CoAP,
		RemoteAddr: from.String(),
		DeviceID:   DeviceID(from),
	}
	r.logger.Debug("CoAP POST received",
		slog.String("peer", hctx.RemoteAddr),
		slog.String("path", path),
		slog.Int("size", len(payload)))

	out, err := r.forward(ctx, hctx, payload)
	switch {
	case errors.Is(err, berrors.ErrDecode):
		return r.respond(ctx, req, codes.BadRequest, TextInvalid)
	case err != nil:
		return r.respond(ctx, req, codes.ServiceUnavailable, TextUnavailable)
	}
	code, text := Response(out)
	return r.respond(ctx, req, code, text)
}

func (r *Router) forward(ctx context.Context, hctx *handler.Context, payload []byte) (forwarder.Outcome, error) {
	var (
		out       forwarder.Outcome
		decodeErr error
	)
	cfg := retry.Config{
		MaxAttempts: r.attempts,
		OnRetry: func(attempt int, _ time.Duration, err error) {
			r.logger.Info("retrying CoAP forward",
				slog.String("peer", hctx.RemoteAddr),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		},
	}
	_ = retry.Do(ctx, cfg, func(ctx context.Context) error {
		out, decodeErr = r.handler.Handle(ctx, hctx, payload)
		if decodeErr != nil {
			return nil
		}
		if out.Kind == forwarder.GatewayUnavailable && out.Reason == "" {
			return errUnavailable
		}
		return nil
	})
	return out, decodeErr
}

// Response maps a forward outcome to a CoAP response code and text payload.
func Response(out forwarder.Outcome) (codes.Code, string) {
	switch out.Kind {
	case forwarder.Delivered:
		return codes.Changed, TextOK
	case forwarder.Rejected:
		switch {
		case out.Reason == forwarder.ReasonAuth:
			return codes.Forbidden, out.Reason
		case out.StatusCode == http.StatusUnauthorized:
			return codes.Unauthorized, out.Reason
		default:
			return codes.BadRequest, out.Reason
		}
	default:
		if out.Timeout {
			return codes.GatewayTimeout, TextGatewayTimeout
		}
		return codes.BadGateway, TextForwardFailed
	}
}

// DeviceID derives the device identifier from the sender address.
func DeviceID(from *net.UDPAddr) string {
	if from == nil || from.IP == nil {
		return "coap_unknown"
	}
	return "coap_" + from.IP.String()
}

func (r *Router) respond(ctx context.Context, req *pool.Message, code codes.Code, text string) []byte {
	typ := message.NonConfirmable
	if req.Type() == message.Confirmable {
		typ = message.Acknowledgement
	}
	return r.encode(ctx, req, typ, code, text)
}

func (r *Router) encode(ctx context.Context, req *pool.Message, typ message.Type, code codes.Code, text string) []byte {
	resp := pool.NewMessage(ctx)
	defer resp.Reset()

	resp.SetType(typ)
	resp.SetCode(code)
	if typ == message.NonConfirmable {
		resp.SetMessageID(message.GetMID())
	} else {
		resp.SetMessageID(req.MessageID())
	}
	if code != codes.Empty {
		resp.SetToken(req.Token())
	}
	if text != "" {
		resp.SetContentFormat(message.TextPlain)
		resp.SetBody(bytes.NewReader([]byte(text)))
	}

	data, err := resp.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		r.logger.Error("failed to encode CoAP response",
			slog.String("code", code.String()),
			slog.String("error", err.Error()))
		return nil
	}
	return data
}

func readBody(msg *pool.Message) ([]byte, error) {
	body := msg.Body()
	if body == nil {
		return []byte{}, nil
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, berrors.New(berrors.ErrDecode, "read body", handler.CoAP, "", err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, berrors.New(berrors.ErrDecode, "read body", handler.CoAP, "", fmt.Errorf("read CoAP payload: %w", err))
	}
	return data, nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
