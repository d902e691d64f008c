// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package forwarder delivers normalized events to the HTTP gateway.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/mbridge/pkg/breaker"
	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/event"
	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds a single delivery.
	DefaultTimeout = 10 * time.Second

	// DefaultInternalHost is the hostname of the gateway shipped alongside the bridge.
	DefaultInternalHost = "go-iot-gateway"

	userAgent    = "mbridge"
	maxDrainSize = 64 << 10
)

// ErrUnconfigured is returned by New when no API key is configured.
var ErrUnconfigured = errors.New("gateway API key is not configured")

// Config holds the gateway connection settings.
type Config struct {
	// URL is the gateway ingest endpoint.
	URL string

	// APIKey is sent as X-API-Key. Required.
	APIKey string

	// Timeout bounds each POST. Defaults to DefaultTimeout.
	Timeout time.Duration

	// InternalHost is the hostname of the bridge's own gateway.
	InternalHost string

	// SkipVerifyInternal disables TLS verification when the gateway URL
	// host equals InternalHost exactly. It has no effect for other hosts.
	SkipVerifyInternal bool

	// Breaker optionally short-circuits calls while the gateway is down.
	Breaker *breaker.CircuitBreaker

	// Transport overrides the HTTP transport. Used by tests.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Forwarder posts events to the gateway. It is safe for concurrent use and
// holds no per-call state.
type Forwarder struct {
	url        string
	apiKey     string
	timeout    time.Duration
	skipVerify bool
	client     *http.Client
	breaker    *breaker.CircuitBreaker
	logger     *slog.Logger
}

// New validates the configuration and builds a Forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.APIKey == "" {
		return nil, berrors.Config("gateway", ErrUnconfigured)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, berrors.Config("gateway", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, berrors.Config("gateway", fmt.Errorf("invalid gateway URL %q", cfg.URL))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.InternalHost == "" {
		cfg.InternalHost = DefaultInternalHost
	}

	skip := cfg.SkipVerifyInternal && u.Scheme == "https" && u.Hostname() == cfg.InternalHost
	if skip {
		cfg.Logger.Warn("TLS verification disabled for internal gateway",
			slog.String("host", u.Hostname()))
	}

	rt := cfg.Transport
	if rt == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: skip, //nolint:gosec // limited to the internal gateway host
		}
		rt = tr
	}

	client := &http.Client{
		Transport: rt,
		// A redirected POST would be replayed as a bodyless GET.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Forwarder{
		url:        u.String(),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		skipVerify: skip,
		client:     client,
		breaker:    cfg.Breaker,
		logger:     cfg.Logger,
	}, nil
}

// SkipsVerification reports whether TLS verification is disabled.
func (f *Forwarder) SkipsVerification() bool {
	return f.skipVerify
}

// Forward performs exactly one POST of ev to the gateway and classifies the
// result. It never retries and never returns an unclassified failure.
func (f *Forwarder) Forward(ctx context.Context, ev event.Event) Outcome {
	body, err := json.Marshal(ev)
	if err != nil {
		return Outcome{Kind: Rejected, Reason: ReasonBadPayload, Err: err}
	}

	if f.breaker != nil {
		if err := f.breaker.Allow(); err != nil {
			return Outcome{
				Kind:   GatewayUnavailable,
				Reason: ReasonCircuitOpen,
				Err:    berrors.New(berrors.ErrGateway, "forward", ev.Family(), ev.DeviceID(), err),
			}
		}
	}

	out := f.post(ctx, ev, body)

	if f.breaker != nil {
		if out.Kind == GatewayUnavailable {
			f.breaker.Failure()
		} else {
			f.breaker.Success()
		}
	}
	return out
}

func (f *Forwarder) post(ctx context.Context, ev event.Event, body []byte) Outcome {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: GatewayUnavailable, Err: berrors.New(berrors.ErrGateway, "forward", ev.Family(), ev.DeviceID(), err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", f.apiKey)
	req.Header.Set("X-Source-Identifier", ev.Family())
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Outcome{
			Kind:    GatewayUnavailable,
			Timeout: isTimeout(err),
			Err:     berrors.New(berrors.ErrTransport, "forward", ev.Family(), ev.DeviceID(), err),
		}
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainSize))

	out := Classify(resp.StatusCode)
	if out.Kind != Delivered {
		out.Err = berrors.New(berrors.ErrGateway, "forward", ev.Family(), ev.DeviceID(),
			fmt.Errorf("gateway responded %s", resp.Status))
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
