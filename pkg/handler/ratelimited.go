// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/forwarder"
	"github.com/absmach/mbridge/pkg/ratelimit"
)

// Limiter decides whether a device may send another reading.
type Limiter interface {
	Allow(deviceID string) bool
}

// RateLimited drops readings of devices that exceed their rate.
type RateLimited struct {
	next    Handler
	limiter Limiter
	logger  *slog.Logger
}

var _ Handler = (*RateLimited)(nil)

// NewRateLimited wraps next.
func NewRateLimited(next Handler, limiter Limiter, logger *slog.Logger) *RateLimited {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimited{next: next, limiter: limiter, logger: logger}
}

// Handle implements Handler. A limited reading is not forwarded and a
// transport error wrapping ratelimit.ErrRateLimitExceeded is returned.
func (h *RateLimited) Handle(ctx context.Context, hctx *Context, payload []byte) (forwarder.Outcome, error) {
	if !h.limiter.Allow(hctx.DeviceID) {
		h.logger.Warn("device rate limit exceeded",
			append(attrs(hctx), slog.String("device_id", hctx.DeviceID))...)
		return forwarder.Outcome{}, berrors.New(berrors.ErrTransport, "rate limit", hctx.Protocol, hctx.RemoteAddr, ratelimit.ErrRateLimitExceeded)
	}
	return h.next.Handle(ctx, hctx, payload)
}
