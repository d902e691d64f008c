// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/forwarder"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/ratelimit"
)

// Instrumented wraps a handler with metrics collection.
type Instrumented struct {
	next    Handler
	metrics *metrics.Metrics
}

var _ Handler = (*Instrumented)(nil)

// NewInstrumented wraps next.
func NewInstrumented(next Handler, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

// Handle implements Handler.
func (h *Instrumented) Handle(ctx context.Context, hctx *Context, payload []byte) (forwarder.Outcome, error) {
	h.metrics.ReadingsTotal.WithLabelValues(hctx.Protocol).Inc()

	var (
		out forwarder.Outcome
		err error
	)
	h.metrics.ObserveForward(hctx.Protocol, func() (string, string) {
		out, err = h.next.Handle(ctx, hctx, payload)
		switch {
		case errors.Is(err, berrors.ErrDecode):
			return "decode_error", StatusLabel(0)
		case err != nil:
			return "dropped", StatusLabel(0)
		}
		return out.Kind.String(), StatusLabel(out.StatusCode)
	})
	switch {
	case errors.Is(err, berrors.ErrDecode):
		h.metrics.DecodeErrors.WithLabelValues(hctx.Protocol).Inc()
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		h.metrics.DroppedReadings.WithLabelValues(hctx.Protocol, "rate_limited").Inc()
	case err != nil:
		h.metrics.DroppedReadings.WithLabelValues(hctx.Protocol, "no_capacity").Inc()
	}
	return out, err
}
