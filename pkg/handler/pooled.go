// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/forwarder"
)

// Executor runs fn on a bounded worker and waits for it to return.
type Executor interface {
	Do(ctx context.Context, fn func(ctx context.Context)) error
}

// Pooled runs every call of the wrapped handler on an Executor. Callers still
// wait for the outcome, so per-connection ordering holds while the number of
// concurrent forwards stays bounded.
type Pooled struct {
	next Handler
	exec Executor
}

var _ Handler = (*Pooled)(nil)

// NewPooled wraps next.
func NewPooled(next Handler, exec Executor) *Pooled {
	return &Pooled{next: next, exec: exec}
}

type result struct {
	out forwarder.Outcome
	err error
}

// Handle implements Handler. When the executor has no capacity the reading is
// dropped and a transport error is returned.
func (h *Pooled) Handle(ctx context.Context, hctx *Context, payload []byte) (forwarder.Outcome, error) {
	res := make(chan result, 1)
	err := h.exec.Do(ctx, func(ctx context.Context) {
		out, err := h.next.Handle(ctx, hctx, payload)
		res <- result{out: out, err: err}
	})
	if err != nil {
		return forwarder.Outcome{}, berrors.New(berrors.ErrTransport, "dispatch", hctx.Protocol, hctx.RemoteAddr, err)
	}
	r := <-res
	return r.out, r.err
}
