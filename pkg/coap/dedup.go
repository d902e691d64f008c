// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"sync"
	"time"
)

const (
	// DefaultExchangeLifetime is EXCHANGE_LIFETIME from RFC 7252 with the
	// default transmission parameters.
	DefaultExchangeLifetime = 247 * time.Second

	// DefaultMaxExchanges bounds the number of remembered exchanges.
	DefaultMaxExchanges = 4096
)

type exchange struct {
	reply   []byte
	expires time.Time
}

// exchanges remembers Confirmable requests by peer and message ID so a
// retransmission is answered from the first reply instead of forwarded again.
type exchanges struct {
	mu       sync.Mutex
	entries  map[string]*exchange
	lifetime time.Duration
	max      int
	now      func() time.Time
}

func newExchanges(lifetime time.Duration, max int, now func() time.Time) *exchanges {
	return &exchanges{
		entries:  make(map[string]*exchange),
		lifetime: lifetime,
		max:      max,
		now:      now,
	}
}

// begin registers key. If key is already known it returns dup true and the
// stored reply, which is nil while the first request is still in progress.
func (e *exchanges) begin(key string) (reply []byte, dup bool) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if ex, ok := e.entries[key]; ok && now.Before(ex.expires) {
		return ex.reply, true
	}
	if len(e.entries) >= e.max {
		for k, ex := range e.entries {
			if !now.Before(ex.expires) {
				delete(e.entries, k)
			}
		}
		if len(e.entries) >= e.max {
			// Full of live exchanges: serve without deduplication.
			return nil, false
		}
	}
	e.entries[key] = &exchange{expires: now.Add(e.lifetime)}
	return nil, false
}

// finish stores the reply sent for key.
func (e *exchanges) finish(key string, reply []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ex, ok := e.entries[key]; ok {
		ex.reply = reply
	}
}

func (e *exchanges) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
