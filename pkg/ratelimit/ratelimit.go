// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how many readings a single device may push per
// second, using one token bucket per device.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when a device has no tokens left.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// DefaultMaxDevices bounds the number of tracked buckets.
const DefaultMaxDevices = 10000

// Config configures a Limiter.
type Config struct {
	// Rate is the sustained number of readings per second per device.
	Rate float64
	// Burst is the bucket size. Defaults to one second worth of Rate.
	Burst int
	// MaxDevices bounds the number of tracked devices. Readings from new
	// devices beyond it are refused until idle buckets are evicted.
	MaxDevices int
	// IdleTimeout evicts buckets unused for this long. Defaults to one minute.
	IdleTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps a token bucket per device.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	sweep   time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.Rate))
	}
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = DefaultMaxDevices
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		sweep:   cfg.Now(),
	}
}

// Allow reports whether deviceID may send one more reading.
func (l *Limiter) Allow(deviceID string) bool {
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) >= l.cfg.IdleTimeout {
		l.evict(now)
	}
	b, ok := l.buckets[deviceID]
	if !ok {
		if len(l.buckets) >= l.cfg.MaxDevices {
			return false
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[deviceID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// evict must be called with l.mu held.
func (l *Limiter) evict(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.cfg.IdleTimeout {
			delete(l.buckets, id)
		}
	}
	l.sweep = now
}

// Devices returns the number of tracked devices.
func (l *Limiter) Devices() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
