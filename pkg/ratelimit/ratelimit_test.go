// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestLimiterRefill(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	l := New(Config{Rate: 2, Burst: 2, Now: c.Now})

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("full bucket refused a reading")
	}
	if l.Allow("a") {
		t.Fatal("empty bucket granted a reading")
	}

	c.advance(500 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatal("bucket did not refill")
	}
	if l.Allow("a") {
		t.Fatal("bucket refilled more than the rate")
	}

	// Refill never exceeds the burst.
	c.advance(30 * time.Second)
	for i := 0; i < 2; i++ {
		if !l.Allow("a") {
			t.Fatalf("reading %d refused after refill", i)
		}
	}
	if l.Allow("a") {
		t.Fatal("bucket exceeded burst")
	}
}

func TestLimiterPerDevice(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	l := New(Config{Rate: 1, Burst: 1, Now: c.Now})

	if !l.Allow("a") {
		t.Fatal("first reading of a refused")
	}
	if l.Allow("a") {
		t.Fatal("second reading of a allowed")
	}
	if !l.Allow("b") {
		t.Fatal("device b limited by device a")
	}

	c.advance(time.Second)
	if !l.Allow("a") {
		t.Fatal("device a not refilled")
	}
}

func TestLimiterMaxDevices(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	l := New(Config{Rate: 10, MaxDevices: 2, IdleTimeout: time.Minute, Now: c.Now})

	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Fatal("device beyond MaxDevices allowed")
	}
	if !l.Allow("a") {
		t.Fatal("tracked device refused")
	}

	c.advance(2 * time.Minute)
	if !l.Allow("c") {
		t.Fatal("idle buckets were not evicted")
	}
	if got := l.Devices(); got != 1 {
		t.Fatalf("Devices() = %d, want 1", got)
	}
}
