// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry runs an operation a bounded number of times with a growing delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy selects how the delay grows between attempts.
type Policy string

const (
	// Linear waits Delay*attempt after each failed attempt.
	Linear Policy = "linear"
	// Exponential waits Delay*2^(attempt-1), capped at MaxDelay.
	Exponential Policy = "exponential"
)

// ErrExhausted is wrapped by Do when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config provides retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts, at least one
	Delay       time.Duration // Base delay, zero retries immediately
	MaxDelay    time.Duration // Upper bound for a single delay, zero means none
	Policy      Policy

	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep defaults to Sleep. Tests replace it to observe delays.
	Sleep SleepFunc
}

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Linear, Exponential:
		return p, nil
	case "":
		return Linear, nil
	default:
		return "", fmt.Errorf("unknown backoff policy %q", s)
	}
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if c.Delay <= 0 || attempt < 1 {
		return 0
	}
	var d time.Duration
	switch c.Policy {
	case Exponential:
		d = c.Delay
		for i := 1; i < attempt; i++ {
			d *= 2
			if c.MaxDelay > 0 && d >= c.MaxDelay {
				break
			}
		}
	default:
		d = c.Delay * time.Duration(attempt)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, MaxAttempts is reached or ctx is done.
// No delay follows the last attempt.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled during backoff: %w", err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

// Sleep waits for d, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
