// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a bounded set of workers that run gateway calls off the
// goroutines reading from the network.
//
// A caller hands a function to Do and blocks until it completes, which keeps
// per-connection ordering, while the total number of concurrent outbound calls
// stays bounded by the worker count.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolExhausted is returned when the queue stayed full for WaitTimeout.
	ErrPoolExhausted = errors.New("worker pool exhausted")
)

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent jobs.
	Workers int
	// QueueSize is the number of jobs that may wait for a worker.
	QueueSize int
	// WaitTimeout is the maximum time Do waits for queue space.
	// If 0, Do fails immediately when the queue is full.
	WaitTimeout time.Duration
}

type job struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Pool is a bounded worker pool.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	jobs   chan job
	config Config
	active atomic.Int64
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a pool. Start must be called before jobs are processed.
func New(config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = 16
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	return &Pool{
		config: config,
		jobs:   make(chan job, config.QueueSize),
		cancel: func() {},
	}
}

// Start launches the workers. Jobs run with a context derived from ctx, so
// cancelling ctx abandons in-flight work.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
}

func (p *Pool) work(ctx context.Context) {
	for j := range p.jobs {
		p.active.Add(1)
		j.fn(ctx)
		p.active.Add(-1)
		close(j.done)
	}
}

// Do runs fn on a worker and waits for it to return. If ctx is done first,
// Do returns ctx.Err() and fn is left to finish on its own.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context)) error {
	j := job{fn: fn, done: make(chan struct{})}
	if err := p.enqueue(ctx, j); err != nil {
		return err
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- j:
		return nil
	default:
	}

	if p.config.WaitTimeout <= 0 {
		return ErrPoolExhausted
	}

	timer := time.NewTimer(p.config.WaitTimeout)
	defer timer.Stop()

	select {
	case p.jobs <- j:
		return nil
	case <-timer.C:
		return ErrPoolExhausted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, cancels running ones and waits for the workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() (queued, active int) {
	return len(p.jobs), int(p.active.Load())
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.config.Workers
}
