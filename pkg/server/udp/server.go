// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// DefaultShutdownTimeout is the default time to wait for workers on shutdown.
	DefaultShutdownTimeout = 5 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 32
)

// ErrShutdownTimeout is returned when workers do not stop within the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler processes one datagram and returns the reply to send back to the
// sender. A nil reply sends nothing.
type Handler interface {
	HandleDatagram(ctx context.Context, from *net.UDPAddr, data []byte) []byte
}

// TruncatedHandler is implemented by handlers that answer datagrams larger
// than the read buffer. data holds the first BufferSize bytes. Handlers that
// do not implement it never see truncated datagrams.
type TruncatedHandler interface {
	HandleTruncated(ctx context.Context, from *net.UDPAddr, data []byte) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from *net.UDPAddr, data []byte) []byte

// HandleDatagram implements Handler.
func (f HandlerFunc) HandleDatagram(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
	return f(ctx, from, data)
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ShutdownTimeout bounds how long Serve waits for busy workers to stop.
	// Work still running after it is abandoned.
	ShutdownTimeout time.Duration

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Capped at MaxDatagramSize.
	BufferSize int

	// WorkerPoolSize is the number of goroutines handling datagrams.
	// If 0, uses DefaultWorkerPoolSize.
	WorkerPoolSize int

	// QueueSize is the number of datagrams that may wait for a worker.
	// If 0, uses twice the worker count.
	QueueSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for server events
	Logger *slog.Logger
}

type packetJob struct {
	clientAddr *net.UDPAddr
	data       []byte
	truncated  bool
}

// Server reads datagrams and hands each one to a bounded pool of workers, so
// a slow handler never stalls the read loop.
type Server struct {
	config     Config
	handler    Handler
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup
}

// New creates a new UDP server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.WorkerPoolSize * 2
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			// One spare byte reveals datagrams that did not fit.
			buf := make([]byte, cfg.BufferSize+1)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		handler:    h,
		bufferPool: bufferPool,
		packetCh:   make(chan packetJob, cfg.QueueSize),
	}
}

// Listen binds the configured address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	return s.Serve(ctx, conn)
}

// Serve handles datagrams on conn until ctx is cancelled. It closes conn on return.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	defer conn.Close()

	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("buffer_size", s.config.BufferSize))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	s.startWorkerPool(workerCtx, conn)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, conn)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	close(s.packetCh)
	workerCancel()

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all workers stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()))
			continue
		}

		truncated := n > s.config.BufferSize
		if truncated {
			n = s.config.BufferSize
		}
		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)

		select {
		case s.packetCh <- packetJob{clientAddr: clientAddr, data: datagram, truncated: truncated}:
		case <-ctx.Done():
			return
		default:
			s.config.Logger.Warn("worker pool full, dropping datagram",
				slog.String("client", clientAddr.String()),
				slog.Int("size", n))
		}
	}
}

func (s *Server) startWorkerPool(ctx context.Context, conn *net.UDPConn) {
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, conn, workerID)
		}(i)
	}
}

func (s *Server) packetWorker(ctx context.Context, conn *net.UDPConn, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.packetCh:
			if !ok {
				return
			}
			reply := s.handle(ctx, job)
			if reply == nil {
				continue
			}
			if _, err := conn.WriteToUDP(reply, job.clientAddr); err != nil && ctx.Err() == nil {
				s.config.Logger.Debug("failed to write reply",
					slog.Int("worker", workerID),
					slog.String("client", job.clientAddr.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, job packetJob) []byte {
	if !job.truncated {
		return s.handler.HandleDatagram(ctx, job.clientAddr, job.data)
	}
	s.config.Logger.Warn("datagram exceeds buffer, dropping",
		slog.String("client", job.clientAddr.String()),
		slog.Int("buffer_size", s.config.BufferSize))
	if th, ok := s.handler.(TruncatedHandler); ok {
		return th.HandleTruncated(ctx, job.clientAddr, job.data)
	}
	return nil
}
