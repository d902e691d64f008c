// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	return conn
}

func TestUDPServer_EchoReply(t *testing.T) {
	echo := HandlerFunc(func(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
		return append([]byte("echo:"), data...)
	})

	server := New(Config{Logger: logger, WorkerPoolSize: 2}, echo)
	conn := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(ctx, conn)
	}()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if got := string(buf[:n]); got != "echo:ping" {
		t.Errorf("reply = %q, want %q", got, "echo:ping")
	}

	cancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Server shutdown with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Server shutdown timeout")
	}
}

func TestUDPServer_NilReply(t *testing.T) {
	var handled atomic.Int32
	h := HandlerFunc(func(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
		handled.Add(1)
		return nil
	})

	server := New(Config{Logger: logger}, h)
	conn := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, conn)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()
	client.Write([]byte("x"))

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := client.Read(buf); err == nil {
		t.Error("expected no reply")
	}
	if handled.Load() != 1 {
		t.Errorf("expected 1 handled datagram, got %d", handled.Load())
	}
}

func TestUDPServer_SlowHandlerDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
		if string(data) == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return data
	})

	server := New(Config{Logger: logger, WorkerPoolSize: 2}, h)
	conn := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, conn)
	defer close(release)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	client.Write([]byte("slow"))
	client.Write([]byte("fast"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if got := string(buf[:n]); got != "fast" {
		t.Errorf("first reply = %q, want %q", got, "fast")
	}
}

func TestUDPServer_InvalidAddress(t *testing.T) {
	server := New(Config{Address: "invalid:address:99999", Logger: logger}, HandlerFunc(
		func(ctx context.Context, from *net.UDPAddr, data []byte) []byte { return nil }))

	err := server.Listen(context.Background())
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestUDPServer_ShutdownTimeout(t *testing.T) {
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
		close(started)
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	server := New(Config{Logger: logger, WorkerPoolSize: 1, ShutdownTimeout: 50 * time.Millisecond}, h)
	conn := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(ctx, conn)
	}()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()
	client.Write([]byte("x"))

	<-started
	cancel()

	if err := <-serverErr; !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("expected ErrShutdownTimeout, got %v", err)
	}
}

type truncatingHandler struct {
	full      atomic.Int32
	truncated atomic.Int32
	size      atomic.Int32
}

func (h *truncatingHandler) HandleDatagram(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
	h.full.Add(1)
	h.size.Store(int32(len(data)))
	return []byte("ok")
}

func (h *truncatingHandler) HandleTruncated(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
	h.truncated.Add(1)
	h.size.Store(int32(len(data)))
	return []byte("too large")
}

func TestUDPServer_TruncatedDatagram(t *testing.T) {
	h := &truncatingHandler{}
	server := New(Config{Logger: logger, BufferSize: 16}, h)
	conn := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, conn)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	buf := make([]byte, 64)
	exchange := func(payload []byte) string {
		t.Helper()
		if _, err := client.Write(payload); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("Failed to read reply: %v", err)
		}
		return string(buf[:n])
	}

	if got := exchange(make([]byte, 16)); got != "ok" {
		t.Errorf("datagram filling the buffer: reply = %q, want ok", got)
	}
	if got := exchange(make([]byte, 17)); got != "too large" {
		t.Errorf("oversized datagram: reply = %q, want %q", got, "too large")
	}
	if h.size.Load() != 16 {
		t.Errorf("truncated data = %d bytes, want 16", h.size.Load())
	}
	if h.full.Load() != 1 || h.truncated.Load() != 1 {
		t.Errorf("full = %d, truncated = %d, want 1 and 1", h.full.Load(), h.truncated.Load())
	}
}

func TestUDPServer_TruncatedWithoutHandler(t *testing.T) {
	var handled atomic.Int32
	h := HandlerFunc(func(ctx context.Context, from *net.UDPAddr, data []byte) []byte {
		handled.Add(1)
		return data
	})

	server := New(Config{Logger: logger, BufferSize: 8}, h)
	conn := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, conn)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()
	client.Write([]byte("longer than eight"))

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := client.Read(make([]byte, 32)); err == nil {
		t.Error("expected no reply to a truncated datagram")
	}
	if handled.Load() != 0 {
		t.Errorf("truncated datagram reached the handler %d times", handled.Load())
	}
}
