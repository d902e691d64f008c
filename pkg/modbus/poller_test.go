// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package modbus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mbridge/pkg/forwarder"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/goburrow/modbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClient struct {
	mu          sync.Mutex
	connectErrs []error
	reads       []readResult
	connects    int
	closes      int
}

type readResult struct {
	regs []uint16
	err  error
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) == 0 {
		return nil
	}
	err := f.connectErrs[0]
	f.connectErrs = f.connectErrs[1:]
	return err
}

func (f *fakeClient) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return []uint16{0, 0}, nil
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return r.regs, r.err
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type recordingHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	hctx     []*handler.Context
}

func (h *recordingHandler) Handle(ctx context.Context, hctx *handler.Context, payload []byte) (forwarder.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
	h.hctx = append(h.hctx, hctx)
	return forwarder.Outcome{Kind: forwarder.Delivered, StatusCode: 200}, nil
}

// sleeper records requested delays and cancels the run once stopAfter
// delays have been requested.
type sleeper struct {
	mu        sync.Mutex
	delays    []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func (s *sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	s.mu.Unlock()
	if n >= s.stopAfter {
		s.cancel()
		return context.Canceled
	}
	return ctx.Err()
}

func newConfig(s *sleeper) Config {
	return Config{
		Host:    "10.0.0.2",
		SlaveID: 1,
		Logger:  logger,
		Sleep:   s.Sleep,
	}
}

func TestPollerConnectFailuresCoolDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refused := errors.New("connection refused")
	client := &fakeClient{connectErrs: []error{refused, refused, refused, refused, refused}}
	s := &sleeper{stopAfter: 5, cancel: cancel}
	h := &recordingHandler{}

	m := metrics.New("test", prometheus.NewRegistry())
	cfg := newConfig(s)
	cfg.Metrics = m
	p := NewPoller(cfg, client, h)

	require.NoError(t, p.Run(ctx))

	assert.Equal(t, 5, client.connects)
	assert.Equal(t, Disconnected, p.State())
	assert.Equal(t, []time.Duration{
		3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second,
		10 * time.Second,
	}, s.delays)
	assert.Empty(t, h.payloads)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ModbusReconnects.WithLabelValues("10.0.0.2:502", "failure")))
	assert.Equal(t, float64(Disconnected), testutil.ToFloat64(m.ModbusState.WithLabelValues("10.0.0.2:502")))
}

func TestPollerExponentialBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refused := errors.New("connection refused")
	client := &fakeClient{connectErrs: []error{refused, refused, refused}}
	s := &sleeper{stopAfter: 3, cancel: cancel}

	cfg := newConfig(s)
	cfg.MaxRetries = 3
	cfg.Backoff = "exponential"
	cfg.RetryInterval = time.Second
	cfg.Cooldown = time.Minute
	p := NewPoller(cfg, client, &recordingHandler{})

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Minute}, s.delays)
}

func TestPollerForwardsScaledReading(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{reads: []readResult{{regs: []uint16{215, 400}}}}
	s := &sleeper{stopAfter: 1, cancel: cancel}
	h := &recordingHandler{}
	p := NewPoller(newConfig(s), client, h)

	require.NoError(t, p.Run(ctx))

	require.Len(t, h.payloads, 1)
	var got map[string]float64
	require.NoError(t, json.Unmarshal(h.payloads[0], &got))
	assert.Equal(t, map[string]float64{"temperature": 21.5, "humidity": 40}, got)
	assert.Equal(t, handler.Modbus, h.hctx[0].Protocol)
	assert.Equal(t, "modbus_10.0.0.2_1", h.hctx[0].DeviceID)
	assert.Equal(t, []time.Duration{5 * time.Second}, s.delays)
}

func TestPollerZeroRegisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{reads: []readResult{{regs: []uint16{}}}}
	s := &sleeper{stopAfter: 1, cancel: cancel}
	h := &recordingHandler{}
	p := NewPoller(newConfig(s), client, h)

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, h.payloads)
}

func TestPollerExceptionKeepsConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exception := &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}
	client := &fakeClient{reads: []readResult{{err: exception}, {regs: []uint16{100, 200}}}}
	s := &sleeper{stopAfter: 2, cancel: cancel}
	h := &recordingHandler{}
	p := NewPoller(newConfig(s), client, h)

	require.NoError(t, p.Run(ctx))

	assert.Equal(t, 1, client.connects)
	assert.Len(t, h.payloads, 1)
	// Only the shutdown close.
	assert.Equal(t, 1, client.closes)
}

func TestPollerCommErrorDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{reads: []readResult{{err: io.ErrUnexpectedEOF}, {regs: []uint16{100, 200}}}}
	s := &sleeper{stopAfter: 2, cancel: cancel}
	h := &recordingHandler{}
	p := NewPoller(newConfig(s), client, h)

	require.NoError(t, p.Run(ctx))

	assert.Equal(t, 2, client.connects)
	assert.Len(t, h.payloads, 1)
	assert.Equal(t, Disconnected, p.State())
}

func TestPollerExtraRegisters(t *testing.T) {
	p := NewPoller(Config{Host: "h", Fields: []string{"a"}, Scale: 2, Logger: logger}, &fakeClient{}, &recordingHandler{})
	assert.Equal(t, map[string]float64{"a": 1, "register_1": 2}, p.scale([]uint16{2, 4}))
}

// stateClient records the poller state seen by each connect and read.
type stateClient struct {
	fakeClient
	poller *Poller
	seen   []State
}

func (c *stateClient) Connect(ctx context.Context) error {
	c.seen = append(c.seen, c.poller.State())
	return c.fakeClient.Connect(ctx)
}

func (c *stateClient) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	c.seen = append(c.seen, c.poller.State())
	return c.fakeClient.ReadHoldingRegisters(ctx, addr, qty)
}

func TestPollerStateTransitions(t *testing.T) {
	cases := []struct {
		desc        string
		connectErrs []error
		stopAfter   int
		seen        []State
	}{
		{
			desc:      "first attempt succeeds",
			stopAfter: 1,
			seen:      []State{Disconnected, Connected},
		},
		{
			desc:        "retry after failure",
			connectErrs: []error{errors.New("connection refused")},
			stopAfter:   2,
			seen:        []State{Disconnected, Connecting, Connected},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			client := &stateClient{fakeClient: fakeClient{connectErrs: tc.connectErrs}}
			s := &sleeper{stopAfter: tc.stopAfter, cancel: cancel}
			client.poller = NewPoller(newConfig(s), client, &recordingHandler{})

			require.NoError(t, client.poller.Run(ctx))
			assert.Equal(t, tc.seen, client.seen)
		})
	}
}

func TestPollerExhaustedAttemptsDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refused := errors.New("connection refused")
	client := &stateClient{fakeClient: fakeClient{connectErrs: []error{refused, refused}}}
	s := &sleeper{stopAfter: 2, cancel: cancel}
	cfg := newConfig(s)
	cfg.MaxRetries = 2
	m := metrics.New("test", prometheus.NewRegistry())
	cfg.Metrics = m
	client.poller = NewPoller(cfg, client, &recordingHandler{})

	require.NoError(t, client.poller.Run(ctx))
	// The second sleep is the cooldown, entered from Disconnected.
	assert.Equal(t, []State{Disconnected, Connecting}, client.seen)
	assert.Equal(t, float64(Disconnected), testutil.ToFloat64(m.ModbusState.WithLabelValues("10.0.0.2:502")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

// serveModbus answers Modbus/TCP requests on one connection using respond.
func serveModbus(t *testing.T, respond func(pdu []byte) []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			header := make([]byte, 7)
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			pdu := make([]byte, binary.BigEndian.Uint16(header[4:6])-1)
			if _, err := io.ReadFull(conn, pdu); err != nil {
				return
			}
			resp := respond(pdu)
			out := make([]byte, 7+len(resp))
			copy(out, header[:4])
			binary.BigEndian.PutUint16(out[4:], uint16(len(resp)+1))
			out[6] = header[6]
			copy(out[7:], resp)
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestTCPClientReadsRegisters(t *testing.T) {
	addr := serveModbus(t, func(pdu []byte) []byte {
		if pdu[0] != 0x03 || binary.BigEndian.Uint16(pdu[1:]) != 1 || binary.BigEndian.Uint16(pdu[3:]) != 2 {
			return []byte{pdu[0] | 0x80, 0x01}
		}
		return []byte{0x03, 0x04, 0x00, 0xd7, 0x01, 0x90}
	})

	c := NewTCPClient(addr, 1, time.Second)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	regs, err := c.ReadHoldingRegisters(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{215, 400}, regs)
}

func TestTCPClientException(t *testing.T) {
	addr := serveModbus(t, func(pdu []byte) []byte {
		return []byte{pdu[0] | 0x80, 0x02}
	})

	c := NewTCPClient(addr, 1, time.Second)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	_, err := c.ReadHoldingRegisters(ctx, 1, 2)
	require.Error(t, err)
	assert.True(t, IsException(err))
}

func TestDecodeRegistersOdd(t *testing.T) {
	_, err := decodeRegisters([]byte{0x01})
	assert.ErrorIs(t, err, ErrOddResponse)
}
