// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/forwarder"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/modbus"
	"github.com/absmach/mbridge/pkg/mqtt"
	"github.com/gorilla/websocket"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return strconv.Itoa(port)
}

func newHandler(t *testing.T, posted chan<- struct{}) handler.Handler {
	t.Helper()
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
		posted <- struct{}{}
	}))
	t.Cleanup(gw.Close)

	fwd, err := forwarder.New(forwarder.Config{URL: gw.URL, APIKey: "secret", Logger: logger})
	require.NoError(t, err)
	return handler.NewForwarding(fwd, logger)
}

func TestWebSocketTLSFallback(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(cert, []byte("not a certificate"), 0o600))

	cfg := WebSocketConfig{
		Host:              "127.0.0.1",
		Port:              "0",
		CertFile:          cert,
		KeyFile:           cert,
		FallbackPlaintext: true,
		Logger:            logger,
	}
	b, err := NewWebSocket(cfg, nil)
	require.NoError(t, err)
	assert.False(t, b.Secure())

	cfg.FallbackPlaintext = false
	_, err = NewWebSocket(cfg, nil)
	assert.ErrorIs(t, err, berrors.ErrConfig)

	cfg.CertFile = ""
	cfg.FallbackPlaintext = false
	_, err = NewWebSocket(cfg, nil)
	assert.ErrorIs(t, err, berrors.ErrConfig)
}

func TestWebSocketListen(t *testing.T) {
	posted := make(chan struct{}, 1)
	port := freePort(t)
	b, err := NewWebSocket(WebSocketConfig{Host: "127.0.0.1", Port: port, Logger: logger}, newHandler(t, posted))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	listenErr := make(chan error, 1)
	go func() { listenErr <- b.Listen(ctx) }()

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial("ws://127.0.0.1:"+port+"/", nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"v":1}`)))
	select {
	case <-posted:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not forwarded")
	}

	cancel()
	select {
	case err := <-listenErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}

	// The bridge closes open connections on shutdown.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestNewMQTTInvalidBroker(t *testing.T) {
	_, err := NewMQTT(mqtt.Config{BrokerURL: "amqp://broker", Logger: logger}, nil)
	assert.ErrorIs(t, err, berrors.ErrConfig)

	b, err := NewMQTT(mqtt.Config{BrokerURL: "mqtt://broker", Logger: logger}, nil)
	require.NoError(t, err)
	assert.False(t, b.Connected())
}

func TestNewModbusStartsDisconnected(t *testing.T) {
	b, err := NewModbus(ModbusConfig{Config: modbus.Config{Host: "127.0.0.1", Logger: logger}}, nil)
	require.NoError(t, err)
	assert.Equal(t, modbus.Disconnected, b.State())
}

func TestNewModbusDefaultPort(t *testing.T) {
	b, err := NewModbus(ModbusConfig{Config: modbus.Config{Host: "127.0.0.1", Logger: logger}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:502", b.Target())

	b, err = NewModbus(ModbusConfig{Config: modbus.Config{Host: "127.0.0.1", Port: 1502, Logger: logger}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1502", b.Target())
}

func TestCoAPListenInvalidAddress(t *testing.T) {
	b, err := NewCoAP(CoAPConfig{Host: "invalid:host", Port: "99999", Logger: logger}, nil)
	require.NoError(t, err)
	assert.Error(t, b.Listen(context.Background()))
}

func TestCoAPForwardsLargePayload(t *testing.T) {
	blob := strings.Repeat("x", 10000)
	received := make(chan string, 1)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
		received <- string(body)
	}))
	defer gw.Close()

	fwd, err := forwarder.New(forwarder.Config{URL: gw.URL, APIKey: "secret", Logger: logger})
	require.NoError(t, err)

	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := strconv.Itoa(ln.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, ln.Close())

	b, err := NewCoAP(CoAPConfig{Host: "127.0.0.1", Port: port, Logger: logger}, handler.NewForwarding(fwd, logger))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Listen(ctx)

	msg := pool.NewMessage(ctx)
	msg.SetType(message.Confirmable)
	msg.SetCode(codes.POST)
	msg.SetMessageID(7)
	require.NoError(t, msg.SetPath("/data"))
	msg.SetBody(bytes.NewReader([]byte(`{"blob":"` + blob + `"}`)))
	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	require.NoError(t, err)
	require.Greater(t, len(data), 8192)

	client, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	defer client.Close()

	// Retransmit until the bridge is up. Retransmissions share the message ID
	// and are answered without a second forward.
	reply := make([]byte, 512)
	var n int
	require.Eventually(t, func() bool {
		if _, err := client.Write(data); err != nil {
			return false
		}
		client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err = client.Read(reply)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	resp := pool.NewMessage(ctx)
	_, err = resp.UnmarshalWithDecoder(coder.DefaultCoder, reply[:n])
	require.NoError(t, err)
	assert.Equal(t, codes.Changed, resp.Code())

	select {
	case body := <-received:
		assert.Contains(t, body, blob)
	case <-time.After(5 * time.Second):
		t.Fatal("reading was not forwarded")
	}
	assert.Empty(t, received, "retransmission was forwarded again")
}
