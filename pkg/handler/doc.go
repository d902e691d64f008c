// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler links transport adapters to the gateway.
//
// # Data Flow
//
//	Adapter (reads payload) → Handler (normalizes) → Forwarder → Gateway
//	Adapter ← Outcome (CoAP response code, or a log line)
//
// Adapters build a Context describing where a payload came from and call
// Handle. The Forwarding handler normalizes the payload into an event and
// delivers it. Instrumented wraps any Handler with Prometheus metrics,
// RateLimited drops readings of devices sending too fast, and Pooled runs a
// Handler on a bounded worker pool.
//
// # Context
//
// The Context struct carries per-reading metadata:
//   - SessionID: correlation identifier for log lines
//   - Protocol: coap, modbus, mqtt or websocket
//   - RemoteAddr: peer address or Modbus target
//   - DeviceID: identifier derived from the transport
//   - Topic: MQTT topic
//
// # Errors
//
// Handle returns an error only when nothing was forwarded: the payload could
// not be normalized (errors.ErrDecode), or RateLimited or Pooled refused it
// (errors.ErrTransport). Gateway failures are reported through the Outcome and
// never as an error, so adapters can keep serving after any single failed
// reading.
package handler
