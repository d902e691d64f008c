// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket accepts JSON readings over WebSocket connections.
//
// Every connection runs one read loop. A message is normalized and forwarded,
// and the loop waits for the gateway before reading the next one. A message
// that is not UTF-8 JSON is logged and skipped, and the connection stays open.
// Nothing is written back to the client.
package websocket
