// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy shared by the bridge adapters.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Every BridgeError carries exactly one of them.
var (
	// ErrConfig indicates invalid startup configuration. It is always fatal.
	ErrConfig = errors.New("configuration error")

	// ErrDecode indicates a payload that is not valid text or JSON.
	ErrDecode = errors.New("decode error")

	// ErrTransport indicates a socket or connection failure.
	ErrTransport = errors.New("transport error")

	// ErrGateway indicates an HTTP-level failure talking to the gateway.
	ErrGateway = errors.New("gateway error")
)

// BridgeError wraps an error with the context needed to correlate a dropped reading.
type BridgeError struct {
	Op        string // Operation that failed
	Transport string // coap, modbus, mqtt, websocket
	Peer      string // Client address, topic or Modbus target
	Kind      error  // One of the ErrX kinds
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s [%s] %v: %v", e.Transport, e.Op, e.Peer, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s %v: %v", e.Transport, e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *BridgeError) Is(target error) bool {
	return e.Kind == target
}

// New creates a new BridgeError of the given kind. A nil err yields nil.
func New(kind error, op, transport, peer string, err error) error {
	if err == nil {
		return nil
	}
	return &BridgeError{
		Op:        op,
		Transport: transport,
		Peer:      peer,
		Kind:      kind,
		Err:       err,
	}
}

// Config is shorthand for a configuration error raised while loading op.
func Config(op string, err error) error {
	return New(ErrConfig, op, "config", "", err)
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
