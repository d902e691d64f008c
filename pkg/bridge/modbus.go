// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"time"

	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/modbus"
)

// ModbusConfig holds configuration for the Modbus bridge.
type ModbusConfig struct {
	modbus.Config

	// Timeout bounds a single Modbus request.
	Timeout time.Duration
}

// ModbusBridge coordinates the Modbus/TCP client and the poller.
type ModbusBridge struct {
	poller *modbus.Poller
	target string
}

// NewModbus creates a Modbus bridge that hands readings to h. Forwarding is
// synchronous, so h should not be pooled.
func NewModbus(cfg ModbusConfig, h handler.Handler) (*ModbusBridge, error) {
	cfg.Config = cfg.Config.WithDefaults()
	client := modbus.NewTCPClient(cfg.Address(), cfg.SlaveID, cfg.Timeout)
	return &ModbusBridge{poller: modbus.NewPoller(cfg.Config, client, h), target: cfg.Address()}, nil
}

// Target returns the address of the polled unit.
func (b *ModbusBridge) Target() string {
	return b.target
}

// Listen polls the unit until ctx is cancelled.
func (b *ModbusBridge) Listen(ctx context.Context) error {
	return b.poller.Run(ctx)
}

// State returns the connection state of the poller.
func (b *ModbusBridge) State() modbus.State {
	return b.poller.State()
}
