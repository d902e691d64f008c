// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// DefaultTimeout bounds a single Modbus request.
const DefaultTimeout = 5 * time.Second

// ErrOddResponse is returned when a register response has an odd byte count.
var ErrOddResponse = errors.New("modbus response has odd byte count")

// Client reads holding registers from one Modbus/TCP unit.
type Client interface {
	// Connect opens the TCP connection.
	Connect(ctx context.Context) error

	// ReadHoldingRegisters reads qty registers starting at addr.
	ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error)

	// Close closes the TCP connection. It is safe to call on a closed client.
	Close() error
}

// IsException reports whether err is a Modbus exception response. The device
// answered, so the connection is still usable.
func IsException(err error) bool {
	var mbErr *modbus.ModbusError
	return errors.As(err, &mbErr)
}

type tcpClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

var _ Client = (*tcpClient)(nil)

// NewTCPClient creates a Modbus/TCP master for the unit at address.
func NewTCPClient(address string, slaveID byte, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h := modbus.NewTCPClientHandler(address)
	h.Timeout = timeout
	h.SlaveId = slaveID
	return &tcpClient{
		handler: h,
		client:  modbus.NewClient(h),
	}
}

func (c *tcpClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Connect()
}

func (c *tcpClient) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.client.ReadHoldingRegisters(addr, qty)
	if err != nil {
		return nil, err
	}
	return decodeRegisters(raw)
}

func (c *tcpClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

func decodeRegisters(raw []byte) ([]uint16, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddResponse, len(raw))
	}
	regs := make([]uint16, len(raw)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return regs, nil
}
