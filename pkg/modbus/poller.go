// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package modbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/retry"
)

// State is the connection state of the poller.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Defaults.
const (
	DefaultPort            = 502
	DefaultSlaveID         = 1
	DefaultPollInterval    = 5 * time.Second
	DefaultRetryInterval   = 3 * time.Second
	DefaultMaxRetries      = 5
	DefaultRegisterAddress = 1
	DefaultRegisterCount   = 2
	DefaultScale           = 10
)

// DefaultFields names the registers read at DefaultRegisterAddress.
var DefaultFields = []string{"temperature", "humidity"}

// Config configures the poller.
type Config struct {
	Host    string
	Port    int
	SlaveID byte

	// PollInterval is the delay between reads while connected.
	PollInterval time.Duration

	// RetryInterval is the base backoff between connect attempts.
	RetryInterval time.Duration

	// MaxRetries bounds connect attempts per cycle.
	MaxRetries int

	// Backoff selects how RetryInterval grows. Defaults to linear.
	Backoff retry.Policy

	// Cooldown is slept after a failed connect cycle. Defaults to twice
	// PollInterval.
	Cooldown time.Duration

	RegisterAddress uint16
	RegisterCount   uint16

	// Fields names the registers in order. Registers beyond it are named
	// register_<n>.
	Fields []string

	// Scale divides every raw register value.
	Scale float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Sleep replaces retry.Sleep. Used by tests.
	Sleep retry.SleepFunc
}

// Address returns host:port of the Modbus unit.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DeviceID returns the identifier readings are tagged with.
func (c Config) DeviceID() string {
	return fmt.Sprintf("modbus_%s_%d", c.Host, c.SlaveID)
}

// WithDefaults returns c with every unset field filled in.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Backoff == "" {
		c.Backoff = retry.Linear
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * c.PollInterval
	}
	if c.Fields == nil {
		c.Fields = DefaultFields
	}
	if c.RegisterCount == 0 {
		c.RegisterCount = uint16(len(c.Fields))
	}
	if c.Scale == 0 {
		c.Scale = DefaultScale
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sleep == nil {
		c.Sleep = retry.Sleep
	}
}

// Poller drives one Modbus unit through Disconnected, Connecting and
// Connected, reading registers on every tick while connected. A successful
// first attempt goes straight to Connected. Each reading is
// forwarded synchronously before the next tick.
type Poller struct {
	cfg      Config
	client   Client
	handler  handler.Handler
	state    atomic.Int32
	target   string
	deviceID string
}

// NewPoller creates a poller. The client must target cfg.Address().
func NewPoller(cfg Config, client Client, h handler.Handler) *Poller {
	cfg.defaults()
	p := &Poller{
		cfg:      cfg,
		client:   client,
		handler:  h,
		target:   cfg.Address(),
		deviceID: cfg.DeviceID(),
	}
	p.setState(Disconnected)
	return p
}

// State returns the current connection state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ModbusState.WithLabelValues(p.target).Set(float64(s))
	}
}

// Run polls until ctx is cancelled, then closes the connection.
func (p *Poller) Run(ctx context.Context) error {
	p.cfg.Logger.Info("Modbus poller started",
		slog.String("target", p.target),
		slog.Int("slave_id", int(p.cfg.SlaveID)),
		slog.Duration("poll_interval", p.cfg.PollInterval))

	defer func() {
		p.disconnect()
		p.cfg.Logger.Info("Modbus poller stopped", slog.String("target", p.target))
	}()

	for ctx.Err() == nil {
		if p.State() != Connected {
			if err := p.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.cfg.Logger.Error("could not connect to Modbus unit, cooling down",
					slog.String("target", p.target),
					slog.Int("attempts", p.cfg.MaxRetries),
					slog.Duration("cooldown", p.cfg.Cooldown),
					slog.String("error", err.Error()))
				if p.cfg.Sleep(ctx, p.cfg.Cooldown) != nil {
					return nil
				}
				continue
			}
		}

		if err := p.Poll(ctx); err != nil && !IsException(err) {
			p.cfg.Logger.Error("Modbus communication error, closing connection",
				slog.String("target", p.target),
				slog.String("error", err.Error()))
			p.disconnect()
		}

		if p.cfg.Sleep(ctx, p.cfg.PollInterval) != nil {
			return nil
		}
	}
	return nil
}

func (p *Poller) connect(ctx context.Context) error {
	attempt := 0
	cfg := retry.Config{
		MaxAttempts: p.cfg.MaxRetries,
		Delay:       p.cfg.RetryInterval,
		Policy:      p.cfg.Backoff,
		Sleep:       p.cfg.Sleep,
	}

	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		attempt++
		p.cfg.Logger.Info("connecting to Modbus unit",
			slog.String("target", p.target),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.cfg.MaxRetries))

		if err := p.client.Connect(ctx); err != nil {
			p.client.Close()
			// Connecting only while another attempt is pending.
			if attempt < p.cfg.MaxRetries {
				p.setState(Connecting)
			} else {
				p.setState(Disconnected)
			}
			p.countAttempt("failure")
			p.cfg.Logger.Warn("Modbus connect attempt failed",
				slog.String("target", p.target),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return berrors.New(berrors.ErrTransport, "connect", handler.Modbus, p.target, err)
		}

		p.setState(Connected)
		p.countAttempt("success")
		p.cfg.Logger.Info("connected to Modbus unit", slog.String("target", p.target))
		return nil
	})
}

func (p *Poller) disconnect() {
	if err := p.client.Close(); err != nil {
		p.cfg.Logger.Debug("failed to close Modbus connection",
			slog.String("target", p.target),
			slog.String("error", err.Error()))
	}
	p.setState(Disconnected)
}

func (p *Poller) countAttempt(result string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ModbusReconnects.WithLabelValues(p.target, result).Inc()
	}
}

// Poll performs one read and forwards the reading. An exception response is
// logged and returned; the caller keeps the connection. Any other error means
// the connection is unusable.
func (p *Poller) Poll(ctx context.Context) error {
	regs, err := p.client.ReadHoldingRegisters(ctx, p.cfg.RegisterAddress, p.cfg.RegisterCount)
	if err != nil {
		if IsException(err) {
			p.cfg.Logger.Error("Modbus read returned an exception",
				slog.String("target", p.target),
				slog.Int("address", int(p.cfg.RegisterAddress)),
				slog.String("error", err.Error()))
		}
		return berrors.New(berrors.ErrTransport, "read", handler.Modbus, p.target, err)
	}
	if len(regs) == 0 {
		p.cfg.Logger.Warn("Modbus read returned no registers", slog.String("target", p.target))
		return nil
	}

	reading := p.scale(regs)
	payload, err := json.Marshal(reading)
	if err != nil {
		return berrors.New(berrors.ErrDecode, "encode", handler.Modbus, p.target, err)
	}
	p.cfg.Logger.Info("Modbus reading", slog.String("target", p.target), slog.Any("values", reading))

	hctx := &handler.Context{
		SessionID:  p.deviceID,
		Protocol:   handler.Modbus,
		RemoteAddr: p.target,
		DeviceID:   p.deviceID,
	}
	// Errors and outcomes are logged by the handler.
	_, _ = p.handler.Handle(ctx, hctx, payload)
	return nil
}

func (p *Poller) scale(regs []uint16) map[string]float64 {
	out := make(map[string]float64, len(regs))
	for i, r := range regs {
		name := "register_" + strconv.Itoa(i)
		if i < len(p.cfg.Fields) {
			name = p.cfg.Fields[i]
		}
		out[name] = float64(r) / p.cfg.Scale
	}
	return out
}
