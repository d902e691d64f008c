// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/retry"
	"github.com/absmach/mbridge/pkg/tlsconfig"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultTopic                = "sensor/dht11"
	DefaultKeepAlive            = 60 * time.Second
	DefaultConnectTimeout       = 30 * time.Second
	DefaultConnectAttempts      = 5
	DefaultConnectRetryInterval = 2 * time.Second
	DefaultMaxReconnectInterval = time.Minute
	DefaultQueueSize            = 1024

	disconnectQuiesce = 250 // milliseconds
)

// ErrInvalidBrokerURL is returned for broker URLs other than mqtt:// or mqtts://.
var ErrInvalidBrokerURL = errors.New("broker URL must start with mqtt:// or mqtts://")

// Config configures the subscriber.
type Config struct {
	// BrokerURL is mqtt://host[:port] or mqtts://host[:port].
	BrokerURL string
	Topic     string
	QoS       byte
	ClientID  string
	Username  string
	Password  string

	// TLS is applied to mqtts:// brokers only.
	TLS tlsconfig.Client

	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	ConnectAttempts      int
	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration

	// QueueSize bounds messages waiting for the consumer. Messages arriving
	// while it is full are dropped.
	QueueSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Subscriber receives messages on one topic and hands them, in arrival order,
// to a handler. The subscription is made on every connect, so it survives
// broker reconnects.
type Subscriber struct {
	cfg       Config
	broker    string
	tls       *tls.Config
	handler   handler.Handler
	msgs      chan mqtt.Message
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.RWMutex
	client mqtt.Client
}

// New validates cfg and creates a subscriber. A CA file that cannot be loaded
// is a configuration error.
func New(cfg Config, h handler.Handler) (*Subscriber, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = DefaultConnectRetryInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	broker, secure, err := ParseBrokerURL(cfg.BrokerURL)
	if err != nil {
		return nil, berrors.Config("mqtt broker", err)
	}

	s := &Subscriber{
		cfg:       cfg,
		broker:    broker,
		handler:   h,
		msgs:      make(chan mqtt.Message, cfg.QueueSize),
		newClient: mqtt.NewClient,
	}

	if !secure {
		if cfg.TLS.CAFile != "" || cfg.TLS.CertFile != "" || cfg.TLS.KeyFile != "" {
			cfg.Logger.Warn("TLS settings ignored for plaintext MQTT broker", slog.String("broker", broker))
		}
		return s, nil
	}

	if cfg.TLS.IncompletePair() {
		cfg.Logger.Warn("MQTT client certificate or key set without the other, mutual TLS disabled")
	}
	if cfg.TLS.InsecureSkipVerify {
		cfg.Logger.Warn("MQTT broker certificate will not be verified", slog.String("broker", broker))
	} else if cfg.TLS.CAFile == "" {
		cfg.Logger.Info("no MQTT CA configured, verifying broker against system roots")
	}
	s.tls, err = tlsconfig.LoadClient(cfg.TLS)
	if err != nil {
		return nil, berrors.Config("mqtt tls", err)
	}
	return s, nil
}

// ParseBrokerURL maps mqtt:// to tcp:// and mqtts:// to ssl://, filling in
// the default port. It reports whether TLS is used.
func ParseBrokerURL(raw string) (broker string, secure bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidBrokerURL, err)
	}

	var scheme, port string
	switch strings.ToLower(u.Scheme) {
	case "mqtt":
		scheme, port = "tcp", "1883"
	case "mqtts":
		scheme, port, secure = "ssl", "8883", true
	default:
		return "", false, fmt.Errorf("%w: %q", ErrInvalidBrokerURL, raw)
	}
	if u.Hostname() == "" {
		return "", false, fmt.Errorf("%w: missing host in %q", ErrInvalidBrokerURL, raw)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	return scheme + "://" + net.JoinHostPort(u.Hostname(), port), secure, nil
}

// DeviceID returns the last topic segment when the topic has more than two
// segments, and the whole topic otherwise.
func DeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > 2 && parts[len(parts)-1] != "" {
		return parts[len(parts)-1]
	}
	return topic
}

// Connected reports whether the MQTT session is up.
func (s *Subscriber) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.client.IsConnectionOpen()
}

// Run connects, consumes messages until ctx is cancelled and disconnects.
// Failing to connect within ConnectAttempts is returned as a transport error.
func (s *Subscriber) Run(ctx context.Context) error {
	client := s.newClient(s.options())
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if err := s.connect(ctx, client); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.consume(ctx)
	}()

	<-ctx.Done()
	client.Disconnect(disconnectQuiesce)
	<-done
	s.abandon()
	s.cfg.Logger.Info("MQTT subscriber stopped", slog.String("broker", s.broker))
	return nil
}

func (s *Subscriber) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.cfg.ClientID).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(s.cfg.MaxReconnectInterval)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	if s.tls != nil {
		opts.SetTLSConfig(s.tls)
	}

	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.cfg.Logger.Warn("MQTT connection lost, reconnecting",
			slog.String("broker", s.broker),
			slog.String("error", err.Error()))
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.cfg.Logger.Info("reconnecting to MQTT broker", slog.String("broker", s.broker))
	}
	return opts
}

func (s *Subscriber) connect(ctx context.Context, client mqtt.Client) error {
	attempt := 0
	cfg := retry.Config{
		MaxAttempts: s.cfg.ConnectAttempts,
		Delay:       s.cfg.ConnectRetryInterval,
		MaxDelay:    s.cfg.MaxReconnectInterval,
		Policy:      retry.Exponential,
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		attempt++
		s.cfg.Logger.Info("connecting to MQTT broker",
			slog.String("broker", s.broker),
			slog.String("client_id", s.cfg.ClientID),
			slog.Int("attempt", attempt))

		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			s.cfg.Logger.Warn("MQTT connect attempt failed",
				slog.String("broker", s.broker),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return err
		}
		return nil
	})
	if err != nil {
		return berrors.New(berrors.ErrTransport, "connect", handler.MQTT, s.broker, err)
	}
	return nil
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	s.cfg.Logger.Info("connected to MQTT broker", slog.String("broker", s.broker))

	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage)
	if token.Wait() && token.Error() != nil {
		s.cfg.Logger.Error("MQTT subscribe failed",
			slog.String("topic", s.cfg.Topic),
			slog.String("error", token.Error().Error()))
		return
	}
	s.cfg.Logger.Info("subscribed to MQTT topic",
		slog.String("topic", s.cfg.Topic),
		slog.Int("qos", int(s.cfg.QoS)))
}

// handleMessage runs on the paho router and must not block.
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case s.msgs <- msg:
		s.observeQueue()
	default:
		s.cfg.Logger.Warn("MQTT intake queue full, message dropped",
			slog.String("topic", msg.Topic()),
			slog.Int("queue_size", s.cfg.QueueSize))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DroppedReadings.WithLabelValues(handler.MQTT, "queue_full").Inc()
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			s.observeQueue()
			s.process(ctx, msg)
		}
	}
}

// abandon empties the intake queue after the consumer stopped. Queued
// messages are not forwarded.
func (s *Subscriber) abandon() {
	n := 0
drain:
	for {
		select {
		case <-s.msgs:
			n++
		default:
			break drain
		}
	}
	if n == 0 {
		return
	}
	s.observeQueue()
	s.cfg.Logger.Warn("MQTT subscriber stopped with queued messages, not forwarded",
		slog.String("broker", s.broker),
		slog.Int("abandoned", n))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DroppedReadings.WithLabelValues(handler.MQTT, "shutdown").Add(float64(n))
	}
}

func (s *Subscriber) process(ctx context.Context, msg mqtt.Message) {
	topic := msg.Topic()
	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		Protocol:   handler.MQTT,
		RemoteAddr: s.broker,
		DeviceID:   DeviceID(topic),
		Topic:      topic,
	}
	s.cfg.Logger.Debug("MQTT message received",
		slog.String("topic", topic),
		slog.Int("qos", int(msg.Qos())),
		slog.Int("size", len(msg.Payload())))

	if _, err := s.handler.Handle(ctx, hctx, msg.Payload()); err != nil && !errors.Is(err, berrors.ErrDecode) {
		s.cfg.Logger.Warn("MQTT message dropped",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
	}
}

func (s *Subscriber) observeQueue() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.QueueDepth.WithLabelValues(handler.MQTT).Set(float64(len(s.msgs)))
	}
}
