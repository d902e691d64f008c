// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mbridge

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	berrors "github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/retry"
	"github.com/caarlos0/env/v11"
)

// Transport names accepted in MBRIDGE_TRANSPORTS.
const (
	TransportCoAP      = "coap"
	TransportModbus    = "modbus"
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
)

var transports = []string{TransportCoAP, TransportModbus, TransportMQTT, TransportWebSocket}

// Config is the complete bridge configuration. It is built once at startup
// and passed by value.
type Config struct {
	// Transports selects the adapters to run.
	Transports []string `env:"MBRIDGE_TRANSPORTS" envDefault:"coap,modbus,mqtt,websocket" envSeparator:","`

	Log           LogConfig
	Gateway       GatewayConfig
	CoAP          CoAPConfig
	Modbus        ModbusConfig
	MQTT          MQTTConfig
	WebSocket     WebSocketConfig
	Pool          PoolConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

type LogConfig struct {
	Level  string `env:"MBRIDGE_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"MBRIDGE_LOG_FORMAT" envDefault:"json"`
}

// GatewayConfig describes the HTTP gateway every reading is posted to.
type GatewayConfig struct {
	URL     string        `env:"HTTP_ENDPOINT"   envDefault:"https://go-iot-gateway:8080/data"`
	APIKey  string        `env:"GATEWAY_API_KEY,required,notEmpty"`
	Timeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	// InternalHost is the only host for which SkipVerifyInternal applies.
	InternalHost       string `env:"GATEWAY_INTERNAL_HOST"            envDefault:"go-iot-gateway"`
	SkipVerifyInternal bool   `env:"GATEWAY_TLS_SKIP_VERIFY_INTERNAL" envDefault:"true"`

	// BreakerMaxFailures of 0 disables the circuit breaker.
	BreakerMaxFailures  int           `env:"GATEWAY_BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"GATEWAY_BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

type CoAPConfig struct {
	Host            string        `env:"COAP_HOST"             envDefault:""`
	Port            string        `env:"COAP_PORT"             envDefault:"5683"`
	Resources       []string      `env:"COAP_RESOURCES"        envDefault:"/sensor/ir,/data" envSeparator:","`
	ForwardAttempts int           `env:"COAP_FORWARD_ATTEMPTS" envDefault:"2"`
	BufferSize      int           `env:"COAP_BUFFER_SIZE"      envDefault:"65535"`
	Workers         int           `env:"COAP_WORKERS"          envDefault:"100"`
	QueueSize       int           `env:"COAP_QUEUE_SIZE"       envDefault:"1000"`
	ShutdownTimeout time.Duration `env:"COAP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type ModbusConfig struct {
	Host            string        `env:"MODBUS_IP"               envDefault:"192.168.1.100"`
	Port            int           `env:"MODBUS_PORT"             envDefault:"502"`
	SlaveID         uint8         `env:"MODBUS_SLAVE_ID"         envDefault:"1"`
	PollInterval    time.Duration `env:"MODBUS_POLL_INTERVAL"    envDefault:"5s"`
	RetryInterval   time.Duration `env:"MODBUS_RETRY_INTERVAL"   envDefault:"3s"`
	MaxRetries      int           `env:"MODBUS_MAX_RETRIES"      envDefault:"5"`
	Backoff         string        `env:"MODBUS_BACKOFF"          envDefault:"linear"`
	Cooldown        time.Duration `env:"MODBUS_COOLDOWN"         envDefault:"0s"`
	Timeout         time.Duration `env:"MODBUS_TIMEOUT"          envDefault:"5s"`
	RegisterAddress uint16        `env:"MODBUS_REGISTER_ADDRESS" envDefault:"1"`
	RegisterCount   uint16        `env:"MODBUS_REGISTER_COUNT"   envDefault:"2"`
	Fields          []string      `env:"MODBUS_FIELDS"           envDefault:"temperature,humidity" envSeparator:","`
	Scale           float64       `env:"MODBUS_SCALE"            envDefault:"10"`
}

type MQTTConfig struct {
	BrokerURL string `env:"MQTT_SERVER"    envDefault:"mqtts://mqtt-broker:8883"`
	Topic     string `env:"MQTT_TOPIC"     envDefault:"sensor/dht11"`
	QoS       uint8  `env:"MQTT_QOS"       envDefault:"0"`
	ClientID  string `env:"MQTT_CLIENT_ID" envDefault:""`
	Username  string `env:"MQTT_USER"      envDefault:""`
	Password  string `env:"MQTT_PASSWORD"  envDefault:""`

	CAFile             string `env:"MQTT_CA_CERT"                  envDefault:""`
	CertFile           string `env:"MQTT_CERT_FILE"                envDefault:""`
	KeyFile            string `env:"MQTT_KEY_FILE"                 envDefault:""`
	InsecureSkipVerify bool   `env:"MQTT_TLS_INSECURE_SKIP_VERIFY" envDefault:"false"`

	KeepAlive       time.Duration `env:"MQTT_KEEPALIVE"        envDefault:"60s"`
	ConnectAttempts int           `env:"MQTT_CONNECT_ATTEMPTS" envDefault:"5"`
	QueueSize       int           `env:"MQTT_QUEUE_SIZE"       envDefault:"1024"`
}

type WebSocketConfig struct {
	Host     string `env:"WS_HOST"      envDefault:""`
	Port     string `env:"WS_PORT"      envDefault:"8765"`
	CertFile string `env:"WS_CERT_FILE" envDefault:""`
	KeyFile  string `env:"WS_KEY_FILE"  envDefault:""`

	// FallbackPlaintext serves plain WS when the certificate fails to load.
	FallbackPlaintext bool          `env:"WS_TLS_FALLBACK_PLAINTEXT" envDefault:"true"`
	ReadLimit         int64         `env:"WS_READ_LIMIT"             envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"WS_SHUTDOWN_TIMEOUT"       envDefault:"30s"`
}

// RateLimitConfig bounds readings per device. A Rate of 0 disables it.
type RateLimitConfig struct {
	Rate       float64 `env:"MBRIDGE_RATE_LIMIT"       envDefault:"0"`
	Burst      int     `env:"MBRIDGE_RATE_BURST"       envDefault:"0"`
	MaxDevices int     `env:"MBRIDGE_RATE_MAX_DEVICES" envDefault:"10000"`
}

// PoolConfig sizes the forward worker pool shared by MQTT and WebSocket.
type PoolConfig struct {
	Workers     int           `env:"MBRIDGE_POOL_WORKERS"      envDefault:"64"`
	QueueSize   int           `env:"MBRIDGE_POOL_QUEUE_SIZE"   envDefault:"1024"`
	WaitTimeout time.Duration `env:"MBRIDGE_POOL_WAIT_TIMEOUT" envDefault:"5s"`
}

type ObservabilityConfig struct {
	MetricsPort int `env:"MBRIDGE_METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"MBRIDGE_HEALTH_PORT"  envDefault:"8080"`
}

// NewConfig parses the environment and validates the result. Every failure
// is a configuration error.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, berrors.Config("parse", err)
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = fmt.Sprintf("mqtt-http-bridge-%d", os.Getpid())
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Enabled reports whether the named transport was selected.
func (c Config) Enabled(transport string) bool {
	return slices.Contains(c.Transports, transport)
}

// BackoffPolicy returns the validated Modbus backoff policy.
func (c ModbusConfig) BackoffPolicy() retry.Policy {
	p, _ := retry.ParsePolicy(c.Backoff)
	return p
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Gateway.APIKey) == "" {
		return berrors.Config("gateway", fmt.Errorf("GATEWAY_API_KEY is not set"))
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return berrors.Config("gateway", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return berrors.Config("gateway", fmt.Errorf("HTTP_ENDPOINT must be an absolute http(s) URL, got %q", c.Gateway.URL))
	}

	if c.RateLimit.Rate < 0 {
		return berrors.Config("rate limit", fmt.Errorf("MBRIDGE_RATE_LIMIT must not be negative"))
	}

	if len(c.Transports) == 0 {
		return berrors.Config("transports", fmt.Errorf("no transport selected"))
	}
	for i, t := range c.Transports {
		t = strings.ToLower(strings.TrimSpace(t))
		if !slices.Contains(transports, t) {
			return berrors.Config("transports", fmt.Errorf("unknown transport %q", t))
		}
		c.Transports[i] = t
	}

	if c.Enabled(TransportMQTT) {
		if !strings.HasPrefix(c.MQTT.BrokerURL, "mqtt://") && !strings.HasPrefix(c.MQTT.BrokerURL, "mqtts://") {
			return berrors.Config("mqtt", fmt.Errorf("MQTT_SERVER must start with mqtt:// or mqtts://, got %q", c.MQTT.BrokerURL))
		}
		if c.MQTT.QoS > 2 {
			return berrors.Config("mqtt", fmt.Errorf("invalid QoS %d", c.MQTT.QoS))
		}
	}

	if c.Enabled(TransportModbus) {
		if c.Modbus.Host == "" {
			return berrors.Config("modbus", fmt.Errorf("MODBUS_IP is not set"))
		}
		if c.Modbus.Port < 1 || c.Modbus.Port > 65535 {
			return berrors.Config("modbus", fmt.Errorf("MODBUS_PORT must be in 1..65535, got %d", c.Modbus.Port))
		}
		if _, err := retry.ParsePolicy(c.Modbus.Backoff); err != nil {
			return berrors.Config("modbus", err)
		}
		if c.Modbus.Scale == 0 {
			return berrors.Config("modbus", fmt.Errorf("MODBUS_SCALE must not be zero"))
		}
	}
	return nil
}
