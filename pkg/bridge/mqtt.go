// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"

	"github.com/absmach/mbridge/pkg/handler"
	"github.com/absmach/mbridge/pkg/mqtt"
)

// MQTTBridge coordinates the MQTT subscriber.
type MQTTBridge struct {
	subscriber *mqtt.Subscriber
}

// NewMQTT creates an MQTT bridge that hands messages to h. TLS material is
// loaded here, so a bad CA file fails before anything connects.
func NewMQTT(cfg mqtt.Config, h handler.Handler) (*MQTTBridge, error) {
	s, err := mqtt.New(cfg, h)
	if err != nil {
		return nil, err
	}
	return &MQTTBridge{subscriber: s}, nil
}

// Listen connects and consumes messages until ctx is cancelled.
func (b *MQTTBridge) Listen(ctx context.Context) error {
	return b.subscriber.Run(ctx)
}

// Connected reports whether the broker session is up.
func (b *MQTTBridge) Connected() bool {
	return b.subscriber.Connected()
}
