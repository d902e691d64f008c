// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package event defines the canonical reading forwarded to the gateway and the
// normalizer that builds it from protocol payloads.
//
// Every transport funnels its payload through Normalize with a Meta describing
// where the reading came from:
//
//	ev, err := event.Normalize(payload, event.Meta{
//		Family:    "mqtt",
//		Source:    event.SourceMQTT,
//		RawSource: event.SourceMQTTRaw,
//		DeviceID:  "device42",
//		Topic:     "sensor/dht11/device42",
//	})
//
// Values supplied by the payload always win over injected metadata.
package event
