// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Reserved field names injected by the normalizer.
const (
	KeySource   = "source"
	KeyDeviceID = "device_id"
	KeyTopic    = "topic"
	KeyValue    = "value"
)

// Source tags.
const (
	SourceCoAP      = "coap"
	SourceCoAPRaw   = "coap_raw"
	SourceModbus    = "modbus"
	SourceMQTT      = "mqtt"
	SourceMQTTRaw   = "mqtt_raw"
	SourceWebSocket = "websocket"
)

// Meta is the transport context a reading arrived with.
type Meta struct {
	// Family is the transport name sent as X-Source-Identifier.
	Family string

	// Source is injected for structured payloads.
	Source string

	// RawSource is injected when the payload is not JSON and gets wrapped
	// into a single value field. Empty means raw payloads are rejected.
	RawSource string

	// DeviceID is the identifier derived from the transport context.
	DeviceID string

	// Topic is set for pub/sub transports only.
	Topic string
}

// Event is one normalized reading. It is immutable after Normalize returns it.
type Event struct {
	family string
	fields map[string]any
}

// Family returns the transport family of the event.
func (e Event) Family() string {
	return e.family
}

// Source returns the effective source, payload-supplied or injected.
func (e Event) Source() string {
	return e.str(KeySource)
}

// DeviceID returns the effective device identifier.
func (e Event) DeviceID() string {
	return e.str(KeyDeviceID)
}

// Topic returns the topic, empty for non pub/sub transports.
func (e Event) Topic() string {
	return e.str(KeyTopic)
}

// Get returns a single field.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// Fields returns a copy of the event fields, including injected metadata.
func (e Event) Fields() map[string]any {
	return maps.Clone(e.fields)
}

// Len returns the number of fields.
func (e Event) Len() int {
	return len(e.fields)
}

// MarshalJSON encodes the event as the flat object the gateway expects.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.fields)
}

func (e Event) str(key string) string {
	v, ok := e.fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
