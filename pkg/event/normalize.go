// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"

	berrors "github.com/absmach/mbridge/pkg/errors"
)

var (
	// ErrInvalidUTF8 is returned for payloads that are not UTF-8 text.
	ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

	// ErrNotJSON is returned when raw payloads are not accepted and the
	// payload is not a JSON object.
	ErrNotJSON = errors.New("payload is not a JSON object")
)

// Normalize converts a protocol payload into an Event.
//
// A JSON object payload becomes the event fields as is. Source, device_id and
// topic are added only when the payload does not carry them. Any other text is
// wrapped as {"value": text} and tagged with meta.RawSource. When RawSource is
// empty the payload is rejected instead.
func Normalize(raw []byte, meta Meta) (Event, error) {
	if !utf8.Valid(raw) {
		return Event{}, berrors.New(berrors.ErrDecode, "normalize", meta.Family, meta.DeviceID, ErrInvalidUTF8)
	}

	source := meta.Source
	fields, err := decodeObject(raw)
	if err != nil {
		if meta.RawSource == "" {
			return Event{}, berrors.New(berrors.ErrDecode, "normalize", meta.Family, meta.DeviceID, ErrNotJSON)
		}
		fields = map[string]any{KeyValue: string(raw)}
		source = meta.RawSource
	}

	setDefault(fields, KeySource, source)
	setDefault(fields, KeyDeviceID, meta.DeviceID)
	setDefault(fields, KeyTopic, meta.Topic)

	return Event{family: meta.Family, fields: fields}, nil
}

// setDefault never overwrites a payload value.
func setDefault(fields map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, ok := fields[key]; ok {
		return
	}
	fields[key] = value
}

// decodeObject accepts exactly one JSON object. Numbers keep their text form.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrNotJSON
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrNotJSON
	}
	return fields, nil
}
