// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt subscribes to one MQTT topic and forwards every message to the
// gateway.
//
// Broker URLs use the mqtt:// and mqtts:// schemes. For mqtts:// the broker
// certificate is verified against the configured CA, or the system roots when
// none is set. Skipping verification needs the explicit InsecureSkipVerify
// flag. A client certificate and key enable mutual TLS.
//
// The paho callback only enqueues messages. A single consumer drains the
// queue in arrival order and waits for each forward before taking the next.
// When the queue is full new messages are dropped and counted.
//
// The device id of a message is the last segment of topics with more than two
// segments, for example device42 for sensor/dht11/device42.
package mqtt
