// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package modbus polls holding registers from a Modbus/TCP unit and forwards
// each reading to the gateway.
//
// The Poller moves between three states:
//
//	Disconnected --connect--> Connected
//	Disconnected --failure--> Connecting --connect--> Connected
//	Connecting --attempts exhausted--> Disconnected
//	Connected --read error--> Disconnected
//
// A connect cycle makes up to MaxRetries attempts with a growing delay, then
// sleeps Cooldown before the next cycle. While connected every tick reads
// RegisterCount registers at RegisterAddress, divides them by Scale and
// forwards them as one JSON object. An exception response is logged and the
// connection kept. Any other read error closes the connection.
package modbus
