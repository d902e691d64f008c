// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap accepts sensor readings over CoAP and forwards them to the gateway.
//
// The Router is a udp.Handler. Each datagram is decoded with go-coap, checked
// against the accepted resources (POST only) and its payload is handed to a
// handler.Handler. The reply code reflects the forward outcome:
//
//	Delivered                  2.04 Changed
//	Rejected(auth)             4.03 Forbidden
//	Rejected(401)              4.01 Unauthorized
//	Rejected(other)            4.00 Bad Request
//	GatewayUnavailable         5.02 Bad Gateway
//	GatewayUnavailable timeout 5.04 Gateway Timeout
//
// Payloads that cannot be decoded are answered with 4.00 and never forwarded.
// Confirmable requests are answered with a piggybacked ACK.
package coap
