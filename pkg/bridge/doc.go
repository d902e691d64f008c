// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge wires transport adapters to a shared handler.
//
// Each coordinator builds its adapter from a config struct and exposes Listen,
// which blocks until the context is cancelled:
//
//	CoAPBridge       UDP server + coap.Router
//	ModbusBridge     Modbus/TCP client + modbus.Poller
//	MQTTBridge       mqtt.Subscriber
//	WebSocketBridge  HTTP server + websocket.Handler
//
// The coordinators are independent, so any subset can run side by side:
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(func() error { return coapBridge.Listen(ctx) })
//	g.Go(func() error { return mqttBridge.Listen(ctx) })
//	if err := g.Wait(); err != nil {
//		log.Fatal(err)
//	}
package bridge
