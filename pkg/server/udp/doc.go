// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements a datagram server with a bounded worker pool.
//
// # Packet Flow
//
//	1. The read loop receives a datagram and copies it out of a pooled buffer
//	2. The datagram is queued for the worker pool, or dropped with a warning
//	   when the queue is full
//	3. A worker calls Handler.HandleDatagram. A datagram larger than
//	   BufferSize goes to TruncatedHandler.HandleTruncated instead, or is
//	   dropped when the handler does not implement it
//	4. A non-nil reply is written back to the sender
//
// The read loop never waits on a handler, so one slow datagram does not delay
// the others.
//
// # Graceful Shutdown
//
// When the context is cancelled the socket is closed, the queue is closed and
// worker contexts are cancelled. Serve waits up to ShutdownTimeout for workers
// and returns ErrShutdownTimeout otherwise.
//
// # Example
//
//	server := udp.New(udp.Config{Address: ":5683"}, handler)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
