// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vchiq multiplexes many logical services over a single link to a coprocessor.
//
// A Link is created for a Transport, which moves the bytes and reports Events back to the Link. Clients create an
// Instance by Initialise and Connect, add or open Services, and consume the Completions of their Instance by
// AwaitCompletion. Short messages are sent by QueueMessage, large payloads by BulkTransmit and BulkReceive, either
// blocking or reported by Completions.
//
// Both processors keep each other powered by counting uses. A client uses the peer link or a Service by Use and
// UseService. The peer's requests are applied by a keepalive worker, started with the first connection, which
// acknowledges each use back to the peer.
package vchiq
