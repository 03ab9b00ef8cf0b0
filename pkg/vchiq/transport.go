// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import "context"

// Transport moves bytes between this host and the coprocessor. It is implemented outside of this package, e.g., by
// the loopback or stream packages.
//
// Methods returning ErrRetry signal a busy transport; the Link will re-issue the call.
type Transport interface {
	// Ready reports if the coprocessor side was initialised.
	Ready() bool

	// Connect the link. This is called once, for the first connecting Instance.
	Connect() error

	// OpenService performs the open handshake for a local service and blocks until the peer responded.
	OpenService(handle ServiceHandle, params ServiceParams, pid int) error

	// CloseService informs the peer about a local service's removal.
	CloseService(handle ServiceHandle) error

	// SendControl queues a short message for a service.
	SendControl(handle ServiceHandle, payload []byte) error

	// SubmitBulk queues a bulk transfer. Its completion must be reported as an Event carrying the same *Bulk.
	SubmitBulk(handle ServiceHandle, bulk *Bulk) error

	// SendRemoteUseActive acknowledges a remote use request to the peer.
	SendRemoteUseActive() error

	// Attach the EventSink to receive this Transport's events. This is called by NewLink.
	Attach(sink EventSink)
}

// EventSink receives events from a Transport. Deliver might block due to backpressure. An interrupted Deliver
// returns ErrRetry and the Transport decides on retrying the event.
type EventSink interface {
	Deliver(ctx context.Context, ev Event) error
	ConnStateChanged(oldState, newState ConnState)
	RemoteUse()
	RemoteRelease()
}
