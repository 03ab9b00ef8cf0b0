// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import "errors"

// Retryable conditions. A caller receiving one of those should re-issue the
// operation; transports report a busy queue as ErrRetry as well.
var (
	// ErrRetry signals a transient condition: the transport was busy or a wait was interrupted.
	ErrRetry = errors.New("operation should be retried")
)

// Invalid usage, reported back to the caller.
var (
	ErrInvalidHandle = errors.New("invalid service handle")
	ErrNotConnected  = errors.New("not connected")
	ErrInvalidUsage  = errors.New("invalid usage")
	ErrInvalidState  = errors.New("invalid service state")
	ErrInvalidMode   = errors.New("invalid bulk mode")
)

// Resource exhaustion and protocol violations.
var (
	// ErrNoResources is returned when a fixed-size table is exhausted.
	ErrNoResources = errors.New("no resources left")

	// ErrProtocol marks an unexpected event from the transport, e.g., for an unknown service.
	// Such events are logged and dropped.
	ErrProtocol = errors.New("protocol violation")
)

// Terminal conditions.
var (
	// ErrClosing is returned by blocked operations of an Instance which is shutting down.
	ErrClosing = errors.New("instance is closing")

	// ErrKilled is the context.Cause a caller uses to signal its own termination. A blocking bulk transfer
	// interrupted by this cause releases its waiter instead of keeping it for a retry.
	ErrKilled = errors.New("caller was killed")

	// ErrAborted is returned by a blocking bulk transfer which was aborted by the transport.
	ErrAborted = errors.New("bulk transfer aborted")

	// ErrLinkClosed is returned after the Link was closed.
	ErrLinkClosed = errors.New("link closed")
)

// IsRetryable checks if an error reports a transient condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetry)
}
