// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import "fmt"

// Config for a Link.
type Config struct {
	// CompletionCapacity is the size of each Instance's completion queue.
	CompletionCapacity int

	// MsgQueueSize is the size of each byte stream service's message queue, a power of two.
	MsgQueueSize int

	// MaxServices is the size of the service table.
	MaxServices int

	// InitRetries is the amount of checks for a ready Transport while initialising an Instance.
	InitRetries int

	// KeepaliveAckRetries bounds the retries for sending pending use acknowledgements at once.
	KeepaliveAckRetries int
}

// DefaultConfig for a Link.
func DefaultConfig() Config {
	return Config{
		CompletionCapacity:  128,
		MsgQueueSize:        128,
		MaxServices:         4096,
		InitRetries:         10,
		KeepaliveAckRetries: 5,
	}
}

// checkValid returns an error for an unusable Config.
func (c Config) checkValid() error {
	switch {
	case c.CompletionCapacity < 1:
		return fmt.Errorf("completion capacity of %d is too small", c.CompletionCapacity)
	case c.MsgQueueSize < 2 || c.MsgQueueSize&(c.MsgQueueSize-1) != 0 || c.MsgQueueSize > msgRingCapacity:
		return fmt.Errorf("message queue size %d is not a power of two up to %d", c.MsgQueueSize, msgRingCapacity)
	case c.MaxServices < 1 || c.MaxServices > 1<<handleSlotBits:
		return fmt.Errorf("max services of %d is out of range", c.MaxServices)
	case c.InitRetries < 1:
		return fmt.Errorf("init retries of %d is too small", c.InitRetries)
	case c.KeepaliveAckRetries < 0:
		return fmt.Errorf("negative keepalive ack retries")
	default:
		return nil
	}
}
