// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/lfq"
)

// MessageQueue holds the message Headers of a byte stream service, separated from the completion queue.
//
// The transport's callback context is the only producer and the dequeuing client the only consumer of the bounded
// SPSC ring. The mutex serializes the cursor checks with the dequeuePending flag.
type MessageQueue struct {
	mu   sync.Mutex
	ring lfq.SPSC[*Header]
	size int64

	insert atomic.Int64
	remove atomic.Int64

	// dequeuePending is set while a client blocks within DequeueMessage.
	dequeuePending bool

	insertEvent chan struct{}
	removeEvent chan struct{}
}

// msgRingCapacity is the capacity of each ring. The configured size limits its usage.
const msgRingCapacity = 1024

func newMessageQueue(size int) *MessageQueue {
	mq := &MessageQueue{
		size:        int64(size),
		insertEvent: make(chan struct{}, 1),
		removeEvent: make(chan struct{}, 1),
	}
	mq.ring.Init(msgRingCapacity)
	return mq
}

// Size is the capacity of this MessageQueue.
func (mq *MessageQueue) Size() int {
	return int(mq.size)
}

// Len is the amount of queued Headers.
func (mq *MessageQueue) Len() int {
	return int(mq.insert.Load() - mq.remove.Load())
}

// DequeuePending checks if a client is blocked waiting for a message.
func (mq *MessageQueue) DequeuePending() bool {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	return mq.dequeuePending
}

// full must be called while holding the mutex.
func (mq *MessageQueue) full() bool {
	return mq.insert.Load()-mq.remove.Load() >= mq.size
}

// empty must be called while holding the mutex.
func (mq *MessageQueue) empty() bool {
	return mq.insert.Load() == mq.remove.Load()
}

// push a Header; must be called while holding the mutex on a non-full queue.
func (mq *MessageQueue) push(h *Header) error {
	if err := mq.ring.Enqueue(&h); err != nil {
		return fmt.Errorf("message queue ring refused header: %w", err)
	}
	mq.insert.Add(1)
	return nil
}

// pop a Header; must be called while holding the mutex on a non-empty queue.
func (mq *MessageQueue) pop() (*Header, error) {
	h, err := mq.ring.Dequeue()
	if err != nil {
		return nil, fmt.Errorf("message queue ring is inconsistent: %w", err)
	}
	mq.remove.Add(1)
	return h, nil
}
