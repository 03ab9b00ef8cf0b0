// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Completion is an asynchronous notification for a client.
type Completion struct {
	Reason  Reason
	Header  *Header
	Service ServiceHandle

	// ServiceUserData is the ServiceParams' UserData, BulkUserData the user data of a bulk transfer.
	ServiceUserData interface{}
	BulkUserData    interface{}

	service *Service
}

func (c Completion) String() string {
	return fmt.Sprintf("Completion(%v, %v)", c.Reason, c.Service)
}

// CompletionQueue is a fixed-capacity circular buffer of Completions with a single consumer.
//
// The insert and remove cursors are monotonic; insert - remove never exceeds the capacity and remove never exceeds
// insert. A full queue blocks its producers until the consumer advanced or the queue is closing.
type CompletionQueue struct {
	mu      sync.Mutex
	records []Completion

	insert atomic.Int64
	remove atomic.Int64

	// insertEvent and removeEvent are edge-coalesced wakeups; waiters must re-check the cursors.
	insertEvent chan struct{}
	removeEvent chan struct{}

	closing     chan struct{}
	closingOnce sync.Once
}

// NewCompletionQueue with a fixed capacity.
func NewCompletionQueue(capacity int) *CompletionQueue {
	return &CompletionQueue{
		records:     make([]Completion, capacity),
		insertEvent: make(chan struct{}, 1),
		removeEvent: make(chan struct{}, 1),
		closing:     make(chan struct{}),
	}
}

// Capacity of this CompletionQueue.
func (cq *CompletionQueue) Capacity() int {
	return len(cq.records)
}

// Insert cursor position.
func (cq *CompletionQueue) Insert() int64 {
	return cq.insert.Load()
}

// Remove cursor position.
func (cq *CompletionQueue) Remove() int64 {
	return cq.remove.Load()
}

// Len is the amount of pending Completions.
func (cq *CompletionQueue) Len() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	return int(cq.insert.Load() - cq.remove.Load())
}

// Close marks this CompletionQueue as closing and wakes up all blocked producers and consumers.
func (cq *CompletionQueue) Close() {
	cq.mu.Lock()
	cq.closingOnce.Do(func() { close(cq.closing) })
	cq.mu.Unlock()
}

// IsClosing checks if Close was called.
func (cq *CompletionQueue) IsClosing() bool {
	select {
	case <-cq.closing:
		return true
	default:
		return false
	}
}

// Closing is closed together with this CompletionQueue.
func (cq *CompletionQueue) Closing() <-chan struct{} {
	return cq.closing
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Publish a Completion. This blocks while the queue is full.
//
// A closing queue accepts the Completion without enqueueing it and returns false. An interrupted context results in
// ErrRetry.
func (cq *CompletionQueue) Publish(ctx context.Context, c Completion) (bool, error) {
	return cq.publish(ctx, c, nil)
}

// publish a Completion and execute onInsert with the insert position, after the record was written and before the
// insert cursor is advanced.
func (cq *CompletionQueue) publish(ctx context.Context, c Completion, onInsert func(pos int64)) (bool, error) {
	cq.mu.Lock()
	for {
		// Checked under the lock, so no record is inserted after Close returned.
		if cq.IsClosing() {
			cq.mu.Unlock()
			return false, nil
		}
		if cq.insert.Load()-cq.remove.Load() < int64(len(cq.records)) {
			break
		}
		cq.mu.Unlock()

		select {
		case <-cq.removeEvent:
		case <-cq.closing:
			return false, nil
		case <-ctx.Done():
			return false, ErrRetry
		}

		cq.mu.Lock()
	}

	insert := cq.insert.Load()
	cq.records[insert%int64(len(cq.records))] = c
	if onInsert != nil {
		onInsert(insert)
	}
	cq.insert.Store(insert + 1)
	room := insert+1-cq.remove.Load() < int64(len(cq.records))
	cq.mu.Unlock()

	notify(cq.insertEvent)
	if room {
		// Pass the coalesced wakeup on to other blocked producers.
		notify(cq.removeEvent)
	}
	return true, nil
}

// Await blocks until at least one Completion is pending and returns up to max of them in publish order. A closing
// queue results in ErrClosing, an interrupted context in ErrRetry.
func (cq *CompletionQueue) Await(ctx context.Context, max int) ([]Completion, error) {
	if max < 1 {
		return nil, fmt.Errorf("%w: awaiting %d completions", ErrInvalidUsage, max)
	}

	for {
		if cq.IsClosing() {
			return nil, ErrClosing
		}

		if cs := cq.take(max); len(cs) > 0 {
			return cs, nil
		}

		select {
		case <-cq.insertEvent:
		case <-cq.closing:
			return nil, ErrClosing
		case <-ctx.Done():
			return nil, ErrRetry
		}
	}
}

// take up to max pending Completions without blocking.
func (cq *CompletionQueue) take(max int) (cs []Completion) {
	cq.mu.Lock()
	insert, remove := cq.insert.Load(), cq.remove.Load()
	n := insert - remove
	if n > int64(max) {
		n = int64(max)
	}

	for i := int64(0); i < n; i++ {
		idx := (remove + i) % int64(len(cq.records))
		cs = append(cs, cq.records[idx])
		cq.records[idx] = Completion{}
	}
	cq.remove.Store(remove + n)
	cq.mu.Unlock()

	if n > 0 {
		notify(cq.removeEvent)
	}
	return
}
