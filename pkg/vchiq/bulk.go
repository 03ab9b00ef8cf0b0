// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"fmt"
	"sync"
)

// BulkDir is the direction of a bulk transfer.
type BulkDir uint8

const (
	BulkTransmit BulkDir = iota
	BulkReceive
)

func (d BulkDir) String() string {
	switch d {
	case BulkTransmit:
		return "transmit"
	case BulkReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// BulkMode defines how the completion of a bulk transfer is reported.
type BulkMode uint8

const (
	// BulkModeCallback reports the completion as a Completion carrying the bulk's user data.
	BulkModeCallback BulkMode = iota

	// BulkModeBlocking suspends the caller until the transfer has finished.
	BulkModeBlocking

	// BulkModeNoCallback does not report the completion at all.
	BulkModeNoCallback
)

func (m BulkMode) String() string {
	switch m {
	case BulkModeCallback:
		return "callback"
	case BulkModeBlocking:
		return "blocking"
	case BulkModeNoCallback:
		return "no-callback"
	default:
		return "unknown"
	}
}

// Bulk describes a bulk transfer in flight. The Transport reads Data for transmissions and fills it for receptions.
type Bulk struct {
	Handle ServiceHandle
	Dir    BulkDir
	Mode   BulkMode
	Data   []byte

	// mu guards the completion target, which is either the waiter or the user data.
	mu       sync.Mutex
	waiter   *BulkWaiter
	userData interface{}
	actual   int
	done     bool
	aborted  bool
}

// Size of this bulk transfer in bytes.
func (b *Bulk) Size() int {
	return len(b.Data)
}

// Actual amount of transferred bytes, valid after completion.
func (b *Bulk) Actual() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.actual
}

// finish records the transfer's result and signals a blocking waiter. A detached bulk finishes silently.
func (b *Bulk) finish(actual int, aborted bool) (userData interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.actual = actual
	b.aborted = aborted
	b.done = true

	if w := b.waiter; w != nil {
		w.actual = actual
		w.aborted = aborted
		notify(w.event)
	}
	return b.userData
}

// detach the waiter, making a later completion inert for it.
func (b *Bulk) detach() {
	b.mu.Lock()
	b.waiter = nil
	b.mu.Unlock()
}

// sameBuffer checks if data addresses the same memory as this Bulk.
func (b *Bulk) sameBuffer(data []byte) bool {
	if len(b.Data) != len(data) {
		return false
	}
	return len(data) == 0 || &b.Data[0] == &data[0]
}

func (b *Bulk) String() string {
	return fmt.Sprintf("Bulk(%v, %v, %v, %d bytes)", b.Handle, b.Dir, b.Mode, len(b.Data))
}

// BulkWaiter tracks the outstanding blocking bulk transfer of one caller.
type BulkWaiter struct {
	caller CallerID

	// bulk is the transfer in flight, owned by the caller's goroutine.
	bulk *Bulk

	// event is signalled by Bulk.finish; actual and aborted are written before.
	event   chan struct{}
	actual  int
	aborted bool
}

func newBulkWaiter(caller CallerID) *BulkWaiter {
	return &BulkWaiter{
		caller: caller,
		event:  make(chan struct{}, 1),
	}
}

// reset drops a stale signal.
func (w *BulkWaiter) reset() {
	select {
	case <-w.event:
	default:
	}
	w.actual = 0
	w.aborted = false
}

// waiterRegistry keeps at most one BulkWaiter per CallerID of an Instance.
type waiterRegistry struct {
	mu      sync.Mutex
	waiters map[CallerID]*BulkWaiter
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{waiters: make(map[CallerID]*BulkWaiter)}
}

// take the caller's BulkWaiter out of this registry. Nil is returned for an unknown caller.
func (wr *waiterRegistry) take(caller CallerID) *BulkWaiter {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	w, ok := wr.waiters[caller]
	if ok {
		delete(wr.waiters, caller)
	}
	return w
}

// put a BulkWaiter back, keyed by its caller.
func (wr *waiterRegistry) put(w *BulkWaiter) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	wr.waiters[w.caller] = w
}

// len is the amount of registered BulkWaiters.
func (wr *waiterRegistry) len() int {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	return len(wr.waiters)
}

// free all BulkWaiters and detach them from their transfers in flight.
func (wr *waiterRegistry) free() (waiters []*BulkWaiter) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	for caller, w := range wr.waiters {
		if w.bulk != nil {
			w.bulk.detach()
		}
		waiters = append(waiters, w)
		delete(wr.waiters, caller)
	}
	return
}
