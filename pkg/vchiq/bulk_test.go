// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBulkCallbackMode(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	if err := l.BulkTransmit(context.Background(), h, []byte("payload"), "user data", BulkModeCallback, 0); err != nil {
		t.Fatal(err)
	}
	m.complete(t, m.nextBulk(t), 0)

	c := awaitOne(t, inst)
	if c.Reason != BulkTransmitDone || c.BulkUserData != "user data" || c.Service != h {
		t.Fatalf("expected BULK_TRANSMIT_DONE, got %v with %v", c, c.BulkUserData)
	}

	buf := make([]byte, 16)
	if err := l.BulkReceive(context.Background(), h, buf, 42, BulkModeCallback, 0); err != nil {
		t.Fatal(err)
	}
	b := m.nextBulk(t)
	if err := l.Deliver(context.Background(), Event{Reason: BulkReceiveAborted, Handle: h, Bulk: b}); err != nil {
		t.Fatal(err)
	}

	if c := awaitOne(t, inst); c.Reason != BulkReceiveAborted || c.BulkUserData != 42 {
		t.Fatalf("expected BULK_RECEIVE_ABORTED, got %v with %v", c, c.BulkUserData)
	}
}

func TestBulkNoCallbackMode(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	if err := l.BulkTransmit(context.Background(), h, []byte("payload"), nil, BulkModeNoCallback, 0); err != nil {
		t.Fatal(err)
	}
	b := m.nextBulk(t)
	m.complete(t, b, 0)

	if b.Actual() != len("payload") {
		t.Fatalf("actual size of %d", b.Actual())
	}
	expectNoCompletion(t, inst)
}

func TestBulkInvalid(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	if err := l.BulkTransmit(context.Background(), h, nil, nil, BulkMode(9), 0); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if err := l.BulkTransmit(context.Background(), ServiceHandle(0x4242), nil, nil, BulkModeCallback, 0); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestBlockingBulkBusyRetry(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	m.mu.Lock()
	m.busy = 3
	m.mu.Unlock()

	done := make(chan error)
	go func() { done <- l.BulkTransmit(context.Background(), h, []byte("payload"), nil, BulkModeBlocking, 1) }()

	b := m.nextBulk(t)
	select {
	case err := <-done:
		t.Fatalf("blocking bulk returned %v before its completion", err)
	case <-time.After(20 * time.Millisecond):
	}

	m.complete(t, b, 0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking bulk did not return")
	}

	if n := m.submitCount(); n != 1 {
		t.Fatalf("bulk was accepted %d times", n)
	}
	if n := inst.waiters.len(); n != 1 {
		t.Fatalf("%d saved bulk waiters", n)
	}
	expectNoCompletion(t, inst)

	// The saved waiter serves the next transfer of the same caller.
	go func() { done <- l.BulkTransmit(context.Background(), h, []byte("again"), nil, BulkModeBlocking, 1) }()
	m.complete(t, m.nextBulk(t), 0)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := inst.waiters.len(); n != 1 {
		t.Fatalf("%d saved bulk waiters", n)
	}
}

func TestBlockingBulkConcurrentCallers(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	var bufs [2][]byte
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	for i := range bufs {
		bufs[i] = make([]byte, 256)

		wg.Add(1)
		go func(caller CallerID, buf []byte) {
			defer wg.Done()
			errs <- l.BulkReceive(context.Background(), h, buf, nil, BulkModeBlocking, caller)
		}(CallerID(i+1), bufs[i])
	}

	fills := make(map[*byte]byte)
	for _, fill := range []byte{0xaa, 0xbb} {
		b := m.nextBulk(t)
		fills[&b.Data[0]] = fill
		m.complete(t, b, fill)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	for i, buf := range bufs {
		fill, ok := fills[&buf[0]]
		if !ok {
			t.Fatalf("buffer %d was never submitted", i)
		}
		for _, c := range buf {
			if c != fill {
				t.Fatalf("buffer %d received %x instead of %x", i, c, fill)
			}
		}
	}

	if n := inst.waiters.len(); n != 2 {
		t.Fatalf("%d saved bulk waiters instead of one per caller", n)
	}
}

func TestBlockingBulkInterrupted(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	buf := make([]byte, 32)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- l.BulkReceive(ctx, h, buf, nil, BulkModeBlocking, 7) }()

	b := m.nextBulk(t)
	cancel()
	if err := <-done; !errors.Is(err, ErrRetry) {
		t.Fatalf("expected ErrRetry, got %v", err)
	}

	m.complete(t, b, 0x17)

	if err := l.BulkReceive(context.Background(), h, buf, nil, BulkModeBlocking, 7); err != nil {
		t.Fatal(err)
	}
	if n := m.submitCount(); n != 1 {
		t.Fatalf("retried bulk was submitted %d times", n)
	}
	if buf[0] != 0x17 {
		t.Fatalf("buffer holds %x", buf[0])
	}
}

func TestBlockingBulkDifferentBuffer(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.BulkReceive(ctx, h, make([]byte, 32), nil, BulkModeBlocking, 7) }()

	stale := m.nextBulk(t)
	cancel()
	if err := <-done; !errors.Is(err, ErrRetry) {
		t.Fatalf("expected ErrRetry, got %v", err)
	}

	go func() { done <- l.BulkReceive(context.Background(), h, make([]byte, 64), nil, BulkModeBlocking, 7) }()
	current := m.nextBulk(t)

	m.complete(t, stale, 0)
	select {
	case err := <-done:
		t.Fatalf("stale completion finished the new transfer: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	m.complete(t, current, 0)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestBlockingBulkKilled(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error)
	go func() { done <- l.BulkTransmit(ctx, h, []byte("payload"), nil, BulkModeBlocking, 3) }()

	b := m.nextBulk(t)
	cancel(ErrKilled)
	if err := <-done; !errors.Is(err, ErrKilled) {
		t.Fatalf("expected ErrKilled, got %v", err)
	}
	if n := inst.waiters.len(); n != 0 {
		t.Fatalf("killed caller left %d bulk waiters", n)
	}

	// The late completion is inert.
	m.complete(t, b, 0)
	expectNoCompletion(t, inst)
}

func TestBlockingBulkAborted(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	done := make(chan error)
	go func() { done <- l.BulkTransmit(context.Background(), h, []byte("payload"), nil, BulkModeBlocking, 1) }()

	b := m.nextBulk(t)
	if err := l.Deliver(context.Background(), Event{Reason: BulkTransmitAborted, Handle: h, Bulk: b}); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestBlockingBulkShutdown(t *testing.T) {
	l, m, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BULK", false)

	done := make(chan error)
	go func() { done <- l.BulkTransmit(context.Background(), h, []byte("payload"), nil, BulkModeBlocking, 1) }()
	m.nextBulk(t)

	if err := l.Shutdown(inst); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosing) {
			t.Fatalf("expected ErrClosing, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking bulk was not woken up")
	}
}
