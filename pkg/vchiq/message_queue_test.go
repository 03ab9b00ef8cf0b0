// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func deliverMessage(l *Link, h ServiceHandle, id uint32) error {
	return l.Deliver(context.Background(), Event{Reason: MessageAvailable, Handle: h, Header: &Header{MsgID: id}})
}

func expectNoCompletion(t *testing.T, inst *Instance) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if cs, err := inst.AwaitCompletion(ctx, 1); err == nil {
		t.Fatalf("unexpected completion %v", cs)
	}
}

func dequeue(t *testing.T, inst *Instance, h ServiceHandle, id uint32) {
	t.Helper()

	header, err := inst.DequeueMessage(context.Background(), h, false)
	if err != nil {
		t.Fatal(err)
	}
	if header == nil || header.MsgID != id {
		t.Fatalf("expected message %d, got %v", id, header)
	}
}

func TestByteStreamCoalescing(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BYTE", true)

	for i := uint32(0); i < 3; i++ {
		if err := deliverMessage(l, h, i); err != nil {
			t.Fatal(err)
		}
	}

	if c := awaitOne(t, inst); c.Reason != MessageAvailable || c.Header != nil {
		t.Fatalf("expected MESSAGE_AVAILABLE without header, got %v", c)
	}
	expectNoCompletion(t, inst)

	for i := uint32(0); i < 3; i++ {
		dequeue(t, inst, h, i)
	}

	if header, err := inst.DequeueMessage(context.Background(), h, false); header != nil || err != nil {
		t.Fatalf("empty queue returned %v, %v", header, err)
	}
}

func TestByteStreamFullQueue(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BYTE", true)

	for i := uint32(0); i < 4; i++ {
		if err := deliverMessage(l, h, i); err != nil {
			t.Fatal(err)
		}
	}
	awaitOne(t, inst)

	delivered := make(chan error)
	go func() { delivered <- deliverMessage(l, h, 4) }()

	if c := awaitOne(t, inst); c.Reason != MessageAvailable {
		t.Fatalf("expected an extra MESSAGE_AVAILABLE, got %v", c)
	}

	select {
	case err := <-delivered:
		t.Fatalf("delivery into a full queue returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	dequeue(t, inst, h, 0)

	select {
	case err := <-delivered:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery is still blocked")
	}

	for i := uint32(1); i <= 4; i++ {
		dequeue(t, inst, h, i)
	}
}

func TestByteStreamInterrupted(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BYTE", true)

	for i := uint32(0); i < 4; i++ {
		if err := deliverMessage(l, h, i); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ev := Event{Reason: MessageAvailable, Handle: h, Header: &Header{MsgID: 4}}
	if err := l.Deliver(ctx, ev); !errors.Is(err, ErrRetry) {
		t.Fatalf("expected ErrRetry, got %v", err)
	}
}

func TestByteStreamBlockingDequeue(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "BYTE", true)

	type result struct {
		header *Header
		err    error
	}
	dequeued := make(chan result)
	go func() {
		header, err := inst.DequeueMessage(context.Background(), h, true)
		dequeued <- result{header, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := deliverMessage(l, h, 23); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-dequeued:
		if r.err != nil || r.header == nil || r.header.MsgID != 23 {
			t.Fatalf("blocking dequeue returned %v, %v", r.header, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking dequeue was not woken up")
	}

	expectNoCompletion(t, inst)
}

func TestDequeueMessageInvalid(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "TEST", false)

	if _, err := inst.DequeueMessage(context.Background(), h, false); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
	if _, err := inst.DequeueMessage(context.Background(), ServiceHandle(0x4242), false); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}
