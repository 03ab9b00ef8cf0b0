// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockTransport mocks a Transport where all fields are directly editable while holding mu.
type mockTransport struct {
	mu sync.Mutex

	// notReady is the amount of Ready calls returning false.
	notReady int

	// connects counts Connect calls; refuse lists FourCCs whose open handshake fails.
	connects int
	refuse   map[FourCC]bool

	// onOpen is called after a successful open handshake, without holding mu.
	onOpen func(ServiceHandle)

	opened []ServiceHandle
	closed []ServiceHandle
	sent   [][]byte

	// busy is the amount of submissions rejected with ErrRetry.
	busy    int
	bulks   chan *Bulk
	submits int

	// failAcks is the amount of failing SendRemoteUseActive calls, acks the successful ones.
	failAcks int
	acks     int

	sink EventSink
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		refuse: make(map[FourCC]bool),
		bulks:  make(chan *Bulk, 64),
	}
}

func (m *mockTransport) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.notReady > 0 {
		m.notReady--
		return false
	}
	return true
}

func (m *mockTransport) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connects++
	return nil
}

func (m *mockTransport) OpenService(handle ServiceHandle, params ServiceParams, _ int) error {
	m.mu.Lock()
	if m.refuse[params.FourCC] {
		m.mu.Unlock()
		return fmt.Errorf("peer refused %v", params.FourCC)
	}
	m.opened = append(m.opened, handle)
	onOpen := m.onOpen
	m.mu.Unlock()

	if onOpen != nil {
		onOpen(handle)
	}
	return nil
}

func (m *mockTransport) CloseService(handle ServiceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = append(m.closed, handle)
	return nil
}

func (m *mockTransport) SendControl(_ ServiceHandle, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy > 0 {
		m.busy--
		return ErrRetry
	}
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mockTransport) SubmitBulk(_ ServiceHandle, bulk *Bulk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy > 0 {
		m.busy--
		return ErrRetry
	}
	m.submits++
	m.bulks <- bulk
	return nil
}

func (m *mockTransport) SendRemoteUseActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAcks > 0 {
		m.failAcks--
		return fmt.Errorf("peer is unreachable")
	}
	m.acks++
	return nil
}

func (m *mockTransport) Attach(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sink = sink
}

func (m *mockTransport) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.acks
}

func (m *mockTransport) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.submits
}

// nextBulk waits for the next submitted Bulk.
func (m *mockTransport) nextBulk(t *testing.T) *Bulk {
	t.Helper()

	select {
	case b := <-m.bulks:
		return b
	case <-time.After(time.Second):
		t.Fatal("no bulk was submitted")
		return nil
	}
}

// complete a Bulk by delivering its Event, filling received data with fill.
func (m *mockTransport) complete(t *testing.T, b *Bulk, fill byte) {
	t.Helper()

	reason := BulkTransmitDone
	if b.Dir == BulkReceive {
		reason = BulkReceiveDone
		for i := range b.Data {
			b.Data[i] = fill
		}
	}

	ev := Event{Reason: reason, Handle: b.Handle, Bulk: b, Actual: len(b.Data)}
	if err := m.sink.Deliver(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

// testConfig is a small Config for tests.
func testConfig() Config {
	conf := DefaultConfig()
	conf.CompletionCapacity = 4
	conf.MsgQueueSize = 4
	conf.MaxServices = 16
	return conf
}

// newTestLink with a connected Instance.
func newTestLink(t *testing.T, conf Config) (*Link, *mockTransport, *Instance) {
	t.Helper()

	m := newMockTransport()
	l, err := NewLink(m, conf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	inst, err := l.Initialise()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Connect(inst); err != nil {
		t.Fatal(err)
	}
	return l, m, inst
}

// openTestService opens a client Service on an Instance.
func openTestService(t *testing.T, l *Link, inst *Instance, fourcc string, byteStream bool) ServiceHandle {
	t.Helper()

	h, err := l.OpenService(inst, ServiceParams{FourCC: MakeFourCC(fourcc), ByteStream: byteStream}, 1)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// awaitOne waits for a single Completion.
func awaitOne(t *testing.T, inst *Instance) Completion {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cs, err := inst.AwaitCompletion(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	return cs[0]
}
