// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"errors"
	"testing"
	"time"
)

// eventually polls cond until it holds or a timeout is reached.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func keepaliveUseCount(l *Link) (int, bool) {
	for _, su := range l.UseState().Services {
		if su.FourCC == KeepaliveFourCC.String() {
			return su.UseCount, true
		}
	}
	return 0, false
}

func TestUseReleaseLink(t *testing.T) {
	l, _, _ := newTestLink(t, testConfig())

	for i := 0; i < 3; i++ {
		if err := l.Use(); err != nil {
			t.Fatal(err)
		}
	}
	if state := l.UseState(); state.PeerUseCount != 3 || state.VideocoreUseCount != 3 {
		t.Fatalf("use counts after three uses: %d, %d", state.PeerUseCount, state.VideocoreUseCount)
	}

	for i := 0; i < 3; i++ {
		if err := l.Release(); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.Release(); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
	if state := l.UseState(); state.PeerUseCount != 0 || state.VideocoreUseCount != 0 {
		t.Fatalf("use counts after excess release: %d, %d", state.PeerUseCount, state.VideocoreUseCount)
	}
}

func TestUseReleaseService(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "USE ", false)

	if err := l.CheckService(h); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage for an unused service, got %v", err)
	}

	if err := l.UseService(h); err != nil {
		t.Fatal(err)
	}
	if err := l.CheckService(h); err != nil {
		t.Fatal(err)
	}
	if n := inst.UseCount(); n != 1 {
		t.Fatalf("instance use count of %d", n)
	}

	// The aggregate count is not zero, but the peer's entity count is.
	if err := l.Release(); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
	if state := l.UseState(); state.VideocoreUseCount != 1 {
		t.Fatalf("failed release changed the aggregate count to %d", state.VideocoreUseCount)
	}

	if err := l.ReleaseService(h); err != nil {
		t.Fatal(err)
	}
	if err := l.ReleaseService(h); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
}

func TestRemoveUsedService(t *testing.T) {
	l, _, inst := newTestLink(t, testConfig())
	h := openTestService(t, l, inst, "USE ", false)

	for i := 0; i < 2; i++ {
		if err := l.UseService(h); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RemoveService(h); err != nil {
		t.Fatal(err)
	}

	if state := l.UseState(); state.VideocoreUseCount != 0 {
		t.Fatalf("removed service left an aggregate count of %d", state.VideocoreUseCount)
	}
}

func TestKeepaliveAcknowledgesUses(t *testing.T) {
	l, m, _ := newTestLink(t, testConfig())

	eventually(t, "keepalive service was never added", func() bool {
		_, ok := keepaliveUseCount(l)
		return ok
	})

	for i := 0; i < 3; i++ {
		l.RemoteUse()
	}
	eventually(t, "remote uses were not acknowledged", func() bool { return m.ackCount() == 3 })

	if n, _ := keepaliveUseCount(l); n != 3 {
		t.Fatalf("keepalive use count of %d", n)
	}

	for i := 0; i < 3; i++ {
		l.RemoteRelease()
	}
	eventually(t, "remote releases were not applied", func() bool {
		n, _ := keepaliveUseCount(l)
		return n == 0 && l.UseState().VideocoreUseCount == 0
	})

	if n := m.ackCount(); n != 3 {
		t.Fatalf("%d acknowledgements for three uses", n)
	}
}

func TestKeepaliveAckRetries(t *testing.T) {
	conf := testConfig()
	conf.KeepaliveAckRetries = 2

	l, m, _ := newTestLink(t, conf)

	m.mu.Lock()
	m.failAcks = 1000
	m.mu.Unlock()

	l.RemoteUse()
	eventually(t, "failed acknowledgement was not kept pending", func() bool {
		state := l.UseState()
		return state.PendingUseAcks == 1 && state.AckError != ""
	})

	m.mu.Lock()
	m.failAcks = 0
	m.mu.Unlock()

	if err := l.Use(); err != nil {
		t.Fatal(err)
	}
	if n := m.ackCount(); n != 1 {
		t.Fatalf("%d acknowledgements after recovery", n)
	}
	if state := l.UseState(); state.PendingUseAcks != 0 || state.AckError != "" {
		t.Fatalf("pending acknowledgements %d, error %q", state.PendingUseAcks, state.AckError)
	}
}

func TestKeepaliveStartsOnce(t *testing.T) {
	l, _, _ := newTestLink(t, testConfig())

	l.ConnStateChanged(Connected, Disconnected)
	l.ConnStateChanged(Disconnected, Connected)

	eventually(t, "keepalive service was never added", func() bool {
		_, ok := keepaliveUseCount(l)
		return ok
	})

	var keep int
	for _, info := range l.Services() {
		if info.FourCC == KeepaliveFourCC.String() {
			keep++
		}
	}
	if keep != 1 {
		t.Fatalf("%d keepalive services", keep)
	}
}
