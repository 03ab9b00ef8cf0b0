// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"testing"
	"time"

	"github.com/timshannon/badgerhold"

	"github.com/dtn7/vchiq-go/pkg/transport/loopback"
	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Latest(); err != badgerhold.ErrNotFound {
		t.Fatalf("empty store resulted in %v", err)
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		state := vchiq.UseState{
			Time:              now.Add(time.Duration(i) * time.Minute),
			VideocoreUseCount: i,
			ActiveServices:    1,
			Services:          []vchiq.ServiceUse{{Handle: 0x1001, FourCC: "TEST", UseCount: i}},
		}
		if err := store.Push(state); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := store.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.VideocoreUseCount != 2 || !latest.Time.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("unexpected latest snapshot %+v", latest)
	}
	if state := latest.UseState(); len(state.Services) != 1 || state.Services[0].UseCount != 2 {
		t.Fatalf("unexpected services %+v", state.Services)
	}

	sis, err := store.QuerySince(now.Add(30 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(sis) != 2 || sis[0].VideocoreUseCount != 1 || sis[1].VideocoreUseCount != 2 {
		t.Fatalf("unexpected snapshots %+v", sis)
	}
}

func TestStoreDeleteExpired(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	for _, ts := range []time.Time{now.Add(-2 * time.Hour), now.Add(-90 * time.Minute), now} {
		if err := store.Push(vchiq.UseState{Time: ts}); err != nil {
			t.Fatal(err)
		}
	}

	store.DeleteExpired(time.Hour)

	sis, err := store.QuerySince(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sis) != 1 || !sis[0].Time.Equal(now) {
		t.Fatalf("unexpected snapshots after expiration %+v", sis)
	}
}

func TestRecorder(t *testing.T) {
	store := newTestStore(t)

	c := loopback.New(loopback.Options{})
	defer c.Close()

	l, err := vchiq.NewLink(c, vchiq.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Use(); err != nil {
		t.Fatal(err)
	}

	r := NewRecorder(store, l, 10*time.Millisecond, time.Hour)
	time.Sleep(100 * time.Millisecond)
	r.Close()

	latest, err := store.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.VideocoreUseCount != 1 {
		t.Fatalf("recorded use count %d instead of 1", latest.VideocoreUseCount)
	}
}
