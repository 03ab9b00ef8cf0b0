// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"time"

	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

// SnapshotItem is a stored vchiq.UseState. The Store operates on SnapshotItems instead of UseStates.
type SnapshotItem struct {
	Id   uint64    `badgerhold:"key"`
	Time time.Time `badgerholdIndex:"Time"`

	PeerUseCount      int
	VideocoreUseCount int
	PendingUseAcks    int
	ActiveServices    int
	OnlyNonZero       bool

	Services []vchiq.ServiceUse
	AckError string
}

// newSnapshotItem for a UseState, keyed by its timestamp.
func newSnapshotItem(state vchiq.UseState) SnapshotItem {
	return SnapshotItem{
		Id:   uint64(state.Time.UnixNano()),
		Time: state.Time,

		PeerUseCount:      state.PeerUseCount,
		VideocoreUseCount: state.VideocoreUseCount,
		PendingUseAcks:    state.PendingUseAcks,
		ActiveServices:    state.ActiveServices,
		OnlyNonZero:       state.OnlyNonZero,

		Services: state.Services,
		AckError: state.AckError,
	}
}

// UseState restored from this SnapshotItem.
func (si SnapshotItem) UseState() vchiq.UseState {
	return vchiq.UseState{
		Time:              si.Time,
		PeerUseCount:      si.PeerUseCount,
		VideocoreUseCount: si.VideocoreUseCount,
		PendingUseAcks:    si.PendingUseAcks,
		ActiveServices:    si.ActiveServices,
		OnlyNonZero:       si.OnlyNonZero,
		Services:          si.Services,
		AckError:          si.AckError,
	}
}
