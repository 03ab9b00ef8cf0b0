// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

// Recorder pushes a vchiq.Link's UseState into a Store in a fixed interval and deletes expired snapshots.
type Recorder struct {
	store     *Store
	link      *vchiq.Link
	interval  time.Duration
	retention time.Duration

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewRecorder starts recording. A non-positive retention keeps all snapshots.
func NewRecorder(store *Store, link *vchiq.Link, interval, retention time.Duration) *Recorder {
	r := &Recorder{
		store:     store,
		link:      link,
		interval:  interval,
		retention: retention,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go r.handler()
	return r
}

func (r *Recorder) handler() {
	defer close(r.stopAck)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSyn:
			return

		case <-ticker.C:
			if err := r.store.Push(r.link.UseState()); err != nil {
				log.WithError(err).Warn("Recorder failed to store use state")
			}

			if r.retention > 0 {
				r.store.DeleteExpired(r.retention)
			}
		}
	}
}

// Close stops recording. The Store is left open.
func (r *Recorder) Close() {
	close(r.stopSyn)
	<-r.stopAck
}
