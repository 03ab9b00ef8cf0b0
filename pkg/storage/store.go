// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists snapshots of a vchiq.Link's use state for later inspection.
package storage

import (
	"os"
	"path"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

const dirBadger string = "db"

// Store implements a storage for use state snapshots.
type Store struct {
	bh *badgerhold.Store
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{bh: bh}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Push a new UseState snapshot to the Store. A snapshot with the same timestamp is replaced.
func (s *Store) Push(state vchiq.UseState) error {
	if state.Time.IsZero() {
		state.Time = time.Now()
	}
	si := newSnapshotItem(state)

	log.WithFields(log.Fields{
		"time":           si.Time,
		"active_service": si.ActiveServices,
	}).Debug("Store inserts SnapshotItem")

	return s.bh.Upsert(si.Id, si)
}

// QuerySince fetches all snapshots taken at or after the given time, ordered by their time.
func (s *Store) QuerySince(since time.Time) (sis []SnapshotItem, err error) {
	if err = s.bh.Find(&sis, badgerhold.Where("Time").Ge(since)); err != nil {
		return
	}

	sort.Slice(sis, func(i, j int) bool {
		return sis[i].Time.Before(sis[j].Time)
	})
	return
}

// Latest snapshot, resulting in badgerhold.ErrNotFound for an empty Store.
func (s *Store) Latest() (si SnapshotItem, err error) {
	sis, err := s.QuerySince(time.Time{})
	if err != nil {
		return
	} else if len(sis) == 0 {
		err = badgerhold.ErrNotFound
		return
	}

	si = sis[len(sis)-1]
	return
}

// DeleteExpired removes all snapshots older than the retention.
func (s *Store) DeleteExpired(retention time.Duration) {
	var sis []SnapshotItem
	if err := s.bh.Find(&sis, badgerhold.Where("Time").Lt(time.Now().Add(-retention))); err != nil {
		log.WithError(err).Warn("Failed to get expired snapshots")
		return
	}

	for _, si := range sis {
		logger := log.WithField("snapshot", si.Time)
		if err := s.bh.Delete(si.Id, SnapshotItem{}); err != nil {
			logger.WithError(err).Warn("Failed to delete expired snapshot")
		} else {
			logger.Debug("Deleted expired snapshot")
		}
	}
}
