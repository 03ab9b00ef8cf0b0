// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/iox"
	log "github.com/sirupsen/logrus"
)

const (
	// KeepaliveVersion of the keepalive service, KeepaliveVersionMin the oldest compatible one.
	KeepaliveVersion    = 1
	KeepaliveVersionMin = 1
)

// KeepaliveFourCC identifies the keepalive service.
var KeepaliveFourCC = MakeFourCC("KEEP")

// peerEntity is the use count entity name of the whole peer link.
const peerEntity = "PEER"

// PowerState counts the uses of the coprocessor, both for the whole peer link and for each Service.
//
// Remote use and release requests are only counted by the Transport's callback; the keepalive worker applies them to
// the keepalive service and acknowledges the uses.
type PowerState struct {
	link *Link

	// mu guards the use counts, including each Service's useCount.
	mu                sync.RWMutex
	videocoreUseCount int
	peerUseCount      int
	firstConnect      bool

	kaUseCount     atomic.Int32
	kaReleaseCount atomic.Int32
	kaUseAckCount  atomic.Int32
	kaEvt          chan struct{}

	lastAckErr atomic.Pointer[error]
}

func newPowerState(link *Link) *PowerState {
	return &PowerState{
		link:  link,
		kaEvt: make(chan struct{}, 1),
	}
}

func entityName(s *Service) string {
	if s == nil {
		return peerEntity
	}
	return s.params.FourCC.entity(s.params.ClientID)
}

// use increments the aggregate count and the entity's count. A nil Service is the peer link.
func (p *PowerState) use(s *Service) error {
	p.mu.Lock()
	p.videocoreUseCount++
	var entityCount int
	if s == nil {
		p.peerUseCount++
		entityCount = p.peerUseCount
	} else {
		s.useCount++
		entityCount = s.useCount
	}
	useCount := p.videocoreUseCount
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"entity":      entityName(s),
		"entityCount": entityCount,
		"useCount":    useCount,
	}).Trace("Use")

	return p.flushAcks()
}

// release decrements the aggregate count and the entity's count. Releasing a zero count is an error.
func (p *PowerState) release(s *Service) error {
	p.mu.Lock()
	entityCount := &p.peerUseCount
	if s != nil {
		entityCount = &s.useCount
	}

	if p.videocoreUseCount == 0 || *entityCount == 0 {
		useCount, count := p.videocoreUseCount, *entityCount
		p.mu.Unlock()

		log.WithFields(log.Fields{
			"entity":      entityName(s),
			"entityCount": count,
			"useCount":    useCount,
		}).Error("Attempt to release with zero use count")
		return fmt.Errorf("%w: releasing %s with use count %d", ErrInvalidUsage, entityName(s), count)
	}

	p.videocoreUseCount--
	*entityCount--
	count, useCount := *entityCount, p.videocoreUseCount
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"entity":      entityName(s),
		"entityCount": count,
		"useCount":    useCount,
	}).Trace("Release")
	return nil
}

// forget the use count of a removed Service.
func (p *PowerState) forget(s *Service) {
	p.mu.Lock()
	count := s.useCount
	p.videocoreUseCount -= count
	s.useCount = 0
	p.mu.Unlock()

	if count > 0 {
		log.WithFields(log.Fields{
			"service":  s,
			"useCount": count,
		}).Warn("Removed service still had uses, releasing them")
	}
}

// flushAcks sends the pending use acknowledgements. Failures are retried Config.KeepaliveAckRetries times; the
// remaining acknowledgements stay pending for the next flush.
func (p *PowerState) flushAcks() error {
	pending := p.kaUseAckCount.Swap(0)
	if pending == 0 {
		return nil
	}

	var backoff iox.Backoff
	retries := 0
	for pending > 0 {
		err := p.link.transport.SendRemoteUseActive()
		if err == nil {
			pending--
			continue
		}

		if retries < p.link.config.KeepaliveAckRetries {
			retries++
			log.WithFields(log.Fields{
				"pending": pending,
				"retry":   retries,
				"error":   err,
			}).Warn("Sending use acknowledgement failed, retrying")
			backoff.Wait()
			continue
		}

		p.kaUseAckCount.Add(pending)
		err = fmt.Errorf("sending %d use acknowledgements: %w", pending, err)
		p.lastAckErr.Store(&err)

		log.WithFields(log.Fields{
			"pending": pending,
			"error":   err,
		}).Error("Sending use acknowledgements failed, keeping them pending")
		return err
	}

	p.lastAckErr.Store(nil)
	return nil
}

// LastAckError is the latest failure of sending use acknowledgements, nil after a successful flush.
func (p *PowerState) LastAckError() error {
	if err := p.lastAckErr.Load(); err != nil {
		return *err
	}
	return nil
}

// useCountOf a Service.
func (p *PowerState) useCountOf(s *Service) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return s.useCount
}

// sumUseCounts of multiple Services.
func (p *PowerState) sumUseCounts(services []*Service) (sum int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, s := range services {
		sum += s.useCount
	}
	return
}

func (p *PowerState) remoteUse() {
	p.kaUseCount.Add(1)
	notify(p.kaEvt)
}

func (p *PowerState) remoteRelease() {
	p.kaReleaseCount.Add(1)
	notify(p.kaEvt)
}

// startKeepalive launches the keepalive worker once.
func (p *PowerState) startKeepalive() {
	p.mu.Lock()
	first := !p.firstConnect
	p.firstConnect = true
	p.mu.Unlock()

	if first {
		log.Info("Starting keepalive worker")
		go p.keepalive()
	}
}

func (p *PowerState) keepaliveStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.firstConnect
}

// keepalive applies the peer's use and release requests to the keepalive service until the Link is closed.
func (p *PowerState) keepalive() {
	l := p.link
	defer close(l.kaStopAck)

	inst, err := l.Initialise()
	if err != nil {
		log.WithError(err).Error("Keepalive worker failed to initialise its instance")
		return
	}
	inst.discard = true
	defer l.Shutdown(inst)

	if err := l.Connect(inst); err != nil {
		log.WithError(err).Error("Keepalive worker failed to connect")
		return
	}

	h, err := l.AddService(inst, ServiceParams{
		FourCC:     KeepaliveFourCC,
		Version:    KeepaliveVersion,
		VersionMin: KeepaliveVersionMin,
	})
	if err != nil {
		log.WithError(err).Error("Keepalive worker failed to add its service")
		return
	}

	logger := log.WithField("service", h)
	logger.Debug("Keepalive worker is running")

	for {
		select {
		case <-l.kaStopSyn:
			logger.Debug("Keepalive worker stops")
			return

		case <-p.kaEvt:
		}

		// Releases are swapped out first, so they never exceed the uses applied before.
		rc := p.kaReleaseCount.Swap(0)
		uc := p.kaUseCount.Swap(0)

		for ; uc > 0; uc-- {
			p.kaUseAckCount.Add(1)
			if err := l.UseService(h); err != nil {
				logger.WithError(err).Error("Keepalive use failed")
			}
		}

		for ; rc > 0; rc-- {
			if err := l.ReleaseService(h); err != nil {
				logger.WithError(err).Error("Keepalive release failed")
			}
		}
	}
}

// Use the peer link.
func (l *Link) Use() error {
	return l.power.use(nil)
}

// Release the peer link.
func (l *Link) Release() error {
	return l.power.release(nil)
}

// UseService increments the use count of a Service.
func (l *Link) UseService(h ServiceHandle) error {
	s := l.findService(h)
	if s == nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	defer s.put()

	return l.power.use(s)
}

// ReleaseService decrements the use count of a Service.
func (l *Link) ReleaseService(h ServiceHandle) error {
	s := l.findService(h)
	if s == nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	defer s.put()

	return l.power.release(s)
}
