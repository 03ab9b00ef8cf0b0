// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// BulkTransmit sends data on an OPEN Service.
//
// For BulkModeCallback and BulkModeNoCallback, this returns after the Transport accepted the Bulk; a busy Transport
// is retried until ctx is done. The completion of a BulkModeCallback transfer is reported as a BulkTransmitDone or
// BulkTransmitAborted Completion carrying userData.
//
// For BulkModeBlocking, this returns after the transfer has finished. An interrupted ctx results in ErrRetry and the
// transfer stays in flight; calling again with the same caller and buffer resumes waiting for it. A ctx canceled with
// the ErrKilled cause abandons the transfer.
func (l *Link) BulkTransmit(ctx context.Context, h ServiceHandle, data []byte, userData interface{}, mode BulkMode, caller CallerID) error {
	return l.bulkTransfer(ctx, h, data, userData, mode, BulkTransmit, caller)
}

// BulkReceive fills data from an OPEN Service. The modes behave like within BulkTransmit.
func (l *Link) BulkReceive(ctx context.Context, h ServiceHandle, data []byte, userData interface{}, mode BulkMode, caller CallerID) error {
	return l.bulkTransfer(ctx, h, data, userData, mode, BulkReceive, caller)
}

func (l *Link) bulkTransfer(ctx context.Context, h ServiceHandle, data []byte, userData interface{}, mode BulkMode, dir BulkDir, caller CallerID) error {
	if mode > BulkModeNoCallback {
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}

	s, err := l.openService(h)
	if err != nil {
		return err
	}
	defer s.put()

	if s.instance.IsClosing() {
		return ErrClosing
	}

	if mode == BulkModeBlocking {
		return l.blockingBulk(ctx, s, data, dir, caller)
	}

	b := &Bulk{Handle: h, Dir: dir, Mode: mode, Data: data, userData: userData}
	if err := retryBusy(ctx, func() error { return l.transport.SubmitBulk(h, b) }); err != nil {
		return fmt.Errorf("submitting %v: %w", b, err)
	}
	return nil
}

// blockingBulk submits a Bulk with the caller's BulkWaiter as its completion target and waits for it.
func (l *Link) blockingBulk(ctx context.Context, s *Service, data []byte, dir BulkDir, caller CallerID) error {
	inst := s.instance
	logger := log.WithFields(log.Fields{
		"service": s,
		"caller":  caller,
	})

	w := inst.waiters.take(caller)
	if w == nil {
		w = newBulkWaiter(caller)
	} else if w.bulk != nil && (w.bulk.Handle != s.handle || w.bulk.Dir != dir || !w.bulk.sameBuffer(data)) {
		// Not a retry of the interrupted transfer; its completion must not signal this call.
		w.bulk.detach()
		w.bulk = nil
	}

	if w.bulk == nil {
		w.reset()

		b := &Bulk{Handle: s.handle, Dir: dir, Mode: BulkModeBlocking, Data: data, waiter: w}
		if err := retryBusy(ctx, func() error { return l.transport.SubmitBulk(s.handle, b) }); err != nil {
			logger.WithError(err).Debug("Submitting blocking bulk failed, freeing bulk waiter")
			return fmt.Errorf("submitting %v: %w", b, err)
		}
		w.bulk = b
	} else {
		logger.Debug("Resuming wait for bulk in flight")
	}

	select {
	case <-w.event:
		b := w.bulk
		b.detach()
		w.bulk = nil

		aborted := w.aborted
		inst.waiters.put(w)
		logger.Debug("Saved bulk waiter")

		if aborted {
			return fmt.Errorf("%v: %w", b, ErrAborted)
		}
		return nil

	case <-inst.completions.Closing():
		w.bulk.detach()
		logger.Debug("Instance is closing, freeing bulk waiter")
		return ErrClosing

	case <-ctx.Done():
		if err := cancelErr(ctx); errors.Is(err, ErrKilled) {
			w.bulk.detach()
			logger.Info("Caller was killed, freeing bulk waiter")
			return err
		}

		inst.waiters.put(w)
		logger.Info("Saved bulk waiter for a retry")
		return ErrRetry
	}
}
