// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"context"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Instance is a client context, one open handle to the Link. It owns a CompletionQueue, read by exactly one
// consumer, and the BulkWaiters of its blocking callers.
type Instance struct {
	link *Link
	id   int
	pid  int

	connected         atomic.Bool
	trace             atomic.Bool
	useCloseDelivered atomic.Bool

	// discard drops all events, used by the internal keepalive Instance without a consumer.
	discard bool

	completions *CompletionQueue
	waiters     *waiterRegistry
}

func newInstance(link *Link, id, pid int) *Instance {
	return &Instance{
		link:        link,
		id:          id,
		pid:         pid,
		completions: NewCompletionQueue(link.config.CompletionCapacity),
		waiters:     newWaiterRegistry(),
	}
}

// ID of this Instance, unique within its Link.
func (inst *Instance) ID() int { return inst.id }

// Pid of the process owning this Instance.
func (inst *Instance) Pid() int { return inst.pid }

// IsConnected checks if Connect was successful.
func (inst *Instance) IsConnected() bool { return inst.connected.Load() }

// IsClosing checks if this Instance is shutting down.
func (inst *Instance) IsClosing() bool { return inst.completions.IsClosing() }

// Completions of this Instance.
func (inst *Instance) Completions() *CompletionQueue { return inst.completions }

// Trace reports the trace flag, which enables per-event logging for this Instance's services.
func (inst *Instance) Trace() bool { return inst.trace.Load() }

// SetTrace for this Instance and all its services.
func (inst *Instance) SetTrace(trace bool) {
	inst.link.mu.RLock()
	for _, s := range inst.link.table.byInstance(inst) {
		s.trace.Store(trace)
	}
	inst.link.mu.RUnlock()

	inst.trace.Store(trace)
}

// UseCloseDelivered requires an explicit CloseDelivered acknowledgement for each ServiceClosed completion. Otherwise
// the extra service reference is released when the Completion is handed out by AwaitCompletion.
func (inst *Instance) UseCloseDelivered() {
	inst.useCloseDelivered.Store(true)
}

// UseCount is the sum of the use counts of this Instance's services.
func (inst *Instance) UseCount() int {
	services := inst.link.servicesOf(inst)
	defer putAll(services)

	return inst.link.power.sumUseCounts(services)
}

// addCompletion publishes a Completion for one of this Instance's services.
func (inst *Instance) addCompletion(ctx context.Context, reason Reason, header *Header, s *Service, bulkUserData interface{}) error {
	c := Completion{
		Reason:          reason,
		Header:          header,
		Service:         s.handle,
		ServiceUserData: s.params.UserData,
		BulkUserData:    bulkUserData,
		service:         s,
	}

	_, err := inst.completions.publish(ctx, c, func(pos int64) {
		if reason == ServiceClosed {
			// Held until this ServiceClosed completion was delivered.
			s.get()
			if inst.useCloseDelivered.Load() {
				s.closePending.Store(true)
			}
		}

		if reason == MessageAvailable {
			s.messageAvailablePos.Store(pos)
		}
	})

	if err != nil {
		log.WithFields(log.Fields{
			"instance": inst.id,
			"service":  s,
			"reason":   reason,
		}).Info("Adding completion was interrupted")
	}
	return err
}

// AwaitCompletion blocks until a Completion is available and returns up to max Completions in publish order.
func (inst *Instance) AwaitCompletion(ctx context.Context, max int) ([]Completion, error) {
	cs, err := inst.completions.Await(ctx, max)
	if err != nil {
		return nil, err
	}

	if !inst.useCloseDelivered.Load() {
		for _, c := range cs {
			if c.Reason == ServiceClosed {
				c.service.put()
			}
		}
	}

	return cs, nil
}

// CloseDelivered acknowledges the delivery of a ServiceClosed completion, releasing its service reference.
func (inst *Instance) CloseDelivered(h ServiceHandle) error {
	s := inst.link.lookupService(h)
	if s == nil {
		return ErrInvalidHandle
	}
	defer s.put()

	if s.instance != inst {
		return fmt.Errorf("%w: service %v belongs to another instance", ErrInvalidHandle, h)
	}

	if !s.closePending.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: no close pending for service %v", ErrInvalidUsage, h)
	}

	s.put()
	return nil
}

// DequeueMessage removes the next message of a byte stream service. A non-blocking call returns a nil Header for an
// empty queue. A blocking call waits for the next message, interrupted by the context resulting in ErrRetry.
func (inst *Instance) DequeueMessage(ctx context.Context, h ServiceHandle, block bool) (*Header, error) {
	s := inst.link.findService(h)
	if s == nil {
		return nil, ErrInvalidHandle
	}
	defer s.put()

	if s.instance != inst {
		return nil, fmt.Errorf("%w: service %v belongs to another instance", ErrInvalidHandle, h)
	}

	mq := s.msgQueue
	if mq == nil {
		return nil, fmt.Errorf("%w: service %v is no byte stream", ErrInvalidUsage, h)
	}

	mq.mu.Lock()
	for mq.empty() {
		if !block {
			mq.mu.Unlock()
			return nil, nil
		}

		mq.dequeuePending = true
		mq.mu.Unlock()

		select {
		case <-mq.insertEvent:
		case <-inst.completions.Closing():
			return nil, ErrClosing
		case <-ctx.Done():
			return nil, ErrRetry
		}

		mq.mu.Lock()
	}

	header, err := mq.pop()
	room := !mq.full()
	mq.mu.Unlock()

	if room {
		notify(mq.removeEvent)
	}
	return header, err
}

// drainCompletions drops all pending Completions of a shutting down Instance, releasing held references.
func (inst *Instance) drainCompletions() {
	for _, c := range inst.completions.take(inst.completions.Capacity()) {
		if c.Reason == ServiceClosed && (!inst.useCloseDelivered.Load() || c.service.closePending.CompareAndSwap(true, false)) {
			c.service.put()
		}
	}
}

func (inst *Instance) String() string {
	return fmt.Sprintf("Instance(%d, pid %d)", inst.id, inst.pid)
}
