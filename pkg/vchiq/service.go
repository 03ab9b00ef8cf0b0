// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"fmt"
	"sync/atomic"
)

// Service is one logical channel over the Link. Services are exclusively owned by the Link's service table; all
// other references are counted and must be released.
type Service struct {
	handle   ServiceHandle
	params   ServiceParams
	instance *Instance
	link     *Link

	// state and closedNotified are guarded by the Link's mutex.
	state          ServiceState
	closedNotified bool

	// server services were added to listen and return to ServiceListening when closed.
	server bool

	refs atomic.Int32

	// useCount is guarded by the PowerState's lock.
	useCount int

	// msgQueue is only present for byte stream services.
	msgQueue *MessageQueue

	// messageAvailablePos is the completion queue position of the latest MessageAvailable completion.
	messageAvailablePos atomic.Int64

	// closePending is set while a delivered ServiceClosed completion holds its extra reference.
	closePending atomic.Bool

	trace atomic.Bool
}

func newService(link *Link, handle ServiceHandle, params ServiceParams, state ServiceState, inst *Instance) *Service {
	s := &Service{
		handle:   handle,
		params:   params,
		instance: inst,
		link:     link,
		state:    state,
	}
	s.refs.Store(1)

	if params.ByteStream {
		s.msgQueue = newMessageQueue(link.config.MsgQueueSize)
	}
	if inst != nil {
		s.messageAvailablePos.Store(inst.completions.Remove() - 1)
		s.trace.Store(inst.trace.Load())
	}
	return s
}

// Handle of this Service.
func (s *Service) Handle() ServiceHandle { return s.handle }

// Params of this Service.
func (s *Service) Params() ServiceParams { return s.params }

// Instance owning this Service.
func (s *Service) Instance() *Instance { return s.instance }

// get an additional reference.
func (s *Service) get() {
	s.refs.Add(1)
}

// tryGet an additional reference unless the last one was already put back.
func (s *Service) tryGet() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// put back a reference. The last one frees the table's slot. Must not be called while holding the Link's mutex.
func (s *Service) put() {
	switch refs := s.refs.Add(-1); {
	case refs == 0:
		s.link.releaseSlot(s)
	case refs < 0:
		panic(fmt.Sprintf("service %v: negative reference count", s.handle))
	}
}

// messageAvailablePending checks if a MessageAvailable completion for this Service was not yet consumed.
func (s *Service) messageAvailablePending() bool {
	if s.instance == nil {
		return false
	}
	return s.messageAvailablePos.Load()-s.instance.completions.Remove() >= 0
}

func (s *Service) String() string {
	return fmt.Sprintf("Service(%v, %v)", s.handle, s.params.FourCC.entity(s.params.ClientID))
}
