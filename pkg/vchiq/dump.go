// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxServiceInfo limits the entries of a UseState. Beyond, only services with a non-zero use count are listed.
const maxServiceInfo = 64

// InstanceInfo describes an Instance for diagnostics.
type InstanceInfo struct {
	ID                 int  `json:"id"`
	Pid                int  `json:"pid"`
	Connected          bool `json:"connected"`
	Closing            bool `json:"closing"`
	Trace              bool `json:"trace"`
	Completions        int  `json:"completions"`
	CompletionCapacity int  `json:"completion_capacity"`
	BulkWaiters        int  `json:"bulk_waiters"`
	UseCount           int  `json:"use_count"`
}

// ServiceInfo describes a Service for diagnostics.
type ServiceInfo struct {
	Handle     ServiceHandle `json:"handle"`
	FourCC     string        `json:"fourcc"`
	ClientID   int           `json:"client_id"`
	State      string        `json:"state"`
	Instance   int           `json:"instance"`
	Refs       int           `json:"refs"`
	UseCount   int           `json:"use_count"`
	ByteStream bool          `json:"byte_stream"`
	Trace      bool          `json:"trace"`

	// Messages, MessageQueueSize and DequeuePending are only set for byte stream services.
	Messages         int  `json:"messages,omitempty"`
	MessageQueueSize int  `json:"message_queue_size,omitempty"`
	DequeuePending   bool `json:"dequeue_pending,omitempty"`
}

// ServiceUse is the use count of one Service within a UseState.
type ServiceUse struct {
	Handle   ServiceHandle `json:"handle"`
	FourCC   string        `json:"fourcc"`
	ClientID int           `json:"client_id"`
	UseCount int           `json:"use_count"`
}

// UseState is a snapshot of the PowerState.
type UseState struct {
	Time              time.Time    `json:"time"`
	PeerUseCount      int          `json:"peer_use_count"`
	VideocoreUseCount int          `json:"videocore_use_count"`
	PendingUseAcks    int          `json:"pending_use_acks"`
	ActiveServices    int          `json:"active_services"`
	OnlyNonZero       bool         `json:"only_non_zero"`
	Services          []ServiceUse `json:"services"`
	AckError          string       `json:"ack_error,omitempty"`
}

// Instances of this Link, ordered by their ID.
func (l *Link) Instances() []InstanceInfo {
	insts := l.instanceList()
	infos := make([]InstanceInfo, 0, len(insts))
	for _, inst := range insts {
		infos = append(infos, InstanceInfo{
			ID:                 inst.id,
			Pid:                inst.pid,
			Connected:          inst.IsConnected(),
			Closing:            inst.IsClosing(),
			Trace:              inst.Trace(),
			Completions:        inst.completions.Len(),
			CompletionCapacity: inst.completions.Capacity(),
			BulkWaiters:        inst.waiters.len(),
			UseCount:           inst.UseCount(),
		})
	}
	return infos
}

// Services of this Link which are not FREE, ordered by their slot.
func (l *Link) Services() []ServiceInfo {
	type entry struct {
		s     *Service
		state ServiceState
	}

	l.mu.RLock()
	var entries []entry
	for _, s := range l.table.active() {
		if s.tryGet() {
			entries = append(entries, entry{s, s.state})
		}
	}
	l.mu.RUnlock()

	infos := make([]ServiceInfo, 0, len(entries))
	for _, e := range entries {
		s := e.s
		info := ServiceInfo{
			Handle:     s.handle,
			FourCC:     s.params.FourCC.String(),
			ClientID:   s.params.ClientID,
			Trace:      s.trace.Load(),
			State:      e.state.String(),
			Refs:       int(s.refs.Load()) - 1,
			UseCount:   l.power.useCountOf(s),
			ByteStream: s.params.ByteStream,
		}
		if s.instance != nil {
			info.Instance = s.instance.id
		}
		if mq := s.msgQueue; mq != nil {
			info.Messages = mq.Len()
			info.MessageQueueSize = mq.Size()
			info.DequeuePending = mq.DequeuePending()
		}
		infos = append(infos, info)

		s.put()
	}
	return infos
}

// UseState snapshot of the PowerState.
func (l *Link) UseState() UseState {
	services := l.activeServices()
	defer putAll(services)

	p := l.power
	state := UseState{
		Time:           time.Now(),
		ActiveServices: len(services),
		OnlyNonZero:    len(services) > maxServiceInfo,
		PendingUseAcks: int(p.kaUseAckCount.Load()),
	}
	if err := p.LastAckError(); err != nil {
		state.AckError = err.Error()
	}

	p.mu.RLock()
	state.PeerUseCount = p.peerUseCount
	state.VideocoreUseCount = p.videocoreUseCount
	for _, s := range services {
		if state.OnlyNonZero && s.useCount == 0 {
			continue
		}

		state.Services = append(state.Services, ServiceUse{
			Handle:   s.handle,
			FourCC:   s.params.FourCC.String(),
			ClientID: s.params.ClientID,
			UseCount: s.useCount,
		})
		if len(state.Services) >= maxServiceInfo {
			break
		}
	}
	p.mu.RUnlock()

	return state
}

// activeServices of all Instances. Each returned Service must be put.
func (l *Link) activeServices() (services []*Service) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, s := range l.table.active() {
		if s.tryGet() {
			services = append(services, s)
		}
	}
	return
}

// DumpServiceUseState logs the UseState.
func (l *Link) DumpServiceUseState() {
	state := l.UseState()

	if state.OnlyNonZero {
		log.WithFields(log.Fields{
			"active": state.ActiveServices,
			"dumped": len(state.Services),
		}).Warn("Too many active services, only dumping services with a non-zero use count")
	}

	for _, su := range state.Services {
		entry := log.WithFields(log.Fields{
			"service":  MakeFourCC(su.FourCC).entity(su.ClientID),
			"useCount": su.UseCount,
		})
		if su.UseCount > 0 {
			entry.Warn("Service use count, preventing suspend")
		} else {
			entry.Warn("Service use count")
		}
	}

	log.WithFields(log.Fields{
		"peerUseCount":      state.PeerUseCount,
		"videocoreUseCount": state.VideocoreUseCount,
	}).Warn("Overall use count")
}

// CheckService verifies that a Service is in use. A zero use count results in ErrInvalidUsage and a dump of the
// UseState.
func (l *Link) CheckService(h ServiceHandle) error {
	s := l.findService(h)
	if s == nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	defer s.put()

	p := l.power
	p.mu.RLock()
	count, useCount := s.useCount, p.videocoreUseCount
	p.mu.RUnlock()

	if count > 0 {
		return nil
	}

	log.WithFields(log.Fields{
		"service":      s,
		"serviceCount": count,
		"useCount":     useCount,
	}).Error("Service is not in use")
	l.DumpServiceUseState()

	return fmt.Errorf("%w: service %v has a use count of 0", ErrInvalidUsage, s)
}
