// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package loopback provides an in-process coprocessor as a vchiq.Transport.
//
// The Coprocessor echoes control messages back to their service and loops bulk transmissions back into later bulk
// receptions of the same service. Its behaviour, e.g., refused services or a busy link, is configurable to exercise a
// vchiq.Link without any hardware.
package loopback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

// Options for a Coprocessor.
type Options struct {
	// Refuse lists the FourCCs whose open handshake is refused.
	Refuse []vchiq.FourCC

	// Echo sends each control message back as a message of the same service.
	Echo bool

	// BulkDelay postpones the completion of each bulk transfer.
	BulkDelay time.Duration

	// Backlog is the capacity of the event queue. A full queue makes the Coprocessor busy.
	Backlog int
}

// job is an Event to be delivered, preceded by processing its Bulk.
type job struct {
	ev    vchiq.Event
	delay time.Duration
}

// Coprocessor emulates the peer of a vchiq.Link.
type Coprocessor struct {
	opts   Options
	refuse map[vchiq.FourCC]bool

	mu        sync.Mutex
	sink      vchiq.EventSink
	ready     bool
	connected bool
	services  map[vchiq.ServiceHandle]*bytes.Buffer
	busy      int
	failAcks  int
	acks      int
	msgID     uint32

	jobs chan job

	ctx    context.Context
	cancel context.CancelFunc

	stopSyn chan struct{}
	stopAck chan struct{}
}

// New Coprocessor, which must be closed after usage.
func New(opts Options) *Coprocessor {
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}

	c := &Coprocessor{
		opts:     opts,
		refuse:   make(map[vchiq.FourCC]bool),
		ready:    true,
		services: make(map[vchiq.ServiceHandle]*bytes.Buffer),
		jobs:     make(chan job, opts.Backlog),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, fourcc := range opts.Refuse {
		c.refuse[fourcc] = true
	}

	go c.handler()
	return c
}

// handler delivers the queued jobs in order.
func (c *Coprocessor) handler() {
	defer close(c.stopAck)

	for {
		select {
		case <-c.stopSyn:
			log.Debug("Loopback coprocessor received closing signal")
			return

		case j := <-c.jobs:
			if j.delay > 0 {
				select {
				case <-time.After(j.delay):
				case <-c.stopSyn:
					return
				}
			}

			if j.ev.Bulk != nil {
				j.ev.Actual = c.processBulk(j.ev.Bulk)
			}
			c.deliver(j.ev)
		}
	}
}

// processBulk loops transmitted data back into received data of the same service.
func (c *Coprocessor) processBulk(b *vchiq.Bulk) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.services[b.Handle]
	if !ok {
		return 0
	}

	if b.Dir == vchiq.BulkTransmit {
		buf.Write(b.Data)
		return len(b.Data)
	}
	n, _ := buf.Read(b.Data)
	return n
}

func (c *Coprocessor) deliver(ev vchiq.Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		log.WithField("event", ev).Warn("Loopback coprocessor has no sink, dropping event")
		return
	}

	var backoff iox.Backoff
	for {
		err := sink.Deliver(c.ctx, ev)
		if err == nil {
			return
		}

		if errors.Is(err, vchiq.ErrRetry) && c.ctx.Err() == nil {
			backoff.Wait()
			continue
		}

		log.WithFields(log.Fields{
			"event": ev,
			"error": err,
		}).Info("Loopback coprocessor failed to deliver event")
		return
	}
}

// enqueue a job or report busy.
func (c *Coprocessor) enqueue(j job) error {
	select {
	case c.jobs <- j:
		return nil
	default:
		return vchiq.ErrRetry
	}
}

// takeBusy consumes one busy rejection; must be called while holding the mutex.
func (c *Coprocessor) takeBusy() bool {
	if c.busy > 0 {
		c.busy--
		return true
	}
	return false
}

// Ready reports the ready state, see SetReady.
func (c *Coprocessor) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ready
}

// SetReady changes the ready state.
func (c *Coprocessor) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = ready
}

// Connect the emulated link.
func (c *Coprocessor) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return fmt.Errorf("loopback coprocessor is not ready")
	}
	c.connected = true
	return nil
}

// OpenService accepts all services which are not refused.
func (c *Coprocessor) OpenService(handle vchiq.ServiceHandle, params vchiq.ServiceParams, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("loopback coprocessor is not connected")
	}
	if c.refuse[params.FourCC] {
		return fmt.Errorf("loopback coprocessor refused service %v", params.FourCC)
	}

	c.services[handle] = new(bytes.Buffer)

	log.WithFields(log.Fields{
		"handle": handle,
		"fourcc": params.FourCC,
		"pid":    pid,
	}).Debug("Loopback coprocessor opened service")
	return nil
}

// CloseService drops a service and its looped back bulk data.
func (c *Coprocessor) CloseService(handle vchiq.ServiceHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.services, handle)
	return nil
}

// SendControl echoes the payload back if configured so.
func (c *Coprocessor) SendControl(handle vchiq.ServiceHandle, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.takeBusy() {
		return vchiq.ErrRetry
	}
	if _, ok := c.services[handle]; !ok {
		return fmt.Errorf("loopback coprocessor has no service %v", handle)
	}

	if !c.opts.Echo {
		return nil
	}

	c.msgID++
	data := append([]byte(nil), payload...)
	return c.enqueue(job{ev: vchiq.Event{
		Reason: vchiq.MessageAvailable,
		Handle: handle,
		Header: &vchiq.Header{MsgID: c.msgID, Data: data},
	}})
}

// SubmitBulk queues a bulk transfer, completed asynchronously.
func (c *Coprocessor) SubmitBulk(handle vchiq.ServiceHandle, bulk *vchiq.Bulk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.takeBusy() {
		return vchiq.ErrRetry
	}
	if _, ok := c.services[handle]; !ok {
		return fmt.Errorf("loopback coprocessor has no service %v", handle)
	}

	reason := vchiq.BulkTransmitDone
	if bulk.Dir == vchiq.BulkReceive {
		reason = vchiq.BulkReceiveDone
	}

	return c.enqueue(job{
		ev:    vchiq.Event{Reason: reason, Handle: handle, Bulk: bulk},
		delay: c.opts.BulkDelay,
	})
}

// SendRemoteUseActive counts the acknowledgement, see Acks.
func (c *Coprocessor) SendRemoteUseActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failAcks > 0 {
		c.failAcks--
		return fmt.Errorf("loopback coprocessor dropped acknowledgement")
	}
	c.acks++
	return nil
}

// Attach the EventSink.
func (c *Coprocessor) Attach(sink vchiq.EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sink = sink
}

// BusyCount makes the next n submissions fail as busy.
func (c *Coprocessor) BusyCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.busy = n
}

// FailAcks makes the next n acknowledgements fail.
func (c *Coprocessor) FailAcks(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failAcks = n
}

// Acks is the amount of received use acknowledgements.
func (c *Coprocessor) Acks() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.acks
}

// InjectMessage sends a message from the coprocessor to a service.
func (c *Coprocessor) InjectMessage(handle vchiq.ServiceHandle, data []byte) error {
	c.mu.Lock()
	c.msgID++
	id := c.msgID
	c.mu.Unlock()

	return c.enqueue(job{ev: vchiq.Event{
		Reason: vchiq.MessageAvailable,
		Handle: handle,
		Header: &vchiq.Header{MsgID: id, Data: data},
	}})
}

// InjectOpen opens a listening service from the coprocessor's side.
func (c *Coprocessor) InjectOpen(handle vchiq.ServiceHandle) error {
	c.mu.Lock()
	c.services[handle] = new(bytes.Buffer)
	c.mu.Unlock()

	return c.enqueue(job{ev: vchiq.Event{Reason: vchiq.ServiceOpened, Handle: handle}})
}

// InjectClose closes a service from the coprocessor's side.
func (c *Coprocessor) InjectClose(handle vchiq.ServiceHandle) error {
	c.mu.Lock()
	delete(c.services, handle)
	c.mu.Unlock()

	return c.enqueue(job{ev: vchiq.Event{Reason: vchiq.ServiceClosed, Handle: handle}})
}

// InjectRemoteUse requests the host to stay powered.
func (c *Coprocessor) InjectRemoteUse() {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.RemoteUse()
	}
}

// InjectRemoteRelease releases a former InjectRemoteUse.
func (c *Coprocessor) InjectRemoteRelease() {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.RemoteRelease()
	}
}

// Disconnect the emulated link, reported to the EventSink.
func (c *Coprocessor) Disconnect() {
	c.mu.Lock()
	sink, connected := c.sink, c.connected
	c.connected = false
	c.mu.Unlock()

	if sink != nil && connected {
		sink.ConnStateChanged(vchiq.Connected, vchiq.Disconnected)
	}
}

// Close this Coprocessor. Queued jobs are dropped.
func (c *Coprocessor) Close() error {
	select {
	case <-c.stopSyn:
		return fmt.Errorf("loopback coprocessor was already closed")
	default:
	}

	c.cancel()
	close(c.stopSyn)
	<-c.stopAck
	return nil
}
