// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"code.hybscloud.com/iox"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Link is the context of one physical link to the coprocessor. It owns the service table, the client Instances and
// the PowerState. A Link is the EventSink of its Transport.
type Link struct {
	config    Config
	transport Transport
	power     *PowerState

	// mu guards the service table, the instances and the connection state.
	mu             sync.RWMutex
	table          *serviceTable
	instances      map[int]*Instance
	nextInstanceID int
	linkConnected  bool
	connState      ConnState
	closed         bool

	// connectMu serializes Connect calls, the Transport is connected only once.
	connectMu sync.Mutex

	kaStopSyn  chan struct{}
	kaStopAck  chan struct{}
	kaStopOnce sync.Once
}

// NewLink over a Transport. The Link attaches itself to the Transport as its EventSink.
func NewLink(transport Transport, config Config) (*Link, error) {
	if err := config.checkValid(); err != nil {
		return nil, fmt.Errorf("invalid link configuration: %w", err)
	}

	l := &Link{
		config:    config,
		transport: transport,
		table:     newServiceTable(config.MaxServices),
		instances: make(map[int]*Instance),
		kaStopSyn: make(chan struct{}),
		kaStopAck: make(chan struct{}),
	}
	l.power = newPowerState(l)

	transport.Attach(l)
	return l, nil
}

// Config of this Link.
func (l *Link) Config() Config {
	return l.config
}

// ConnState of the physical link.
func (l *Link) ConnState() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.connState
}

// releaseSlot of a Service whose last reference was put back.
func (l *Link) releaseSlot(s *Service) {
	l.mu.Lock()
	l.table.release(s)
	l.mu.Unlock()
}

// lookupService by its handle, including FREE services which are still referenced. The returned Service must be put.
func (l *Link) lookupService(h ServiceHandle) *Service {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s := l.table.lookup(h); s != nil && s.tryGet() {
		return s
	}
	return nil
}

// findService which is not FREE by its handle. The returned Service must be put.
func (l *Link) findService(h ServiceHandle) *Service {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s := l.table.find(h); s != nil && s.tryGet() {
		return s
	}
	return nil
}

// openService finds an OPEN Service. The returned Service must be put.
func (l *Link) openService(h ServiceHandle) (*Service, error) {
	l.mu.RLock()
	s := l.table.find(h)
	if s == nil || !s.tryGet() {
		l.mu.RUnlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	state := s.state
	l.mu.RUnlock()

	if state != ServiceOpen {
		s.put()
		return nil, fmt.Errorf("%w: service %v is %v", ErrInvalidState, s, state)
	}
	return s, nil
}

// servicesOf an Instance. Each returned Service must be put, e.g., by putAll.
func (l *Link) servicesOf(inst *Instance) (services []*Service) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, s := range l.table.byInstance(inst) {
		if s.tryGet() {
			services = append(services, s)
		}
	}
	return
}

func putAll(services []*Service) {
	for _, s := range services {
		s.put()
	}
}

// Initialise a new Instance. This waits for the Transport to be ready, checking up to Config.InitRetries times.
func (l *Link) Initialise() (*Instance, error) {
	var backoff iox.Backoff
	for i := 0; !l.transport.Ready(); i++ {
		if i+1 >= l.config.InitRetries {
			log.WithField("retries", i+1).Error("Transport is not ready, giving up initialising")
			return nil, fmt.Errorf("%w: transport not ready", ErrNotConnected)
		}

		if i == 0 {
			log.Warn("Transport is not ready yet, retrying")
		}
		backoff.Wait()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLinkClosed
	}

	l.nextInstanceID++
	inst := newInstance(l, l.nextInstanceID, os.Getpid())
	l.instances[inst.id] = inst

	log.WithField("instance", inst.id).Debug("Initialised instance")
	return inst, nil
}

// Connect an Instance. The first Connect connects the Transport. The Instance's HIDDEN services start LISTENING.
func (l *Link) Connect(inst *Instance) error {
	if inst.IsClosing() {
		return ErrClosing
	}

	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	l.mu.RLock()
	closed, connected, state := l.closed, l.linkConnected, l.connState
	l.mu.RUnlock()

	if closed {
		return ErrLinkClosed
	}

	if !connected {
		l.ConnStateChanged(state, Connecting)

		if err := l.transport.Connect(); err != nil {
			l.ConnStateChanged(Connecting, Disconnected)
			return fmt.Errorf("connecting transport: %w", err)
		}

		l.mu.Lock()
		l.linkConnected = true
		l.mu.Unlock()

		l.ConnStateChanged(Connecting, Connected)
	}

	l.mu.Lock()
	for _, s := range l.table.byInstance(inst) {
		if s.state == ServiceHidden {
			s.state = ServiceListening
		}
	}
	inst.connected.Store(true)
	l.mu.Unlock()

	log.WithField("instance", inst.id).Debug("Connected instance")
	return nil
}

// addService inserts a new Service into the table.
func (l *Link) addService(inst *Instance, params ServiceParams, state ServiceState) (*Service, error) {
	if inst.IsClosing() {
		return nil, ErrClosing
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLinkClosed
	}

	s, err := l.table.insert(func(h ServiceHandle) *Service {
		s := newService(l, h, params, state, inst)
		s.server = state != ServiceOpening
		return s
	})
	if err != nil {
		log.WithFields(log.Fields{
			"instance": inst.id,
			"service":  params.FourCC.entity(params.ClientID),
		}).Warn("Service table is full")
		return nil, fmt.Errorf("adding service %v: %w", params.FourCC.entity(params.ClientID), err)
	}

	log.WithFields(log.Fields{
		"instance": inst.id,
		"service":  s,
		"state":    state,
	}).Debug("Added service")
	return s, nil
}

// AddService to listen for the peer. The Service is LISTENING for a connected Instance, HIDDEN otherwise.
func (l *Link) AddService(inst *Instance, params ServiceParams) (ServiceHandle, error) {
	state := ServiceHidden
	if inst.IsConnected() {
		state = ServiceListening
	}

	s, err := l.addService(inst, params, state)
	if err != nil {
		return InvalidHandle, err
	}
	return s.handle, nil
}

// Open a previously added Service by performing the open handshake with the peer.
func (l *Link) Open(h ServiceHandle, pid int) error {
	l.mu.Lock()
	s := l.table.find(h)
	if s == nil || !s.tryGet() {
		l.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}

	var err error
	switch {
	case !s.instance.IsConnected():
		err = fmt.Errorf("%w: instance %d of service %v", ErrNotConnected, s.instance.id, s)
	case s.state != ServiceHidden && s.state != ServiceListening:
		err = fmt.Errorf("%w: service %v is %v", ErrInvalidState, s, s.state)
	default:
		s.state = ServiceOpening
	}
	l.mu.Unlock()
	defer s.put()

	if err != nil {
		return err
	}
	return l.handshake(s, pid)
}

// OpenService creates a new Service and opens it by the open handshake with the peer.
func (l *Link) OpenService(inst *Instance, params ServiceParams, pid int) (ServiceHandle, error) {
	if !inst.IsConnected() {
		return InvalidHandle, fmt.Errorf("%w: instance %d", ErrNotConnected, inst.id)
	}

	s, err := l.addService(inst, params, ServiceOpening)
	if err != nil {
		return InvalidHandle, err
	}

	if err := l.handshake(s, pid); err != nil {
		return InvalidHandle, err
	}
	return s.handle, nil
}

// handshake of an OPENING Service. On failure, the Service is removed.
func (l *Link) handshake(s *Service, pid int) error {
	if err := l.transport.OpenService(s.handle, s.params, pid); err != nil {
		log.WithFields(log.Fields{
			"service": s,
			"error":   err,
		}).Info("Open handshake failed, removing service")

		l.mu.Lock()
		if s.state != ServiceOpening {
			// Concurrently removed.
			l.mu.Unlock()
			return fmt.Errorf("opening service %v: %w", s, err)
		}
		s.state = ServiceClosing
		l.mu.Unlock()

		if rerr := l.removeService(s, ServiceOpening); rerr != nil {
			err = multierror.Append(err, rerr)
		}
		return fmt.Errorf("opening service %v: %w", s, err)
	}

	l.mu.Lock()
	state := s.state
	if state == ServiceOpening {
		s.state = ServiceOpen
		s.closedNotified = false
	}
	l.mu.Unlock()

	if state != ServiceOpening {
		// Removed during the handshake, the peer's side has to be closed again.
		err := fmt.Errorf("%w: service %v was %v after opening", ErrInvalidState, s, state)
		if cerr := l.transport.CloseService(s.handle); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		log.WithFields(log.Fields{
			"service": s,
			"state":   state,
		}).Info("Service was removed during its open handshake")
		return err
	}

	log.WithField("service", s).Debug("Opened service")
	return nil
}

// RemoveService closes and frees a Service. Removing an unknown or already removed Service is a no-op.
//
// This publishes a ServiceClosed Completion and blocks while the owning Instance's CompletionQueue is full.
func (l *Link) RemoveService(h ServiceHandle) error {
	l.mu.Lock()
	s := l.table.find(h)
	if s == nil || s.state == ServiceClosing || !s.tryGet() {
		l.mu.Unlock()
		return nil
	}

	prev := s.state
	s.state = ServiceClosing
	l.mu.Unlock()

	defer s.put()
	return l.removeService(s, prev)
}

// removeService of a Service which was set CLOSING from its previous state. This puts the table's reference.
func (l *Link) removeService(s *Service, prev ServiceState) (err error) {
	if prev == ServiceOpen {
		if cerr := l.transport.CloseService(s.handle); cerr != nil {
			log.WithFields(log.Fields{
				"service": s,
				"error":   cerr,
			}).Warn("Close handshake failed")
			err = fmt.Errorf("closing service %v: %w", s, cerr)
		}
	}

	if prev != ServiceOpening {
		l.notifyClosed(context.Background(), s)
	}

	l.mu.Lock()
	s.state = ServiceFree
	l.mu.Unlock()

	l.power.forget(s)

	log.WithFields(log.Fields{
		"service": s,
		"state":   prev,
	}).Debug("Removed service")

	s.put()
	return
}

// notifyClosed publishes the ServiceClosed Completion, at most once per open session.
func (l *Link) notifyClosed(ctx context.Context, s *Service) error {
	l.mu.Lock()
	notified := s.closedNotified
	s.closedNotified = true
	l.mu.Unlock()

	if notified || s.instance.discard {
		return nil
	}
	return s.instance.addCompletion(ctx, ServiceClosed, nil, s, nil)
}

// CloseService performs the close handshake. An OPEN server Service returns to LISTENING, others are removed.
func (l *Link) CloseService(h ServiceHandle) error {
	l.mu.Lock()
	s := l.table.find(h)
	if s == nil || !s.tryGet() {
		l.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}

	if !s.server || s.state != ServiceOpen {
		l.mu.Unlock()
		s.put()
		return l.RemoveService(h)
	}

	s.state = ServiceClosing
	l.mu.Unlock()
	defer s.put()

	var err error
	if cerr := l.transport.CloseService(h); cerr != nil {
		err = fmt.Errorf("closing service %v: %w", s, cerr)
	}

	l.notifyClosed(context.Background(), s)
	l.relisten(s)
	return err
}

// relisten resets a server Service for the next open session.
func (l *Link) relisten(s *Service) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.state == ServiceClosing || s.state == ServiceStateClosed {
		s.state = ServiceListening
		s.closedNotified = false
	}
}

// ClientID of a Service, as passed within its ServiceParams.
func (l *Link) ClientID(h ServiceHandle) (int, error) {
	s := l.findService(h)
	if s == nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	defer s.put()

	return s.params.ClientID, nil
}

// SetServiceTrace toggles the per-event logging of a single Service, independent of its Instance's trace flag.
func (l *Link) SetServiceTrace(h ServiceHandle, trace bool) error {
	s := l.findService(h)
	if s == nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	defer s.put()

	s.trace.Store(trace)
	return nil
}

// QueueMessage sends a short message on an OPEN Service. A busy Transport is retried until ctx is done.
func (l *Link) QueueMessage(ctx context.Context, h ServiceHandle, payload []byte) error {
	s, err := l.openService(h)
	if err != nil {
		return err
	}
	defer s.put()

	if err := retryBusy(ctx, func() error { return l.transport.SendControl(h, payload) }); err != nil {
		return fmt.Errorf("queueing message on %v: %w", s, err)
	}
	return nil
}

// Shutdown an Instance. All its blocked producers and consumers are woken up, all its Services are removed and all
// its BulkWaiters are freed.
func (l *Link) Shutdown(inst *Instance) error {
	inst.completions.Close()

	var result error
	services := l.servicesOf(inst)
	for _, s := range services {
		if err := l.RemoveService(s.handle); err != nil {
			result = multierror.Append(result, err)
		}
	}
	putAll(services)

	inst.drainCompletions()

	for _, w := range inst.waiters.free() {
		log.WithFields(log.Fields{
			"instance": inst.id,
			"caller":   w.caller,
		}).Debug("Freeing bulk waiter")
	}

	inst.connected.Store(false)

	l.mu.Lock()
	delete(l.instances, inst.id)
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"instance": inst.id,
		"services": len(services),
	}).Info("Instance cleaned up")

	return result
}

// Instance by its ID.
func (l *Link) Instance(id int) (*Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	inst, ok := l.instances[id]
	return inst, ok
}

// instanceList sorted by ID.
func (l *Link) instanceList() []*Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	insts := make([]*Instance, 0, len(l.instances))
	for _, inst := range l.instances {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].id < insts[j].id })
	return insts
}

// Deliver an Event from the Transport. Events for unknown services are dropped, resulting in ErrProtocol.
func (l *Link) Deliver(ctx context.Context, ev Event) error {
	s := l.findService(ev.Handle)
	if s == nil {
		log.WithFields(log.Fields{
			"event":  ev,
			"handle": ev.Handle,
		}).Warn("Dropping event for unknown service")
		return fmt.Errorf("%w: %v for unknown service %v", ErrProtocol, ev.Reason, ev.Handle)
	}
	defer s.put()

	if s.trace.Load() {
		log.WithFields(log.Fields{
			"service": s,
			"event":   ev,
		}).Trace("Service callback")
	}

	inst := s.instance

	switch {
	case ev.Reason == ServiceOpened:
		l.mu.Lock()
		if s.state == ServiceListening || s.state == ServiceHidden {
			s.state = ServiceOpen
			s.closedNotified = false
		}
		l.mu.Unlock()

	case ev.Reason == ServiceClosed:
		peerClosed := false
		l.mu.Lock()
		switch {
		case s.server && s.state == ServiceOpen:
			s.state = ServiceClosing
			peerClosed = true
		case !s.server && s.state != ServiceClosing:
			s.state = ServiceStateClosed
		}
		l.mu.Unlock()

		var err error
		if !inst.discard && !inst.IsClosing() {
			err = l.notifyClosed(ctx, s)
		}
		if peerClosed {
			l.relisten(s)
		}
		return err

	case ev.Reason.isBulk():
		return l.deliverBulk(ctx, s, ev)

	case ev.Reason == MessageAvailable && ev.Header == nil:
		return fmt.Errorf("%w: message without header for %v", ErrProtocol, s)
	}

	if inst.discard || inst.IsClosing() {
		return nil
	}

	if ev.Reason == MessageAvailable && s.msgQueue != nil {
		return l.deliverMessage(ctx, s, ev.Header)
	}
	return inst.addCompletion(ctx, ev.Reason, ev.Header, s, nil)
}

// deliverBulk finishes a Bulk and reports it for BulkModeCallback.
func (l *Link) deliverBulk(ctx context.Context, s *Service, ev Event) error {
	b := ev.Bulk
	if b == nil {
		return fmt.Errorf("%w: %v without bulk for %v", ErrProtocol, ev.Reason, s)
	}

	userData := b.finish(ev.Actual, ev.Reason.isAborted())

	if b.Mode != BulkModeCallback || s.instance.discard || s.instance.IsClosing() {
		return nil
	}
	return s.instance.addCompletion(ctx, ev.Reason, nil, s, userData)
}

// deliverMessage for a byte stream Service into its MessageQueue.
func (l *Link) deliverMessage(ctx context.Context, s *Service, header *Header) error {
	inst, mq := s.instance, s.msgQueue

	mq.mu.Lock()
	for mq.full() {
		mq.mu.Unlock()

		if !s.messageAvailablePending() {
			log.WithField("service", s).Warn("Message queue is full, inserting extra MESSAGE_AVAILABLE")
			if err := inst.addCompletion(ctx, MessageAvailable, nil, s, nil); err != nil {
				return err
			}
		}

		select {
		case <-mq.removeEvent:
		case <-inst.completions.Closing():
			return ErrClosing
		case <-ctx.Done():
			return ErrRetry
		}

		mq.mu.Lock()
	}

	if err := mq.push(header); err != nil {
		mq.mu.Unlock()
		return err
	}

	// A waiting dequeue or a pending MESSAGE_AVAILABLE bypasses the completion queue.
	skip := s.messageAvailablePending() || mq.dequeuePending
	mq.dequeuePending = false
	mq.mu.Unlock()

	notify(mq.insertEvent)

	if skip {
		return nil
	}
	return inst.addCompletion(ctx, MessageAvailable, nil, s, nil)
}

// ConnStateChanged records the link's state. The first change to Connected starts the keepalive worker.
func (l *Link) ConnStateChanged(oldState, newState ConnState) {
	l.mu.Lock()
	l.connState = newState
	if newState == Disconnected {
		l.linkConnected = false
	}
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"old": oldState,
		"new": newState,
	}).Debug("Link state changed")

	if newState == Connected {
		l.power.startKeepalive()
	}
}

// RemoteUse is a use request of the peer, acknowledged by the keepalive worker.
func (l *Link) RemoteUse() {
	l.power.remoteUse()
}

// RemoteRelease is a release request of the peer.
func (l *Link) RemoteRelease() {
	l.power.remoteRelease()
}

// Close this Link, stopping the keepalive worker. Instances must be shut down by their owners.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.closed = true
	l.mu.Unlock()

	l.kaStopOnce.Do(func() { close(l.kaStopSyn) })
	if l.power.keepaliveStarted() {
		<-l.kaStopAck
	}

	log.Info("Link closed")
	return nil
}

// retryBusy executes op until it is not rejected by a busy Transport or ctx is done.
func retryBusy(ctx context.Context, op func() error) error {
	var backoff iox.Backoff
	for {
		err := op()
		if !errors.Is(err, ErrRetry) && !iox.IsWouldBlock(err) {
			return err
		}

		if ctx.Err() != nil {
			return cancelErr(ctx)
		}
		backoff.Wait()
	}
}

// cancelErr of a done context: ErrKilled for a fatal cause, ErrRetry otherwise.
func cancelErr(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrKilled) {
		return ErrKilled
	}
	return ErrRetry
}
