// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stream transports a vchiq.Link over a byte stream or WebSocket connection.
//
// The host side is the Transport, a vchiq.Transport sending Messages through a MessageSwitch. The remote side is the
// Peer, which serves any other vchiq.Transport, e.g., a loopback.Coprocessor, to a connected Transport.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

// DefaultHandshakeTimeout bounds the wait for a ConnectAck or OpenAck.
const DefaultHandshakeTimeout = 10 * time.Second

// delivery is an Event to be delivered in order, followed by an optional callback with the delivery's result.
type delivery struct {
	ev    vchiq.Event
	after func(error)
}

// Transport is the host side of a stream connection.
type Transport struct {
	// HandshakeTimeout bounds Connect and OpenService; it must be set before their first call.
	HandshakeTimeout time.Duration

	ms     MessageSwitch
	closer io.Closer

	incoming <-chan Message
	outgoing chan<- Message
	errChan  <-chan error

	mu          sync.Mutex
	sink        vchiq.EventSink
	finished    bool
	connectAck  chan struct{}
	openWaiters map[uint64]chan *OpenAckMessage
	bulks       map[uint64]*vchiq.Bulk
	nextBulkID  uint64

	deliveries chan delivery

	ctx    context.Context
	cancel context.CancelFunc

	stopSyn  chan struct{}
	stopAck  chan struct{}
	stopOnce sync.Once
}

// NewTransport over a MessageSwitch. The optional closer, e.g., the underlying connection, is closed together with
// this Transport.
func NewTransport(ms MessageSwitch, closer io.Closer) *Transport {
	t := &Transport{
		HandshakeTimeout: DefaultHandshakeTimeout,

		ms:     ms,
		closer: closer,

		connectAck:  make(chan struct{}, 1),
		openWaiters: make(map[uint64]chan *OpenAckMessage),
		bulks:       make(map[uint64]*vchiq.Bulk),

		deliveries: make(chan delivery, 256),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.incoming, t.outgoing, t.errChan = ms.Exchange()

	go t.handler()
	go t.deliverer()

	return t
}

// Dial a TCP Peer.
func Dial(address string) (*Transport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return NewTransport(NewMessageSwitchReaderWriter(conn, conn), conn), nil
}

// DialWebSocket to a Peer's WebSocket URL.
func DialWebSocket(url string) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewTransport(NewMessageSwitchWebSocket(conn), conn), nil
}

func (t *Transport) handler() {
	defer close(t.stopAck)

	for {
		select {
		case <-t.stopSyn:
			log.Debug("Stream transport received closing signal")
			t.abort()
			return

		case err := <-t.errChan:
			log.WithError(err).Warn("Stream transport's connection failed")
			t.abort()

			t.mu.Lock()
			sink := t.sink
			t.mu.Unlock()
			if sink != nil {
				sink.ConnStateChanged(vchiq.Connected, vchiq.Disconnected)
			}
			return

		case msg := <-t.incoming:
			t.handleMessage(msg)
		}
	}
}

// deliverer hands Events to the EventSink in order, retrying interrupted deliveries until closed.
func (t *Transport) deliverer() {
	for {
		select {
		case <-t.stopSyn:
			return

		case d := <-t.deliveries:
			err := t.deliver(d.ev)
			if d.after != nil {
				d.after(err)
			}
		}
	}
}

func (t *Transport) deliver(ev vchiq.Event) error {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()

	if sink == nil {
		return fmt.Errorf("stream transport has no sink")
	}

	var backoff iox.Backoff
	for {
		err := sink.Deliver(t.ctx, ev)
		if !errors.Is(err, vchiq.ErrRetry) || t.ctx.Err() != nil {
			if err != nil {
				log.WithFields(log.Fields{
					"event": ev,
					"error": err,
				}).Info("Stream transport failed to deliver event")
			}
			return err
		}
		backoff.Wait()
	}
}

func (t *Transport) enqueue(d delivery) {
	select {
	case t.deliveries <- d:
	case <-t.stopSyn:
	}
}

// abort all pending handshakes and bulk transfers.
func (t *Transport) abort() {
	t.mu.Lock()
	t.finished = true

	for handle, waiter := range t.openWaiters {
		close(waiter)
		delete(t.openWaiters, handle)
	}

	bulks := t.bulks
	t.bulks = make(map[uint64]*vchiq.Bulk)
	t.mu.Unlock()

	for _, b := range bulks {
		reason := vchiq.BulkTransmitAborted
		if b.Dir == vchiq.BulkReceive {
			reason = vchiq.BulkReceiveAborted
		}

		// The deliverer might already be stopped; aborting is best effort.
		select {
		case t.deliveries <- delivery{ev: vchiq.Event{Reason: reason, Handle: b.Handle, Bulk: b}}:
		default:
		}
	}
}

func (t *Transport) handleMessage(msg Message) {
	switch msg := msg.(type) {
	case *ConnectAckMessage:
		select {
		case t.connectAck <- struct{}{}:
		default:
		}

	case *OpenAckMessage:
		t.mu.Lock()
		waiter, ok := t.openWaiters[msg.Handle]
		delete(t.openWaiters, msg.Handle)
		t.mu.Unlock()

		if ok {
			waiter <- msg
		} else {
			log.WithField("handle", msg.Handle).Warn("Stream transport received unexpected OpenAck")
		}

	case *OpenMessage:
		handle := msg.Handle
		t.enqueue(delivery{
			ev: vchiq.Event{Reason: vchiq.ServiceOpened, Handle: vchiq.ServiceHandle(handle)},
			after: func(err error) {
				ack := &OpenAckMessage{Handle: handle, Accepted: err == nil}
				if err != nil {
					ack.Reason = err.Error()
				}
				t.send(ack)
			},
		})

	case *CloseMessage:
		t.enqueue(delivery{ev: vchiq.Event{Reason: vchiq.ServiceClosed, Handle: vchiq.ServiceHandle(msg.Handle)}})

	case *DataMessage:
		t.enqueue(delivery{ev: vchiq.Event{
			Reason: vchiq.MessageAvailable,
			Handle: vchiq.ServiceHandle(msg.Handle),
			Header: &vchiq.Header{MsgID: uint32(msg.MsgID), Data: msg.Data},
		}})

	case *BulkDoneMessage:
		t.mu.Lock()
		b, ok := t.bulks[msg.BulkID]
		delete(t.bulks, msg.BulkID)
		t.mu.Unlock()

		if !ok {
			log.WithField("bulk", msg.BulkID).Warn("Stream transport received BulkDone for an unknown bulk")
			return
		}

		ev := vchiq.Event{Handle: b.Handle, Bulk: b, Actual: int(msg.Actual)}
		switch {
		case b.Dir == vchiq.BulkTransmit && msg.Aborted:
			ev.Reason = vchiq.BulkTransmitAborted
		case b.Dir == vchiq.BulkTransmit:
			ev.Reason = vchiq.BulkTransmitDone
		case msg.Aborted:
			ev.Reason = vchiq.BulkReceiveAborted
		default:
			ev.Reason = vchiq.BulkReceiveDone
			ev.Actual = copy(b.Data, msg.Data)
		}
		t.enqueue(delivery{ev: ev})

	case *RemoteUseMessage:
		if sink := t.getSink(); sink != nil {
			sink.RemoteUse()
		}

	case *RemoteReleaseMessage:
		if sink := t.getSink(); sink != nil {
			sink.RemoteRelease()
		}

	default:
		log.WithField("type", msg.Type()).Warn("Stream transport received unexpected message")
	}
}

func (t *Transport) getSink() vchiq.EventSink {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sink
}

// send a Message, blocking until the MessageSwitch accepted it.
func (t *Transport) send(msg Message) error {
	select {
	case t.outgoing <- msg:
		return nil
	case <-t.stopSyn:
		return vchiq.ErrLinkClosed
	}
}

// trySend a Message, resulting in vchiq.ErrRetry if the MessageSwitch is busy.
func (t *Transport) trySend(msg Message) error {
	if !t.Ready() {
		return vchiq.ErrLinkClosed
	}

	select {
	case t.outgoing <- msg:
		return nil
	default:
		return vchiq.ErrRetry
	}
}

// Ready until the connection failed or this Transport was closed.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.finished
}

// Connect performs the connect handshake with the Peer.
func (t *Transport) Connect() error {
	if err := t.send(&ConnectMessage{Version: ProtocolVersion}); err != nil {
		return err
	}

	select {
	case <-t.connectAck:
		return nil
	case <-time.After(t.HandshakeTimeout):
		return fmt.Errorf("no ConnectAck within %v", t.HandshakeTimeout)
	case <-t.stopSyn:
		return vchiq.ErrLinkClosed
	}
}

// OpenService performs the open handshake with the Peer.
func (t *Transport) OpenService(handle vchiq.ServiceHandle, params vchiq.ServiceParams, pid int) error {
	waiter := make(chan *OpenAckMessage, 1)

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return vchiq.ErrLinkClosed
	}
	t.openWaiters[uint64(handle)] = waiter
	t.mu.Unlock()

	msg := &OpenMessage{
		Handle:     uint64(handle),
		FourCC:     uint64(params.FourCC),
		ClientID:   uint64(params.ClientID),
		Version:    uint64(params.Version),
		VersionMin: uint64(params.VersionMin),
		Pid:        uint64(pid),
	}
	if err := t.send(msg); err != nil {
		return err
	}

	select {
	case ack, ok := <-waiter:
		if !ok {
			return vchiq.ErrLinkClosed
		} else if !ack.Accepted {
			return fmt.Errorf("peer refused service %v: %s", params.FourCC, ack.Reason)
		}
		return nil

	case <-time.After(t.HandshakeTimeout):
		t.mu.Lock()
		delete(t.openWaiters, uint64(handle))
		t.mu.Unlock()
		return fmt.Errorf("no OpenAck for service %v within %v", params.FourCC, t.HandshakeTimeout)
	}
}

// CloseService informs the Peer.
func (t *Transport) CloseService(handle vchiq.ServiceHandle) error {
	return t.send(&CloseMessage{Handle: uint64(handle)})
}

// SendControl sends a short message to the Peer.
func (t *Transport) SendControl(handle vchiq.ServiceHandle, payload []byte) error {
	return t.trySend(&DataMessage{Handle: uint64(handle), Data: payload})
}

// SubmitBulk sends a bulk transfer to the Peer. Its completion is reported by a BulkDone message.
func (t *Transport) SubmitBulk(handle vchiq.ServiceHandle, bulk *vchiq.Bulk) error {
	t.mu.Lock()
	t.nextBulkID++
	id := t.nextBulkID
	t.bulks[id] = bulk
	t.mu.Unlock()

	msg := &BulkMessage{
		Handle: uint64(handle),
		BulkID: id,
		Dir:    uint64(bulk.Dir),
		Size:   uint64(bulk.Size()),
	}
	if bulk.Dir == vchiq.BulkTransmit {
		msg.Data = bulk.Data
	}

	if err := t.trySend(msg); err != nil {
		t.mu.Lock()
		delete(t.bulks, id)
		t.mu.Unlock()
		return err
	}
	return nil
}

// SendRemoteUseActive acknowledges a remote use to the Peer.
func (t *Transport) SendRemoteUseActive() error {
	return t.trySend(&UseActiveMessage{})
}

// Attach the EventSink.
func (t *Transport) Attach(sink vchiq.EventSink) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sink = sink
}

// Close this Transport and its connection.
func (t *Transport) Close() (err error) {
	t.stopOnce.Do(func() {
		t.cancel()
		close(t.stopSyn)
		<-t.stopAck

		if msErr := t.ms.Close(); msErr != nil {
			log.WithError(msErr).Debug("Stream transport's message switch was already finished")
		}
		if t.closer != nil {
			if closeErr := t.closer.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}
	})
	return
}
