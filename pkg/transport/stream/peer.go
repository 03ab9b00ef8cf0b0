// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"code.hybscloud.com/iox"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/vchiq-go/pkg/vchiq"
)

// Peer serves a backend vchiq.Transport to a remote Transport. The Peer attaches itself as the backend's EventSink.
type Peer struct {
	backend vchiq.Transport

	ms     MessageSwitch
	closer io.Closer

	incoming <-chan Message
	outgoing chan<- Message
	errChan  <-chan error

	mu          sync.Mutex
	bulks       map[*vchiq.Bulk]uint64
	openWaiters map[uint64]chan *OpenAckMessage

	stopSyn  chan struct{}
	stopAck  chan struct{}
	stopOnce sync.Once
}

// NewPeer serving the backend over a MessageSwitch. The optional closer is closed together with this Peer.
func NewPeer(ms MessageSwitch, closer io.Closer, backend vchiq.Transport) *Peer {
	p := &Peer{
		backend: backend,

		ms:     ms,
		closer: closer,

		bulks:       make(map[*vchiq.Bulk]uint64),
		openWaiters: make(map[uint64]chan *OpenAckMessage),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	p.incoming, p.outgoing, p.errChan = ms.Exchange()

	backend.Attach(p)

	go p.handler()
	return p
}

// Done is closed after the Peer's connection has ended.
func (p *Peer) Done() <-chan struct{} {
	return p.stopAck
}

func (p *Peer) handler() {
	defer close(p.stopAck)

	for {
		select {
		case <-p.stopSyn:
			log.Debug("Stream peer received closing signal")
			return

		case err := <-p.errChan:
			log.WithError(err).Info("Stream peer's connection ended")
			return

		case msg := <-p.incoming:
			if err := p.handleMessage(msg); err != nil {
				log.WithFields(log.Fields{
					"message": msg.Type(),
					"error":   err,
				}).Warn("Stream peer failed to handle message")
			}
		}
	}
}

func (p *Peer) handleMessage(msg Message) error {
	switch msg := msg.(type) {
	case *ConnectMessage:
		if msg.Version != ProtocolVersion {
			return fmt.Errorf("unsupported protocol version %d", msg.Version)
		}
		if err := p.backend.Connect(); err != nil {
			return err
		}
		return p.send(&ConnectAckMessage{Version: ProtocolVersion})

	case *OpenMessage:
		params := vchiq.ServiceParams{
			FourCC:     vchiq.FourCC(msg.FourCC),
			ClientID:   int(msg.ClientID),
			Version:    uint16(msg.Version),
			VersionMin: uint16(msg.VersionMin),
		}
		ack := &OpenAckMessage{Handle: msg.Handle, Accepted: true}
		if err := p.backend.OpenService(vchiq.ServiceHandle(msg.Handle), params, int(msg.Pid)); err != nil {
			ack.Accepted = false
			ack.Reason = err.Error()
		}
		return p.send(ack)

	case *OpenAckMessage:
		p.mu.Lock()
		waiter, ok := p.openWaiters[msg.Handle]
		delete(p.openWaiters, msg.Handle)
		p.mu.Unlock()

		if !ok {
			return fmt.Errorf("unexpected OpenAck for %d", msg.Handle)
		}
		waiter <- msg
		return nil

	case *CloseMessage:
		return p.backend.CloseService(vchiq.ServiceHandle(msg.Handle))

	case *DataMessage:
		return p.retry(func() error {
			return p.backend.SendControl(vchiq.ServiceHandle(msg.Handle), msg.Data)
		})

	case *BulkMessage:
		b := &vchiq.Bulk{
			Handle: vchiq.ServiceHandle(msg.Handle),
			Dir:    vchiq.BulkDir(msg.Dir),
			Mode:   vchiq.BulkModeNoCallback,
			Data:   msg.Data,
		}
		if b.Dir == vchiq.BulkReceive {
			b.Data = make([]byte, msg.Size)
		}

		p.mu.Lock()
		p.bulks[b] = msg.BulkID
		p.mu.Unlock()

		err := p.retry(func() error { return p.backend.SubmitBulk(b.Handle, b) })
		if err != nil {
			p.mu.Lock()
			delete(p.bulks, b)
			p.mu.Unlock()

			return multierror.Append(err, p.send(&BulkDoneMessage{Handle: msg.Handle, BulkID: msg.BulkID, Aborted: true}))
		}
		return nil

	case *UseActiveMessage:
		return p.backend.SendRemoteUseActive()

	default:
		return fmt.Errorf("unexpected message type %d", msg.Type())
	}
}

// retry an operation while the backend is busy.
func (p *Peer) retry(op func() error) error {
	var backoff iox.Backoff
	for {
		err := op()
		if !errors.Is(err, vchiq.ErrRetry) {
			return err
		}

		select {
		case <-p.stopSyn:
			return vchiq.ErrLinkClosed
		default:
			backoff.Wait()
		}
	}
}

func (p *Peer) send(msg Message) error {
	return p.sendContext(context.Background(), msg)
}

func (p *Peer) sendContext(ctx context.Context, msg Message) error {
	select {
	case p.outgoing <- msg:
		return nil
	case <-ctx.Done():
		return vchiq.ErrRetry
	case <-p.stopSyn:
		return vchiq.ErrLinkClosed
	case <-p.stopAck:
		return vchiq.ErrLinkClosed
	}
}

// Deliver an Event of the backend to the remote Transport.
func (p *Peer) Deliver(ctx context.Context, ev vchiq.Event) error {
	switch ev.Reason {
	case vchiq.ServiceOpened:
		return p.openRemote(ctx, ev.Handle)

	case vchiq.ServiceClosed:
		return p.sendContext(ctx, &CloseMessage{Handle: uint64(ev.Handle)})

	case vchiq.MessageAvailable:
		if ev.Header == nil {
			return vchiq.ErrProtocol
		}
		return p.sendContext(ctx, &DataMessage{
			Handle: uint64(ev.Handle),
			MsgID:  uint64(ev.Header.MsgID),
			Data:   ev.Header.Data,
		})

	default:
		p.mu.Lock()
		id, ok := p.bulks[ev.Bulk]
		p.mu.Unlock()

		if !ok {
			return fmt.Errorf("%w: unknown bulk of %v", vchiq.ErrProtocol, ev)
		}

		msg := &BulkDoneMessage{
			Handle:  uint64(ev.Handle),
			BulkID:  id,
			Actual:  uint64(ev.Actual),
			Aborted: ev.Reason == vchiq.BulkTransmitAborted || ev.Reason == vchiq.BulkReceiveAborted,
		}
		if ev.Reason == vchiq.BulkReceiveDone && ev.Actual <= len(ev.Bulk.Data) {
			msg.Data = ev.Bulk.Data[:ev.Actual]
		}

		if err := p.sendContext(ctx, msg); err != nil {
			return err
		}

		p.mu.Lock()
		delete(p.bulks, ev.Bulk)
		p.mu.Unlock()
		return nil
	}
}

// openRemote opens a listening service of the remote Transport and waits for its OpenAck.
func (p *Peer) openRemote(ctx context.Context, handle vchiq.ServiceHandle) error {
	waiter := make(chan *OpenAckMessage, 1)

	p.mu.Lock()
	p.openWaiters[uint64(handle)] = waiter
	p.mu.Unlock()

	dropWaiter := func() {
		p.mu.Lock()
		delete(p.openWaiters, uint64(handle))
		p.mu.Unlock()
	}

	if err := p.sendContext(ctx, &OpenMessage{Handle: uint64(handle)}); err != nil {
		dropWaiter()
		return err
	}

	select {
	case ack := <-waiter:
		if !ack.Accepted {
			return fmt.Errorf("remote refused opening %v: %s", handle, ack.Reason)
		}
		return nil

	case <-ctx.Done():
		dropWaiter()
		return vchiq.ErrRetry

	case <-p.stopAck:
		return vchiq.ErrLinkClosed
	}
}

// ConnStateChanged of the backend.
func (p *Peer) ConnStateChanged(oldState, newState vchiq.ConnState) {
	log.WithFields(log.Fields{
		"old": oldState,
		"new": newState,
	}).Info("Stream peer's backend changed its connection state")
}

// RemoteUse of the backend is forwarded to the remote Transport.
func (p *Peer) RemoteUse() {
	if err := p.send(&RemoteUseMessage{}); err != nil {
		log.WithError(err).Warn("Stream peer failed to forward remote use")
	}
}

// RemoteRelease of the backend is forwarded to the remote Transport.
func (p *Peer) RemoteRelease() {
	if err := p.send(&RemoteReleaseMessage{}); err != nil {
		log.WithError(err).Warn("Stream peer failed to forward remote release")
	}
}

// Close this Peer and its connection. The backend is left open.
func (p *Peer) Close() (err error) {
	p.stopOnce.Do(func() {
		close(p.stopSyn)
		<-p.stopAck

		if msErr := p.ms.Close(); msErr != nil {
			log.WithError(msErr).Debug("Stream peer's message switch was already finished")
		}
		if p.closer != nil {
			if closeErr := p.closer.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}
	})
	return
}
