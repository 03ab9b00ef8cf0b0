// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// MessageSwitchWebSocket exchanges Messages from a *websocket.Conn to channels. Each Message is one binary
// WebSocket message.
type MessageSwitchWebSocket struct {
	conn        *websocket.Conn
	messageType int

	inChan  chan Message
	outChan chan Message
	errChan chan error

	finished atomic.Bool
}

// NewMessageSwitchWebSocket for a *websocket.Conn.
func NewMessageSwitchWebSocket(conn *websocket.Conn) *MessageSwitchWebSocket {
	ms := &MessageSwitchWebSocket{
		conn:        conn,
		messageType: websocket.BinaryMessage,

		inChan:  make(chan Message, 32),
		outChan: make(chan Message, 32),
		errChan: make(chan error, 1),
	}

	go ms.handleIn()
	go ms.handleOut()

	return ms
}

func (ms *MessageSwitchWebSocket) sendErr(err error) {
	if ms.finished.CompareAndSwap(false, true) {
		ms.errChan <- err
	}
}

func (ms *MessageSwitchWebSocket) handleIn() {
	for !ms.finished.Load() {
		mt, r, err := ms.conn.NextReader()
		if err != nil {
			ms.sendErr(err)
			return
		} else if mt != ms.messageType {
			ms.sendErr(fmt.Errorf("expected message type %d instead of %d", ms.messageType, mt))
			return
		}

		msg, err := ReadMessage(r)
		if err != nil {
			ms.sendErr(err)
			return
		}
		ms.inChan <- msg
	}
}

func (ms *MessageSwitchWebSocket) handleOut() {
	for msg := range ms.outChan {
		if ms.finished.Load() {
			return
		}

		if wc, err := ms.conn.NextWriter(ms.messageType); err != nil {
			ms.sendErr(err)
			return
		} else if err := WriteMessage(msg, wc); err != nil {
			ms.sendErr(err)
			return
		} else if err := wc.Close(); err != nil {
			ms.sendErr(err)
			return
		}
	}
}

// Close the MessageSwitchWebSocket. An error is returned if it has already finished.
func (ms *MessageSwitchWebSocket) Close() error {
	if !ms.finished.CompareAndSwap(false, true) {
		return errors.New("MessageSwitchWebSocket has already finished")
	}
	return nil
}

// Exchange channels to be serialized.
func (ms *MessageSwitchWebSocket) Exchange() (incoming <-chan Message, outgoing chan<- Message, errChan <-chan error) {
	return ms.inChan, ms.outChan, ms.errChan
}
