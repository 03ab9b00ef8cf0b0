// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"bufio"
	"errors"
	"io"
	"sync/atomic"
)

// MessageSwitchReaderWriter exchanges Messages from an io.Reader and io.Writer to channels, e.g., for a TCP
// connection. If one of the io.Reader or the io.Writer is closeable, closing should be performed after the
// MessageSwitchReaderWriter has finished.
type MessageSwitchReaderWriter struct {
	in  io.Reader
	out io.Writer

	inChan  chan Message
	outChan chan Message
	errChan chan error

	finished atomic.Bool
}

// NewMessageSwitchReaderWriter for an io.Reader and io.Writer.
func NewMessageSwitchReaderWriter(in io.Reader, out io.Writer) *MessageSwitchReaderWriter {
	ms := &MessageSwitchReaderWriter{
		in:  in,
		out: out,

		inChan:  make(chan Message, 32),
		outChan: make(chan Message, 32),
		errChan: make(chan error, 1),
	}

	go ms.handleIn()
	go ms.handleOut()

	return ms
}

func (ms *MessageSwitchReaderWriter) sendErr(err error) {
	if ms.finished.CompareAndSwap(false, true) {
		ms.errChan <- err
	}
}

func (ms *MessageSwitchReaderWriter) handleIn() {
	in := bufio.NewReader(ms.in)

	for !ms.finished.Load() {
		msg, err := ReadMessage(in)
		if err != nil {
			ms.sendErr(err)
			return
		}
		ms.inChan <- msg
	}
}

func (ms *MessageSwitchReaderWriter) handleOut() {
	out := bufio.NewWriter(ms.out)

	for msg := range ms.outChan {
		if ms.finished.Load() {
			return
		}

		if err := WriteMessage(msg, out); err != nil {
			ms.sendErr(err)
			return
		}
		if err := out.Flush(); err != nil {
			ms.sendErr(err)
			return
		}
	}
}

// Close the MessageSwitchReaderWriter. An error is returned if it has already finished.
func (ms *MessageSwitchReaderWriter) Close() error {
	if !ms.finished.CompareAndSwap(false, true) {
		return errors.New("MessageSwitchReaderWriter has already finished")
	}
	return nil
}

// Exchange channels to be serialized.
func (ms *MessageSwitchReaderWriter) Exchange() (incoming <-chan Message, outgoing chan<- Message, errChan <-chan error) {
	return ms.inChan, ms.outChan, ms.errChan
}
