// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import "fmt"

// ServiceHandle is a stable identifier for a Service. Handles of freed services are never reused.
type ServiceHandle uint32

// InvalidHandle is never assigned to a Service.
const InvalidHandle ServiceHandle = 0

func (h ServiceHandle) String() string {
	return fmt.Sprintf("%#x", uint32(h))
}

// ServiceState of a Service within the service table.
type ServiceState uint8

const (
	ServiceFree ServiceState = iota
	ServiceHidden
	ServiceListening
	ServiceOpening
	ServiceOpen
	ServiceClosing
	ServiceStateClosed
)

func (s ServiceState) String() string {
	switch s {
	case ServiceFree:
		return "FREE"
	case ServiceHidden:
		return "HIDDEN"
	case ServiceListening:
		return "LISTENING"
	case ServiceOpening:
		return "OPENING"
	case ServiceOpen:
		return "OPEN"
	case ServiceClosing:
		return "CLOSING"
	case ServiceStateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Reason of a Completion or of an Event reported by the Transport.
type Reason uint8

const (
	ServiceOpened Reason = iota
	ServiceClosed
	MessageAvailable
	BulkTransmitDone
	BulkReceiveDone
	BulkTransmitAborted
	BulkReceiveAborted
)

func (r Reason) String() string {
	switch r {
	case ServiceOpened:
		return "SERVICE_OPENED"
	case ServiceClosed:
		return "SERVICE_CLOSED"
	case MessageAvailable:
		return "MESSAGE_AVAILABLE"
	case BulkTransmitDone:
		return "BULK_TRANSMIT_DONE"
	case BulkReceiveDone:
		return "BULK_RECEIVE_DONE"
	case BulkTransmitAborted:
		return "BULK_TRANSMIT_ABORTED"
	case BulkReceiveAborted:
		return "BULK_RECEIVE_ABORTED"
	default:
		return "UNKNOWN"
	}
}

// isBulk checks if this Reason reports the end of a bulk transfer.
func (r Reason) isBulk() bool {
	return r >= BulkTransmitDone && r <= BulkReceiveAborted
}

// isAborted checks if this Reason reports an aborted bulk transfer.
func (r Reason) isAborted() bool {
	return r == BulkTransmitAborted || r == BulkReceiveAborted
}

// ConnState of the physical link.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Header of a short message.
type Header struct {
	MsgID uint32
	Data  []byte
}

// ServiceParams describe a Service to be added or opened.
type ServiceParams struct {
	FourCC   FourCC
	ClientID int

	Version    uint16
	VersionMin uint16

	// ByteStream services queue their messages in a separate MessageQueue instead of the completion queue. The
	// client is only notified by a MessageAvailable completion and dequeues the messages itself.
	ByteStream bool

	// UserData is handed back within each Completion of this service.
	UserData interface{}
}

// CallerID identifies a calling thread of execution, i.e., the owner of a blocking bulk transfer. Callers must use
// distinct IDs for concurrent blocking transfers on the same Instance.
type CallerID int

// Event is reported by the Transport to its EventSink.
type Event struct {
	Reason Reason
	Handle ServiceHandle

	// Header is set for MessageAvailable events.
	Header *Header

	// Bulk and Actual are set for bulk events. Actual is the transferred amount of bytes.
	Bulk   *Bulk
	Actual int
}

func (ev Event) String() string {
	return fmt.Sprintf("Event(%v, %v)", ev.Reason, ev.Handle)
}
