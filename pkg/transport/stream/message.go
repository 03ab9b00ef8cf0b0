// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
)

// Message type codes. Each frame starts with its type code, followed by a CBOR array and a CRC-16 byte string.
const (
	ConnectType       uint8 = 0x01
	ConnectAckType    uint8 = 0x02
	OpenType          uint8 = 0x03
	OpenAckType       uint8 = 0x04
	CloseType         uint8 = 0x05
	DataType          uint8 = 0x06
	BulkType          uint8 = 0x07
	BulkDoneType      uint8 = 0x08
	UseActiveType     uint8 = 0x09
	RemoteUseType     uint8 = 0x0a
	RemoteReleaseType uint8 = 0x0b
)

// ProtocolVersion is sent within Connect and ConnectAck messages.
const ProtocolVersion = 1

var crc16table = crc16.MakeTable(crc16.CCITT)

// Message is a frame exchanged between a host's Transport and a Peer.
type Message interface {
	cboring.CborMarshaler

	// Type code of this Message.
	Type() uint8
}

// messages maps the type codes to an example instance of their type.
var messages = map[uint8]Message{
	ConnectType:       &ConnectMessage{},
	ConnectAckType:    &ConnectAckMessage{},
	OpenType:          &OpenMessage{},
	OpenAckType:       &OpenAckMessage{},
	CloseType:         &CloseMessage{},
	DataType:          &DataMessage{},
	BulkType:          &BulkMessage{},
	BulkDoneType:      &BulkDoneMessage{},
	UseActiveType:     &UseActiveMessage{},
	RemoteUseType:     &RemoteUseMessage{},
	RemoteReleaseType: &RemoteReleaseMessage{},
}

// NewMessage creates a new Message for a type code.
func NewMessage(typeCode uint8) (Message, error) {
	msgType, exists := messages[typeCode]
	if !exists {
		return nil, fmt.Errorf("no Message registered for type code %#x", typeCode)
	}

	msgElem := reflect.TypeOf(msgType).Elem()
	return reflect.New(msgElem).Interface().(Message), nil
}

// WriteMessage serializes a Message as a frame.
func WriteMessage(msg Message, w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte(msg.Type())

	if err := cboring.Marshal(msg, &buf); err != nil {
		return fmt.Errorf("marshalling message %#x: %w", msg.Type(), err)
	}

	crc := make([]byte, 2)
	binary.BigEndian.PutUint16(crc, crc16.Checksum(buf.Bytes(), crc16table))
	if err := cboring.WriteByteString(crc, &buf); err != nil {
		return err
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadMessage parses the next frame from the Reader and validates its checksum.
func ReadMessage(r io.Reader) (Message, error) {
	var buf bytes.Buffer
	tr := io.TeeReader(r, &buf)

	typeCode := make([]byte, 1)
	if _, err := io.ReadFull(tr, typeCode); err != nil {
		return nil, err
	}

	msg, err := NewMessage(typeCode[0])
	if err != nil {
		return nil, err
	}

	if err := cboring.Unmarshal(msg, tr); err != nil {
		return nil, fmt.Errorf("unmarshalling message %#x: %w", typeCode[0], err)
	}

	crc, err := cboring.ReadByteString(r)
	if err != nil {
		return nil, fmt.Errorf("reading checksum: %w", err)
	} else if len(crc) != 2 {
		return nil, fmt.Errorf("checksum has a length of %d bytes", len(crc))
	}

	if expected := crc16.Checksum(buf.Bytes(), crc16table); binary.BigEndian.Uint16(crc) != expected {
		return nil, fmt.Errorf("checksum mismatch for message %#x: %x instead of %04x", typeCode[0], crc, expected)
	}
	return msg, nil
}

// readFields checks the length of a message's CBOR array.
func readFields(r io.Reader, expected uint64) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != expected {
		return fmt.Errorf("expected array with length %d, got %d", expected, l)
	}
	return nil
}

// writeUInts writes a CBOR array of unsigned integers.
func writeUInts(w io.Writer, ns ...uint64) error {
	if err := cboring.WriteArrayLength(uint64(len(ns)), w); err != nil {
		return err
	}
	for _, n := range ns {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return nil
}

// readUInts reads a CBOR array of unsigned integers into the pointers.
func readUInts(r io.Reader, ns ...*uint64) error {
	if err := readFields(r, uint64(len(ns))); err != nil {
		return err
	}
	for _, n := range ns {
		v, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*n = v
	}
	return nil
}

// ConnectMessage starts the link from the host.
type ConnectMessage struct {
	Version uint64
}

func (m *ConnectMessage) Type() uint8 { return ConnectType }

func (m *ConnectMessage) MarshalCbor(w io.Writer) error {
	return writeUInts(w, m.Version)
}

func (m *ConnectMessage) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &m.Version)
}

// ConnectAckMessage answers a ConnectMessage.
type ConnectAckMessage struct {
	Version uint64
}

func (m *ConnectAckMessage) Type() uint8 { return ConnectAckType }

func (m *ConnectAckMessage) MarshalCbor(w io.Writer) error {
	return writeUInts(w, m.Version)
}

func (m *ConnectAckMessage) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &m.Version)
}

// OpenMessage requests the open handshake of a service. Sent by a Peer, it opens a host's listening service.
type OpenMessage struct {
	Handle     uint64
	FourCC     uint64
	ClientID   uint64
	Version    uint64
	VersionMin uint64
	Pid        uint64
}

func (m *OpenMessage) Type() uint8 { return OpenType }

func (m *OpenMessage) MarshalCbor(w io.Writer) error {
	return writeUInts(w, m.Handle, m.FourCC, m.ClientID, m.Version, m.VersionMin, m.Pid)
}

func (m *OpenMessage) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &m.Handle, &m.FourCC, &m.ClientID, &m.Version, &m.VersionMin, &m.Pid)
}

// OpenAckMessage answers an OpenMessage. A refused handshake carries a Reason.
type OpenAckMessage struct {
	Handle   uint64
	Accepted bool
	Reason   string
}

func (m *OpenAckMessage) Type() uint8 { return OpenAckType }

func (m *OpenAckMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(m.Handle, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(m.Accepted, w); err != nil {
		return err
	}
	return cboring.WriteTextString(m.Reason, w)
}

func (m *OpenAckMessage) UnmarshalCbor(r io.Reader) (err error) {
	if err = readFields(r, 3); err != nil {
		return
	}
	if m.Handle, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if m.Accepted, err = cboring.ReadBoolean(r); err != nil {
		return
	}
	m.Reason, err = cboring.ReadTextString(r)
	return
}

// CloseMessage closes a service, in both directions.
type CloseMessage struct {
	Handle uint64
}

func (m *CloseMessage) Type() uint8 { return CloseType }

func (m *CloseMessage) MarshalCbor(w io.Writer) error {
	return writeUInts(w, m.Handle)
}

func (m *CloseMessage) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &m.Handle)
}

// DataMessage carries a short message of a service.
type DataMessage struct {
	Handle uint64
	MsgID  uint64
	Data   []byte
}

func (m *DataMessage) Type() uint8 { return DataType }

func (m *DataMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(m.Handle, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(m.MsgID, w); err != nil {
		return err
	}
	return cboring.WriteByteString(m.Data, w)
}

func (m *DataMessage) UnmarshalCbor(r io.Reader) (err error) {
	if err = readFields(r, 3); err != nil {
		return
	}
	if m.Handle, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if m.MsgID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	m.Data, err = cboring.ReadByteString(r)
	return
}

// BulkMessage submits a bulk transfer. Transmissions carry their Data, receptions only their Size.
type BulkMessage struct {
	Handle uint64
	BulkID uint64
	Dir    uint64
	Size   uint64
	Data   []byte
}

func (m *BulkMessage) Type() uint8 { return BulkType }

func (m *BulkMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}
	for _, n := range []uint64{m.Handle, m.BulkID, m.Dir, m.Size} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return cboring.WriteByteString(m.Data, w)
}

func (m *BulkMessage) UnmarshalCbor(r io.Reader) (err error) {
	if err = readFields(r, 5); err != nil {
		return
	}
	for _, n := range []*uint64{&m.Handle, &m.BulkID, &m.Dir, &m.Size} {
		if *n, err = cboring.ReadUInt(r); err != nil {
			return
		}
	}
	m.Data, err = cboring.ReadByteString(r)
	return
}

// BulkDoneMessage reports a finished bulk transfer. Receptions carry the received Data.
type BulkDoneMessage struct {
	Handle  uint64
	BulkID  uint64
	Actual  uint64
	Aborted bool
	Data    []byte
}

func (m *BulkDoneMessage) Type() uint8 { return BulkDoneType }

func (m *BulkDoneMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}
	for _, n := range []uint64{m.Handle, m.BulkID, m.Actual} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	if err := cboring.WriteBoolean(m.Aborted, w); err != nil {
		return err
	}
	return cboring.WriteByteString(m.Data, w)
}

func (m *BulkDoneMessage) UnmarshalCbor(r io.Reader) (err error) {
	if err = readFields(r, 5); err != nil {
		return
	}
	for _, n := range []*uint64{&m.Handle, &m.BulkID, &m.Actual} {
		if *n, err = cboring.ReadUInt(r); err != nil {
			return
		}
	}
	if m.Aborted, err = cboring.ReadBoolean(r); err != nil {
		return
	}
	m.Data, err = cboring.ReadByteString(r)
	return
}

// UseActiveMessage acknowledges a RemoteUseMessage.
type UseActiveMessage struct{}

func (m *UseActiveMessage) Type() uint8 { return UseActiveType }

func (m *UseActiveMessage) MarshalCbor(w io.Writer) error { return writeUInts(w) }

func (m *UseActiveMessage) UnmarshalCbor(r io.Reader) error { return readUInts(r) }

// RemoteUseMessage requests the receiver to stay powered.
type RemoteUseMessage struct{}

func (m *RemoteUseMessage) Type() uint8 { return RemoteUseType }

func (m *RemoteUseMessage) MarshalCbor(w io.Writer) error { return writeUInts(w) }

func (m *RemoteUseMessage) UnmarshalCbor(r io.Reader) error { return readUInts(r) }

// RemoteReleaseMessage releases a former RemoteUseMessage.
type RemoteReleaseMessage struct{}

func (m *RemoteReleaseMessage) Type() uint8 { return RemoteReleaseType }

func (m *RemoteReleaseMessage) MarshalCbor(w io.Writer) error { return writeUInts(w) }

func (m *RemoteReleaseMessage) UnmarshalCbor(r io.Reader) error { return readUInts(r) }
