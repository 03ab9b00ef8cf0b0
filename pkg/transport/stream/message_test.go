// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"bytes"
	"io"
	"reflect"
	"testing"
	"time"
)

func TestMessageSerialization(t *testing.T) {
	tests := []Message{
		&ConnectMessage{Version: ProtocolVersion},
		&ConnectAckMessage{Version: ProtocolVersion},
		&OpenMessage{Handle: 0x1001, FourCC: 0x4543484f, ClientID: 23, Version: 3, VersionMin: 1, Pid: 4242},
		&OpenAckMessage{Handle: 0x1001, Accepted: true},
		&OpenAckMessage{Handle: 0x1002, Accepted: false, Reason: "refused"},
		&CloseMessage{Handle: 0x1001},
		&DataMessage{Handle: 0x1001, MsgID: 7, Data: []byte("hello world")},
		&BulkMessage{Handle: 0x1001, BulkID: 1, Dir: 0, Size: 4, Data: []byte{0xde, 0xad, 0xbe, 0xef}},
		&BulkDoneMessage{Handle: 0x1001, BulkID: 1, Actual: 4, Aborted: false, Data: []byte{0xde, 0xad, 0xbe, 0xef}},
		&UseActiveMessage{},
		&RemoteUseMessage{},
		&RemoteReleaseMessage{},
	}

	for _, msg := range tests {
		var buf bytes.Buffer
		if err := WriteMessage(msg, &buf); err != nil {
			t.Fatalf("%T: %v", msg, err)
		}
		if buf.Bytes()[0] != msg.Type() {
			t.Fatalf("%T starts with %#x", msg, buf.Bytes()[0])
		}

		msg2, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("%T: %v", msg, err)
		}
		if !reflect.DeepEqual(msg, msg2) {
			t.Fatalf("%T differs: %v != %v", msg, msg, msg2)
		}
		if buf.Len() != 0 {
			t.Fatalf("%T left %d bytes", msg, buf.Len())
		}
	}
}

func TestMessageChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&DataMessage{Handle: 1, MsgID: 2, Data: []byte("payload")}, &buf); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()
	// Flip a bit of the payload, keeping the CBOR structure intact.
	data[len(data)-5] ^= 0x01

	if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
		t.Fatal("corrupted message was accepted")
	}
}

func TestMessageUnknownType(t *testing.T) {
	if _, err := ReadMessage(bytes.NewReader([]byte{0xff, 0x80})); err == nil {
		t.Fatal("unknown type code was accepted")
	}
}

func TestMessageSwitchSimple(t *testing.T) {
	const dataSends = 1000

	in, out := io.Pipe()
	ms := NewMessageSwitchReaderWriter(in, out)
	incoming, outgoing, errChan := ms.Exchange()

	go func() {
		for i := 0; i < dataSends; i++ {
			outgoing <- &DataMessage{Handle: 1, MsgID: uint64(i), Data: []byte{byte(i)}}
		}
	}()

	for i := 0; i < dataSends; i++ {
		select {
		case err := <-errChan:
			t.Fatal(err)

		case msg := <-incoming:
			if dm, ok := msg.(*DataMessage); !ok {
				t.Fatalf("msg is %T", msg)
			} else if dm.MsgID != uint64(i) {
				t.Fatalf("expected message %d, got %d", i, dm.MsgID)
			}

		case <-time.After(250 * time.Millisecond):
			t.Fatal("timeout")
		}
	}

	if err := ms.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ms.Close(); err == nil {
		t.Fatal("closing twice did not fail")
	}
}
