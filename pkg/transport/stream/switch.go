// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import "io"

// MessageSwitch exchanges Messages between channels and an underlying connection.
type MessageSwitch interface {
	io.Closer

	// Exchange channels to be serialized.
	//
	// 	* incoming is a "receive only" channel for incoming Messages.
	//	* outgoing is a "send only" channel for outgoing Messages.
	//	* errChan is another "receive only" channel to propagate errors. Only one error is sent.
	Exchange() (incoming <-chan Message, outgoing chan<- Message, errChan <-chan error)
}
