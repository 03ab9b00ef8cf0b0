// SPDX-FileCopyrightText: 2026 The vchiq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vchiq

import "fmt"

// FourCC identifies a kind of service by four ASCII characters, e.g., "KEEP".
type FourCC uint32

// MakeFourCC from a four character string. Shorter strings are padded with spaces, longer ones are cut.
func MakeFourCC(s string) FourCC {
	var b [4]byte
	for i := range b {
		if i < len(s) {
			b[i] = s[i]
		} else {
			b[i] = ' '
		}
	}
	return FourCC(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

func (f FourCC) String() string {
	b := []byte{byte(f >> 24), byte(f >> 16), byte(f >> 8), byte(f)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

// Entity name used for use count logging, e.g., "KEEP:003".
func (f FourCC) entity(clientID int) string {
	return fmt.Sprintf("%v:%03d", f, clientID)
}
