// Copyright 2024 Terminos Storage Protocol
// This file is part of the tos library.
//
// The tos library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tos library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tos library. If not, see <http://www.gnu.org/licenses/>.

package stasher

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/bits"
)

// ErrBadIdentifier is returned when a raw or hex identifier is the wrong length
var ErrBadIdentifier = errors.New("identifier must be 20 bytes in length")

// ID is a 160-bit Kademlia identifier, derived by SHA-1 over a destination
// string, supplied directly, or generated at random. A node's own identifier
// is random unless Config.LocalID supplies it; it is not derived from the
// node's address.
type ID [KEY_BYTES]byte

// idFromDestination derives an identifier by hashing a destination byte string
func idFromDestination(dest []byte) ID {
	return ID(sha1.Sum(dest))
}

// idFromBytes wraps a raw 20-byte identifier
func idFromBytes(raw []byte) (ID, error) {
	var id ID

	if len(raw) != KEY_BYTES {
		return id, ErrBadIdentifier
	}

	copy(id[:], raw)

	return id, nil
}

// IDFromHex parses a 40-character hex identifier, for callers outside the
// package such as the control surface that only ever see identifiers as text.
func IDFromHex(s string) (ID, error) {
	return idFromHex(s)
}

// idFromHex parses a 40-character hex identifier
func idFromHex(s string) (ID, error) {
	var id ID

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrBadIdentifier
	}

	return idFromBytes(raw)
}

// randomID generates a cryptographically random identifier, used when a node
// has no configured identity
func randomID() ID {
	var id ID
	rand.Read(id[:])
	return id
}

// Hex returns the lowercase hex encoding of the identifier
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two identifiers are equal
func (id ID) Equal(other ID) bool {
	return id == other
}

// xorDistance computes the raw XOR distance between two identifiers. The
// result is compared byte-by-byte (equivalent to comparing as a 160-bit
// unsigned integer) by distanceLess.
func xorDistance(a, b ID) ID {
	var d ID

	for i := 0; i < KEY_BYTES; i++ {
		d[i] = a[i] ^ b[i]
	}

	return d
}

// distanceLess reports whether xor distance x is strictly closer than y, i.e.
// x < y when both are read as big-endian 160-bit unsigned integers
func distanceLess(x, y ID) bool {
	return bytes.Compare(x[:], y[:]) < 0
}

// commonPrefixLen returns the number of leading bits a and b share
func commonPrefixLen(a, b ID) int {
	var pfx int

	for i := 0; i < KEY_BYTES; i++ {
		d := a[i] ^ b[i]

		if d == 0 {
			pfx += 8
			continue
		}

		pfx += bits.LeadingZeros8(d)

		break
	}

	return pfx
}

// bucketIndex returns floor(log2(self XOR other)), the index of the bucket
// that other belongs in relative to self. Undefined (and never called) when
// self == other.
func bucketIndex(self, other ID) int {
	pfx := commonPrefixLen(self, other)

	d := KEY_BITS - pfx
	if d == 0 {
		return 0
	}

	return d - 1
}
