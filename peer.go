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
	"encoding/binary"
	mrand "math/rand"
	"net"
	"time"
)

func init() {
	s := randomID()
	mrand.Seed(int64(binary.LittleEndian.Uint64(s[:8])))
}

// peer represents a remote node on the network, reachable at a destination
// address and identified by its 160-bit identifier.
type peer struct {
	// id is the identifier of the peer
	id ID
	// address is the udp destination the peer is reachable at
	address *net.UDPAddr
	// seen is the last time an event was received from this peer
	seen time.Time
	// pending is the number of expected responses we are waiting on
	pending int
	// latency is the observed round-trip latency of the peer
	latency time.Duration
	// failCount is the number of consecutive failed attempts to reach the peer
	failCount int32
	// testMode disables network I/O for unit tests
	testMode bool
}

// pseudorandomID returns a non-cryptographic random identifier, used as the
// correlation id (msgId) of outgoing requests rather than to authenticate one.
func pseudorandomID() ID {
	var id ID
	mrand.Read(id[:])
	return id
}
