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

import "time"

const (
	// K number of peers in a bucket, and the result size of iterative lookups
	K = 20
	// ALPHA classic Kademlia lookup parallelism. The lookup driver does not
	// read it: an iterative lookup keeps up to MaxConcurrent queries in flight
	ALPHA = 3
	// MaxConcurrent upper bound on concurrent queries a single lookup will permit
	MaxConcurrent = 10
	// NumStore number of closest nodes a STORE fans out to
	NumStore = 10
	// KEY_BITS number of bits in an identifier
	KEY_BITS = 160
	// KEY_BYTES number of bytes in an identifier
	KEY_BYTES = KEY_BITS / 8
	// MaxValue maximum byte length a stored value may have
	MaxValue = 30000
)

const (
	// defaultPingTimeout is T_ping: how long a PING waits for a reply. It is
	// the default Config.Timeout, which bounds every request, not only PINGs
	defaultPingTimeout = 60 * time.Second
	// defaultFindTimeout is T_findNode/T_findValue: how long a single round waits for a reply
	defaultFindTimeout = 10 * time.Second
	// defaultStoreTimeout is T_store: how long Put waits for STORE replies before reporting completion
	defaultStoreTimeout = 10 * time.Second
	// defaultTick is the reactor's housekeeping tick period: how often the
	// binding cache scans for expired requests.
	defaultTick = time.Second
	// defaultValueTTL is applied to values stored without an explicit TTL
	defaultValueTTL = 24 * time.Hour
	// defaultBucketRefreshInterval is how often idle buckets are refreshed
	defaultBucketRefreshInterval = time.Hour
	// defaultKeyRefreshInterval is how often locally stored values are republished
	defaultKeyRefreshInterval = 30 * time.Minute
)

// Fragmentation of outbound datagrams that exceed a single UDP write.
const (
	// PacketHeaderSize is the per-fragment header: the 20-byte correlation
	// id, a 1-byte fragment index (1-based), and a 1-byte fragment count.
	PacketHeaderSize = KEY_BYTES + 2
	// MaxPacketSize caps a single outgoing datagram comfortably under the
	// common internet path MTU, avoiding IP-level fragmentation.
	MaxPacketSize = 1400
	// MaxPayloadSize is the fragment payload capacity once the header is
	// accounted for.
	MaxPayloadSize = MaxPacketSize - PacketHeaderSize
	// MaxEventSize bounds how many bytes of values a key transfer packs
	// into one store request before starting another. find_value replies
	// are not split: they rely on packet fragmentation instead.
	MaxEventSize = 32 * 1024
)
