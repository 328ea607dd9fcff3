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
	"net"
	"sort"
	"time"
)

// routingTable stores buckets of every known peer on the network
type routingTable struct {
	localID ID
	// buckets of peers active in the routing table
	buckets []bucket
}

// newRoutingTable creates a new routing table
func newRoutingTable(localID ID) *routingTable {
	buckets := make([]bucket, KEY_BITS)

	for i := range buckets {
		buckets[i].peers = make([]*peer, 0, K)
	}

	return &routingTable{
		localID: localID,
		buckets: buckets,
	}
}

// insert adds a peer to its corresponding bucket
func (t *routingTable) insert(d *DHT, id ID, address *net.UDPAddr,
	latency time.Duration, testMode bool) {
	t.buckets[bucketIndex(t.localID, id)].insert(d, id, address, latency, testMode)
}

// seen updates the timestamp of a peer to now. Returns true if the peer
// exists and false if the peer needs to be inserted into the routing table.
func (t *routingTable) seen(id ID) bool {
	return t.buckets[bucketIndex(t.localID, id)].seen(id)
}

// remove removes a peer from the routing table
func (t *routingTable) remove(id ID) {
	t.buckets[bucketIndex(t.localID, id)].remove(id, true)
}

func (rt *routingTable) getBucketIndex(b *bucket) int {
	for i := 0; i < KEY_BITS; i++ {
		if &rt.buckets[i] == b {
			return i
		}
	}
	return -1
}

// closest finds the closest known peer for a given identifier
func (t *routingTable) closest(id ID) *peer {
	offset := bucketIndex(t.localID, id)

	// scan outwardly from our selected bucket until we find a
	// peer that is close to the target
	var i int
	var scanned int

	for {
		var cdst ID
		var cp *peer
		have := false

		if offset > -1 && offset < KEY_BITS {
			t.buckets[offset].iterate(func(p *peer) {
				pd := xorDistance(p.id, id)
				if !have || distanceLess(pd, cdst) {
					cdst = pd
					cp = p
					have = true
				}
			})

			if cp != nil {
				return cp
			}

			scanned++
		}

		if scanned >= KEY_BITS {
			break
		}

		if i%2 == 0 {
			offset = offset + i + 1
		} else {
			offset = offset - i - 1
		}

		i++
	}

	return nil
}

// closestN finds the count closest known peers for a given identifier,
// strictly ordered by ascending xor distance with destination address as a
// lexicographic tie-break.
func (t *routingTable) closestN(id ID, count int) []*peer {
	offset := bucketIndex(t.localID, id)

	var peers []*peer

	var i int
	var scanned int

	for {
		if offset > -1 && offset < KEY_BITS {
			t.buckets[offset].iterate(func(p *peer) {
				peers = append(peers, p)
			})

			if len(peers) >= count {
				break
			}

			scanned++
		}

		if scanned >= KEY_BITS {
			break
		}

		if i%2 == 0 {
			offset = offset + i + 1
		} else {
			offset = offset - i - 1
		}

		i++
	}

	sort.Slice(peers, func(i, j int) bool {
		idst := xorDistance(peers[i].id, id)
		jdst := xorDistance(peers[j].id, id)

		if idst == jdst {
			return bytes.Compare(peers[i].address.IP, peers[j].address.IP) < 0
		}

		return distanceLess(idst, jdst)
	})

	if len(peers) < count {
		return peers
	}

	return peers[:count]
}

// neighbours returns the total number of peers known to us
func (r *routingTable) neighbours() int {
	var neighbours int

	for i := range r.buckets {
		r.buckets[i].mu.Lock()
		neighbours = neighbours + r.buckets[i].size
		r.buckets[i].mu.Unlock()
	}

	return neighbours
}
