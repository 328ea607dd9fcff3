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
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingTableFindNearest(t *testing.T) {
	rt := newRoutingTable(randomID())

	// generate a random target key we want to look up
	target := randomID()

	// attempt to search an empty routing table
	p := rt.closest(target)
	require.Nil(t, p)

	// insert 10000 peers into the routing table
	for i := 0; i < 10000; i++ {
		rt.insert(nil, randomID(), nil, time.Duration(0), false)
	}

	// search the populated routing table
	p = rt.closest(target)
	require.NotNil(t, p)

	// check all peers to ensure we actually found the closest peer
	var peers []*peer

	for i := range rt.buckets {
		rt.buckets[i].iterate(func(pr *peer) {
			peers = append(peers, pr)
		})
	}

	sort.Slice(peers, func(i, j int) bool {
		d1 := xorDistance(peers[i].id, target)
		d2 := xorDistance(peers[j].id, target)

		return distanceLess(d1, d2)
	})

	assert.Equal(t, xorDistance(p.id, target), xorDistance(peers[0].id, target))
}

func TestRoutingTableFindNearestN(t *testing.T) {
	rt := newRoutingTable(randomID())

	// generate a random target key we want to look up
	target := randomID()

	// try to find peers on an empty table
	ps := rt.closestN(target, 3)
	require.Len(t, ps, 0)

	// insert 10000 peers into the routing table
	for i := 0; i < 10000; i++ {
		rt.insert(nil, randomID(), nil, time.Duration(0), false)
	}

	// try to find closest peers on a populated table
	ps = rt.closestN(target, 3)
	require.Len(t, ps, 3)

	// check all peers to ensure we actually found the closest peers
	var peers []*peer

	for i := range rt.buckets {
		rt.buckets[i].iterate(func(pr *peer) {
			peers = append(peers, pr)
		})
	}

	sort.Slice(peers, func(i, j int) bool {
		d1 := xorDistance(peers[i].id, target)
		d2 := xorDistance(peers[j].id, target)

		return distanceLess(d1, d2)
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, xorDistance(target, peers[i].id), xorDistance(target, ps[i].id))
	}
}

func BenchmarkRoutingTableFindNearest(b *testing.B) {
	rt := newRoutingTable(randomID())

	// insert 10000 peers into the routing table
	for i := 0; i < 10000; i++ {
		rt.insert(nil, randomID(), nil, time.Duration(0), false)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		target := randomID()

		rt.closest(target)
	}
}

func BenchmarkRoutingTableFindNearestN(b *testing.B) {
	rt := newRoutingTable(randomID())

	// insert 10000 peers into the routing table
	for i := 0; i < 10000; i++ {
		rt.insert(nil, randomID(), nil, time.Duration(0), false)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		target := randomID()

		rt.closestN(target, 3)
	}
}

func BenchmarkRoutingTableInsert(b *testing.B) {
	rt := newRoutingTable(randomID())

	ids := make([]ID, 10000)

	// preallocate 10,000 identifiers
	for i := 0; i < 10000; i++ {
		ids[i] = randomID()
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		rt.insert(nil, ids[i%10000], nil, time.Duration(0), false)
	}
}

func BenchmarkRoutingTableSeen(b *testing.B) {
	rt := newRoutingTable(randomID())

	ids := make([]ID, 10000)

	// preallocate 10,000 identifiers
	for i := 0; i < 10000; i++ {
		ids[i] = randomID()
		rt.insert(nil, ids[i], nil, time.Duration(0), false)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		rt.seen(ids[i%10000])
	}
}
