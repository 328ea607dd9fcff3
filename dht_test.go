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
	"crypto/sha1"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeUDPAddr reserves an ephemeral localhost udp port long enough to read
// back its number, then releases it for the caller to bind.
func freeUDPAddr(t *testing.T) string {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	return addr
}

// newTestDHT starts a real dht node listening on localhost with short
// timeouts suitable for tests, and registers it to be closed on cleanup.
func newTestDHT(t *testing.T) *DHT {
	t.Helper()

	cfg := &Config{
		ListenAddress:              freeUDPAddr(t),
		Listeners:                  1,
		Timeout:                    500 * time.Millisecond,
		FindTimeout:                500 * time.Millisecond,
		StoreTimeout:               2 * time.Second,
		DisablePeriodicMaintenance: true,
	}

	d, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = d.Close() })

	return d
}

// TestPutThenGetSingleNode covers the single-node put/get round trip: a
// value stored under sha1(key) is found again by the same key with no peers
// known at all.
func TestPutThenGetSingleNode(t *testing.T) {
	d := newTestDHT(t)

	key := sha1.Sum([]byte("hello"))
	value := []byte("world")

	putErr := make(chan error, 1)
	d.Put(key[:], value, 0, func(err error) { putErr <- err })
	require.NoError(t, <-putErr)

	type result struct {
		value []byte
		err   error
	}

	got := make(chan result, 1)
	d.Get(key[:], func(v []byte, err error) { got <- result{v, err} })

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, value, r.value)
}

// TestPutFansOutStoreToClosestPeerFoundByFindNode covers the two-node STORE
// fan-out scenario: N1 knows only N2 as a peer, and Put drives an iterative
// FIND_NODE before fanning STORE out, landing the value in N2's local store.
func TestPutFansOutStoreToClosestPeerFoundByFindNode(t *testing.T) {
	n2 := newTestDHT(t)
	n1 := newTestDHT(t)

	require.NoError(t, n1.AddRef(n2.config.ListenAddress, true))

	key := sha1.Sum([]byte("k"))
	value := []byte("v")

	putErr := make(chan error, 1)
	n1.Put(key[:], value, 0, func(err error) { putErr <- err })
	require.NoError(t, <-putErr)

	require.Eventually(t, func() bool {
		vs, ok := n2.storage.Get(key[:], time.Time{})
		return ok && len(vs) > 0 && string(vs[0].Value) == string(value)
	}, 5*time.Second, 50*time.Millisecond, "n2 never received the stored value")
}

// TestFindNodeConvergesAroundRing builds a ring of nodes where each node adds
// the next node around the ring; the ping that adds it also makes the next
// node learn the sender, so every node starts out knowing its two
// neighbours. It then checks that an iterative FIND_NODE from the first node
// returns the identifier of the last first.
func TestFindNodeConvergesAroundRing(t *testing.T) {
	const ringSize = 10

	nodes := make([]*DHT, ringSize)
	for i := range nodes {
		nodes[i] = newTestDHT(t)
	}

	for i := 0; i < ringSize; i++ {
		next := (i + 1) % ringSize
		require.NoError(t, nodes[i].AddRef(nodes[next].config.ListenAddress, true),
			fmt.Sprintf("node %d failed to add ref to node %d", i, next))
	}

	target := nodes[ringSize-1].localID

	closest := nodes[0].findNode(target)
	require.NotEmpty(t, closest)
	assert.True(t, closest[0].id.Equal(target), "closest peer returned was not the lookup target")
}

// TestPutStillSucceedsWhenStorePeerTimesOut covers timeout resilience: if
// the only known peer never answers, Put still reports success and the
// value is kept in local storage.
func TestPutStillSucceedsWhenStorePeerTimesOut(t *testing.T) {
	d := newTestDHT(t)

	// nothing listens on this address, so requests to it are never
	// answered: the FIND_NODE that Put runs first times out, the peer is
	// left out of the lookup result, and no STORE is sent to it
	unreachable, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	d.routing.insert(d, randomID(), unreachable, 0, false)

	key := sha1.Sum([]byte("unreachable-key"))
	value := []byte("still stored locally")

	putErr := make(chan error, 1)
	d.Put(key[:], value, 0, func(err error) { putErr <- err })

	select {
	case err := <-putErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("put did not complete before the unresponsive peer timed out")
	}

	vs, ok := d.storage.Get(key[:], time.Time{})
	require.True(t, ok)
	require.Len(t, vs, 1)
	assert.Equal(t, value, vs[0].Value)
}
