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
	"net"
	"sync"
	"time"
)

// bucket holds up to K peers sharing a common distance range from the local
// identifier, plus a replacement cache of candidates waiting for a slot.
type bucket struct {
	// size is the number of peers in the bucket, excluding the replacement cache
	size int
	// expiry is the amount of time before a peer is considered stale
	expiry time.Duration
	// peers holds all active peers in this bucket, ordered oldest-seen first
	peers []*peer
	// cache holds replacement candidates waiting for a slot in the bucket
	cache []*peer
	mu    sync.Mutex
}

// insert adds a peer to the bucket. If the bucket is full, the new contact
// is held in the replacement cache and, when d is non-nil, the bucket's
// least-recently-seen entry is probed asynchronously per the LRU-probe
// eviction policy; it is evicted and replaced only if it fails to respond
// before d's request timeout. With a nil d no probe is sent.
func (b *bucket) insert(d *DHT, id ID, address *net.UDPAddr,
	latency time.Duration, testMode bool) bool {
	b.mu.Lock()

	// try to remove the peer. if it exists in the bucket, move it to the
	// tail as the most-recently-seen entry
	rp := b.remove(id, false)
	if rp != nil {
		rp.seen = time.Now()
		rp.latency = latency
		rp.testMode = testMode
		b.peers = append(b.peers, rp)
		b.size++
		b.mu.Unlock()
		return true
	}

	p := &peer{
		id:        id,
		address:   address,
		latency:   latency,
		failCount: 0,
		testMode:  testMode,
	}

	// if the bucket is not full, add the new peer to the tail
	if !b.full() {
		p.seen = time.Now()
		b.peers = append(b.peers, p)
		b.size++
		b.mu.Unlock()
		return true
	}

	// bucket is full: stash the candidate and probe the oldest entry
	p.seen = time.Now()
	b.stash(p)

	oldest := b.peers[0]
	b.mu.Unlock()

	if d != nil {
		go b.probeOldest(d, oldest)
	}

	return true
}

// probeOldest pings the bucket's least-recently-seen entry without blocking
// the caller. A reply keeps the entry and leaves the candidate in the
// replacement cache; a timeout evicts it and promotes the oldest candidate.
func (b *bucket) probeOldest(d *DHT, oldest *peer) {
	if d.pingNode(oldest) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remove(oldest.id, false) == nil {
		return
	}

	if len(b.cache) == 0 {
		return
	}

	candidate := b.cache[0]
	b.cache = b.cache[1:]

	candidate.seen = time.Now()
	b.peers = append(b.peers, candidate)
	b.size++
}

// get returns a peer by its id, checking the bucket then the replacement cache
func (b *bucket) get(id ID) *peer {
	for i := 0; i < b.size; i++ {
		if b.peers[i].id.Equal(id) {
			return b.peers[i]
		}
	}

	for i := 0; i < len(b.cache); i++ {
		if b.cache[i].id.Equal(id) {
			return b.cache[i]
		}
	}

	return nil
}

// iterate calls fn for each peer in the bucket
func (b *bucket) iterate(fn func(p *peer)) {
	b.mu.Lock()

	for i := 0; i < b.size; i++ {
		fn(b.peers[i])
	}

	b.mu.Unlock()
}

// seen marks a peer as recently seen, if it still exists in the bucket, and
// moves it to the tail as the most-recently-seen entry; a peer held in the
// replacement cache only has its timestamp refreshed. This is called when a
// peer has responded to a request.
func (b *bucket) seen(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rp := b.remove(id, false); rp != nil {
		rp.seen = time.Now()
		b.peers = append(b.peers, rp)
		b.size++
		return true
	}

	p := b.get(id)
	if p != nil {
		p.seen = time.Now()
		return true
	}

	return false
}

// remove removes a peer from the bucket and returns it if found
func (b *bucket) remove(id ID, lock bool) *peer {
	if lock {
		b.mu.Lock()
		defer b.mu.Unlock()
	}

	for i := 0; i < b.size; i++ {
		if b.peers[i].id.Equal(id) {
			r := b.peers[i]

			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.size--

			return r
		}
	}

	return nil
}

// stash holds a peer in the replacement cache
func (b *bucket) stash(p *peer) {
	for i := range b.cache {
		if b.cache[i].id.Equal(p.id) {
			b.cache[i].seen = time.Now()
			return
		}
	}

	if len(b.cache) >= K {
		b.cache = b.cache[1:]
	}

	b.cache = append(b.cache, p)
}

func (b *bucket) full() bool {
	return b.size == K
}

func (b *bucket) fillBucket(d *DHT) {
	if b.size >= K {
		return
	}

	targetID := d.generateRandomIDInBucket(b)

	peers := d.lookup(targetID)

	for _, p := range peers {
		if b.size >= K {
			break
		}
		b.insert(d, p.id, p.address, p.latency, p.testMode)
	}
}

func (b *bucket) refresh(d *DHT) {
	b.mu.Lock()
	peers := make([]*peer, len(b.peers))
	copy(peers, b.peers)
	b.mu.Unlock()

	for _, p := range peers {
		if !d.pingNode(p) {
			b.remove(p.id, true)
		}
	}

	b.fillBucket(d)
}
