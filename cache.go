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
	"errors"
	"hash/maphash"
	"sync"
	"time"

	"github.com/tos-network/stasher/wire"
)

var (
	// ErrRequestTimeout returned when a pending request has not received a response before the TTL period
	ErrRequestTimeout = errors.New("request timeout")
)

// request is a pending RPC binding awaiting a reply
type request struct {
	callback func(msg *wire.Message, err error) bool
	ttl      time.Time
}

// cache tracks asynchronous RPC bindings keyed by (destination address,
// msgId); this is the binding map every inbound message is checked against
// to correlate a reply with the request that caused it.
type cache struct {
	requests sync.Map
	hasher   sync.Pool
}

func newCache(refresh time.Duration) *cache {
	seed := maphash.MakeSeed()

	c := &cache{
		hasher: sync.Pool{
			New: func() any {
				var hasher maphash.Hash
				hasher.SetSeed(seed)
				return &hasher
			},
		},
	}

	go c.cleanup(refresh)

	return c
}

func (c *cache) key(peerDestination, msgID []byte) uint64 {
	h := c.hasher.Get().(*maphash.Hash)
	defer c.hasher.Put(h)

	h.Reset()
	h.Write(peerDestination)
	h.Write(msgID)

	return h.Sum64()
}

func (c *cache) set(peerDestination, msgID []byte, ttl time.Time, cb func(*wire.Message, error) bool) {
	r := &request{callback: cb, ttl: ttl}

	c.requests.Store(c.key(peerDestination, msgID), r)
}

func (c *cache) callback(peerDestination, msgID []byte, msg *wire.Message, err error) {
	k := c.key(peerDestination, msgID)

	r, ok := c.requests.Load(k)
	if !ok {
		return
	}

	if r.(*request).callback(msg, err) {
		c.requests.Delete(k)
	}
}

func (c *cache) cleanup(refresh time.Duration) {
	for {
		time.Sleep(refresh)

		now := time.Now()

		c.requests.Range(func(key, value any) bool {
			v := value.(*request)

			if now.After(v.ttl) {
				v.callback(nil, ErrRequestTimeout)
				c.requests.Delete(key)
			}

			return true
		})
	}
}
