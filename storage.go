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
	"hash/maphash"
	"log"
	"net"
	"sync"
	"time"
)

// StorageType defines the type of storage to use.
type StorageType string

const (
	InMemoryStorage StorageType = "inmemory"
	LevelDBStorage  StorageType = "leveldb"
)

// InitializeStorage initializes the storage based on the configuration.
func InitializeStorage(cfg *Config) (Storage, error) {
	switch cfg.StorageBackend {
	case InMemoryStorage:
		return newInMemoryStorage(), nil
	case LevelDBStorage:
		log.Println("Using LevelDB storage")
		if cfg.LevelDBPath == "" {
			if cfg.DataDir == "" {
				cfg.DataDir = DefaultDataDir()
			}
			cfg.LevelDBPath = ChaindataDir(cfg.DataDir)
		}
		log.Printf("Using LevelDB storage at %s\n", cfg.LevelDBPath)
		return NewDatabase(cfg.LevelDBPath)
	default:
		return newInMemoryStorage(), nil
	}
}

// Storage defines the local persistence interface: values keyed by content
// hash, and noderefs keyed by peer identifier, so a restarted node can
// rejoin the network without a fresh bootstrap.
type Storage interface {
	Get(key []byte, from time.Time) ([]*Value, bool)
	Set(key, value []byte, created time.Time, ttl time.Duration) bool
	Iterate(cb func(value *Value) bool)
	PutRef(ref *NodeRef) bool
	GetRef(id ID) (*NodeRef, bool)
	IterateRefs(cb func(ref *NodeRef) bool)
}

// Value represents the value to be stored
type Value struct {
	Key     []byte
	Value   []byte
	TTL     time.Duration
	Created time.Time
	expires time.Time
}

// NodeRef is a persisted reference to a peer, allowing the routing table
// to be rebuilt after a restart without relying on a fresh bootstrap.
type NodeRef struct {
	ID      ID
	Address *net.UDPAddr
	Seen    time.Time
}

type item struct {
	contains map[uint64]struct{}
	values   []*Value
	mu       sync.Mutex
}

func (i *item) insert(hash uint64, value *Value) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	_, ok := i.contains[hash]
	if ok {
		return true
	}

	i.contains[hash] = struct{}{}
	i.values = append(i.values, value)

	return true
}

// storage is the in-memory Storage implementation, the default backend
type storage struct {
	store  sync.Map
	refs   sync.Map
	hasher sync.Pool
}

func newInMemoryStorage() *storage {
	seed := maphash.MakeSeed()

	s := &storage{
		store: sync.Map{},
		hasher: sync.Pool{
			New: func() any {
				var hasher maphash.Hash
				hasher.SetSeed(seed)
				return &hasher
			},
		},
	}

	go s.cleanup()

	return s
}

func (s *storage) hash(k []byte) uint64 {
	h := s.hasher.Get().(*maphash.Hash)
	defer s.hasher.Put(h)

	h.Reset()
	h.Write(k)

	return h.Sum64()
}

// Get gets the values stored under a key
func (s *storage) Get(k []byte, from time.Time) ([]*Value, bool) {
	key := s.hash(k)

	v, ok := s.store.Load(key)
	if !ok {
		return nil, false
	}

	it := v.(*item)

	if from.IsZero() {
		return it.values, true
	}

	var index int

	for i := 0; i < len(it.values); i++ {
		if it.values[i].Created.Before(from) {
			index++
		}
	}

	if index >= len(it.values) {
		return nil, false
	}

	return it.values[index:], true
}

// Set sets a key value pair for a given ttl
func (s *storage) Set(k, v []byte, created time.Time, ttl time.Duration) bool {
	// we keep a copy of the key and value as the caller's buffer may be
	// reused once Set returns
	kc := make([]byte, len(k))
	copy(kc, k)

	vc := make([]byte, len(v))
	copy(vc, v)

	key := s.hash(k)
	vh := s.hash(v)

	value := &Value{
		Key:     kc,
		Value:   vc,
		TTL:     ttl,
		Created: created,
		expires: time.Now().Add(ttl),
	}

	actual, ok := s.store.Load(key)
	if ok {
		return actual.(*item).insert(vh, value)
	}

	actual, ok = s.store.LoadOrStore(key, &item{
		contains: map[uint64]struct{}{vh: {}},
		values:   []*Value{value},
	})

	if !ok {
		return true
	}

	return actual.(*item).insert(vh, value)
}

// Iterate iterates over all stored values
func (s *storage) Iterate(cb func(v *Value) bool) {
	s.store.Range(func(ky any, vl any) bool {
		item := vl.(*item)

		item.mu.Lock()
		defer item.mu.Unlock()

		for i := range item.values {
			if !cb(item.values[i]) {
				return false
			}
		}

		return true
	})
}

// PutRef persists a reference to a peer
func (s *storage) PutRef(ref *NodeRef) bool {
	s.refs.Store(ref.ID, ref)
	return true
}

// GetRef looks up a persisted peer reference by identifier
func (s *storage) GetRef(id ID) (*NodeRef, bool) {
	v, ok := s.refs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*NodeRef), true
}

// IterateRefs iterates over all persisted peer references
func (s *storage) IterateRefs(cb func(ref *NodeRef) bool) {
	s.refs.Range(func(_, vl any) bool {
		return cb(vl.(*NodeRef))
	})
}

func (s *storage) cleanup() {
	for {
		time.Sleep(time.Minute)

		now := time.Now()

		s.store.Range(func(ky any, vl any) bool {
			item := vl.(*item)
			item.mu.Lock()
			defer item.mu.Unlock()

			live := item.values[:0]

			for i := range item.values {
				if item.values[i].expires.After(now) {
					live = append(live, item.values[i])
				}
			}

			if len(live) == 0 {
				s.store.Delete(ky)
			} else {
				item.values = live
			}

			return true
		})
	}
}
