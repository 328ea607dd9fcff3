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
	"encoding/gob"
	"log"
	"net"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	valuePrefix   = "keys/"
	noderefPrefix = "noderefs/"
)

// database implements Storage over a single LevelDB instance, namespacing
// values and peer references with the "keys/" and "noderefs/" key prefixes
// so both fit in one on-disk database.
type database struct {
	db *leveldb.DB
}

// NewDatabase opens (or creates) a LevelDB database at path.
func NewDatabase(path string) (*database, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}

	d := &database{db: db}

	go d.cleanup()

	return d, nil
}

func valueKey(k []byte) []byte {
	id := idFromDestination(k)
	return []byte(valuePrefix + id.Hex())
}

func noderefKey(id ID) []byte {
	return []byte(noderefPrefix + id.Hex())
}

// Get retrieves the values stored under key, optionally filtered to those
// created at or after from.
func (d *database) Get(k []byte, from time.Time) ([]*Value, bool) {
	data, err := d.db.Get(valueKey(k), nil)
	if err != nil {
		return nil, false
	}

	var values []*Value
	if err := deserializeValues(data, &values); err != nil {
		log.Println("database: corrupt value record, skipping:", err)
		return nil, false
	}

	if from.IsZero() {
		return values, true
	}

	var filtered []*Value
	for _, v := range values {
		if !v.Created.Before(from) {
			filtered = append(filtered, v)
		}
	}

	if len(filtered) == 0 {
		return nil, false
	}

	return filtered, true
}

// Set appends a value under key, deduplicating by content.
func (d *database) Set(k, v []byte, created time.Time, ttl time.Duration) bool {
	kc := make([]byte, len(k))
	copy(kc, k)

	vc := make([]byte, len(v))
	copy(vc, v)

	key := valueKey(k)

	value := &Value{
		Key:     kc,
		Value:   vc,
		TTL:     ttl,
		Created: created,
		expires: time.Now().Add(ttl),
	}

	var values []*Value

	existing, err := d.db.Get(key, nil)
	if err == nil {
		if derr := deserializeValues(existing, &values); derr != nil {
			log.Println("database: corrupt value record, replacing:", derr)
			values = nil
		}
	}

	for _, ev := range values {
		if bytes.Equal(ev.Value, vc) {
			return true
		}
	}

	values = append(values, value)

	data, err := serializeValues(values)
	if err != nil {
		return false
	}

	return d.db.Put(key, data, nil) == nil
}

// Iterate iterates over all stored values and applies the callback. If the
// callback returns false, iteration stops.
func (d *database) Iterate(cb func(v *Value) bool) {
	iter := d.db.NewIterator(util.BytesPrefix([]byte(valuePrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		var values []*Value
		if err := deserializeValues(iter.Value(), &values); err != nil {
			log.Println("database: corrupt value record, skipping:", err)
			continue
		}

		for _, v := range values {
			if !cb(v) {
				return
			}
		}
	}

	if err := iter.Error(); err != nil {
		log.Println("database: iteration error:", err)
	}
}

// PutRef persists a reference to a peer under the noderefs/ namespace.
func (d *database) PutRef(ref *NodeRef) bool {
	data, err := serializeRef(ref)
	if err != nil {
		return false
	}

	return d.db.Put(noderefKey(ref.ID), data, nil) == nil
}

// GetRef looks up a persisted peer reference by identifier.
func (d *database) GetRef(id ID) (*NodeRef, bool) {
	data, err := d.db.Get(noderefKey(id), nil)
	if err != nil {
		return nil, false
	}

	ref, err := deserializeRef(data)
	if err != nil {
		log.Println("database: corrupt noderef record, skipping:", err)
		return nil, false
	}

	return ref, true
}

// IterateRefs iterates over all persisted peer references.
func (d *database) IterateRefs(cb func(ref *NodeRef) bool) {
	iter := d.db.NewIterator(util.BytesPrefix([]byte(noderefPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		ref, err := deserializeRef(iter.Value())
		if err != nil {
			log.Println("database: corrupt noderef record, skipping:", err)
			continue
		}

		if !cb(ref) {
			break
		}
	}

	if err := iter.Error(); err != nil {
		log.Println("database: noderef iteration error:", err)
	}
}

// Close closes the database.
func (d *database) Close() error {
	return d.db.Close()
}

// cleanup periodically strips expired values from every value record.
func (d *database) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()

		iter := d.db.NewIterator(util.BytesPrefix([]byte(valuePrefix)), nil)

		for iter.Next() {
			key := append([]byte(nil), iter.Key()...)

			var values []*Value
			if err := deserializeValues(iter.Value(), &values); err != nil {
				continue
			}

			var live []*Value
			for _, v := range values {
				if v.expires.After(now) {
					live = append(live, v)
				}
			}

			if len(live) == 0 {
				d.db.Delete(key, nil)
				continue
			}

			if data, err := serializeValues(live); err == nil {
				d.db.Put(key, data, nil)
			}
		}

		iter.Release()

		if err := iter.Error(); err != nil {
			log.Println("database: cleanup iteration error:", err)
		}
	}
}

// serializedRef is the gob-friendly representation of a NodeRef: net.UDPAddr
// does not round-trip cleanly through gob, so it is flattened to IP/port.
type serializedRef struct {
	ID   ID
	IP   []byte
	Port int
	Seen time.Time
}

func serializeRef(ref *NodeRef) ([]byte, error) {
	sr := serializedRef{ID: ref.ID, Seen: ref.Seen}

	if ref.Address != nil {
		sr.IP = ref.Address.IP
		sr.Port = ref.Address.Port
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&sr); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func deserializeRef(data []byte) (*NodeRef, error) {
	var sr serializedRef

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sr); err != nil {
		return nil, err
	}

	ref := &NodeRef{ID: sr.ID, Seen: sr.Seen}

	if sr.IP != nil {
		ref.Address = &net.UDPAddr{IP: sr.IP, Port: sr.Port}
	}

	return ref, nil
}

func serializeValues(values []*Value) ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func deserializeValues(data []byte, values *[]*Value) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(values); err != nil {
		return err
	}

	// gob skips the unexported expires field, so rebuild it from the
	// persisted creation time and TTL
	for _, v := range *values {
		v.expires = v.Created.Add(v.TTL)
	}

	return nil
}
