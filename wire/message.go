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

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
)

// Event names the RPC a Message carries
type Event string

const (
	Ping      Event = "ping"
	Store     Event = "store"
	FindNode  Event = "find_node"
	FindValue Event = "find_value"
)

// ErrMalformed is returned when a decoded message is missing a required field
var ErrMalformed = errors.New("wire: malformed message")

// bufferPool hands out reusable buffers for message construction, the same
// role the teacher's pooled flatbuffers builder plays around its event
// constructors.
var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer returns a pooled, empty buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}

// NodeRef is a peer reference as carried in find_node/find_value payloads
type NodeRef struct {
	ID      []byte
	Address []byte // 6 bytes: 4 byte IPv4 + little-endian uint16 port
}

// PackAddress packs an IPv4 address and port into the compact 6 byte form
func PackAddress(ip []byte, port int) []byte {
	a := make([]byte, 6)
	copy(a, ip)
	binary.LittleEndian.PutUint16(a[4:], uint16(port))
	return a
}

// UnpackAddress splits a compact 6 byte address back into an IPv4 and port
func UnpackAddress(a []byte) (ip []byte, port int, err error) {
	if len(a) != 6 {
		return nil, 0, ErrMalformed
	}

	ip = append([]byte(nil), a[:4]...)
	port = int(binary.LittleEndian.Uint16(a[4:]))

	return ip, port, nil
}

// ValueRecord is a stored value as carried in store/find_value payloads
type ValueRecord struct {
	Key     []byte
	Value   []byte
	TTL     int64
	Created int64
}

// Message is the envelope every RPC request and reply travels in: an
// opaque correlation id, the sender's destination, the RPC name, whether
// this is a reply, and an RPC-specific payload dictionary.
type Message struct {
	ID       []byte
	Sender   []byte
	Event    Event
	Response bool
	Payload  Dict
}

func nodeRefsToList(nodes []NodeRef) List {
	l := make(List, len(nodes))
	for i, n := range nodes {
		l[i] = NewDict(map[string]Value{
			"id":   Bytes(n.ID),
			"addr": Bytes(n.Address),
		})
	}
	return l
}

func listToNodeRefs(v Value) ([]NodeRef, error) {
	list, ok := v.(List)
	if !ok {
		return nil, ErrMalformed
	}

	nodes := make([]NodeRef, 0, len(list))

	for _, item := range list {
		d, ok := item.(Dict)
		if !ok {
			return nil, ErrMalformed
		}

		id, ok := d.Get("id")
		if !ok {
			return nil, ErrMalformed
		}

		addr, ok := d.Get("addr")
		if !ok {
			return nil, ErrMalformed
		}

		idb, ok := id.(Bytes)
		if !ok {
			return nil, ErrMalformed
		}

		addrb, ok := addr.(Bytes)
		if !ok {
			return nil, ErrMalformed
		}

		nodes = append(nodes, NodeRef{ID: []byte(idb), Address: []byte(addrb)})
	}

	return nodes, nil
}

func valuesToList(values []ValueRecord) List {
	l := make(List, len(values))
	for i, v := range values {
		l[i] = NewDict(map[string]Value{
			"key":     Bytes(v.Key),
			"value":   Bytes(v.Value),
			"ttl":     Int(v.TTL),
			"created": Int(v.Created),
		})
	}
	return l
}

func listToValues(v Value) ([]ValueRecord, error) {
	list, ok := v.(List)
	if !ok {
		return nil, ErrMalformed
	}

	values := make([]ValueRecord, 0, len(list))

	for _, item := range list {
		d, ok := item.(Dict)
		if !ok {
			return nil, ErrMalformed
		}

		key, _ := d.Get("key")
		val, _ := d.Get("value")
		ttl, _ := d.Get("ttl")
		created, _ := d.Get("created")

		keyb, ok := key.(Bytes)
		if !ok {
			return nil, ErrMalformed
		}

		valb, _ := val.(Bytes)

		var ttln, createdn Int
		if n, ok := ttl.(Int); ok {
			ttln = n
		}
		if n, ok := created.(Int); ok {
			createdn = n
		}

		values = append(values, ValueRecord{
			Key:     []byte(keyb),
			Value:   []byte(valb),
			TTL:     int64(ttln),
			Created: int64(createdn),
		})
	}

	return values, nil
}

// EncodePing builds a ping request
func EncodePing(id, sender []byte) []byte {
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: Ping, Response: false})
}

// EncodePong builds a ping reply
func EncodePong(id, sender []byte) []byte {
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: Ping, Response: true})
}

// EncodeStoreRequest builds a store request carrying one or more values
func EncodeStoreRequest(id, sender []byte, values []ValueRecord) []byte {
	payload := NewDict(map[string]Value{"values": valuesToList(values)})
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: Store, Response: false, Payload: payload})
}

// EncodeStoreResponse builds a store acknowledgement
func EncodeStoreResponse(id, sender []byte) []byte {
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: Store, Response: true})
}

// EncodeFindNodeRequest builds a find_node request for key
func EncodeFindNodeRequest(id, sender, key []byte) []byte {
	payload := NewDict(map[string]Value{"key": Bytes(key)})
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: FindNode, Response: false, Payload: payload})
}

// EncodeFindNodeResponse builds a find_node reply carrying the closest known nodes
func EncodeFindNodeResponse(id, sender []byte, nodes []NodeRef) []byte {
	payload := NewDict(map[string]Value{"nodes": nodeRefsToList(nodes)})
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: FindNode, Response: true, Payload: payload})
}

// EncodeFindValueRequest builds a find_value request for key, filtering
// results to values created at or after from (unix nanoseconds)
func EncodeFindValueRequest(id, sender, key []byte, from int64) []byte {
	payload := NewDict(map[string]Value{"key": Bytes(key), "from": Int(from)})
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: FindValue, Response: false, Payload: payload})
}

// EncodeFindValueFoundResponse builds a find_value reply carrying matching values
func EncodeFindValueFoundResponse(id, sender []byte, values []ValueRecord) []byte {
	payload := NewDict(map[string]Value{
		"found":  Int(1),
		"values": valuesToList(values),
	})
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: FindValue, Response: true, Payload: payload})
}

// EncodeFindValueNotFoundResponse builds a find_value reply carrying the
// closest known nodes, when no value was found locally
func EncodeFindValueNotFoundResponse(id, sender []byte, nodes []NodeRef) []byte {
	payload := NewDict(map[string]Value{
		"found": Int(0),
		"nodes": nodeRefsToList(nodes),
	})
	return encodeEnvelope(&Message{ID: id, Sender: sender, Event: FindValue, Response: true, Payload: payload})
}

func encodeEnvelope(m *Message) []byte {
	buf := GetBuffer()
	defer PutBuffer(buf)

	fields := map[string]Value{
		"id":       Bytes(m.ID),
		"sender":   Bytes(m.Sender),
		"event":    Bytes(m.Event),
		"response": Int(0),
	}

	if m.Response {
		fields["response"] = Int(1)
	}

	if m.Payload != nil {
		fields["payload"] = m.Payload
	}

	if err := Encode(buf, NewDict(fields)); err != nil {
		return nil
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	return out
}

// DecodeMessage parses a wire envelope
func DecodeMessage(data []byte) (*Message, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}

	d, ok := v.(Dict)
	if !ok {
		return nil, ErrMalformed
	}

	id, ok := d.Get("id")
	if !ok {
		return nil, ErrMalformed
	}

	sender, ok := d.Get("sender")
	if !ok {
		return nil, ErrMalformed
	}

	event, ok := d.Get("event")
	if !ok {
		return nil, ErrMalformed
	}

	response, ok := d.Get("response")
	if !ok {
		return nil, ErrMalformed
	}

	idb, ok := id.(Bytes)
	if !ok {
		return nil, ErrMalformed
	}

	senderb, ok := sender.(Bytes)
	if !ok {
		return nil, ErrMalformed
	}

	eventb, ok := event.(Bytes)
	if !ok {
		return nil, ErrMalformed
	}

	responsen, ok := response.(Int)
	if !ok {
		return nil, ErrMalformed
	}

	m := &Message{
		ID:       []byte(idb),
		Sender:   []byte(senderb),
		Event:    Event(eventb),
		Response: responsen != 0,
	}

	if payload, ok := d.Get("payload"); ok {
		pd, ok := payload.(Dict)
		if !ok {
			return nil, ErrMalformed
		}
		m.Payload = pd
	}

	return m, nil
}

// Key returns the payload's "key" field, for find_node and find_value requests
func (m *Message) Key() ([]byte, bool) {
	v, ok := m.Payload.Get("key")
	if !ok {
		return nil, false
	}
	b, ok := v.(Bytes)
	return []byte(b), ok
}

// From returns the payload's "from" field, for find_value requests
func (m *Message) From() (int64, bool) {
	v, ok := m.Payload.Get("from")
	if !ok {
		return 0, false
	}
	n, ok := v.(Int)
	return int64(n), ok
}

// Found reports whether a find_value reply carries values (true) or nodes (false)
func (m *Message) Found() bool {
	v, ok := m.Payload.Get("found")
	if !ok {
		return false
	}
	n, ok := v.(Int)
	return ok && n != 0
}

// Nodes decodes the payload's "nodes" list
func (m *Message) Nodes() ([]NodeRef, error) {
	v, ok := m.Payload.Get("nodes")
	if !ok {
		return nil, nil
	}
	return listToNodeRefs(v)
}

// Values decodes the payload's "values" list
func (m *Message) Values() ([]ValueRecord, error) {
	v, ok := m.Payload.Get("values")
	if !ok {
		return nil, nil
	}
	return listToValues(v)
}
