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
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/tos-network/stasher/wire"
)

// a udp socket listener that processes incoming and outgoing packets
type listener struct {
	// udp listener
	conn *ipv4.PacketConn
	// routing table
	routing *routingTable
	// request cache
	cache *cache
	// storage for all values
	storage Storage
	// packet manager for large packets
	packet *packetManager
	// local node id
	localID ID
	// the amount of time before a request expires and times out
	timeout time.Duration
	// the size in bytes of the sockets send and receive buffer
	bufferSize int
	// collection of messages that will be read to in batch from the underlying socket
	readBatch []ipv4.Message
	// collection of messages that will be written in batch to the underlying socket
	writeBatch []ipv4.Message
	// size of the current write batch
	writeBatchSize int
	// mutex to protect writes to the write batch
	mu sync.Mutex
	// timer to schedule flushes to the underlying socket
	ftimer *time.Ticker
	// enables basic logging
	logging bool
	// channel to signal the listener to shutdown
	quit chan struct{}
}

func (l *listener) process() {
	for {
		select {
		case <-l.quit:
			return
		default:
			bs, err := l.conn.ReadBatch(l.readBatch, 0)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					// network connection closed, so we can shutdown
					return
				}
				panic(err)
			}

			for i := 0; i < bs; i++ {
				// if we have a fragmented packet, continue reading data
				p := l.packet.assemble(l.readBatch[i].Buffers[0][:l.readBatch[i].N])
				if p == nil {
					continue
				}

				addr := l.readBatch[i].Addr.(*net.UDPAddr)

				msg, err := wire.DecodeMessage(p.data())
				if err != nil {
					if l.logging {
						log.Println("discarding malformed datagram:", err)
					}
					l.packet.done(p)
					continue
				}

				senderID, err := idFromBytes(msg.Sender)
				if err != nil {
					l.packet.done(p)
					continue
				}

				var transferKeys bool

				if !l.routing.seen(senderID) {
					if l.logging {
						log.Printf("discovered new peer id: %s address: %s", senderID.Hex(), addr.String())
					}

					l.routing.insert(nil, senderID, addr, 0, false)

					// this peer is new to us, so we should send it any
					// keys that are closer to it than to us (or every key
					// while we know fewer than K peers)
					transferKeys = true
				}

				if msg.Response {
					l.cache.callback([]byte(addr.String()), msg.ID, msg, nil)
					l.packet.done(p)
					continue
				}

				switch msg.Event {
				case wire.Ping:
					err = l.pong(msg, addr)
				case wire.Store:
					err = l.store(msg, addr)
				case wire.FindNode:
					err = l.findNode(msg, addr)
				case wire.FindValue:
					err = l.findValue(msg, addr)
				default:
					if l.logging {
						log.Printf("discarding unknown event type: %q from %s", msg.Event, addr.String())
					}
					l.packet.done(p)
					continue
				}

				if err != nil {
					log.Println("failed to handle request: ", err.Error())
					l.packet.done(p)
					continue
				}

				if transferKeys {
					l.transferKeys(senderID, addr)
				}

				l.packet.done(p)
			}
		}
	}
}

// pong replies to a ping
func (l *listener) pong(msg *wire.Message, addr *net.UDPAddr) error {
	mid, err := idFromBytes(msg.ID)
	if err != nil {
		return err
	}

	resp := wire.EncodePong(msg.ID, l.localID[:])
	return l.write(addr, mid, resp)
}

// store a value from the sender and send a response to confirm
func (l *listener) store(msg *wire.Message, addr *net.UDPAddr) error {
	values, err := msg.Values()
	if err != nil {
		return err
	}

	for _, v := range values {
		l.storage.Set(v.Key, v.Value, time.Unix(0, v.Created), time.Duration(v.TTL))
	}

	mid, err := idFromBytes(msg.ID)
	if err != nil {
		return err
	}

	resp := wire.EncodeStoreResponse(msg.ID, l.localID[:])

	return l.write(addr, mid, resp)
}

// findNode replies with the closest known peers to the requested target
func (l *listener) findNode(msg *wire.Message, addr *net.UDPAddr) error {
	key, ok := msg.Key()
	if !ok {
		return errors.New("find_node request missing key")
	}

	target, err := idFromBytes(key)
	if err != nil {
		return err
	}

	mid, err := idFromBytes(msg.ID)
	if err != nil {
		return err
	}

	peers := l.routing.closestN(target, K)
	resp := wire.EncodeFindNodeResponse(msg.ID, l.localID[:], peersToNodeRefs(peers))

	return l.write(addr, mid, resp)
}

// findValue replies with matching values if known locally, otherwise with
// the closest known peers to the requested key.
func (l *listener) findValue(msg *wire.Message, addr *net.UDPAddr) error {
	key, ok := msg.Key()
	if !ok {
		return errors.New("find_value request missing key")
	}

	target, err := idFromBytes(key)
	if err != nil {
		return err
	}

	mid, err := idFromBytes(msg.ID)
	if err != nil {
		return err
	}

	var from time.Time
	if ns, ok := msg.From(); ok && ns != 0 {
		from = time.Unix(0, ns)
	}

	vs, ok := l.storage.Get(key, from)
	if ok {
		// a single response carries every matching value: the packet
		// manager fragments and reassembles payloads larger than one
		// datagram, so there is no need to chunk at the message level.
		batch := make([]wire.ValueRecord, len(vs))

		for i, v := range vs {
			batch[i] = wire.ValueRecord{
				Key:     v.Key,
				Value:   v.Value,
				TTL:     int64(v.TTL),
				Created: v.Created.UnixNano(),
			}
		}

		resp := wire.EncodeFindValueFoundResponse(msg.ID, l.localID[:], batch)

		return l.write(addr, mid, resp)
	}

	peers := l.routing.closestN(target, K)
	resp := wire.EncodeFindValueNotFoundResponse(msg.ID, l.localID[:], peersToNodeRefs(peers))

	return l.write(addr, mid, resp)
}

// transferKeys pushes locally stored values that are closer to the newly
// discovered peer than to us, so the network's replication stays correct as
// the routing table grows. While fewer than K peers are known, every locally
// stored value is pushed.
func (l *listener) transferKeys(toID ID, addr *net.UDPAddr) {
	batch := make([]wire.ValueRecord, 0, 64)
	var size int

	transferAll := l.routing.neighbours() < K

	flush := func() {
		if len(batch) == 0 {
			return
		}

		msgID := pseudorandomID()
		data := wire.EncodeStoreRequest(msgID[:], l.localID[:], batch)

		err := l.request(addr, msgID, data, func(_ *wire.Message, err error) bool {
			if err != nil {
				log.Println("key transfer failed:", err)
			}
			return true
		})

		if err != nil {
			log.Println("key transfer failed:", err)
		}

		batch = batch[:0]
		size = 0
	}

	l.storage.Iterate(func(value *Value) bool {
		key, err := idFromBytes(value.Key)
		if err != nil {
			return true
		}

		d1 := xorDistance(l.localID, key)
		d2 := xorDistance(toID, key)

		if transferAll || distanceLess(d2, d1) {
			if size >= MaxEventSize {
				flush()
			}

			batch = append(batch, wire.ValueRecord{
				Key:     value.Key,
				Value:   value.Value,
				TTL:     int64(value.TTL),
				Created: value.Created.UnixNano(),
			})
			size += len(value.Key) + len(value.Value) + 32
		}

		return true
	})

	flush()
}

// request registers a reply binding keyed by the destination address and the
// message id, then writes the request datagram.
func (l *listener) request(to *net.UDPAddr, msgID ID, data []byte, cb func(msg *wire.Message, err error) bool) error {
	l.cache.set([]byte(to.String()), msgID[:], time.Now().Add(l.timeout), cb)
	return l.write(to, msgID, data)
}

func (l *listener) write(to *net.UDPAddr, id ID, data []byte) error {
	p := l.packet.fragment(id, data)
	defer l.packet.done(p)

	f := p.next()

	l.mu.Lock()
	defer l.mu.Unlock()

	for f != nil {
		l.writeBatch[l.writeBatchSize].Addr = to
		// set the len of the buffer without allocating a new buffer
		l.writeBatch[l.writeBatchSize].Buffers[0] = l.writeBatch[l.writeBatchSize].Buffers[0][:len(f)]
		// copy the data from the fragment buffer into the message buffer
		copy(l.writeBatch[l.writeBatchSize].Buffers[0], f)

		l.writeBatchSize++

		if l.writeBatchSize >= len(l.writeBatch) {
			if err := l.flush(false); err != nil {
				return err
			}
		}

		f = p.next()
	}

	return nil
}

func (l *listener) flusher() {
	defer l.ftimer.Stop()

	for {
		select {
		case <-l.quit:
			return
		case <-l.ftimer.C:
			err := l.flush(true)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				panic(err)
			}
		}
	}
}

func (l *listener) flush(lock bool) error {
	if lock {
		l.mu.Lock()
		defer l.mu.Unlock()
	}

	if l.writeBatchSize < 1 {
		return nil
	}

	_, err := l.conn.WriteBatch(l.writeBatch[:l.writeBatchSize], 0)
	if err != nil {
		return err
	}

	// reset the batch
	l.writeBatchSize = 0

	return nil
}

// Close shuts down the listener
func (l *listener) Close() error {
	close(l.quit)
	return l.conn.Close()
}

func peersToNodeRefs(peers []*peer) []wire.NodeRef {
	refs := make([]wire.NodeRef, 0, len(peers))

	for _, p := range peers {
		if p.address == nil {
			continue
		}

		ip4 := p.address.IP.To4()
		if ip4 == nil {
			continue
		}

		refs = append(refs, wire.NodeRef{
			ID:      append([]byte(nil), p.id[:]...),
			Address: wire.PackAddress(ip4, p.address.Port),
		})
	}

	return refs
}

func nodeRefsToPeers(refs []wire.NodeRef) []*peer {
	peers := make([]*peer, 0, len(refs))

	for _, r := range refs {
		id, err := idFromBytes(r.ID)
		if err != nil {
			continue
		}

		ip, port, err := wire.UnpackAddress(r.Address)
		if err != nil {
			continue
		}

		peers = append(peers, &peer{
			id:      id,
			address: &net.UDPAddr{IP: net.IP(ip), Port: port},
		})
	}

	return peers
}
