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
	"context"
	"errors"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/tos-network/stasher/wire"
)

// DHT is a Kademlia node: routing table, local storage, and the udp
// listeners that carry PING, STORE, FIND_NODE and FIND_VALUE between peers.
type DHT struct {
	// config used for the dht
	config *Config
	// local identifier
	localID ID
	// address this node is reachable at
	address *net.UDPAddr
	// storage for values that saved to this node
	storage Storage
	// routing table that stores routing information about the network
	routing *routingTable
	// cache that tracks requests sent to other nodes
	cache *cache
	// manages fragmented packets that are larger than MTU
	packet *packetManager
	// udp listeners that are handling requests to/from other nodes
	listeners []*listener
	// latency router for finding the best routes
	latencyRouter *latencyRouter
	// the current listener to use when sending data
	cl int32
	// wait group for the dht
	wg sync.WaitGroup
	// for shutting down the dht
	quit chan struct{}
	// for shutting down the dht
	closeOnce sync.Once
}

// New creates a new dht and starts its udp listeners. Bootstrap addresses,
// if any, are pinged to learn their identifiers before an initial
// self-lookup populates the routing table.
func New(cfg *Config) (*DHT, error) {
	var localID ID

	if cfg.LocalID == nil {
		localID = randomID()
	} else {
		var err error
		localID, err = idFromBytes(cfg.LocalID)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultPingTimeout
	}

	if cfg.FindTimeout == 0 {
		cfg.FindTimeout = defaultFindTimeout
	}

	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}

	if cfg.NumStore == 0 {
		cfg.NumStore = NumStore
	}

	if cfg.ValueTTL == 0 {
		cfg.ValueTTL = defaultValueTTL
	}

	if cfg.Listeners < 1 {
		cfg.Listeners = runtime.GOMAXPROCS(0)
	}

	if cfg.SocketBufferSize < 1 {
		cfg.SocketBufferSize = 32 * 1024 * 1024
	}

	if cfg.SocketBatchSize < 1 {
		cfg.SocketBatchSize = 1024
	}

	if cfg.SocketBatchInterval < 1 {
		cfg.SocketBatchInterval = time.Millisecond
	}

	if cfg.Storage == nil {
		storage, err := InitializeStorage(cfg)
		if err != nil {
			return nil, err
		}
		cfg.Storage = storage
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddress)
	if err != nil {
		return nil, err
	}

	d := &DHT{
		config:  cfg,
		localID: localID,
		address: addr,
		routing: newRoutingTable(localID),
		cache:   newCache(defaultTick),
		storage: cfg.Storage,
		packet:  newPacketManager(),
		quit:    make(chan struct{}),
	}
	d.latencyRouter = newLatencyRouter(d)

	if err := d.listen(); err != nil {
		return nil, err
	}

	// seed our own routing table with persisted refs so a restarted node
	// can rejoin without a fresh bootstrap
	d.storage.IterateRefs(func(ref *NodeRef) bool {
		d.routing.insert(d, ref.ID, ref.Address, 0, false)
		return true
	})

	var bootstrapped bool

	for _, raw := range cfg.BootstrapAddresses {
		baddr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			log.Printf("bootstrap address %q invalid: %v", raw, err)
			continue
		}

		if _, ok := d.probeAddress(baddr); ok {
			bootstrapped = true
		}
	}

	if len(cfg.BootstrapAddresses) > 0 && !bootstrapped {
		return nil, errors.New("bootstrapping failed")
	}

	if bootstrapped {
		// refresh our own neighbourhood now that we have at least one contact
		d.findNode(d.localID)
	}

	if !cfg.DisablePeriodicMaintenance {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.refreshPeers()
		}()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.refreshKeys()
		}()
	}

	return d, nil
}

func (d *DHT) listen() error {
	for i := 0; i < d.config.Listeners; i++ {
		lc := net.ListenConfig{Control: control}

		c, err := lc.ListenPacket(context.Background(), "udp", d.config.ListenAddress)
		if err != nil {
			return err
		}

		if err := c.(*net.UDPConn).SetReadBuffer(d.config.SocketBufferSize); err != nil {
			return err
		}

		if err := c.(*net.UDPConn).SetWriteBuffer(d.config.SocketBufferSize); err != nil {
			return err
		}

		l := &listener{
			conn:       ipv4.NewPacketConn(c),
			routing:    d.routing,
			cache:      d.cache,
			storage:    d.storage,
			packet:     d.packet,
			localID:    d.localID,
			timeout:    d.config.Timeout,
			logging:    d.config.Logging,
			bufferSize: d.config.SocketBufferSize,
			writeBatch: make([]ipv4.Message, d.config.SocketBatchSize),
			readBatch:  make([]ipv4.Message, d.config.SocketBatchSize),
			ftimer:     time.NewTicker(d.config.SocketBatchInterval),
			quit:       make(chan struct{}),
		}

		for j := range l.writeBatch {
			l.readBatch[j].Buffers = [][]byte{make([]byte, 1500)}
			l.writeBatch[j].Buffers = [][]byte{make([]byte, 1500)}
		}

		d.wg.Add(2)
		go func() {
			defer d.wg.Done()
			l.flusher()
		}()
		go func() {
			defer d.wg.Done()
			l.process()
		}()

		d.listeners = append(d.listeners, l)
	}

	return nil
}

// nextListener picks the next listener to send a request through, in round
// robin order across the sharded reactor.
func (d *DHT) nextListener() *listener {
	return d.listeners[(atomic.AddInt32(&d.cl, 1)-1)%int32(len(d.listeners))]
}

// Start is a no-op once New has returned: the dht is already listening. It
// exists so callers have a symmetrical Start/Stop pair to drive from a
// control surface.
func (d *DHT) Start() error {
	return nil
}

// Stop is an alias for Close.
func (d *DHT) Stop() error {
	return d.Close()
}

// Close shuts down the dht
func (d *DHT) Close() error {
	var closeErr error

	d.closeOnce.Do(func() {
		close(d.quit)

		for _, l := range d.listeners {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				closeErr = err
			}
		}

		if closer, ok := d.storage.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				closeErr = err
			}
		}

		d.wg.Wait()
	})

	return closeErr
}

// Put stores a value on the network under key. It runs an iterative
// FIND_NODE on key to find the closest peers known anywhere in the network,
// then fans out STORE to the configured number of them. The value is always
// kept in local storage as well, so it is not lost if no peer stores it.
// callback runs once every STORE has been answered or has timed out, or once
// StoreTimeout has passed, whichever comes first.
func (d *DHT) Put(key, value []byte, ttl time.Duration, callback func(err error)) {
	if len(key) != KEY_BYTES {
		callback(errors.New("key must be 20 bytes in length"))
		return
	}

	if len(value) > MaxValue {
		callback(errors.New("value must be at most 30000 bytes in length"))
		return
	}

	if ttl == 0 {
		ttl = d.config.ValueTTL
	}

	target, err := idFromBytes(key)
	if err != nil {
		callback(err)
		return
	}

	created := time.Now()

	record := wire.ValueRecord{
		Key:     key,
		Value:   value,
		TTL:     int64(ttl),
		Created: created.UnixNano(),
	}

	// run an iterative FIND_NODE on the target so the fan-out targets the
	// network's closest peers, not just whatever the local routing table
	// already happens to hold
	closest := d.findNode(target)

	peers := closest
	if len(peers) > d.config.NumStore {
		peers = peers[:d.config.NumStore]
	}

	// always keep a local copy so Get succeeds even if every store rpc fails
	d.storage.Set(key, value, created, ttl)

	if len(peers) == 0 {
		callback(nil)
		return
	}

	var remaining int32 = int32(len(peers))
	var once sync.Once

	// report completion after StoreTimeout even if some STORE requests are
	// still unanswered
	time.AfterFunc(d.config.StoreTimeout, func() { once.Do(func() { callback(nil) }) })

	for _, p := range peers {
		if p.id.Equal(d.localID) {
			if atomic.AddInt32(&remaining, -1) == 0 {
				once.Do(func() { callback(nil) })
			}
			continue
		}

		msgID := pseudorandomID()
		data := wire.EncodeStoreRequest(msgID[:], d.localID[:], []wire.ValueRecord{record})

		err := d.nextListener().request(p.address, msgID, data, func(_ *wire.Message, err error) bool {
			if err != nil && errors.Is(err, ErrRequestTimeout) {
				d.routing.remove(p.id)
			}

			if atomic.AddInt32(&remaining, -1) == 0 {
				once.Do(func() { callback(nil) })
			}

			return true
		})

		if err != nil {
			if atomic.AddInt32(&remaining, -1) == 0 {
				once.Do(func() { callback(nil) })
			}
		}
	}
}

// Get looks up a value on the network, checking local storage first. If not
// found locally an iterative FIND_VALUE lookup is driven across the routing
// table. callback is invoked once per distinct value found, and once more
// with a non-nil error if the lookup exhausts every candidate peer without
// finding anything.
func (d *DHT) Get(key []byte, callback func(value []byte, err error), opts ...*FindOption) {
	if len(key) != KEY_BYTES {
		callback(nil, errors.New("key must be 20 bytes in length"))
		return
	}

	var from time.Time
	if len(opts) > 0 {
		from = opts[0].from
	}

	target, err := idFromBytes(key)
	if err != nil {
		callback(nil, err)
		return
	}

	if vs, ok := d.storage.Get(key, from); ok {
		for _, v := range vs {
			callback(v.Value, nil)
		}
		return
	}

	seeds := d.routing.closestN(target, K)
	if len(seeds) == 0 {
		callback(nil, errors.New("no peers known"))
		return
	}

	j := newJourney(d.localID, target, seeds)

	var found int32
	var mu sync.Mutex
	delivered := make(map[string]struct{})

	d.runLookup(j, func(e *lookupEntry) (ID, []byte) {
		msgID := pseudorandomID()

		var fromNanos int64
		if !from.IsZero() {
			fromNanos = from.UnixNano()
		}

		return msgID, wire.EncodeFindValueRequest(msgID[:], d.localID[:], key, fromNanos)
	}, func(e *lookupEntry, msg *wire.Message) []*peer {
		if msg.Found() {
			values, err := msg.Values()
			if err == nil {
				for _, v := range values {
					mu.Lock()
					_, dup := delivered[string(v.Value)]
					delivered[string(v.Value)] = struct{}{}
					mu.Unlock()

					if dup {
						continue
					}

					atomic.AddInt32(&found, 1)
					callback(v.Value, nil)
				}
			}
			return nil
		}

		nodes, err := msg.Nodes()
		if err != nil {
			return nil
		}

		recommended := nodeRefsToPeers(nodes)
		for _, p := range recommended {
			d.routing.insert(d, p.id, p.address, 0, false)
		}

		return recommended
	})

	if atomic.LoadInt32(&found) == 0 {
		callback(nil, errors.New("value not found"))
	}
}

// findNode drives a FIND_NODE lookup for target, inserting every discovered
// peer into the routing table, and returns the closest peers found.
func (d *DHT) findNode(target ID) []*peer {
	seeds := d.routing.closestN(target, K)

	j := newJourney(d.localID, target, seeds)

	d.runLookup(j, func(e *lookupEntry) (ID, []byte) {
		msgID := pseudorandomID()
		return msgID, wire.EncodeFindNodeRequest(msgID[:], d.localID[:], target[:])
	}, func(e *lookupEntry, msg *wire.Message) []*peer {
		nodes, err := msg.Nodes()
		if err != nil {
			return nil
		}

		recommended := nodeRefsToPeers(nodes)
		for _, p := range recommended {
			d.routing.insert(d, p.id, p.address, 0, false)
		}

		return recommended
	})

	self := &peer{id: d.localID, address: d.address}

	return j.closestPeers(self)
}

// probeAddress sends a blocking PING to addr without knowing its
// identifier, used to bootstrap against a fresh contact. On success the
// peer is inserted into the routing table and its identifier returned.
func (d *DHT) probeAddress(addr *net.UDPAddr) (ID, bool) {
	msgID := pseudorandomID()
	req := wire.EncodePing(msgID[:], d.localID[:])

	reply := make(chan *wire.Message, 1)

	err := d.nextListener().request(addr, msgID, req, func(msg *wire.Message, err error) bool {
		if err == nil {
			reply <- msg
		} else {
			reply <- nil
		}
		return true
	})

	if err != nil {
		return ID{}, false
	}

	select {
	case msg := <-reply:
		if msg == nil {
			return ID{}, false
		}

		id, err := idFromBytes(msg.Sender)
		if err != nil {
			return ID{}, false
		}

		d.routing.insert(d, id, addr, 0, false)
		d.storage.PutRef(&NodeRef{ID: id, Address: addr, Seen: time.Now()})

		return id, true
	case <-time.After(d.config.Timeout):
		return ID{}, false
	}
}

// runLookup drives a journey to completion: each round it queries up to
// MaxConcurrent entries in state start, waits for replies or timeouts, folds
// recommended peers into the table via onReply, and repeats until
// advanceRound reports no further progress is possible.
func (d *DHT) runLookup(j *journey, buildRequest func(*lookupEntry) (ID, []byte), onReply func(*lookupEntry, *wire.Message) []*peer) {
	if j.empty() {
		return
	}

	for {
		picked := j.next(MaxConcurrent, d.config.FindTimeout)

		if len(picked) == 0 && j.endOfRound() {
			if !j.advanceRound() {
				return
			}
			continue
		}

		var wg sync.WaitGroup

		for _, e := range picked {
			wg.Add(1)

			go func(e *lookupEntry) {
				defer wg.Done()
				d.queryEntry(j, e, buildRequest, onReply)
			}(e)
		}

		wg.Wait()

		if !j.endOfRound() {
			continue
		}

		if !j.advanceRound() {
			return
		}
	}
}

func (d *DHT) queryEntry(j *journey, e *lookupEntry, buildRequest func(*lookupEntry) (ID, []byte), onReply func(*lookupEntry, *wire.Message) []*peer) {
	msgID, data := buildRequest(e)

	done := make(chan struct{})

	err := d.nextListener().request(e.peer.address, msgID, data, func(msg *wire.Message, err error) bool {
		defer close(done)

		if err != nil {
			if errors.Is(err, ErrRequestTimeout) {
				d.routing.remove(e.peer.id)
				j.expire(e)
			}
			return true
		}

		recommended := onReply(e, msg)
		j.reply(e, recommended)

		return true
	})

	if err != nil {
		j.expire(e)
		return
	}

	select {
	case <-done:
	case <-time.After(d.config.FindTimeout):
		j.expire(e)
	}
}

// AddRef introduces a new contact to the routing table by its udp
// destination. If ping is true the contact is probed first so its
// identifier can be learned and verified before being trusted.
func (d *DHT) AddRef(destination string, ping bool) error {
	addr, err := net.ResolveUDPAddr("udp", destination)
	if err != nil {
		return err
	}

	if !ping {
		return errors.New("adding a ref without verifying it requires a known identifier")
	}

	if _, ok := d.probeAddress(addr); !ok {
		return errors.New("peer did not respond")
	}

	return nil
}

// GetRef returns the persisted reference for a known peer identifier, if any.
func (d *DHT) GetRef(id ID) (*NodeRef, bool) {
	return d.storage.GetRef(id)
}

// PingAll sends a PING to every peer currently in the routing table and
// reports how many responded before the configured timeout.
func (d *DHT) PingAll() (ok, failed int) {
	var peers []*peer

	for i := 0; i < KEY_BITS; i++ {
		d.routing.buckets[i].iterate(func(p *peer) {
			peers = append(peers, p)
		})
	}

	var wg sync.WaitGroup
	var okCount, failCount int32

	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()

			if d.pingNode(p) {
				atomic.AddInt32(&okCount, 1)
			} else {
				atomic.AddInt32(&failCount, 1)
			}
		}(p)
	}

	wg.Wait()

	return int(okCount), int(failCount)
}

// pingNode sends a synchronous PING to p and reports whether it replied
// before d's configured timeout.
func (d *DHT) pingNode(p *peer) bool {
	if p.testMode {
		return true
	}

	msgID := pseudorandomID()
	req := wire.EncodePing(msgID[:], d.localID[:])

	response := make(chan bool, 1)

	err := d.nextListener().request(p.address, msgID, req, func(_ *wire.Message, err error) bool {
		if err != nil {
			response <- false
		} else {
			d.routing.seen(p.id)
			response <- true
		}
		return true
	})

	if err != nil {
		return false
	}

	select {
	case res := <-response:
		return res
	case <-time.After(d.config.Timeout):
		return false
	}
}

// generateRandomIDInBucket produces an identifier guaranteed to fall inside
// bucket b, used to probe for fresh contacts when a bucket has room to grow.
func (d *DHT) generateRandomIDInBucket(b *bucket) ID {
	index := d.routing.getBucketIndex(b)

	id := d.localID

	// bucket index counts from the least significant bit, ids are big-endian
	pos := KEY_BITS - 1 - index
	byteIndex := pos / 8
	bitIndex := pos % 8
	id[byteIndex] ^= 1 << (7 - bitIndex)

	rest := randomID()
	copy(id[byteIndex+1:], rest[byteIndex+1:])

	return id
}

// lookup returns up to K peers close to target, preferring the routing
// table's lowest-latency candidates and falling back to a live FIND_NODE
// lookup when little is known locally.
func (d *DHT) lookup(target ID) []*peer {
	routed := d.latencyRouter.bestRoutes(target, K)
	if len(routed) >= K {
		return routed
	}

	return d.findNode(target)
}

// "borrow" this from github.com/libp2p/go-reuseport as we don't care about other operating systems right now :)
func control(network, address string, c syscall.RawConn) error {
	var err error

	c.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err != nil {
			return
		}

		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if err != nil {
			return
		}
	})

	return err
}

// refreshPeers drives the hourly bucket refresh maintenance tick.
func (d *DHT) refreshPeers() {
	ticker := time.NewTicker(defaultBucketRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			d.refreshBuckets()
		}
	}
}

func (d *DHT) refreshBuckets() {
	for i := 0; i < KEY_BITS; i++ {
		d.routing.buckets[i].refresh(d)
	}
}

// refreshKeys periodically republishes every unexpired value this node holds,
// carrying over each value's remaining TTL. Expired values are skipped here;
// removing them is left to the storage's own cleanup.
func (d *DHT) refreshKeys() {
	ticker := time.NewTicker(defaultKeyRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			var keys [][]byte

			d.storage.Iterate(func(v *Value) bool {
				keys = append(keys, v.Key)
				return true
			})

			for _, key := range keys {
				values, ok := d.storage.Get(key, time.Time{})
				if !ok || len(values) == 0 {
					continue
				}

				for _, v := range values {
					remaining := time.Until(v.expires)
					if remaining <= 0 {
						continue
					}

					d.Put(key, v.Value, remaining, func(err error) {
						if err != nil {
							log.Printf("failed to republish key %x: %v", key, err)
						}
					})
				}
			}
		}
	}
}
