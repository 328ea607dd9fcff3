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
	"sync"
	"time"
)

const (
	defaultLatencyThreshold = 500 * time.Millisecond
	latencyCheckInterval    = 2 * time.Hour
)

// latencyRouter tracks observed PING round-trip latency per peer and uses
// it to bias route selection towards responsive peers, supplementing the
// routing table's pure distance ordering.
type latencyRouter struct {
	dht       *DHT
	threshold time.Duration
}

func newLatencyRouter(d *DHT) *latencyRouter {
	lr := &latencyRouter{
		dht:       d,
		threshold: defaultLatencyThreshold,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		lr.run()
	}()

	return lr
}

func (lr *latencyRouter) measure(p *peer) time.Duration {
	if p == nil || p.address == nil {
		return time.Hour
	}

	if p.testMode {
		return p.latency
	}

	start := time.Now()

	if !lr.dht.pingNode(p) {
		return time.Hour
	}

	return time.Since(start)
}

// bestRoutes returns up to count of the closest known peers to target,
// preferring the ones with the lowest observed latency.
func (lr *latencyRouter) bestRoutes(target ID, count int) []*peer {
	candidates := lr.dht.routing.closestN(target, count*2)
	if len(candidates) == 0 {
		return nil
	}

	type scored struct {
		p       *peer
		latency time.Duration
	}

	scores := make([]scored, len(candidates))
	var wg sync.WaitGroup

	for i, p := range candidates {
		wg.Add(1)
		go func(idx int, pr *peer) {
			defer wg.Done()
			scores[idx] = scored{pr, lr.measure(pr)}
		}(i, p)
	}

	wg.Wait()

	sort.Slice(scores, func(i, j int) bool {
		return scores[i].latency < scores[j].latency
	})

	result := make([]*peer, 0, count)

	for i := 0; i < len(scores) && len(result) < count; i++ {
		if scores[i].latency < lr.threshold {
			result = append(result, scores[i].p)
		}
	}

	if len(result) == 0 {
		// nothing met the threshold: fall back to the plain distance order
		return candidates[:min(count, len(candidates))]
	}

	return result
}

func (lr *latencyRouter) run() {
	ticker := time.NewTicker(latencyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lr.dht.quit:
			return
		case <-ticker.C:
			lr.refreshAll()
		}
	}
}

func (lr *latencyRouter) refreshAll() {
	for i := 0; i < KEY_BITS; i++ {
		lr.dht.routing.buckets[i].iterate(func(p *peer) {
			p.latency = lr.measure(p)
		})
	}
}
