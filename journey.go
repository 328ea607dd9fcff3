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

// lookupState is the state of one journey entry, following the iterative
// lookup's round protocol.
type lookupState int

const (
	stateStart lookupState = iota
	stateRecommended
	stateQueried
	stateReplied
	stateTimeout
	stateClosest
	stateTooFar
)

// lookupEntry is one row of a journey's query table.
type lookupEntry struct {
	peer     *peer
	state    lookupState
	deadline time.Time
}

// journey is the query table driving a single iterative FIND_NODE or
// FIND_VALUE lookup: candidate peers tracked through repeated rounds of
// concurrent queries until no closer peers remain to be found.
type journey struct {
	mu       sync.Mutex
	localID  ID
	target   ID
	entries  []*lookupEntry
	index    map[ID]*lookupEntry
	inflight int
}

// newJourney seeds a journey with the local routing table's closest known
// peers to target, all starting in state start. An empty seed list
// produces a journey that terminates immediately on its first round.
func newJourney(localID, target ID, seeds []*peer) *journey {
	j := &journey{
		localID: localID,
		target:  target,
		index:   make(map[ID]*lookupEntry, len(seeds)),
	}

	for _, p := range seeds {
		j.appendLocked(p, stateStart)
	}

	return j
}

// appendLocked adds p to the table in state, skipping the local node and
// any peer already present (first write wins; state is never downgraded
// by a later append). Caller must hold j.mu.
func (j *journey) appendLocked(p *peer, state lookupState) bool {
	if p == nil || p.id.Equal(j.localID) {
		return false
	}

	if _, ok := j.index[p.id]; ok {
		return false
	}

	e := &lookupEntry{peer: p, state: state}
	j.entries = append(j.entries, e)
	j.index[p.id] = e

	return true
}

func (j *journey) byStateLocked(states ...lookupState) []*lookupEntry {
	var out []*lookupEntry

	for _, e := range j.entries {
		for _, s := range states {
			if e.state == s {
				out = append(out, e)
				break
			}
		}
	}

	return out
}

// countByState reports how many entries are currently in any of states.
func (j *journey) countByState(states ...lookupState) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.byStateLocked(states...))
}

// empty reports whether the journey was seeded with no candidates at all.
func (j *journey) empty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.entries) == 0
}

// next selects up to n entries in state start, marks them queried with a
// deadline, and returns them as the batch to send requests to.
func (j *journey) next(n int, timeout time.Duration) []*lookupEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var picked []*lookupEntry

	for _, e := range j.entries {
		if len(picked) >= n {
			break
		}

		if e.state != stateStart {
			continue
		}

		e.state = stateQueried
		e.deadline = time.Now().Add(timeout)
		picked = append(picked, e)
	}

	j.inflight += len(picked)

	return picked
}

// reply marks e replied and folds its recommended peers into the table in
// state recommended, deduplicating against everything already known.
func (j *journey) reply(e *lookupEntry, recommended []*peer) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.state == stateQueried {
		j.inflight--
	}

	e.state = stateReplied

	for _, p := range recommended {
		j.appendLocked(p, stateRecommended)
	}
}

// expire marks e timed out; it will not be re-queried within this journey.
func (j *journey) expire(e *lookupEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.state == stateQueried {
		j.inflight--
	}

	e.state = stateTimeout
}

// inFlight reports the number of queries currently awaiting a reply.
func (j *journey) inFlight() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.inflight
}

// endOfRound reports whether no entries remain in state start or queried.
func (j *journey) endOfRound() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range j.entries {
		if e.state == stateStart || e.state == stateQueried {
			return false
		}
	}

	return true
}

func (j *journey) sortByDistanceLocked(entries []*lookupEntry) {
	sort.Slice(entries, func(x, y int) bool {
		dx := xorDistance(entries[x].peer.id, j.target)
		dy := xorDistance(entries[y].peer.id, j.target)

		if dx == dy {
			return false
		}

		return distanceLess(dx, dy)
	})
}

// advanceRound performs end-of-round bookkeeping: promote replied peers to
// closest and recommended peers to start, demote the tail of an over-full
// closest set to tooFar, then decide whether another round is warranted.
// Call only once endOfRound reports true.
func (j *journey) advanceRound() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range j.entries {
		switch e.state {
		case stateReplied:
			e.state = stateClosest
		case stateRecommended:
			e.state = stateStart
		}
	}

	closest := j.byStateLocked(stateClosest)
	j.sortByDistanceLocked(closest)

	if len(closest) > K {
		for _, e := range closest[K:] {
			e.state = stateTooFar
		}
		closest = closest[:K]
	}

	if len(closest) < K {
		return j.countByStateLocked(stateStart) > 0
	}

	worst := xorDistance(closest[len(closest)-1].peer.id, j.target)

	for _, e := range j.byStateLocked(stateStart) {
		if distanceLess(xorDistance(e.peer.id, j.target), worst) {
			return true
		}
	}

	return false
}

func (j *journey) countByStateLocked(states ...lookupState) int {
	return len(j.byStateLocked(states...))
}

// closestPeers returns the lookup's result: the closest set plus the local
// node, sorted ascending by XOR distance to the target and truncated to K.
func (j *journey) closestPeers(local *peer) []*peer {
	j.mu.Lock()
	defer j.mu.Unlock()

	closest := append([]*lookupEntry(nil), j.byStateLocked(stateClosest)...)

	if local != nil {
		closest = append(closest, &lookupEntry{peer: local, state: stateClosest})
	}

	j.sortByDistanceLocked(closest)

	out := make([]*peer, 0, K)

	for _, e := range closest {
		if len(out) >= K {
			break
		}
		out = append(out, e.peer)
	}

	return out
}
