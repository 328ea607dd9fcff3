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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer() *peer {
	return &peer{id: randomID()}
}

func TestJourneyEmptySeedTerminatesImmediately(t *testing.T) {
	j := newJourney(randomID(), randomID(), nil)

	assert.True(t, j.empty())
	assert.True(t, j.endOfRound())
	assert.False(t, j.advanceRound())
	assert.Empty(t, j.closestPeers(nil))
}

func TestJourneyNextMarksQueried(t *testing.T) {
	local := randomID()
	target := randomID()

	seeds := []*peer{newTestPeer(), newTestPeer(), newTestPeer()}
	j := newJourney(local, target, seeds)

	assert.False(t, j.endOfRound())

	picked := j.next(2, time.Second)
	require.Len(t, picked, 2)

	for _, e := range picked {
		assert.Equal(t, stateQueried, e.state)
		assert.False(t, e.deadline.IsZero())
	}

	assert.Equal(t, 2, j.inFlight())
	assert.Equal(t, 1, j.countByState(stateStart))
}

func TestJourneySkipsSelf(t *testing.T) {
	local := randomID()
	target := randomID()

	self := &peer{id: local}
	other := newTestPeer()

	j := newJourney(local, target, []*peer{self, other})

	assert.Equal(t, 1, j.countByState(stateStart))
}

func TestJourneyReplyFoldsRecommendations(t *testing.T) {
	local := randomID()
	target := randomID()

	seed := newTestPeer()
	j := newJourney(local, target, []*peer{seed})

	picked := j.next(1, time.Second)
	require.Len(t, picked, 1)

	recommended := []*peer{newTestPeer(), newTestPeer()}
	j.reply(picked[0], recommended)

	assert.Equal(t, 0, j.inFlight())
	assert.Equal(t, stateReplied, picked[0].state)
	assert.Equal(t, 2, j.countByState(stateRecommended))
}

func TestJourneyReplyDeduplicatesRecommendations(t *testing.T) {
	local := randomID()
	target := randomID()

	seed := newTestPeer()
	dup := newTestPeer()

	j := newJourney(local, target, []*peer{seed, dup})

	picked := j.next(1, time.Second)
	require.Len(t, picked, 1)

	// dup is already known (state start), so recommending it again must
	// not create a second entry
	j.reply(picked[0], []*peer{dup})

	assert.Equal(t, 0, j.countByState(stateRecommended))
	assert.Equal(t, 1, j.countByState(stateStart))
}

func TestJourneyExpireNeverRequeried(t *testing.T) {
	local := randomID()
	target := randomID()

	seed := newTestPeer()
	j := newJourney(local, target, []*peer{seed})

	picked := j.next(1, time.Second)
	require.Len(t, picked, 1)

	j.expire(picked[0])

	assert.Equal(t, 0, j.inFlight())
	assert.Equal(t, stateTimeout, picked[0].state)
	assert.True(t, j.endOfRound())

	// a further round must never resend to a timed out peer
	assert.Empty(t, j.next(5, time.Second))
}

func TestJourneyAdvanceRoundTerminatesWhenNoCloserRecommendations(t *testing.T) {
	local := randomID()
	target := randomID()

	seeds := make([]*peer, K)
	for i := range seeds {
		seeds[i] = newTestPeer()
	}

	j := newJourney(local, target, seeds)

	picked := j.next(K, time.Second)
	require.Len(t, picked, K)

	for _, e := range picked {
		j.reply(e, nil)
	}

	require.True(t, j.endOfRound())

	cont := j.advanceRound()

	assert.False(t, cont)
	assert.Len(t, j.closestPeers(nil), K)
}

func TestJourneyAdvanceRoundContinuesWithFewerThanKClosest(t *testing.T) {
	local := randomID()
	target := randomID()

	seeds := []*peer{newTestPeer(), newTestPeer()}
	j := newJourney(local, target, seeds)

	picked := j.next(2, time.Second)
	require.Len(t, picked, 2)

	// recommend one new peer so there's something left in state start
	fresh := newTestPeer()
	j.reply(picked[0], []*peer{fresh})
	j.reply(picked[1], nil)

	require.True(t, j.endOfRound())

	cont := j.advanceRound()

	assert.True(t, cont)
	assert.Equal(t, 1, j.countByState(stateStart))
}

func TestJourneyResultsAreSortedAndBounded(t *testing.T) {
	local := randomID()
	target := randomID()

	seeds := make([]*peer, K+5)
	for i := range seeds {
		seeds[i] = newTestPeer()
	}

	j := newJourney(local, target, seeds)

	for {
		picked := j.next(MaxConcurrent, time.Second)
		for _, e := range picked {
			j.reply(e, nil)
		}

		if !j.endOfRound() {
			continue
		}

		if !j.advanceRound() {
			break
		}
	}

	localPeer := &peer{id: local}
	results := j.closestPeers(localPeer)

	require.Len(t, results, K)

	for i := 1; i < len(results); i++ {
		d1 := xorDistance(results[i-1].id, target)
		d2 := xorDistance(results[i].id, target)
		assert.True(t, distanceLess(d1, d2) || d1 == d2)
	}

	var ids = make(map[ID]struct{}, len(results))
	for _, p := range results {
		_, dup := ids[p.id]
		assert.False(t, dup)
		ids[p.id] = struct{}{}
	}
}
