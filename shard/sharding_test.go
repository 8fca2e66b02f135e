package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
)

func submission(t *testing.T, b byte, nonce uint64, port uint16) PowSubmission {
	t.Helper()
	var pub types.PublicKey
	pub[0] = b
	peer, err := types.NewPeer("10.0.0.1", port)
	require.NoError(t, err)
	return PowSubmission{PubKey: pub, Peer: peer, Nonce: nonce}
}

func TestComputeShardingStructureEmptyPopulationYieldsNoShards(t *testing.T) {
	shards := ComputeShardingStructure(Config{CommSize: 2}, nil)
	assert.Nil(t, shards)
}

func TestComputeShardingStructureUndersizedPopulationFormsOneShard(t *testing.T) {
	pop := []PowSubmission{
		submission(t, 1, 10, 9001),
		submission(t, 2, 20, 9002),
	}
	shards := ComputeShardingStructure(Config{CommSize: 4}, pop)

	require.Len(t, shards, 1)
	assert.Equal(t, 2, shards[0].Size())
}

func TestComputeShardingStructurePartitionsEveryMemberExactlyOnce(t *testing.T) {
	pop := make([]PowSubmission, 0, 9)
	for i := byte(1); i <= 9; i++ {
		pop = append(pop, submission(t, i, uint64(i)*7, 9000+uint16(i)))
	}
	shards := ComputeShardingStructure(Config{CommSize: 3}, pop)

	require.Len(t, shards, 3)
	seen := make(map[types.PublicKey]bool)
	total := 0
	for _, s := range shards {
		for _, m := range s.Members() {
			assert.False(t, seen[m.PubKey], "member assigned to more than one shard")
			seen[m.PubKey] = true
			total++
		}
	}
	assert.Equal(t, 9, total)
}

func TestComputeShardingStructureIsDeterministic(t *testing.T) {
	pop := []PowSubmission{
		submission(t, 1, 10, 9001),
		submission(t, 2, 20, 9002),
		submission(t, 3, 30, 9003),
		submission(t, 4, 40, 9004),
	}
	first := ComputeShardingStructure(Config{CommSize: 2}, pop)
	second := ComputeShardingStructure(Config{CommSize: 2}, pop)

	require.Len(t, first, len(second))
	for i := range first {
		assert.Equal(t, first[i].Members(), second[i].Members())
	}
}

func TestPopulationExcludesWinnerAndDedupes(t *testing.T) {
	a := submission(t, 1, 10, 9001)
	b := submission(t, 2, 20, 9002)
	dup := submission(t, 1, 99, 9999) // same pubkey as a, different nonce

	out := Population([]PowSubmission{a, b, dup}, a.PubKey, nil)

	require.Len(t, out, 1)
	assert.Equal(t, b.PubKey, out[0].PubKey)
}

func TestPopulationFoldsInEjectedMember(t *testing.T) {
	a := submission(t, 1, 10, 9001)
	b := submission(t, 2, 20, 9002)
	ejected := memberWithKey(t, 3, 9003)

	out := Population([]PowSubmission{a, b}, a.PubKey, &ejected)

	require.Len(t, out, 2)
	assert.Equal(t, b.PubKey, out[0].PubKey)
	assert.Equal(t, ejected.PubKey, out[1].PubKey)
	assert.Equal(t, ejected.Peer, out[1].Peer)
}

func TestPopulationSkipsEjectedMemberAlreadyPresent(t *testing.T) {
	a := submission(t, 1, 10, 9001)
	ejected := types.Member{PubKey: a.PubKey, Peer: a.Peer}

	out := Population([]PowSubmission{a}, types.PublicKey{}, &ejected)

	require.Len(t, out, 1)
	assert.Equal(t, a.PubKey, out[0].PubKey)
}
