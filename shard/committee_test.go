package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
)

func memberWithKey(t *testing.T, b byte, port uint16) types.Member {
	t.Helper()
	var pub types.PublicKey
	pub[0] = b
	peer, err := types.NewPeer("10.0.0.1", port)
	require.NoError(t, err)
	return types.Member{PubKey: pub, Peer: peer}
}

func TestDsCommitteeLeaderIsHead(t *testing.T) {
	a := memberWithKey(t, 1, 9001)
	b := memberWithKey(t, 2, 9002)
	c := NewDsCommittee([]types.Member{a, b})

	assert.Equal(t, a, c.Leader())
	assert.Equal(t, 2, c.Size())

	idx, ok := c.IndexOf(b.PubKey)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = c.IndexOf(memberWithKey(t, 99, 1).PubKey)
	assert.False(t, ok)
}

func TestDsCommitteeRotatePromotesWinnerAndEjectsTail(t *testing.T) {
	a := memberWithKey(t, 1, 9001)
	b := memberWithKey(t, 2, 9002)
	c := NewDsCommittee([]types.Member{a, b})

	winner := memberWithKey(t, 3, 9003)
	ejected := c.Rotate(winner)

	assert.Equal(t, b, ejected)
	assert.Equal(t, winner, c.Leader())
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, a, c.At(1))
}

func TestDsCommitteeRotateViewChangeShiftsLeaderToBack(t *testing.T) {
	a := memberWithKey(t, 1, 9001)
	b := memberWithKey(t, 2, 9002)
	cc := memberWithKey(t, 3, 9003)
	c := NewDsCommittee([]types.Member{a, b, cc})

	c.RotateViewChange()

	assert.Equal(t, b, c.Leader())
	assert.Equal(t, []types.Member{b, cc, a}, c.Members())
}

func TestDsCommitteeCloneIsIndependent(t *testing.T) {
	a := memberWithKey(t, 1, 9001)
	c := NewDsCommittee([]types.Member{a})
	clone := c.Clone()

	clone.PushFront(memberWithKey(t, 2, 9002))

	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 2, clone.Size())
}

func TestDsCommitteePopBackOnEmptyIsSafe(t *testing.T) {
	c := NewDsCommittee(nil)
	assert.Equal(t, types.Member{}, c.PopBack())
	assert.Equal(t, types.Member{}, c.Leader())
}

func TestShardLeaderAndIndexOf(t *testing.T) {
	a := memberWithKey(t, 1, 9001)
	b := memberWithKey(t, 2, 9002)
	s := NewShard([]types.Member{a, b})

	assert.Equal(t, a, s.Leader())
	assert.Equal(t, 2, s.Size())

	idx, ok := s.IndexOf(b.PubKey)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	peer, ok := s.Peer(b.PubKey)
	assert.True(t, ok)
	assert.Equal(t, b.Peer, peer)

	_, ok = s.Peer(memberWithKey(t, 99, 1).PubKey)
	assert.False(t, ok)
}

func TestPublicKeyToShardIDLooksUpAcrossShards(t *testing.T) {
	a := memberWithKey(t, 1, 9001)
	b := memberWithKey(t, 2, 9002)
	shardA := NewShard([]types.Member{a})
	shardB := NewShard([]types.Member{b})

	m := NewPublicKeyToShardID([]*Shard{shardA, shardB})

	id, ok := m.ShardOf(a.PubKey)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), id)

	id, ok = m.ShardOf(b.PubKey)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), id)

	_, ok = m.ShardOf(memberWithKey(t, 99, 1).PubKey)
	assert.False(t, ok)
}
