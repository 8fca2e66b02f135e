package ds

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardrep/dsnode/shard"
)

func TestSameShardStructureRequiresIdenticalOrder(t *testing.T) {
	members := buildCommittee(4)
	a := []*shard.Shard{shard.NewShard(members[:2]), shard.NewShard(members[2:])}
	b := []*shard.Shard{shard.NewShard(members[:2]), shard.NewShard(members[2:])}
	assert.True(t, sameShardStructure(a, b))

	reordered := []*shard.Shard{shard.NewShard(members[2:]), shard.NewShard(members[:2])}
	assert.False(t, sameShardStructure(a, reordered), "shard order matters, unlike set-membership comparisons")
}

func TestSameShardStructureRejectsDifferentSizes(t *testing.T) {
	members := buildCommittee(4)
	a := []*shard.Shard{shard.NewShard(members)}
	b := []*shard.Shard{shard.NewShard(members[:2]), shard.NewShard(members[2:])}
	assert.False(t, sameShardStructure(a, b))
}
