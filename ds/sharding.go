package ds

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/shard"
)

// RunShardingConsensus drives (as leader) or participates in (as backup)
// the consensus round that co-signs the epoch's sharding structure (spec.md
// section 4.3): shards is whatever ComposeDsBlock already computed for this
// epoch, so every DS committee member announces/validates the identical
// structure the DsBlock they just co-signed names.
func (d *DirectoryService) RunShardingConsensus(ctx context.Context, shards []*shard.Shard) (types.CoSignatures, error) {
	d.setState(StateShardingConsensusPrep)
	announcement := shard.EncodeShards(shards)
	blockHash := types.HashFromBytes(announcement)

	callbacks := consensus.Callbacks{
		GenerateAnnouncement: func() []byte { return announcement },
		Validate: func(got []byte) consensus.ErrorKind {
			gotShards, _, err := shard.DecodeShards(got)
			if err != nil {
				return consensus.ErrValidationFailure
			}
			if !sameShardStructure(gotShards, shards) {
				return consensus.ErrValidationFailure
			}
			return consensus.ErrNone
		},
	}

	inst := d.newInstance(consensus.KindSharding, blockHash, callbacks)
	defer d.Consensus.Unregister(inst.ConsensusID())
	d.setState(StateShardingConsensus)
	if err := inst.Start(); err != nil {
		return types.CoSignatures{}, errors.Wrap(err, "start sharding consensus")
	}
	select {
	case res := <-inst.Done():
		if res.Err != nil {
			return types.CoSignatures{}, res.Err
		}
		return res.CoSigs, nil
	case <-ctx.Done():
		return types.CoSignatures{}, ctx.Err()
	}
}

func sameShardStructure(a, b []*shard.Shard) bool {
	keyA, keyB := shard.PublicKeys(a), shard.PublicKeys(b)
	if len(keyA) != len(keyB) {
		return false
	}
	for i := range keyA {
		if keyA[i] != keyB[i] {
			return false
		}
	}
	return true
}
