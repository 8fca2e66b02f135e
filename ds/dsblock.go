package ds

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
)

// currentSWVersionDs is the software version the DS committee stamps onto a
// DsBlockHeader it composes.
const currentSWVersionDs uint32 = 1

// ValidateDsBlock runs the structural checks a DS backup applies to a
// leader's DsBlockHeader announcement before co-signing it (spec.md section
// 4.2): the version this committee is running, block number continuity
// against the chain tip, and previous-hash continuity. The winner itself is
// never independently re-derivable by a backup without its own full PoW
// submission view, so (unlike checkMicroBlockHashes for finalblocks) this
// chain stops short of re-running ComposeDsBlock — a backup trusts the
// leader's announced winner the same way spec.md section 4.2 has it trust
// the leader's announced difficulty retarget, and catches a dishonest
// leader only through the cosignature threshold itself refusing to form.
func ValidateDsBlock(header types.DsBlockHeader, prev *types.DsBlockHeader) error {
	if header.SWVersion != currentSWVersionDs {
		return errors.Errorf("dsblock: unsupported version %d", header.SWVersion)
	}
	var wantNum uint64
	var wantPrevHash types.Hash
	if prev != nil {
		wantNum = prev.BlockNum + 1
		wantPrevHash = prev.Hash()
	}
	if header.BlockNum != wantNum {
		return errors.Errorf("dsblock: expected block number %d, got %d", wantNum, header.BlockNum)
	}
	if !types.HashEqual(header.PrevHash, wantPrevHash) {
		return errors.New("dsblock: previous-hash mismatch")
	}
	return nil
}

// RunDsBlockConsensus drives (as leader) or participates in (as backup) the
// DsBlock consensus round (spec.md section 4.2 step 1): the leader composes
// the epoch's DsBlockHeader from its own PoW registry view and announces it;
// backups structurally validate and co-sign.
func (d *DirectoryService) RunDsBlockConsensus(ctx context.Context, header types.DsBlockHeader) (types.CoSignatures, error) {
	d.setState(StateDsBlockConsensusPrep)
	blockHash := header.Hash()

	d.mu.Lock()
	prev := d.prevDsHeader
	d.mu.Unlock()

	callbacks := consensus.Callbacks{
		GenerateAnnouncement: func() []byte { return header.Bytes() },
		Validate: func(announcement []byte) consensus.ErrorKind {
			got, err := types.DecodeDsBlockHeader(announcement)
			if err != nil {
				return consensus.ErrValidationFailure
			}
			if err := ValidateDsBlock(got, prev); err != nil {
				return consensus.ErrValidationFailure
			}
			return consensus.ErrNone
		},
	}

	inst := d.newInstance(consensus.KindDsBlock, blockHash, callbacks)
	defer d.Consensus.Unregister(inst.ConsensusID())
	d.setState(StateDsBlockConsensus)
	if err := inst.Start(); err != nil {
		return types.CoSignatures{}, errors.Wrap(err, "start dsblock consensus")
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
