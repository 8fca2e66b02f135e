package ds

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/shard"
)

// candidateLeader picks the next member in line to take over as DS leader,
// cycling further down the committee with every consecutive failed attempt
// (spec.md section 4.7): the first view change proposes the member right
// after the silent leader; if that candidate also never produces a
// co-signed VcBlock, the next view change tries the member after it, and so
// on until one succeeds. Returns the candidate alongside its committee
// index, since both end up in the VcBlockHeader.
func (d *DirectoryService) candidateLeader() (uint32, types.Member) {
	committee := d.Mediator.DsCommitteeView()
	members := committee.Members()
	if len(members) <= 1 {
		return 0, committee.Leader()
	}
	d.mu.Lock()
	step := 1 + int(d.viewChangeCounter)%(len(members)-1)
	d.mu.Unlock()
	return uint32(step), members[step]
}

// ComposeViewChangeCandidate builds the VcBlockHeader a view-change leader
// (the current backup next in line to propose, not the candidate itself)
// announces: the next member to try, tagged with whichever consensus state
// the silent leader was supposed to be driving and the DS epoch it
// interrupted.
func (d *DirectoryService) ComposeViewChangeCandidate(interrupted types.ViewChangeState) types.VcBlockHeader {
	idx, candidate := d.candidateLeader()
	return types.VcBlockHeader{
		CandidateLeaderIndex:  idx,
		CandidateLeaderPeer:   candidate.Peer,
		CandidateLeaderPubKey: candidate.PubKey,
		ViewChangeState:       interrupted,
		ViewChangeEpochNum:    d.Mediator.EpochNum(),
	}
}

// RunViewChangeConsensus drives (as leader) or participates in (as backup)
// the consensus round that co-signs a candidate VcBlockHeader (spec.md
// section 4.7). A backup's Validate callback only checks that the announced
// candidate is the same member its own view of the committee and
// viewChangeCounter would have picked — anything else is a reason to
// refuse to co-sign, the same wrong-leader defense every other consensus
// kind applies.
func (d *DirectoryService) RunViewChangeConsensus(ctx context.Context, header types.VcBlockHeader) (types.CoSignatures, error) {
	d.setState(StateViewChangeConsensusPrep)
	blockHash := header.Hash()

	callbacks := consensus.Callbacks{
		GenerateAnnouncement: func() []byte { return header.Bytes() },
		Validate: func(announcement []byte) consensus.ErrorKind {
			got, err := types.DecodeVcBlockHeader(announcement)
			if err != nil {
				return consensus.ErrValidationFailure
			}
			want := d.ComposeViewChangeCandidate(header.ViewChangeState)
			if got.CandidateLeaderIndex != want.CandidateLeaderIndex ||
				got.CandidateLeaderPeer != want.CandidateLeaderPeer ||
				got.CandidateLeaderPubKey != want.CandidateLeaderPubKey {
				return consensus.ErrValidationFailure
			}
			return consensus.ErrNone
		},
	}

	inst := d.newInstance(consensus.KindViewChange, blockHash, callbacks)
	defer d.Consensus.Unregister(inst.ConsensusID())
	d.setState(StateViewChangeConsensus)
	if err := inst.Start(); err != nil {
		return types.CoSignatures{}, errors.Wrap(err, "start view-change consensus")
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

// CommitViewChange applies a co-signed VcBlock: rotates the committee
// (pushBack(front); popFront(), per shard.DsCommittee.RotateViewChange),
// bumps the persisted view-change counter, and resumes whichever
// consensus-prep state the view change interrupted under the new leader.
func (d *DirectoryService) CommitViewChange(header types.VcBlockHeader, cosig types.CoSignatures) {
	d.Mediator.RotateDsCommittee(func(c *shard.DsCommittee) {
		c.RotateViewChange()
	})

	d.mu.Lock()
	d.viewChangeCounter++
	d.refreshModeLocked()
	d.mu.Unlock()

	switch header.ViewChangeState {
	case types.VCStateDsBlockConsensus, types.VCStateDsBlockConsensusPrep:
		d.setState(StateDsBlockConsensusPrep)
	case types.VCStateShardingConsensus:
		d.setState(StateShardingConsensusPrep)
	case types.VCStateMicroblockConsensus:
		d.setState(StateMicroblockSubmission)
	case types.VCStateFinalBlockConsensus:
		d.setState(StateFinalBlockConsensusPrep)
	}
}
