package ds

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/node"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/pow"
	"github.com/shardrep/dsnode/shard"
)

// stubHost is a no-op p2p.Host sufficient for constructing a
// DirectoryService without a real libp2p transport.
type stubHost struct{ self types.Peer }

func (s *stubHost) Send(ctx context.Context, to types.Peer, env p2p.Envelope) error { return nil }
func (s *stubHost) Multicast(ctx context.Context, to []types.Peer, env p2p.Envelope) error {
	return nil
}
func (s *stubHost) Subscribe(ctx context.Context, class p2p.Class) (<-chan p2p.Inbound, error) {
	return make(chan p2p.Inbound), nil
}
func (s *stubHost) Self() types.Peer { return s.self }
func (s *stubHost) Close() error     { return nil }

// fakeStateReader satisfies types.StateReader with a fixed root, standing in
// for a real account-state trie in validation-chain tests.
type fakeStateReader struct{ root types.Hash }

func (f fakeStateReader) Root() types.Hash { return f.root }
func (f fakeStateReader) Commit() error    { return nil }

// buildCommittee constructs n distinct (pubkey, peer) members, in index
// order, so Members()[0] is always the leader.
func buildCommittee(n int) []types.Member {
	members := make([]types.Member, n)
	for i := 0; i < n; i++ {
		var pub types.PublicKey
		pub[0] = byte(i + 1)
		members[i] = types.Member{PubKey: pub, Peer: types.Peer{Port: uint16(9000 + i)}}
	}
	return members
}

func newTestDs(t *testing.T, n int, selfIdx int) *DirectoryService {
	t.Helper()
	members := buildCommittee(n)
	self := members[selfIdx].Peer
	kp := types.KeyPair{Public: members[selfIdx].PubKey}
	committee := shard.NewDsCommittee(members)
	med := mediator.New(nil, kp, self, committee)
	cfg := config.Default()
	n0 := node.New(med, pow.NewSoftwareEngine(), &stubHost{self: self}, cfg, zerolog.Nop())
	return New(n0, cfg, zerolog.Nop())
}

func TestModeReflectsCommitteePosition(t *testing.T) {
	d := newTestDs(t, 4, 0)
	d.mu.Lock()
	d.refreshModeLocked()
	d.mu.Unlock()
	assert.Equal(t, ModePrimary, d.Mode())

	backup := newTestDs(t, 4, 2)
	backup.mu.Lock()
	backup.refreshModeLocked()
	backup.mu.Unlock()
	assert.Equal(t, ModeBackup, backup.Mode())
}

func TestCandidateLeaderCyclesOnRepeatedFailure(t *testing.T) {
	d := newTestDs(t, 5, 0)
	committee := d.Mediator.DsCommitteeView()
	members := committee.Members()

	idx0, cand0 := d.candidateLeader()
	assert.Equal(t, uint32(1), idx0)
	assert.Equal(t, members[1].PubKey, cand0.PubKey)

	d.mu.Lock()
	d.viewChangeCounter = 1
	d.mu.Unlock()
	idx1, cand1 := d.candidateLeader()
	assert.Equal(t, uint32(2), idx1)
	assert.Equal(t, members[2].PubKey, cand1.PubKey)

	// Wraps back to index 1 once every other member has been tried.
	d.mu.Lock()
	d.viewChangeCounter = uint32(len(members) - 1)
	d.mu.Unlock()
	idx2, _ := d.candidateLeader()
	assert.Equal(t, uint32(1), idx2)
}

func TestComposeViewChangeCandidateNamesEpochAndState(t *testing.T) {
	d := newTestDs(t, 4, 0)
	header := d.ComposeViewChangeCandidate(types.VCStateMicroblockConsensus)
	assert.Equal(t, types.VCStateMicroblockConsensus, header.ViewChangeState)
	assert.Equal(t, d.Mediator.EpochNum(), header.ViewChangeEpochNum)
	assert.Equal(t, uint32(1), header.CandidateLeaderIndex)
}

func TestCommitViewChangeRotatesCommitteeAndResumesInterruptedState(t *testing.T) {
	d := newTestDs(t, 4, 0)
	before := d.Mediator.DsCommitteeView().Leader()

	header := d.ComposeViewChangeCandidate(types.VCStateFinalBlockConsensus)
	d.CommitViewChange(header, types.CoSignatures{})

	after := d.Mediator.DsCommitteeView().Leader()
	assert.NotEqual(t, before.PubKey, after.PubKey, "old leader should no longer be at the head")
	assert.Equal(t, header.CandidateLeaderPubKey, after.PubKey, "the proposed candidate becomes the new leader")
	assert.Equal(t, StateFinalBlockConsensusPrep, d.State())

	d.mu.Lock()
	counter := d.viewChangeCounter
	d.mu.Unlock()
	assert.Equal(t, uint32(1), counter)
}

func TestCommitViewChangeResumesEachInterruptedState(t *testing.T) {
	cases := []struct {
		interrupted types.ViewChangeState
		want        State
	}{
		{types.VCStateDsBlockConsensusPrep, StateDsBlockConsensusPrep},
		{types.VCStateDsBlockConsensus, StateDsBlockConsensusPrep},
		{types.VCStateShardingConsensus, StateShardingConsensusPrep},
		{types.VCStateMicroblockConsensus, StateMicroblockSubmission},
		{types.VCStateFinalBlockConsensus, StateFinalBlockConsensusPrep},
	}
	for _, c := range cases {
		d := newTestDs(t, 4, 0)
		header := d.ComposeViewChangeCandidate(c.interrupted)
		d.CommitViewChange(header, types.CoSignatures{})
		assert.Equal(t, c.want, d.State(), "interrupted=%v", c.interrupted)
	}
}

func TestValidateFinalBlockAcceptsWellFormedSuccessor(t *testing.T) {
	prev := types.TxBlock{Header: types.TxBlockHeader{Type: finalBlockTypeTx, Version: currentSWVersion, BlockNum: 5}}
	candidate := types.TxBlock{
		Header: types.TxBlockHeader{
			Type:        finalBlockTypeTx,
			Version:     currentSWVersion,
			BlockNum:    6,
			PrevHash:    prev.Header.Hash(),
			TimestampLo: 1,
			StateRoot:   types.Hash{0x42},
		},
	}
	err := ValidateFinalBlock(FinalBlockValidationInput{
		Candidate:    candidate,
		Previous:     &prev,
		MicroBlocks:  nil,
		LocalState:   fakeStateReader{root: types.Hash{0x42}},
		VacuousEpoch: true,
	})
	require.NoError(t, err)
}

func TestValidateFinalBlockRejectsWrongBlockNumber(t *testing.T) {
	prev := types.TxBlock{Header: types.TxBlockHeader{Type: finalBlockTypeTx, Version: currentSWVersion, BlockNum: 5}}
	candidate := types.TxBlock{Header: types.TxBlockHeader{Type: finalBlockTypeTx, Version: currentSWVersion, BlockNum: 9, PrevHash: prev.Header.Hash()}}
	err := ValidateFinalBlock(FinalBlockValidationInput{Candidate: candidate, Previous: &prev})
	assert.Error(t, err)
}

func TestValidateFinalBlockRejectsStateRootMismatch(t *testing.T) {
	candidate := types.TxBlock{Header: types.TxBlockHeader{Type: finalBlockTypeTx, Version: currentSWVersion, StateRoot: types.Hash{0x1}}}
	err := ValidateFinalBlock(FinalBlockValidationInput{Candidate: candidate, LocalState: fakeStateReader{root: types.Hash{0x2}}, VacuousEpoch: true})
	assert.Error(t, err)
}

func TestValidateFinalBlockRejectsNonZeroStateRootOnNonVacuousEpoch(t *testing.T) {
	candidate := types.TxBlock{Header: types.TxBlockHeader{Type: finalBlockTypeTx, Version: currentSWVersion, StateRoot: types.Hash{0x1}}}
	err := ValidateFinalBlock(FinalBlockValidationInput{Candidate: candidate, LocalState: fakeStateReader{root: types.Hash{0x1}}, VacuousEpoch: false})
	assert.Error(t, err)
}

func TestIsVacuousEpochMarksOnlyTrailingPositions(t *testing.T) {
	assert.False(t, isVacuousEpoch(0, 5, 1))
	assert.False(t, isVacuousEpoch(3, 5, 1))
	assert.True(t, isVacuousEpoch(4, 5, 1))
	assert.True(t, isVacuousEpoch(8, 5, 2))
	assert.True(t, isVacuousEpoch(9, 5, 2))
	assert.False(t, isVacuousEpoch(7, 5, 2))
}

func TestValidateFinalBlockRejectsMicroBlockEmptyFlagMismatch(t *testing.T) {
	mb := types.MicroBlock{Header: types.MicroBlockHeader{NumTxs: 0}}
	candidate := types.TxBlock{
		Header: types.TxBlockHeader{Type: finalBlockTypeTx, Version: currentSWVersion},
		MicroBlockHashes: []types.MicroBlockRef{
			{Empty: false}, // disagrees with mb's IsEmpty()==true
		},
		EmptyBitmap: []bool{false},
	}
	err := ValidateFinalBlock(FinalBlockValidationInput{
		Candidate:   candidate,
		MicroBlocks: []types.MicroBlock{mb},
	})
	assert.Error(t, err) // caught by checkMicroBlockHashes before checkIsMicroBlockEmpty is ever reached
}
