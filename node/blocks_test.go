package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/pow"
	"github.com/shardrep/dsnode/shard"
)

// fakeConsensusNetwork wires a committee's Instances together in-process,
// the same handoff instance_test.go's fakeNetwork uses, so a cosigned round
// in these tests produces real, verifiable CoSignatures rather than
// hand-built ones.
type fakeConsensusNetwork struct {
	mu        sync.RWMutex
	instances map[uint16]*consensus.Instance
	leaderID  uint16
}

func (n *fakeConsensusNetwork) register(id uint16, inst *consensus.Instance) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.instances[id] = inst
}

func (n *fakeConsensusNetwork) Broadcast(msg consensus.Message) error {
	n.mu.RLock()
	targets := make([]*consensus.Instance, 0, len(n.instances))
	for _, inst := range n.instances {
		targets = append(targets, inst)
	}
	n.mu.RUnlock()
	for _, inst := range targets {
		inst := inst
		go func() { _ = inst.HandleMessage(msg) }()
	}
	return nil
}

func (n *fakeConsensusNetwork) SendToLeader(msg consensus.Message) error {
	n.mu.RLock()
	leader := n.instances[n.leaderID]
	n.mu.RUnlock()
	go func() { _ = leader.HandleMessage(msg) }()
	return nil
}

// buildSignedCommittee returns n distinct (keypair, member) pairs, index
// ordered so members[0] is always the leader.
func buildSignedCommittee(t *testing.T, n int) ([]types.KeyPair, []types.Member) {
	t.Helper()
	keys := make([]types.KeyPair, n)
	members := make([]types.Member, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
		members[i] = types.Member{PubKey: kp.Public, Peer: types.Peer{Port: uint16(9000 + i)}}
	}
	return keys, members
}

// runCosignedRound drives a genuine KindDsBlock (or any kind, the Kind tag
// only affects wire routing which isn't exercised here) consensus round to
// completion across every member of committee and returns the resulting
// CoSignatures, ready to feed into a handler's VerifyCoSignatures check.
func runCosignedRound(t *testing.T, keys []types.KeyPair, committee []types.Member, blockHash types.Hash, announcement []byte) types.CoSignatures {
	t.Helper()
	net := &fakeConsensusNetwork{instances: make(map[uint16]*consensus.Instance), leaderID: 0}
	callbacks := consensus.Callbacks{
		Validate:             func([]byte) consensus.ErrorKind { return consensus.ErrNone },
		GenerateAnnouncement: func() []byte { return announcement },
	}

	instances := make([]*consensus.Instance, len(committee))
	doneChs := make([]<-chan consensus.Result, len(committee))
	for i := range committee {
		inst := consensus.NewInstance(consensus.KindDsBlock, 1, blockHash, keys[i], uint16(i), 0, committee, net, callbacks)
		net.register(uint16(i), inst)
		instances[i] = inst
		doneChs[i] = inst.Done()
	}

	require.NoError(t, instances[0].Start())

	var cosig types.CoSignatures
	select {
	case res := <-doneChs[0]:
		require.NoError(t, res.Err)
		cosig = res.CoSigs
	case <-time.After(5 * time.Second):
		t.Fatal("cosigned round never completed")
	}
	return cosig
}

func newTestNodeWithCommittee(t *testing.T, keys []types.KeyPair, members []types.Member, selfIdx int) *Node {
	t.Helper()
	self := members[selfIdx].Peer
	kp := keys[selfIdx]
	committee := shard.NewDsCommittee(members)
	med := mediator.New(nil, kp, self, committee)
	cfg := config.Default()
	return New(med, pow.NewSoftwareEngine(), &stubHost{self: self}, cfg, zerolog.Nop())
}

func TestDsBlockPayloadEncodeDecodeRoundTrip(t *testing.T) {
	block := types.DsBlock{
		Header: types.DsBlockHeader{Difficulty: 5, DsDifficulty: 7, BlockNum: 42, SWVersion: 1, Nonce: 99},
		CoSig:  types.CoSignatures{CS1: types.CoSignature{Challenge: [32]byte{1}}, CS2: types.CoSignature{Response: [32]byte{2}}},
	}
	payload := DsBlockPayload{Block: block}.Encode()
	got, err := DecodeDsBlock(payload)
	require.NoError(t, err)
	assert.Equal(t, block.Header, got.Block.Header)
	assert.Equal(t, block.CoSig.CS1.Challenge, got.Block.CoSig.CS1.Challenge)
	assert.Equal(t, block.CoSig.CS2.Response, got.Block.CoSig.CS2.Response)
}

func TestShardingPayloadEncodeDecodeRoundTrip(t *testing.T) {
	_, members := buildSignedCommittee(t, 4)
	shards := []*shard.Shard{shard.NewShard(members[:2]), shard.NewShard(members[2:])}
	payload := ShardingPayload{Shards: shards, CoSig: types.CoSignatures{CS1: types.CoSignature{Challenge: [32]byte{9}}}}.Encode()

	got, err := DecodeSharding(payload)
	require.NoError(t, err)
	require.Len(t, got.Shards, 2)
	assert.Equal(t, shard.PublicKeys(shards), shard.PublicKeys(got.Shards))
	assert.Equal(t, [32]byte{9}, got.CoSig.CS1.Challenge)
}

func TestFinalBlockPayloadEncodeDecodeRoundTrip(t *testing.T) {
	block := types.TxBlock{
		Header: types.TxBlockHeader{Type: 1, Version: 1, BlockNum: 3},
		MicroBlockHashes: []types.MicroBlockRef{
			{TxRoot: types.Hash{1}, StateDeltaHash: types.Hash{2}, ShardID: 0, Empty: false},
			{TxRoot: types.Hash{3}, StateDeltaHash: types.Hash{4}, ShardID: 1, Empty: true},
		},
		EmptyBitmap: []bool{false, true},
		ShardIDs:    []uint32{0, 1},
	}
	payload := FinalBlockPayload{Block: block}.Encode()
	got, err := DecodeFinalBlock(payload)
	require.NoError(t, err)
	assert.Equal(t, block.Header, got.Block.Header)
	require.Len(t, got.Block.MicroBlockHashes, 2)
	assert.Equal(t, block.MicroBlockHashes[0].TxRoot, got.Block.MicroBlockHashes[0].TxRoot)
	assert.True(t, got.Block.MicroBlockHashes[1].Empty)
}

func TestProcessDsBlockInstallsBlockAndRotatesCommittee(t *testing.T) {
	keys, members := buildSignedCommittee(t, 4)
	n := newTestNodeWithCommittee(t, keys, members, 1)

	header := types.DsBlockHeader{BlockNum: 1, SWVersion: 1, WinnerPubKey: members[2].PubKey}
	cosig := runCosignedRound(t, keys, members, header.Hash(), header.Bytes())
	payload := DsBlockPayload{Block: types.DsBlock{Header: header, CoSig: cosig}}.Encode()

	require.NoError(t, n.processDsBlock(context.Background(), payload, members[0].Peer))

	last, ok := n.Mediator.DsChain.Last()
	require.True(t, ok)
	assert.Equal(t, header.BlockNum, last.Header.BlockNum)
	assert.Equal(t, members[2].PubKey, n.Mediator.DsCommitteeView().Leader().PubKey, "winner should rotate to the head")
	assert.Equal(t, StateMicroblockConsensusPrep, n.State())
}

func TestProcessDsBlockRejectsBadCosignature(t *testing.T) {
	_, members := buildSignedCommittee(t, 4)
	keys := make([]types.KeyPair, 4)
	n := newTestNodeWithCommittee(t, keys, members, 0)

	header := types.DsBlockHeader{BlockNum: 1, SWVersion: 1}
	payload := DsBlockPayload{Block: types.DsBlock{Header: header, CoSig: types.CoSignatures{}}}.Encode()

	err := n.processDsBlock(context.Background(), payload, members[1].Peer)
	assert.Error(t, err)
}

func TestProcessShardingInstallsOwnAssignment(t *testing.T) {
	keys, members := buildSignedCommittee(t, 4)
	n := newTestNodeWithCommittee(t, keys, members, 2)

	shards := []*shard.Shard{shard.NewShard(members[:2]), shard.NewShard(members[2:])}
	announcement := shard.EncodeShards(shards)
	blockHash := types.HashFromBytes(announcement)
	cosig := runCosignedRound(t, keys, members, blockHash, announcement)
	payload := ShardingPayload{Shards: shards, CoSig: cosig}.Encode()

	require.NoError(t, n.processSharding(context.Background(), payload, members[0].Peer))

	sh, shardID := n.ShardAssignment()
	require.NotNil(t, sh)
	assert.Equal(t, uint32(1), shardID, "member[2] sits in the second shard")
	assert.Equal(t, StateMicroblockConsensusPrep, n.State())
}

func TestProcessFinalBlockCommitsAndReturnsToMicroblockPrep(t *testing.T) {
	keys, members := buildSignedCommittee(t, 4)
	n := newTestNodeWithCommittee(t, keys, members, 0)

	block := types.TxBlock{Header: types.TxBlockHeader{Type: 1, Version: 1, BlockNum: 1}}
	cosig := runCosignedRound(t, keys, members, block.Header.Hash(), block.Header.Bytes())
	payload := FinalBlockPayload{Block: types.TxBlock{Header: block.Header, CoSig: cosig}}.Encode()

	require.NoError(t, n.processFinalBlock(context.Background(), payload, members[1].Peer))

	count := n.Mediator.TxChain.Count()
	assert.Equal(t, uint64(1), count)
	// cfg.NumFinalBlockPerPow default is 2, so epoch 1 does not land on a
	// PoW boundary and the node waits for the next microblock round.
	assert.Equal(t, StateMicroblockConsensusPrep, n.State())
}

func TestProcessFallbackBlockRejectsWrongBlockType(t *testing.T) {
	keys, members := buildSignedCommittee(t, 4)
	n := newTestNodeWithCommittee(t, keys, members, 0)
	n.SetShardAssignment(shard.NewShard(members), 0)

	block := types.TxBlock{Header: types.TxBlockHeader{Type: 1 /* finalblock, not fallback */}}
	payload := append([]byte{}, block.Header.Bytes()...)
	payload = append(payload, 0, 0, 0, 0) // empty microblock list
	payload = append(payload, encodeCoSig(nil, types.CoSignature{})...)
	payload = append(payload, encodeCoSig(nil, types.CoSignature{})...)

	err := n.processFallbackBlock(context.Background(), payload, members[1].Peer)
	assert.Error(t, err)
}

func TestProcessFallbackBlockCommitsAgainstShardCommittee(t *testing.T) {
	keys, members := buildSignedCommittee(t, 4)
	n := newTestNodeWithCommittee(t, keys, members, 0)
	sh := shard.NewShard(members)
	n.SetShardAssignment(sh, 0)

	header := types.TxBlockHeader{Type: fallbackBlockTypeTx, Version: 1, BlockNum: 1}
	cosig := runCosignedRound(t, keys, members, header.Hash(), header.Bytes())
	block := types.TxBlock{Header: header, CoSig: cosig}
	payload := append([]byte{}, header.Bytes()...)
	payload = append(payload, 0, 0, 0, 0) // empty microblock list
	payload = append(payload, encodeCoSig(nil, block.CoSig.CS1)...)
	payload = append(payload, encodeCoSig(nil, block.CoSig.CS2)...)

	require.NoError(t, n.processFallbackBlock(context.Background(), payload, members[1].Peer))
	assert.Equal(t, uint64(1), n.Mediator.TxChain.Count())
	assert.Equal(t, StatePoWSubmission, n.State())
}

func TestSameMembershipDetectsMismatch(t *testing.T) {
	_, members := buildSignedCommittee(t, 4)
	a := []*shard.Shard{shard.NewShard(members[:2])}
	b := []*shard.Shard{shard.NewShard(members[2:])}
	assert.False(t, sameMembership(a, b))
	assert.True(t, sameMembership(a, a))
}

func TestPowRecordsToSubmissionsPreservesFields(t *testing.T) {
	recs := []pow.PowRecord{
		{PubKey: types.PublicKey{1}, Peer: types.Peer{Port: 1}, Nonce: 7, Result: types.Hash{2}},
	}
	subs := powRecordsToSubmissions(recs)
	require.Len(t, subs, 1)
	assert.Equal(t, recs[0].PubKey, subs[0].PubKey)
	assert.Equal(t, recs[0].Nonce, subs[0].Nonce)
}
