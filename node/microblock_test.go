package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/shard"
)

func TestMicroblockStartPayloadEncodeDecodeRoundTrip(t *testing.T) {
	p := MicroblockStartPayload{BlockNum: 10, DsBlockNum: 3, DsBlockHeaderID: types.Hash{7}}
	got, err := DecodeMicroblockStart(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestAssembleMicroBlockEmptyPoolProducesZeroTxBlock(t *testing.T) {
	keys, members := buildSignedCommittee(t, 1)
	n := newTestNodeWithCommittee(t, keys, members, 0)
	sh := shard.NewShard(members)
	n.SetShardAssignment(sh, 0)

	block, txns, err := n.AssembleMicroBlock(MicroblockStartPayload{BlockNum: 1})
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Equal(t, uint32(0), block.Header.NumTxs)
	assert.Equal(t, members[0].PubKey, block.Header.MinerPubKey)
}

func TestAssembleMicroBlockWithPendingTxns(t *testing.T) {
	keys, members := buildSignedCommittee(t, 1)
	n := newTestNodeWithCommittee(t, keys, members, 0)
	sh := shard.NewShard(members)
	n.SetShardAssignment(sh, 2)

	txn := types.Transaction{Version: 1, NonceLo: 1, GasLimit: 21000, SenderPubKey: types.PublicKey{5}}
	require.NoError(t, n.Pool.Add(txn))

	block, txns, err := n.AssembleMicroBlock(MicroblockStartPayload{BlockNum: 1, DsBlockNum: 2})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, uint32(1), block.Header.NumTxs)
	assert.Equal(t, uint32(2), block.Header.ShardID)
	assert.NotEqual(t, types.Hash{}, block.Header.TxRoot)
}

func TestAssembleMicroBlockRequiresShardAssignment(t *testing.T) {
	keys, members := buildSignedCommittee(t, 1)
	n := newTestNodeWithCommittee(t, keys, members, 0)
	_, _, err := n.AssembleMicroBlock(MicroblockStartPayload{BlockNum: 1})
	assert.Error(t, err)
}

func TestMicroBlockSubmissionPayloadEncodeDecodeRoundTrip(t *testing.T) {
	block := types.MicroBlock{
		Header:     types.MicroBlockHeader{ShardID: 1, BlockNum: 4, NumTxs: 2},
		TranHashes: []types.Hash{{1}, {2}},
		CoSig:      types.CoSignatures{CS1: types.CoSignature{Challenge: [32]byte{3}}},
	}
	payload := MicroBlockSubmissionPayload{ShardID: 1, Block: block}.Encode()
	got, err := DecodeMicroBlockSubmission(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.ShardID)
	assert.Equal(t, block.Header, got.Block.Header)
	require.Len(t, got.Block.TranHashes, 2)
	assert.Equal(t, block.TranHashes[1], got.Block.TranHashes[1])
}

func TestOnMicroBlockDoneSubmitsToDsCommittee(t *testing.T) {
	keys, members := buildSignedCommittee(t, 4)
	n := newTestNodeWithCommittee(t, keys, members, 1)

	block := types.MicroBlock{Header: types.MicroBlockHeader{ShardID: 0, BlockNum: 1, NumTxs: 0}}
	n.onMicroBlockDone(context.Background(), 0, block, nil)

	got, _, ok := n.TakePendingMicroBlock()
	require.True(t, ok)
	assert.Equal(t, block.Header, got.Header)

	_, _, ok = n.TakePendingMicroBlock()
	assert.False(t, ok, "TakePendingMicroBlock clears state after the first read")
}

func TestProcessMicroblockConsensusSoloShardLeaderSubmits(t *testing.T) {
	keys, members := buildSignedCommittee(t, 1)
	n := newTestNodeWithCommittee(t, keys, members, 0)
	sh := shard.NewShard(members)
	n.SetShardAssignment(sh, 0)

	start := MicroblockStartPayload{BlockNum: 1, DsBlockNum: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, n.processMicroblockConsensus(ctx, start.Encode(), members[0].Peer))

	_, _, ok := n.TakePendingMicroBlock()
	assert.True(t, ok, "a lone shard leader should reach quorum with itself and submit")
}
