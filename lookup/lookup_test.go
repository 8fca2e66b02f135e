package lookup

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/internal/log"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/shard"
)

func TestFetchRequestRoundTrip(t *testing.T) {
	want := FetchRequest{From: 42}
	got, err := DecodeFetchRequest(want.Encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDsBlocksResponseRoundTrip(t *testing.T) {
	blocks := []types.DsBlock{
		{Header: types.DsBlockHeader{BlockNum: 1, SWVersion: 2}},
		{Header: types.DsBlockHeader{BlockNum: 2, SWVersion: 2}},
	}
	raw := DsBlocksResponse{Blocks: blocks}.Encode()
	got, err := DecodeDsBlocksResponse(raw)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, blocks[0].Header.Bytes(), got[0].HeaderBytes)
	assert.Equal(t, blocks[1].Header.Bytes(), got[1].HeaderBytes)
}

func TestTxBlocksResponseRoundTrip(t *testing.T) {
	blocks := []types.TxBlock{
		{Header: types.TxBlockHeader{BlockNum: 7}},
	}
	raw := TxBlocksResponse{Blocks: blocks}.Encode()
	got, err := DecodeTxBlocksResponse(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, blocks[0].Header.Bytes(), got[0].HeaderBytes)
}

func TestShardAssignmentRoundTrip(t *testing.T) {
	var pub types.PublicKey
	pub[0] = 0x9
	members := []types.Member{{PubKey: pub, Peer: types.Peer{Port: 9001}}}
	want := ShardAssignmentResponse{InShard: true, ShardID: 3, Members: members}
	got, err := DecodeShardAssignmentResponse(want.Encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	reqWant := ShardAssignmentRequest{PubKey: pub}
	reqGot, err := DecodeShardAssignmentRequest(reqWant.Encode())
	require.NoError(t, err)
	assert.Equal(t, reqWant, reqGot)
}

func TestLastDsBlockRequestRoundTrip(t *testing.T) {
	want := LastDsBlockRequestPayload{BlockNum: 99}
	got, err := DecodeLastDsBlockRequest(want.Encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// stubShardSource answers every ShardFor query the same way, enough to
// exercise Server.Answer's dispatch.
type stubShardSource struct {
	inShard bool
	shardID uint32
	members []types.Member
}

func (s stubShardSource) ShardFor(types.PublicKey) (bool, uint32, []types.Member) {
	return s.inShard, s.shardID, s.members
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	members := []types.Member{
		{PubKey: types.PublicKey{1}, Peer: types.Peer{Port: 9000}},
		{PubKey: types.PublicKey{2}, Peer: types.Peer{Port: 9001}},
	}
	committee := shard.NewDsCommittee(members)
	med := mediator.New(log.New(log.Config{}), types.KeyPair{Public: members[0].PubKey}, members[0].Peer, committee)
	med.DsChain.Push(types.DsBlock{Header: types.DsBlockHeader{BlockNum: 0}})
	med.DsChain.Push(types.DsBlock{Header: types.DsBlockHeader{BlockNum: 1}})
	med.TxChain.Push(types.TxBlock{Header: types.TxBlockHeader{BlockNum: 0}})
	return NewServer(med, stubShardSource{inShard: true, shardID: 1, members: members}, nil, zerolog.Nop())
}

func TestServerAnswerFetchDsBlocks(t *testing.T) {
	s := newTestServer(t)
	raw, err := s.Answer(InstrFetchDsBlocks, FetchRequest{From: 1}.Encode())
	require.NoError(t, err)
	got, err := DecodeDsBlocksResponse(raw)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestServerAnswerFetchTxBlocks(t *testing.T) {
	s := newTestServer(t)
	raw, err := s.Answer(InstrFetchTxBlocks, FetchRequest{From: 0}.Encode())
	require.NoError(t, err)
	got, err := DecodeTxBlocksResponse(raw)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestServerAnswerShardAssignment(t *testing.T) {
	s := newTestServer(t)
	raw, err := s.Answer(InstrFetchShardAssignment, ShardAssignmentRequest{PubKey: types.PublicKey{2}}.Encode())
	require.NoError(t, err)
	got, err := DecodeShardAssignmentResponse(raw)
	require.NoError(t, err)
	assert.True(t, got.InShard)
	assert.Equal(t, uint32(1), got.ShardID)
}

func TestServerAnswerLastDsBlockRequestMissing(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Answer(InstrLastDsBlockRequest, LastDsBlockRequestPayload{BlockNum: 99}.Encode())
	assert.Error(t, err)
}

func TestServerAnswerLastDsBlockRequestFound(t *testing.T) {
	s := newTestServer(t)
	raw, err := s.Answer(InstrLastDsBlockRequest, LastDsBlockRequestPayload{BlockNum: 1}.Encode())
	require.NoError(t, err)
	got, err := DecodeDsBlocksResponse(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestServerHandleGrpcDelegatesToAnswer(t *testing.T) {
	s := newTestServer(t)
	raw := append([]byte{byte(InstrFetchDsBlocks)}, FetchRequest{From: 0}.Encode()...)
	resp, err := s.HandleGrpc(context.Background(), raw)
	require.NoError(t, err)
	got, err := DecodeDsBlocksResponse(resp)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
