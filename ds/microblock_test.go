package ds

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
	"github.com/shardrep/dsnode/node"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/shard"
)

func TestMicroBlockWindowPutGetReset(t *testing.T) {
	w := newMicroBlockWindow()
	_, ok := w.get(0)
	assert.False(t, ok)

	block := types.MicroBlock{Header: types.MicroBlockHeader{ShardID: 0, NumTxs: 3}}
	w.put(0, block)
	got, ok := w.get(0)
	require.True(t, ok)
	assert.Equal(t, block.Header, got.Header)

	w.reset()
	_, ok = w.get(0)
	assert.False(t, ok, "reset clears all recorded shards")
}

func TestMicroBlockWindowWaitChSignalsOnPut(t *testing.T) {
	w := newMicroBlockWindow()
	ch := w.waitCh()
	w.put(1, types.MicroBlock{})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waitCh never signaled after put")
	}
}

func directoryEnvelope(payload []byte) p2p.Envelope {
	return p2p.Envelope{Class: p2p.ClassDirectory, Instruction: byte(node.InstrMicroBlockSubmission), Payload: payload}
}

func TestHandleDirectoryRejectsUnknownShard(t *testing.T) {
	d := newTestDs(t, 4, 0)
	members := buildCommittee(2)
	d.mu.Lock()
	d.currentShards = []*shard.Shard{shard.NewShard(members)}
	d.mu.Unlock()

	block := types.MicroBlock{Header: types.MicroBlockHeader{ShardID: 7}}
	payload := node.MicroBlockSubmissionPayload{ShardID: 7, Block: block}.Encode()
	err := d.handleDirectory(context.Background(), directoryEnvelope(payload), members[0].Peer)
	assert.Error(t, err)
}

func TestHandleDirectoryRejectsBadCosignature(t *testing.T) {
	d := newTestDs(t, 4, 0)
	members := buildCommittee(2)
	d.mu.Lock()
	d.currentShards = []*shard.Shard{shard.NewShard(members)}
	d.mu.Unlock()

	block := types.MicroBlock{Header: types.MicroBlockHeader{ShardID: 0}}
	payload := node.MicroBlockSubmissionPayload{ShardID: 0, Block: block}.Encode()
	err := d.handleDirectory(context.Background(), directoryEnvelope(payload), members[0].Peer)
	assert.Error(t, err)
}

func TestHandleDirectoryAcceptsGenuinelyCosignedSubmission(t *testing.T) {
	d := newTestDs(t, 4, 0)
	keys, members := buildSignedShardCommittee(t, 3)
	d.mu.Lock()
	d.currentShards = []*shard.Shard{shard.NewShard(members)}
	d.mu.Unlock()

	header := types.MicroBlockHeader{ShardID: 0, NumTxs: 0}
	cosig := runShardCosignedRound(t, keys, members, header.Hash(), header.Bytes())
	block := types.MicroBlock{Header: header, CoSig: cosig}
	payload := node.MicroBlockSubmissionPayload{ShardID: 0, Block: block}.Encode()

	require.NoError(t, d.handleDirectory(context.Background(), directoryEnvelope(payload), members[0].Peer))

	got, ok := d.microBlocks.get(0)
	require.True(t, ok)
	assert.Equal(t, header, got.Header)
}

// --- test-only cosigned-round harness, mirrors node/blocks_test.go's ---

type fakeShardNetwork struct {
	mu        sync.RWMutex
	instances map[uint16]*consensus.Instance
}

func (n *fakeShardNetwork) register(id uint16, inst *consensus.Instance) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.instances[id] = inst
}

func (n *fakeShardNetwork) Broadcast(msg consensus.Message) error {
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

func (n *fakeShardNetwork) SendToLeader(msg consensus.Message) error {
	n.mu.RLock()
	leader := n.instances[0]
	n.mu.RUnlock()
	go func() { _ = leader.HandleMessage(msg) }()
	return nil
}

func buildSignedShardCommittee(t *testing.T, n int) ([]types.KeyPair, []types.Member) {
	t.Helper()
	keys := make([]types.KeyPair, n)
	members := make([]types.Member, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
		members[i] = types.Member{PubKey: kp.Public, Peer: types.Peer{Port: uint16(9100 + i)}}
	}
	return keys, members
}

func runShardCosignedRound(t *testing.T, keys []types.KeyPair, committee []types.Member, blockHash types.Hash, announcement []byte) types.CoSignatures {
	t.Helper()
	net := &fakeShardNetwork{instances: make(map[uint16]*consensus.Instance)}
	callbacks := consensus.Callbacks{
		Validate:             func([]byte) consensus.ErrorKind { return consensus.ErrNone },
		GenerateAnnouncement: func() []byte { return announcement },
	}
	instances := make([]*consensus.Instance, len(committee))
	for i := range committee {
		inst := consensus.NewInstance(consensus.KindMicroBlock, 1, blockHash, keys[i], uint16(i), 0, committee, net, callbacks)
		net.register(uint16(i), inst)
		instances[i] = inst
	}
	require.NoError(t, instances[0].Start())
	select {
	case res := <-instances[0].Done():
		require.NoError(t, res.Err)
		return res.CoSigs
	case <-time.After(5 * time.Second):
		t.Fatal("cosigned round never completed")
	}
	return types.CoSignatures{}
}
