package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
)

// fakeNetwork wires a committee's Instances together in-process. Every send
// hands off via a goroutine so a leader's own broadcast never reenters its
// Instance synchronously while its state mutex is still held — the same
// handoff a real p2p-backed transport gets for free from network I/O.
type fakeNetwork struct {
	mu        sync.RWMutex
	instances map[uint16]*Instance
	leaderID  uint16
}

func newFakeNetwork(leaderID uint16) *fakeNetwork {
	return &fakeNetwork{instances: make(map[uint16]*Instance), leaderID: leaderID}
}

func (n *fakeNetwork) register(id uint16, inst *Instance) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.instances[id] = inst
}

func (n *fakeNetwork) Broadcast(msg Message) error {
	n.mu.RLock()
	targets := make([]*Instance, 0, len(n.instances))
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

func (n *fakeNetwork) SendToLeader(msg Message) error {
	n.mu.RLock()
	leader := n.instances[n.leaderID]
	n.mu.RUnlock()
	go func() { _ = leader.HandleMessage(msg) }()
	return nil
}

func buildCommittee(t *testing.T, n int) ([]types.KeyPair, []types.Member) {
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

func TestConsensusRoundReachesDoneWithQuorum(t *testing.T) {
	const n = 4
	keys, committee := buildCommittee(t, n)
	net := newFakeNetwork(0)

	blockHash := types.Hash{0xAB}
	announcement := []byte("propose-block")

	callbacksFor := func() Callbacks {
		return Callbacks{
			Validate:             func([]byte) ErrorKind { return ErrNone },
			GenerateAnnouncement: func() []byte { return announcement },
		}
	}

	instances := make([]*Instance, n)
	doneChs := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		inst := NewInstance(KindMicroBlock, 1, blockHash, keys[i], uint16(i), 0, committee, net, callbacksFor())
		net.register(uint16(i), inst)
		instances[i] = inst
		doneChs[i] = inst.Done()
	}

	require.NoError(t, instances[0].Start())

	for i := 0; i < n; i++ {
		select {
		case res := <-doneChs[i]:
			require.NoError(t, res.Err, "instance %d", i)
			assert.True(t, res.CoSigs.CS1.PopCount() >= 3)
			assert.True(t, res.CoSigs.PopCount() >= 3)
		case <-time.After(5 * time.Second):
			t.Fatalf("instance %d never reached Done", i)
		}
	}
}

func TestConsensusRejectsBadAnnouncement(t *testing.T) {
	const n = 4
	keys, committee := buildCommittee(t, n)
	net := newFakeNetwork(0)

	blockHash := types.Hash{0x01}

	leaderCb := Callbacks{
		GenerateAnnouncement: func() []byte { return []byte("bad-block") },
	}
	backupCb := Callbacks{
		Validate: func(a []byte) ErrorKind {
			if string(a) == "bad-block" {
				return ErrWrongOrder
			}
			return ErrNone
		},
	}

	instances := make([]*Instance, n)
	for i := 0; i < n; i++ {
		cb := backupCb
		if i == 0 {
			cb = leaderCb
		}
		inst := NewInstance(KindMicroBlock, 1, blockHash, keys[i], uint16(i), 0, committee, net, cb)
		net.register(uint16(i), inst)
		instances[i] = inst
	}

	require.NoError(t, instances[0].Start())

	select {
	case res := <-instances[1].Done():
		assert.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("backup never rejected bad announcement")
	}
}
