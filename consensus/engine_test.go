package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
)

type noopTransport struct{}

func (noopTransport) Broadcast(Message) error    { return nil }
func (noopTransport) SendToLeader(Message) error { return nil }

func TestEngineDiscardsStaleConsensusID(t *testing.T) {
	e := NewEngine(5, 200*time.Millisecond)
	delivered := false
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	committee := []types.Member{{PubKey: kp.Public}, {PubKey: kp.Public}}
	inst := NewInstance(KindMicroBlock, 3, types.Hash{}, kp, 1, 0, committee, noopTransport{}, Callbacks{
		Validate:             func([]byte) ErrorKind { delivered = true; return ErrNone },
		GenerateAnnouncement: func() []byte { return nil },
	})
	e.Register(inst)

	e.Dispatch(Message{ConsensusID: 3, Phase: PhaseAnnounce})
	time.Sleep(50 * time.Millisecond)
	assert.False(t, delivered, "message below the cursor must be discarded, not dispatched")
	assert.Equal(t, StateInitial, inst.State())
}

func TestEngineBuffersAndRedeliversFutureConsensusID(t *testing.T) {
	e := NewEngine(1, 2*time.Second)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	members := []types.Member{{PubKey: kp.Public}, {PubKey: kp.Public}}
	inst := NewInstance(KindMicroBlock, 2, types.Hash{}, kp, 1, 0, members, noopTransport{}, Callbacks{
		Validate: func([]byte) ErrorKind { return ErrNone },
	})
	e.Register(inst)

	// Message arrives for consensusId 2 while the cursor is still at 1; it
	// must be buffered rather than dispatched immediately.
	e.Dispatch(Message{ConsensusID: 2, Phase: PhaseAnnounce, SenderID: 0})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateInitial, inst.State(), "future-id message must not dispatch before the cursor catches up")

	// Cursor catches up; the buffered message should now be redelivered.
	e.Advance(2)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && inst.State() == StateInitial {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateCommitSent1, inst.State())
}

func TestEngineDropsBufferedMessageAfterWindow(t *testing.T) {
	e := NewEngine(1, 50*time.Millisecond)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	members := []types.Member{{PubKey: kp.Public}, {PubKey: kp.Public}}
	inst := NewInstance(KindMicroBlock, 2, types.Hash{}, kp, 1, 0, members, noopTransport{}, Callbacks{
		Validate: func([]byte) ErrorKind { return ErrNone },
	})
	e.Register(inst)

	e.Dispatch(Message{ConsensusID: 2, Phase: PhaseAnnounce})
	time.Sleep(200 * time.Millisecond) // outlast the ordering window

	e.Advance(2) // too late — the buffered message already expired
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateInitial, inst.State(), "message held past its ordering window must be dropped")
}
