package node

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/pow"
	"github.com/shardrep/dsnode/shard"
)

func TestCheckStateTable(t *testing.T) {
	cases := []struct {
		action Action
		state  State
		want   Admission
	}{
		{ActionDsBlock, StateWaitingDsBlock, Admissible},
		{ActionDsBlock, StatePoWSubmission, Buffered},
		{ActionDsBlock, StateMicroblockConsensus, Rejected},
		{ActionFinalBlock, StateWaitingFinalBlock, Admissible},
		{ActionFinalBlock, StateMicroblockConsensus, Buffered},
		{ActionSubmitTransaction, StateSync, Buffered},
		{ActionSubmitTransaction, StateWaitingFallbackBlock, Admissible},
		{ActionFallbackBlock, StateWaitingFallbackBlock, Admissible},
		{ActionVcBlock, StatePoWSubmission, Rejected},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, checkState(c.action, c.state), "action=%s state=%s", c.action, c.state)
	}
}

func TestActionStringAndStateString(t *testing.T) {
	assert.Equal(t, "DsBlock", ActionDsBlock.String())
	assert.Equal(t, "PoWSubmission", StatePoWSubmission.String())
	assert.Contains(t, Action(99).String(), "Action(99)")
	assert.Contains(t, State(99).String(), "State(99)")
}

// stubHost is a no-op p2p.Host sufficient for exercising Node.Execute
// without a real libp2p transport.
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

func newTestNode(t *testing.T) *Node {
	t.Helper()
	self, err := types.NewPeer("127.0.0.1", 9000)
	require.NoError(t, err)
	kp := types.KeyPair{}
	kp.Public[0] = 1
	committee := shard.NewDsCommittee([]types.Member{{PubKey: kp.Public, Peer: self}})
	med := mediator.New(nil, kp, self, committee)
	cfg := config.Default()
	n := New(med, pow.NewSoftwareEngine(), &stubHost{self: self}, cfg, zerolog.Nop())
	return n
}

func TestNodeExecuteRejectsFromWrongState(t *testing.T) {
	n := newTestNode(t)
	require.Equal(t, StatePoWSubmission, n.State())

	env := p2p.Envelope{Class: p2p.ClassNode, Instruction: uint8(InstrFinalBlock)}
	ok := n.Execute(context.Background(), env, types.Peer{})
	assert.False(t, ok, "FinalBlock is not admissible from PoWSubmission")
}

func TestNodeExecuteSubmitTransactionAdmitted(t *testing.T) {
	n := newTestNode(t)
	var pub types.PublicKey
	pub[0] = 7
	txn := types.Transaction{Version: 1, NonceLo: 0, SenderPubKey: pub, GasPrice: 10, GasLimit: 1}
	payload := SubmitTransactionPayload{Txn: txn}.Encode()

	env := p2p.Envelope{Class: p2p.ClassNode, Instruction: uint8(InstrSubmitTransaction), Payload: payload}
	ok := n.Execute(context.Background(), env, types.Peer{})
	assert.True(t, ok)

	selected, err := n.Pool.Select(1)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, txn.ID(), selected[0].ID())
}

func TestNodeWaitForStateTimesOutWithoutTransition(t *testing.T) {
	n := newTestNode(t)
	ok := n.waitForState(context.Background(), 20*time.Millisecond, StateWaitingDsBlock)
	assert.False(t, ok)
}

func TestNodeWaitForStateWakesOnTransition(t *testing.T) {
	n := newTestNode(t)
	done := make(chan bool, 1)
	go func() {
		done <- n.waitForState(context.Background(), time.Second, StateWaitingDsBlock)
	}()
	time.Sleep(10 * time.Millisecond)
	n.setState(StateWaitingDsBlock)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waitForState did not wake on transition")
	}
}
