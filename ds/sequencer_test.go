package ds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/node"
)

func TestTargetBlockRateHeldAtParity(t *testing.T) {
	d := newTestDs(t, 4, 0)
	assert.Equal(t, observedBlockRate, d.targetBlockRate(), "retarget stays a no-op until a real rate tracker is wired in")
}

func TestLocalStateDefaultsToNilUntilWired(t *testing.T) {
	d := newTestDs(t, 4, 0)
	assert.Nil(t, d.localState())

	reader := fakeStateReader{root: types.Hash{0x9}}
	d.SetStateReader(reader)
	got := d.localState()
	require.NotNil(t, got)
	assert.Equal(t, types.Hash{0x9}, got.Root())
}

func TestBroadcastToNetworkToleratesEmptyShardList(t *testing.T) {
	d := newTestDs(t, 1, 0)
	// stubHost makes the actual recipient list unobservable; this just
	// exercises that an empty shard list alongside the DS committee doesn't
	// panic on the dedup bookkeeping.
	committee := d.Mediator.DsCommitteeView().Members()
	d.broadcastToNetwork(context.Background(), nil, node.InstrDsBlock, nil)
	assert.NotEmpty(t, committee)
}
