package txpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardrep/dsnode/core/types"
)

func mkTxn(sender byte, nonce uint64, gasPrice uint64) types.Transaction {
	var pub types.PublicKey
	pub[0] = sender
	return types.Transaction{
		Version:      1,
		NonceLo:      nonce,
		SenderPubKey: pub,
		GasPrice:     gasPrice,
		GasLimit:     1,
	}
}

func TestPoolRejectsDuplicateNonce(t *testing.T) {
	p := New()
	txn := mkTxn(1, 0, 100)
	require.NoError(t, p.Add(txn))

	dup := mkTxn(1, 0, 200)
	err := p.Add(dup)
	assert.ErrorIs(t, err, ErrDuplicateNonce)
}

func TestPoolSelectDeterministicGasPriceOrder(t *testing.T) {
	p1 := New()
	p2 := New()
	txns := []types.Transaction{
		mkTxn(1, 0, 50),
		mkTxn(2, 0, 200),
		mkTxn(3, 0, 100),
	}
	for _, txn := range txns {
		require.NoError(t, p1.Add(txn))
		require.NoError(t, p2.Add(txn))
	}

	sel1, err := p1.Select(3)
	require.NoError(t, err)
	sel2, err := p2.Select(3)
	require.NoError(t, err)

	require.Len(t, sel1, 3)
	require.Len(t, sel2, 3)
	for i := range sel1 {
		assert.Equal(t, sel1[i].ID(), sel2[i].ID(), "leader and backup must select identical order")
	}
	assert.Equal(t, uint64(200), sel1[0].GasPrice)
	assert.Equal(t, uint64(100), sel1[1].GasPrice)
	assert.Equal(t, uint64(50), sel1[2].GasPrice)
}

func TestPoolPromoteContiguousNonces(t *testing.T) {
	p := New()
	addr := mkTxn(9, 0, 1).SenderAddr()

	future1 := mkTxn(9, 2, 10)
	future2 := mkTxn(9, 1, 10)
	p.Stage(future1)
	p.Stage(future2)

	promoted := p.Promote(addr, 1)
	require.Len(t, promoted, 2)
	assert.Equal(t, uint64(1), promoted[0].Nonce())
	assert.Equal(t, uint64(2), promoted[1].Nonce())
}

func TestPoolPromoteStopsAtGap(t *testing.T) {
	p := New()
	addr := mkTxn(7, 0, 1).SenderAddr()

	p.Stage(mkTxn(7, 1, 10))
	p.Stage(mkTxn(7, 3, 10)) // gap at nonce 2

	promoted := p.Promote(addr, 1)
	require.Len(t, promoted, 1)
	assert.Equal(t, uint64(1), promoted[0].Nonce())
}

func TestPoolNoDoubleCommit(t *testing.T) {
	p := New()
	txn := mkTxn(4, 0, 10)
	twr := types.TransactionWithReceipt{Txn: txn, Receipt: types.Receipt{Status: true}}

	require.NoError(t, p.MarkProcessed(5, twr))
	// Re-committing under the same block number is idempotent.
	require.NoError(t, p.MarkProcessed(5, twr))
	// Committing the same txn id under a different block number must fail.
	err := p.MarkProcessed(6, twr)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestPoolForgetClearsProcessed(t *testing.T) {
	p := New()
	txn := mkTxn(4, 0, 10)
	twr := types.TransactionWithReceipt{Txn: txn, Receipt: types.Receipt{Status: true}}
	require.NoError(t, p.MarkProcessed(5, twr))
	require.Len(t, p.Processed(5), 1)
	p.Forget(5)
	assert.Empty(t, p.Processed(5))
}

func TestUnavailableTrackerCompletesWhenAllArrive(t *testing.T) {
	tr := NewUnavailableTracker()
	tr.Expect(10, []uint32{0, 1, 2})
	assert.False(t, tr.Complete(10))

	tr.Arrived(10, 0)
	tr.Arrived(10, 1)
	assert.False(t, tr.Complete(10))

	tr.Arrived(10, 2)
	assert.True(t, tr.Complete(10))
}

func TestUnavailableTrackerGossipOnce(t *testing.T) {
	tr := NewUnavailableTracker()
	var root types.Hash
	root[0] = 0xAB

	assert.True(t, tr.ShouldGossip(1, root))
	assert.False(t, tr.ShouldGossip(1, root), "a second gossip for the same (blockNum, root) must be suppressed")

	var other types.Hash
	other[0] = 0xCD
	assert.True(t, tr.ShouldGossip(1, other))
}
