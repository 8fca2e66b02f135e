package txpool

import (
	"bytes"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/types"
)

// ErrAlreadyProcessed is returned when a transaction id is committed a
// second time under a different block number — the violation testable
// property 7 ("no double commit") forbids.
var ErrAlreadyProcessed = errors.New("txpool: transaction already processed under a different block")

// ErrDuplicateNonce is returned when a sender submits two transactions at
// the same nonce into the same shard pool (spec.md section 3 invariant).
var ErrDuplicateNonce = errors.New("txpool: duplicate (senderAddr, nonce)")

// txItem adapts a Transaction to queue.Item, ordering by (gasPrice desc,
// tranId asc) — the deterministic selection order spec.md section 3 names
// for createdTransactions and testable property 6 requires leader/backups
// to reproduce identically.
type txItem struct{ txn types.Transaction }

func (t txItem) Compare(other queue.Item) int {
	o := other.(txItem)
	if t.txn.GasPrice != o.txn.GasPrice {
		if t.txn.GasPrice > o.txn.GasPrice {
			return -1
		}
		return 1
	}
	a, b := t.txn.ID(), o.txn.ID()
	return bytes.Compare(a[:], b[:])
}

// Pool is one shard's transaction bookkeeping: createdTransactions (indexed
// by sender+nonce, by id, and by gas-price-desc selection order),
// addrNonceTxnMap (staged out-of-order future transactions), and
// processedTransactions (per finalizing block number).
type Pool struct {
	mu sync.Mutex

	byNonce map[types.Address]map[uint64]types.Hash // senderAddr -> nonce -> txnId, uniqueness guard
	byID    map[types.Hash]types.Transaction
	order   *queue.PriorityQueue

	staged map[types.Address]map[uint64]types.Transaction // addrNonceTxnMap

	processedMu sync.Mutex
	processed   map[uint64]map[types.Hash]types.TransactionWithReceipt // processedTransactions[blockNum]
	committedAt map[types.Hash]uint64                                  // global "no double commit" guard
}

// New returns an empty shard pool.
func New() *Pool {
	return &Pool{
		byNonce:     make(map[types.Address]map[uint64]types.Hash),
		byID:        make(map[types.Hash]types.Transaction),
		order:       queue.NewPriorityQueue(64, false),
		staged:      make(map[types.Address]map[uint64]types.Transaction),
		processed:   make(map[uint64]map[types.Hash]types.TransactionWithReceipt),
		committedAt: make(map[types.Hash]uint64),
	}
}

// Add inserts txn into createdTransactions, rejecting a repeat
// (senderAddr, nonce) pair (spec.md section 3 invariant).
func (p *Pool) Add(txn types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := txn.SenderAddr()
	nonce := txn.Nonce()
	if byNonce, ok := p.byNonce[addr]; ok {
		if _, exists := byNonce[nonce]; exists {
			return ErrDuplicateNonce
		}
	} else {
		p.byNonce[addr] = make(map[uint64]types.Hash)
	}
	id := txn.ID()
	p.byNonce[addr][nonce] = id
	p.byID[id] = txn
	return p.order.Put(txItem{txn: txn})
}

// Stage places a future (out-of-order) transaction into addrNonceTxnMap,
// to be promoted once the account's nonce catches up.
func (p *Pool) Stage(txn types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := txn.SenderAddr()
	if _, ok := p.staged[addr]; !ok {
		p.staged[addr] = make(map[uint64]types.Transaction)
	}
	p.staged[addr][txn.Nonce()] = txn
}

// Promote pulls every contiguous staged transaction for addr starting at
// nextNonce into createdTransactions, stopping at the first gap.
func (p *Pool) Promote(addr types.Address, nextNonce uint64) []types.Transaction {
	p.mu.Lock()
	staged := p.staged[addr]
	p.mu.Unlock()
	if staged == nil {
		return nil
	}
	var promoted []types.Transaction
	for n := nextNonce; ; n++ {
		txn, ok := staged[n]
		if !ok {
			break
		}
		delete(staged, n)
		if err := p.Add(txn); err == nil {
			promoted = append(promoted, txn)
		}
	}
	return promoted
}

// Select pops up to n transactions in deterministic (gasPrice desc, tranId
// asc) order — the leader's proposal ordering, reproducible by backups
// (testable property 6).
func (p *Pool) Select(n int) ([]types.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items, err := p.order.Get(n)
	if err != nil {
		return nil, errors.Wrap(err, "select transactions")
	}
	out := make([]types.Transaction, 0, len(items))
	for _, it := range items {
		txn := it.(txItem).txn
		out = append(out, txn)
		delete(p.byID, txn.ID())
		if m, ok := p.byNonce[txn.SenderAddr()]; ok {
			delete(m, txn.Nonce())
		}
	}
	return out, nil
}

// MarkProcessed records txn as committed under blockNum, enforcing the
// "no double commit" invariant (testable property 7): a txnId may appear
// in processedTransactions for at most one block number.
func (p *Pool) MarkProcessed(blockNum uint64, twr types.TransactionWithReceipt) error {
	p.processedMu.Lock()
	defer p.processedMu.Unlock()
	id := twr.Txn.ID()
	if prior, ok := p.committedAt[id]; ok && prior != blockNum {
		return ErrAlreadyProcessed
	}
	if _, ok := p.processed[blockNum]; !ok {
		p.processed[blockNum] = make(map[types.Hash]types.TransactionWithReceipt)
	}
	p.processed[blockNum][id] = twr
	p.committedAt[id] = blockNum
	return nil
}

// Processed returns the transactions committed under blockNum.
func (p *Pool) Processed(blockNum uint64) map[types.Hash]types.TransactionWithReceipt {
	p.processedMu.Lock()
	defer p.processedMu.Unlock()
	return p.processed[blockNum]
}

// Forget erases a finalized epoch's processed set from memory (spec.md
// section 3 lifecycle: "after finalblock commit becomes permanent and is
// erased from in-memory pools").
func (p *Pool) Forget(blockNum uint64) {
	p.processedMu.Lock()
	defer p.processedMu.Unlock()
	delete(p.processed, blockNum)
}

// UnavailableTracker tracks, per finalizing tx-block number, which shards'
// microblock tx bodies are still outstanding (spec.md section 3's
// unavailableMicroBlocks, section 5's "notified only when the set becomes
// empty for the current block number").
type UnavailableTracker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[uint64]mapset.Set // blockNum -> set of shardId
	gossiped mapset.Set            // dedup key: "txRootHash:blockNum"
}

// NewUnavailableTracker returns an empty tracker.
func NewUnavailableTracker() *UnavailableTracker {
	t := &UnavailableTracker{pending: make(map[uint64]mapset.Set), gossiped: mapset.NewSet()}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Expect registers shardIDs whose microblock bodies are awaited for blockNum.
func (t *UnavailableTracker) Expect(blockNum uint64, shardIDs []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := mapset.NewSet()
	for _, id := range shardIDs {
		s.Add(id)
	}
	t.pending[blockNum] = s
}

// Arrived marks shardID's bodies as received for blockNum, waking any
// waiter once the set empties.
func (t *UnavailableTracker) Arrived(blockNum uint64, shardID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.pending[blockNum]
	if !ok {
		return
	}
	s.Remove(shardID)
	if s.Cardinality() == 0 {
		delete(t.pending, blockNum)
		t.cond.Broadcast()
	}
}

// Complete reports whether every expected shard's bodies have arrived for
// blockNum.
func (t *UnavailableTracker) Complete(blockNum uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.pending[blockNum]
	return !ok || s.Cardinality() == 0
}

// ShouldGossip reports whether (blockNum, txRootHash) has not yet been
// re-gossiped by this node, marking it gossiped as a side effect — the
// "exactly once per (blockNum, microBlockTxRootHash) pair" rule (spec.md
// section 4.5).
func (t *UnavailableTracker) ShouldGossip(blockNum uint64, txRootHash types.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := gossipKey(blockNum, txRootHash)
	if t.gossiped.Contains(key) {
		return false
	}
	t.gossiped.Add(key)
	return true
}

func gossipKey(blockNum uint64, h types.Hash) string {
	return h.String() + ":" + itoa(blockNum)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
