// Package mediator implements the process-wide shared-state hub (spec.md
// section 2): the two block chains, the current DS committee, this node's
// identity, the current epoch number, and the latest randomness seeds.
// Every other component takes a *Mediator reference rather than holding its
// own copy or reaching for a package-level singleton — DESIGN NOTES'
// replacement for the teacher's cyclic Mediator<->subcomponent ownership and
// for GetInstance()-style globals.
package mediator

import (
	"sync"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/internal/log"
	"github.com/shardrep/dsnode/shard"
)

// Chain is the minimal append-only chain contract both the DS-block chain
// and the tx-block chain satisfy.
type Chain interface {
	Count() uint64
}

// DsBlockChain stores finalized DsBlocks, indexed by block number.
type DsBlockChain struct {
	mu     sync.RWMutex
	blocks []types.DsBlock
}

// Push appends a DsBlock. Callers are responsible for number-order checks
// (testable property 2's analogue for DS blocks).
func (c *DsBlockChain) Push(b types.DsBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
}

// Count returns the number of DS blocks committed so far.
func (c *DsBlockChain) Count() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blocks))
}

// Last returns the most recently committed DsBlock, or false if none yet.
func (c *DsBlockChain) Last() (types.DsBlock, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return types.DsBlock{}, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// Since returns every DsBlock from block number from onward, the range a
// catching-up node's lookup fetch asks for (spec.md section 4.8).
func (c *DsBlockChain) Since(from uint64) []types.DsBlock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from >= uint64(len(c.blocks)) {
		return nil
	}
	out := make([]types.DsBlock, len(c.blocks)-int(from))
	copy(out, c.blocks[from:])
	return out
}

// At returns the DsBlock at the given block number, if committed.
func (c *DsBlockChain) At(blockNum uint64) (types.DsBlock, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if blockNum >= uint64(len(c.blocks)) {
		return types.DsBlock{}, false
	}
	return c.blocks[blockNum], true
}

// TxBlockChain stores finalized TxBlocks (finalblocks), indexed by block number.
type TxBlockChain struct {
	mu     sync.RWMutex
	blocks []types.TxBlock
}

// Push appends a TxBlock. m_currentEpochNum is defined as txBlockChain.Count()
// (spec.md invariant), so callers must keep epoch number and this push in
// lockstep — see Mediator.CommitTxBlock.
func (c *TxBlockChain) Push(b types.TxBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
}

// Count is m_currentEpochNum's defining quantity.
func (c *TxBlockChain) Count() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blocks))
}

// Last returns the most recently committed TxBlock, or false if none yet.
func (c *TxBlockChain) Last() (types.TxBlock, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return types.TxBlock{}, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// Since returns every TxBlock from block number from onward.
func (c *TxBlockChain) Since(from uint64) []types.TxBlock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from >= uint64(len(c.blocks)) {
		return nil
	}
	out := make([]types.TxBlock, len(c.blocks)-int(from))
	copy(out, c.blocks[from:])
	return out
}

// RandSeeds are the two per-DS-epoch randomness seeds PoW mining is keyed
// on (spec.md section 4.6: rand1 = m_dsBlockRand, rand2 = m_txBlockRand).
type RandSeeds struct {
	DsBlockRand [32]byte
	TxBlockRand [32]byte
}

// Mediator is the shared-state hub threaded by pointer into every
// collaborator. Each field group owns its own mutex per spec.md section 5's
// lock-ordering policy: DsCommitteeNetworkInfo -> DsCommitteePubKeys ->
// Consensus -> PendingBlock pools -> TxnPool. Mediator itself only orders
// DsCommittee before everything else; Consensus/pending-block/txn-pool
// locks live in their owning packages (consensus, ds, txpool).
type Mediator struct {
	Log *log.Logger

	Self types.KeyPair
	Peer types.Peer

	dsCommitteeMu sync.RWMutex
	dsCommittee   *shard.DsCommittee

	epochMu sync.RWMutex
	epochNum uint64

	randMu sync.RWMutex
	rand   RandSeeds

	DsChain *DsBlockChain
	TxChain *TxBlockChain
}

// New constructs a Mediator. The caller owns bootstrap committee
// construction (shard.NewDsCommittee) and passes it in, rather than Mediator
// reaching into shard package globals.
func New(logger *log.Logger, self types.KeyPair, peer types.Peer, bootstrap *shard.DsCommittee) *Mediator {
	return &Mediator{
		Log:         logger,
		Self:        self,
		Peer:        peer,
		dsCommittee: bootstrap,
		DsChain:     &DsBlockChain{},
		TxChain:     &TxBlockChain{},
	}
}

// DsCommitteeView returns a copy (Clone) of the current DS committee.
// Changes made to the copy do not reach the Mediator; use RotateDsCommittee
// to mutate.
func (m *Mediator) DsCommitteeView() *shard.DsCommittee {
	m.dsCommitteeMu.RLock()
	defer m.dsCommitteeMu.RUnlock()
	return m.dsCommittee.Clone()
}

// RotateDsCommittee applies fn (pushFront/popBack per spec.md section 4.2)
// under the committee's exclusive lock.
func (m *Mediator) RotateDsCommittee(fn func(*shard.DsCommittee)) {
	m.dsCommitteeMu.Lock()
	defer m.dsCommitteeMu.Unlock()
	fn(m.dsCommittee)
}

// EpochNum returns m_currentEpochNum.
func (m *Mediator) EpochNum() uint64 {
	m.epochMu.RLock()
	defer m.epochMu.RUnlock()
	return m.epochNum
}

// CommitTxBlock atomically pushes a TxBlock and advances the epoch counter
// by exactly one, preserving the invariant m_currentEpochNum ==
// txBlockChain.Count() (spec.md section 3 invariants, testable property 1).
func (m *Mediator) CommitTxBlock(b types.TxBlock) {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	m.TxChain.Push(b)
	m.epochNum = m.TxChain.Count()
}

// RandSeeds returns the current PoW randomness seeds.
func (m *Mediator) RandSeeds() RandSeeds {
	m.randMu.RLock()
	defer m.randMu.RUnlock()
	return m.rand
}

// SetRandSeeds updates the randomness seeds, done once per DS epoch when a
// new DsBlock is finalized.
func (m *Mediator) SetRandSeeds(r RandSeeds) {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	m.rand = r
}

// IsDsCommitteeMember reports whether pub is currently seated on the DS
// committee — the runtime check DESIGN NOTES' NodeRole dispatch relies on
// instead of a compile-time IS_LOOKUP_NODE-style branch.
func (m *Mediator) IsDsCommitteeMember(pub types.PublicKey) bool {
	m.dsCommitteeMu.RLock()
	defer m.dsCommitteeMu.RUnlock()
	_, ok := m.dsCommittee.IndexOf(pub)
	return ok
}
