package ds

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/node"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/shard"
)

// microBlockWindow collects one DS epoch's worth of shard microblock
// submissions (spec.md section 4.4: the DS committee waits, bounded, for
// one co-signed microblock per shard before folding them into a
// finalblock candidate; a shard that never submits in time is recorded as
// empty rather than blocking the epoch forever).
type microBlockWindow struct {
	mu       chan struct{} // 1-buffered mutex so handleDirectory can run concurrently with CollectMicroBlocks
	byShard  map[uint32]types.MicroBlock
	notifyCh chan struct{}
}

func newMicroBlockWindow() *microBlockWindow {
	w := &microBlockWindow{mu: make(chan struct{}, 1), byShard: make(map[uint32]types.MicroBlock), notifyCh: make(chan struct{})}
	w.mu <- struct{}{}
	return w
}

func (w *microBlockWindow) put(shardID uint32, block types.MicroBlock) {
	<-w.mu
	w.byShard[shardID] = block
	ch := w.notifyCh
	w.notifyCh = make(chan struct{})
	w.mu <- struct{}{}
	close(ch)
}

func (w *microBlockWindow) get(shardID uint32) (types.MicroBlock, bool) {
	<-w.mu
	defer func() { w.mu <- struct{}{} }()
	b, ok := w.byShard[shardID]
	return b, ok
}

func (w *microBlockWindow) waitCh() chan struct{} {
	<-w.mu
	ch := w.notifyCh
	w.mu <- struct{}{}
	return ch
}

func (w *microBlockWindow) reset() {
	<-w.mu
	w.byShard = make(map[uint32]types.MicroBlock)
	w.mu <- struct{}{}
}

// handleDirectory is the ClassDirectory receive path: verify the submitted
// microblock's cosignatures against the submitting shard's own committee,
// then record it in the current window.
func (d *DirectoryService) handleDirectory(ctx context.Context, env p2p.Envelope, from types.Peer) error {
	switch node.DirectoryInstr(env.Instruction) {
	case node.InstrMicroBlockSubmission:
		msg, err := node.DecodeMicroBlockSubmission(env.Payload)
		if err != nil {
			return errors.Wrap(err, "decode microblock submission")
		}
		d.mu.Lock()
		shards := d.currentShards
		d.mu.Unlock()
		if int(msg.ShardID) >= len(shards) {
			return errors.Errorf("ds: microblock submission for unknown shard %d", msg.ShardID)
		}
		sh := shards[msg.ShardID]
		ok, err := consensus.VerifyCoSignatures(sh.Members(), msg.Block.Header.Hash(), msg.Block.Header.Bytes(), msg.Block.CoSig)
		if err != nil {
			return errors.Wrap(err, "verify microblock submission cosignatures")
		}
		if !ok {
			return errors.Errorf("ds: microblock submission for shard %d failed cosignature check", msg.ShardID)
		}
		d.microBlocks.put(msg.ShardID, msg.Block)
		return nil
	default:
		return errors.Errorf("ds: no handler for directory instruction %d", env.Instruction)
	}
}

// CollectMicroBlocks implements spec.md section 4.4's submission window:
// broadcast the start signal to every shard, then wait up to
// cfg.ConsensusObjectTimeout for one co-signed microblock per shard,
// folding in an empty placeholder for whichever shard never submitted in
// time (spec.md's "the DS committee cannot let one silent shard stall the
// finalblock forever" liveness requirement).
func (d *DirectoryService) CollectMicroBlocks(ctx context.Context, shards []*shard.Shard, dsBlockNum uint64, dsBlockHeaderID types.Hash, txBlockNum uint64) []types.MicroBlock {
	d.setState(StateMicroblockSubmission)
	d.microBlocks.reset()

	start := node.MicroblockStartPayload{BlockNum: txBlockNum, DsBlockNum: dsBlockNum, DsBlockHeaderID: dsBlockHeaderID}
	raw := start.Encode()
	for _, sh := range shards {
		peers := make([]types.Peer, 0, sh.Size())
		for _, m := range sh.Members() {
			peers = append(peers, m.Peer)
		}
		env := p2p.Envelope{Class: p2p.ClassNode, Instruction: byte(node.InstrMicroblockConsensus), Payload: raw}
		_ = d.Host.Multicast(ctx, peers, env)
	}

	deadline := time.Now().Add(d.cfg.ConsensusObjectTimeout)
waitLoop:
	for {
		complete := true
		for i := range shards {
			if _, ok := d.microBlocks.get(uint32(i)); !ok {
				complete = false
				break
			}
		}
		if complete || time.Now().After(deadline) {
			break
		}
		select {
		case <-d.microBlocks.waitCh():
		case <-time.After(time.Until(deadline)):
		case <-ctx.Done():
			break waitLoop
		}
	}

	out := make([]types.MicroBlock, len(shards))
	for i := range shards {
		if mb, ok := d.microBlocks.get(uint32(i)); ok {
			out[i] = mb
		} else {
			out[i] = types.MicroBlock{Header: types.MicroBlockHeader{ShardID: uint32(i), BlockNum: txBlockNum, DsBlockNum: dsBlockNum, DsBlockHeaderID: dsBlockHeaderID}}
		}
	}
	return out
}
