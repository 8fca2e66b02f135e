package ds

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/node"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/shard"
)

// Start composes the embedded shard-facing node.Node.Start loop with the DS
// committee's own ClassDirectory receive path and epoch sequencer. Go has no
// method override, so — rather than reimplementing Node.Start's ClassNode/
// ClassConsensus/ClassPeerManager subscriptions here — this runs the
// promoted d.Node.Start alongside two more supervised goroutines under the
// same errgroup (spec.md section 4.2).
func (d *DirectoryService) Start(ctx context.Context) error {
	dirInbound, err := d.Host.Subscribe(ctx, p2p.ClassDirectory)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Node.Start(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-dirInbound:
				if !ok {
					return nil
				}
				if err := d.handleDirectory(ctx, msg.Env, msg.From); err != nil {
					d.log.Warn().Err(err).Msg("LOG_GENERAL: directory handler failed")
				}
			}
		}
	})
	g.Go(func() error { return d.runEpochSequencer(ctx) })
	return g.Wait()
}

// runEpochSequencer drives the DS committee through spec.md section 4.2's
// full cycle — PoW submission window, DsBlock consensus, sharding
// consensus, NumFinalBlockPerPow rounds of microblock-submission-window +
// finalblock consensus — for as long as this node remains seated on the DS
// committee. Every member, leader or backup, runs the identical sequence:
// the leader/backup distinction only changes which side of each Run*
// Consensus call actually announces, handled internally by consensus.
// Instance's role field.
func (d *DirectoryService) runEpochSequencer(ctx context.Context) error {
	for {
		if d.Mode() == ModeIdle {
			return nil
		}

		select {
		case <-time.After(d.cfg.PowWindowInSeconds):
		case <-ctx.Done():
			return ctx.Err()
		}

		header, _, shards, assignment, err := d.ComposeDsBlock(observedBlockRate, d.targetBlockRate())
		if err != nil {
			d.log.Warn().Err(err).Msg("LOG_GENERAL: no PoW submissions this epoch, retrying")
			continue
		}

		cosig, err := d.RunDsBlockConsensus(ctx, header)
		if err != nil {
			d.log.Warn().Err(err).Msg("LOG_GENERAL: dsblock consensus failed")
			continue
		}
		d.CommitDsBlock(header, cosig, shards, assignment)
		d.broadcastToNetwork(ctx, shards, node.InstrDsBlock, node.DsBlockPayload{Block: types.DsBlock{Header: header, CoSig: cosig}}.Encode())

		if d.Mode() == ModeIdle {
			return nil
		}

		shardCosig, err := d.RunShardingConsensus(ctx, shards)
		if err != nil {
			d.log.Warn().Err(err).Msg("LOG_GENERAL: sharding consensus failed")
			continue
		}
		d.broadcastToNetwork(ctx, shards, node.InstrSharding, node.ShardingPayload{Shards: shards, CoSig: shardCosig}.Encode())

		for round := 0; round < d.cfg.NumFinalBlockPerPow; round++ {
			dsBlockNum := header.BlockNum
			dsBlockHeaderID := header.Hash()
			txBlockNum := d.Mediator.TxChain.Count() + 1

			microBlocks := d.CollectMicroBlocks(ctx, shards, dsBlockNum, dsBlockHeaderID, txBlockNum)
			candidate := d.AssembleFinalBlock(microBlocks, d.localState())

			finalCosig, err := d.RunFinalBlockConsensus(ctx, candidate, microBlocks, d.localState())
			if err != nil {
				d.log.Warn().Err(err).Msg("LOG_GENERAL: finalblock consensus failed")
				break
			}
			candidate.CoSig = finalCosig
			d.broadcastToNetwork(ctx, shards, node.InstrFinalBlock, node.FinalBlockPayload{Block: candidate}.Encode())
			d.CommitFinalBlock(candidate)
		}
	}
}

// observedBlockRate/targetBlockRate feed pow.AdjustDifficulty's retargeting;
// a real deployment tracks the actual wall-clock rate finalblocks commit
// at, but nothing in this exercise's scope runs long enough to observe a
// meaningful rate, so both sides of the ratio are held at parity (no-op
// retarget) until a real rate tracker is wired in.
const observedBlockRate = 1.0

func (d *DirectoryService) targetBlockRate() float64 { return 1.0 }

// localState returns this node's account-state reader, or nil when none has
// been wired (a vacuous-epoch-only requirement; AssembleFinalBlock and
// checkStateRoot both tolerate a nil/zero state outside the vacuous round).
func (d *DirectoryService) localState() types.StateReader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateReader
}

// broadcastToNetwork fans an epoch-boundary announcement out to every peer
// that needs to install it: the DS committee itself plus every shard member
// (spec.md section 4.2's "every node learns the new DsBlock/sharding
// structure/finalblock", not only the committee that produced it).
func (d *DirectoryService) broadcastToNetwork(ctx context.Context, shards []*shard.Shard, instr node.Instruction, payload []byte) {
	seen := make(map[types.Peer]bool)
	var peers []types.Peer
	for _, m := range d.Mediator.DsCommitteeView().Members() {
		if !seen[m.Peer] {
			seen[m.Peer] = true
			peers = append(peers, m.Peer)
		}
	}
	for _, sh := range shards {
		for _, m := range sh.Members() {
			if !seen[m.Peer] {
				seen[m.Peer] = true
				peers = append(peers, m.Peer)
			}
		}
	}
	env := p2p.Envelope{Class: p2p.ClassNode, Instruction: byte(instr), Payload: payload}
	if err := d.Host.Multicast(ctx, peers, env); err != nil {
		d.log.Warn().Err(err).Msg("LOG_GENERAL: epoch broadcast failed")
	}
}
