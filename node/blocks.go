package node

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/pow"
	"github.com/shardrep/dsnode/shard"
)

const dsBlockHeaderLen = 1 + 1 + types.HashSize + 8 + types.PubKeySize + types.PubKeySize + 32 + 4 + 8

// fallbackBlockTypeTx is the TxBlockHeader.Type value a fallback block
// carries, distinguishing it on the wire from an ordinary DS-co-signed
// finalblock even though both share the TxBlock shape.
const fallbackBlockTypeTx uint8 = 2

// DsBlockPayload is the ClassNode/InstrDsBlock body: a co-signed DsBlock a
// shard node installs once its cosignatures check out against the DS
// committee it last knew (spec.md section 4.2). The consensus round itself
// only ever runs on the DS committee; a shard node never drives or
// participates in it, so this handler re-derives the verification the
// committee's own Instance already performed rather than trusting the wire
// unconditionally.
type DsBlockPayload struct {
	Block types.DsBlock
}

// Encode renders the byte-exact DsBlock payload.
func (p DsBlockPayload) Encode() []byte {
	buf := append([]byte{}, p.Block.Header.Bytes()...)
	buf = encodeCoSig(buf, p.Block.CoSig.CS1)
	buf = encodeCoSig(buf, p.Block.CoSig.CS2)
	return buf
}

// DecodeDsBlock parses an InstrDsBlock payload.
func DecodeDsBlock(raw []byte) (DsBlockPayload, error) {
	if len(raw) < dsBlockHeaderLen {
		return DsBlockPayload{}, p2p.ErrMalformedMessage
	}
	var p DsBlockPayload
	header, err := types.DecodeDsBlockHeader(raw[:dsBlockHeaderLen])
	if err != nil {
		return DsBlockPayload{}, err
	}
	p.Block.Header = header
	raw = raw[dsBlockHeaderLen:]

	p.Block.CoSig.CS1, raw, err = decodeCoSig(raw)
	if err != nil {
		return DsBlockPayload{}, err
	}
	p.Block.CoSig.CS2, _, err = decodeCoSig(raw)
	if err != nil {
		return DsBlockPayload{}, err
	}
	return p, nil
}

// processDsBlock verifies a co-signed DsBlock against the DS committee this
// node knew before the block's own rotation, installs it on the chain, and
// rotates this node's own view of the DS committee the same way
// ds.DirectoryService.CommitDsBlock does on the coordinator side (spec.md
// section 4.2) — every node, not only the DS committee, must keep its
// committee view in lockstep so the next epoch's consensus messages can be
// verified against the right membership.
func (n *Node) processDsBlock(ctx context.Context, payload []byte, from types.Peer) error {
	msg, err := DecodeDsBlock(payload)
	if err != nil {
		return errors.Wrap(err, "decode dsblock")
	}
	block := msg.Block

	priorCommittee := n.Mediator.DsCommitteeView()
	ok, err := consensus.VerifyCoSignatures(priorCommittee.Members(), block.Header.Hash(), block.Header.Bytes(), block.CoSig)
	if err != nil {
		return errors.Wrap(err, "verify dsblock cosignatures")
	}
	if !ok {
		return errors.New("node: dsblock cosignature verification failed")
	}

	n.Mediator.DsChain.Push(block)

	winner := types.Member{PubKey: block.Header.WinnerPubKey}
	if rec, ok := n.PowRegistry.Lookup(block.Header.WinnerPubKey); ok {
		winner.Peer = rec.Peer
	}
	n.Mediator.RotateDsCommittee(func(c *shard.DsCommittee) {
		c.Rotate(winner)
	})
	n.PowRegistry.Reset()

	n.setState(StateMicroblockConsensusPrep)
	return nil
}

// ShardingPayload is the ClassNode/InstrSharding body: the DS committee's
// co-signed sharding structure for the epoch (spec.md section 4.3).
type ShardingPayload struct {
	Shards []*shard.Shard
	CoSig  types.CoSignatures
}

// Encode renders the byte-exact Sharding payload: the shard.EncodeShards
// blob followed by the two cosig phases.
func (p ShardingPayload) Encode() []byte {
	buf := shard.EncodeShards(p.Shards)
	buf = encodeCoSig(buf, p.CoSig.CS1)
	buf = encodeCoSig(buf, p.CoSig.CS2)
	return buf
}

// DecodeSharding parses an InstrSharding payload.
func DecodeSharding(raw []byte) (ShardingPayload, error) {
	shards, raw, err := shard.DecodeShards(raw)
	if err != nil {
		return ShardingPayload{}, err
	}
	var p ShardingPayload
	p.Shards = shards
	p.CoSig.CS1, raw, err = decodeCoSig(raw)
	if err != nil {
		return ShardingPayload{}, err
	}
	p.CoSig.CS2, _, err = decodeCoSig(raw)
	if err != nil {
		return ShardingPayload{}, err
	}
	return p, nil
}

// processSharding installs the new sharding structure for the epoch: verify
// the cosignatures against the (already-rotated, by processDsBlock) current
// DS committee, install this node's own assignment, and — spec.md section
// 4.3's backup recompute path — independently recompute the structure from
// locally-known PoW-1 submissions as a consistency check. A mismatch is
// only ever logged, never a reason to refuse the committee's co-signed
// structure: the cosignature is the actual authority here, and a node
// missing a few submissions is expected, not a sign of a faulty committee.
func (n *Node) processSharding(ctx context.Context, payload []byte, from types.Peer) error {
	msg, err := DecodeSharding(payload)
	if err != nil {
		return errors.Wrap(err, "decode sharding")
	}

	announcement := shard.EncodeShards(msg.Shards)
	blockHash := types.HashFromBytes(announcement)
	committee := n.Mediator.DsCommitteeView()
	ok, err := consensus.VerifyCoSignatures(committee.Members(), blockHash, announcement, msg.CoSig)
	if err != nil {
		return errors.Wrap(err, "verify sharding cosignatures")
	}
	if !ok {
		return errors.New("node: sharding cosignature verification failed")
	}

	self := n.Mediator.Self.Public
	for i, sh := range msg.Shards {
		if _, inShard := sh.IndexOf(self); inShard {
			n.SetShardAssignment(sh, uint32(i))
			break
		}
	}

	n.verifyShardingRecompute(ctx, msg.Shards, from)

	n.setState(StateMicroblockConsensusPrep)
	return nil
}

// verifyShardingRecompute runs the backup recompute spec.md section 4.3
// allows any node to perform against the PoW-1 submissions it has on hand;
// if the local population looks short of what produced the committed
// structure, it asks from to fill the gap rather than giving up silently.
func (n *Node) verifyShardingRecompute(ctx context.Context, committed []*shard.Shard, from types.Peer) {
	last, ok := n.Mediator.DsChain.Last()
	if !ok {
		return
	}
	submissions := n.PowRegistry.All()
	wantPopulation := shard.PublicKeys(committed)
	if len(submissions) < len(wantPopulation) {
		var missing []types.PublicKey
		have := make(map[types.PublicKey]bool, len(submissions))
		for _, s := range submissions {
			have[s.PubKey] = true
		}
		for _, pub := range wantPopulation {
			if !have[pub] {
				missing = append(missing, pub)
			}
		}
		n.requestMissingPowSubmissions(ctx, missing, from)
		return
	}

	pop := shard.Population(powRecordsToSubmissions(submissions), last.Header.WinnerPubKey, nil)
	recomputed := shard.ComputeShardingStructure(shard.Config{CommSize: n.cfg.CommSize}, pop)
	if !sameMembership(recomputed, committed) {
		n.log.Warn().Msg("LOG_GENERAL: local sharding recompute disagrees with committed structure")
	}
}

func powRecordsToSubmissions(recs []pow.PowRecord) []shard.PowSubmission {
	out := make([]shard.PowSubmission, len(recs))
	for i, r := range recs {
		out[i] = shard.PowSubmission{PubKey: r.PubKey, Peer: r.Peer, Nonce: r.Nonce, Result: r.Result}
	}
	return out
}

func sameMembership(a, b []*shard.Shard) bool {
	if len(a) != len(b) {
		return false
	}
	keyA := shard.PublicKeys(a)
	keyB := shard.PublicKeys(b)
	if len(keyA) != len(keyB) {
		return false
	}
	seen := make(map[types.PublicKey]bool, len(keyA))
	for _, k := range keyA {
		seen[k] = true
	}
	for _, k := range keyB {
		if !seen[k] {
			return false
		}
	}
	return true
}

// FinalBlockPayload is the ClassNode/InstrFinalBlock body: the DS
// committee's co-signed finalblock (spec.md section 4.2).
type FinalBlockPayload struct {
	Block types.TxBlock
}

const txBlockHeaderLen = 1 + 4 + 8 + 8 + types.HashSize + 8 + 32 + types.HashSize + types.HashSize + types.HashSize + 4 + 4 + types.PubKeySize + 8 + types.HashSize

// Encode renders the byte-exact FinalBlock payload: header, then a
// length-prefixed list of (txRoot, stateDeltaHash, shardId, empty) tuples
// (EmptyBitmap/MicroBlockHashes/ShardIDs travel as one parallel list since
// they are always the same length), then the two cosig phases.
func (p FinalBlockPayload) Encode() []byte {
	b := p.Block
	buf := append([]byte{}, b.Header.Bytes()...)
	buf = codec.AppendU32(buf, uint32(len(b.MicroBlockHashes)))
	for i, ref := range b.MicroBlockHashes {
		buf = append(buf, ref.TxRoot[:]...)
		buf = append(buf, ref.StateDeltaHash[:]...)
		buf = codec.AppendU32(buf, ref.ShardID)
		empty := byte(0)
		if i < len(b.EmptyBitmap) && b.EmptyBitmap[i] {
			empty = 1
		}
		buf = append(buf, empty)
	}
	buf = encodeCoSig(buf, b.CoSig.CS1)
	buf = encodeCoSig(buf, b.CoSig.CS2)
	return buf
}

// DecodeFinalBlock parses an InstrFinalBlock payload.
func DecodeFinalBlock(raw []byte) (FinalBlockPayload, error) {
	block, raw, err := decodeTxBlockBody(raw)
	if err != nil {
		return FinalBlockPayload{}, err
	}
	block.CoSig.CS1, raw, err = decodeCoSig(raw)
	if err != nil {
		return FinalBlockPayload{}, err
	}
	block.CoSig.CS2, _, err = decodeCoSig(raw)
	if err != nil {
		return FinalBlockPayload{}, err
	}
	return FinalBlockPayload{Block: block}, nil
}

func decodeTxBlockBody(raw []byte) (types.TxBlock, []byte, error) {
	if len(raw) < txBlockHeaderLen {
		return types.TxBlock{}, nil, p2p.ErrMalformedMessage
	}
	header, err := types.DecodeTxBlockHeader(raw[:txBlockHeaderLen])
	if err != nil {
		return types.TxBlock{}, nil, err
	}
	raw = raw[txBlockHeaderLen:]

	if len(raw) < 4 {
		return types.TxBlock{}, nil, p2p.ErrMalformedMessage
	}
	n := beU32(raw)
	raw = raw[4:]
	refs := make([]types.MicroBlockRef, 0, n)
	empty := make([]bool, 0, n)
	shardIDs := make([]uint32, 0, n)
	const refLen = types.HashSize + types.HashSize + 4 + 1
	for i := uint32(0); i < n; i++ {
		if len(raw) < refLen {
			return types.TxBlock{}, nil, p2p.ErrMalformedMessage
		}
		var ref types.MicroBlockRef
		copy(ref.TxRoot[:], raw[:types.HashSize])
		raw = raw[types.HashSize:]
		copy(ref.StateDeltaHash[:], raw[:types.HashSize])
		raw = raw[types.HashSize:]
		ref.ShardID = beU32(raw)
		raw = raw[4:]
		ref.Empty = raw[0] != 0
		raw = raw[1:]
		refs = append(refs, ref)
		empty = append(empty, ref.Empty)
		shardIDs = append(shardIDs, ref.ShardID)
	}
	return types.TxBlock{
		Header:           header,
		EmptyBitmap:      empty,
		MicroBlockHashes: refs,
		ShardIDs:         shardIDs,
	}, raw, nil
}

// processFinalBlock commits a co-signed finalblock: verify its
// cosignatures against the current DS committee, commit it (maintaining the
// m_currentEpochNum == txBlockChain.Count() invariant via
// Mediator.CommitTxBlock), release its processed transactions, and either
// re-enter PoW submission (DS-epoch boundary) or wait for the next
// microblock round, mirroring ds.DirectoryService.CommitFinalBlock's
// branch on the shard-node side (spec.md section 4.2).
func (n *Node) processFinalBlock(ctx context.Context, payload []byte, from types.Peer) error {
	msg, err := DecodeFinalBlock(payload)
	if err != nil {
		return errors.Wrap(err, "decode finalblock")
	}
	block := msg.Block

	committee := n.Mediator.DsCommitteeView()
	ok, err := consensus.VerifyCoSignatures(committee.Members(), block.Header.Hash(), block.Header.Bytes(), block.CoSig)
	if err != nil {
		return errors.Wrap(err, "verify finalblock cosignatures")
	}
	if !ok {
		return errors.New("node: finalblock cosignature verification failed")
	}

	n.Mediator.CommitTxBlock(block)
	n.Pool.Forget(block.Header.BlockNum)

	if n.cfg.NumFinalBlockPerPow > 0 && n.Mediator.EpochNum()%uint64(n.cfg.NumFinalBlockPerPow) == 0 {
		n.setState(StatePoWSubmission)
	} else {
		n.setState(StateMicroblockConsensusPrep)
	}
	return nil
}

// processFallbackBlock applies a fallback block: structurally a TxBlock
// (same header shape, tagged with fallbackBlockTypeTx) co-signed by the
// shard committee instead of the DS committee, used when the DS committee
// has gone silent for too long (spec.md section 1's fallback-consensus
// path, carried as an ambient liveness concern rather than a Non-goal).
// Verification runs against this node's own shard committee, since a
// fallback round never involves the DS committee at all.
func (n *Node) processFallbackBlock(ctx context.Context, payload []byte, from types.Peer) error {
	block, raw, err := decodeTxBlockBody(payload)
	if err != nil {
		return errors.Wrap(err, "decode fallbackblock")
	}
	block.CoSig.CS1, raw, err = decodeCoSig(raw)
	if err != nil {
		return errors.Wrap(err, "decode fallbackblock cosig1")
	}
	block.CoSig.CS2, _, err = decodeCoSig(raw)
	if err != nil {
		return errors.Wrap(err, "decode fallbackblock cosig2")
	}
	if block.Header.Type != fallbackBlockTypeTx {
		return errors.New("node: wrong block type for fallback block")
	}

	sh, _ := n.ShardAssignment()
	if sh == nil {
		return errors.New("node: no shard assignment to verify fallback block against")
	}
	ok, err := consensus.VerifyCoSignatures(sh.Members(), block.Header.Hash(), block.Header.Bytes(), block.CoSig)
	if err != nil {
		return errors.Wrap(err, "verify fallbackblock cosignatures")
	}
	if !ok {
		return errors.New("node: fallbackblock cosignature verification failed")
	}

	n.Mediator.CommitTxBlock(block)
	n.Pool.Forget(block.Header.BlockNum)
	n.setState(StatePoWSubmission)
	return nil
}
