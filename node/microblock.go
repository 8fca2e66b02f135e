package node

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/trie"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/p2p"
)

// microblockTypeTx is the MicroBlockHeader.Type value an ordinary microblock
// carries.
const microblockTypeTx uint8 = 0

// shardTransport adapts a p2p.Host into a consensus.Transport for a shard
// committee's microblock Instance, mirroring ds.p2pTransport's DS-committee
// counterpart (spec.md section 4.4).
type shardTransport struct {
	host      p2p.Host
	committee []types.Member
	leader    types.Peer
}

func (t *shardTransport) Broadcast(msg consensus.Message) error {
	raw := consensus.EncodeMessage(msg)
	peers := make([]types.Peer, 0, len(t.committee))
	for _, m := range t.committee {
		peers = append(peers, m.Peer)
	}
	env := p2p.Envelope{Class: p2p.ClassConsensus, Instruction: byte(msg.Kind), Payload: raw}
	return t.host.Multicast(context.Background(), peers, env)
}

func (t *shardTransport) SendToLeader(msg consensus.Message) error {
	raw := consensus.EncodeMessage(msg)
	env := p2p.Envelope{Class: p2p.ClassConsensus, Instruction: byte(msg.Kind), Payload: raw}
	return t.host.Send(context.Background(), t.leader, env)
}

// MicroblockStartPayload is the ClassNode/InstrMicroblockConsensus body the
// DS committee broadcasts to a shard to signal the start of its microblock
// round for the current epoch (spec.md section 4.4). It carries just enough
// context for every shard member to assemble an identical candidate
// announcement hash without a further round trip.
type MicroblockStartPayload struct {
	BlockNum        uint64
	DsBlockNum      uint64
	DsBlockHeaderID types.Hash
}

func (p MicroblockStartPayload) Encode() []byte {
	buf := codec.AppendU64(nil, p.BlockNum)
	buf = codec.AppendU64(buf, p.DsBlockNum)
	buf = append(buf, p.DsBlockHeaderID[:]...)
	return buf
}

func DecodeMicroblockStart(raw []byte) (MicroblockStartPayload, error) {
	if len(raw) < 8+8+types.HashSize {
		return MicroblockStartPayload{}, p2p.ErrMalformedMessage
	}
	var p MicroblockStartPayload
	p.BlockNum = beU64(raw)
	raw = raw[8:]
	p.DsBlockNum = beU64(raw)
	raw = raw[8:]
	copy(p.DsBlockHeaderID[:], raw[:types.HashSize])
	return p, nil
}

// AssembleMicroBlock implements the shard-leader half of spec.md section
// 4.4: pull up to MaxSubmitTxnPerNode-sized selection from the pool, fold
// it into a candidate MicroBlock. An empty selection still produces a valid
// (NumTxs == 0) microblock — spec.md section 4.4's "empty microblocks are
// valid and expected when a shard has nothing to propose" edge case.
func (n *Node) AssembleMicroBlock(start MicroblockStartPayload) (types.MicroBlock, []types.Transaction, error) {
	txns, err := n.Pool.Select(n.cfg.MaxSubmitTxnPerNode)
	if err != nil {
		return types.MicroBlock{}, nil, errors.Wrap(err, "select transactions")
	}

	ids := make([]types.Hash, len(txns))
	var gasUsed uint64
	for i, txn := range txns {
		ids[i] = txn.ID()
		gasUsed += txn.GasLimit
	}

	sh, shardID := n.ShardAssignment()
	if sh == nil {
		return types.MicroBlock{}, nil, errors.New("node: no shard assignment to assemble microblock for")
	}

	now := time.Now().UnixNano()
	header := types.MicroBlockHeader{
		Type:            microblockTypeTx,
		Version:         currentMicroblockVersion,
		ShardID:         shardID,
		GasLimit:        n.cfg.MicroblockGasLimit,
		GasUsed:         gasUsed,
		BlockNum:        start.BlockNum,
		TimestampLo:     uint64(now),
		TxRoot:          trie.MerkleRoot(ids),
		NumTxs:          uint32(len(txns)),
		MinerPubKey:     sh.Leader().PubKey,
		DsBlockNum:      start.DsBlockNum,
		DsBlockHeaderID: start.DsBlockHeaderID,
	}
	return types.MicroBlock{Header: header, TranHashes: ids}, txns, nil
}

// currentMicroblockVersion is the software version this node stamps onto
// microblocks it proposes.
const currentMicroblockVersion uint32 = 1

// DirectoryInstr identifies a ClassDirectory envelope's payload shape: the
// shard-leader-to-DS-committee half of the microblock submission window
// (spec.md section 4.4), distinct from both ClassConsensus (the generic
// 4-phase consensus wire format) and ClassPeerManager (the PoW-1 gossip
// round trip). It lives here rather than in ds, since a shard leader that
// is not itself a DS committee member still needs to encode one.
type DirectoryInstr uint8

const (
	InstrMicroBlockSubmission DirectoryInstr = iota
)

// MicroBlockSubmissionPayload is a shard leader's finished, co-signed
// microblock, submitted once its own shard's consensus round resolves.
type MicroBlockSubmissionPayload struct {
	ShardID uint32
	Block   types.MicroBlock
}

func (p MicroBlockSubmissionPayload) Encode() []byte {
	buf := codec.AppendU32(nil, p.ShardID)
	buf = append(buf, p.Block.Header.Bytes()...)
	buf = codec.AppendU32(buf, uint32(len(p.Block.TranHashes)))
	for _, h := range p.Block.TranHashes {
		buf = append(buf, h[:]...)
	}
	buf = encodeCoSig(buf, p.Block.CoSig.CS1)
	buf = encodeCoSig(buf, p.Block.CoSig.CS2)
	return buf
}

// DecodeMicroBlockSubmission parses an InstrMicroBlockSubmission payload.
func DecodeMicroBlockSubmission(raw []byte) (MicroBlockSubmissionPayload, error) {
	if len(raw) < 4 {
		return MicroBlockSubmissionPayload{}, p2p.ErrMalformedMessage
	}
	var p MicroBlockSubmissionPayload
	p.ShardID = codec.BigEndianU32(raw[:4])
	raw = raw[4:]

	const headerLen = 1 + 4 + 4 + 8 + 8 + types.HashSize + 8 + 32 + types.HashSize + 4 + types.PubKeySize + 8 + types.HashSize + types.HashSize + types.HashSize
	if len(raw) < headerLen {
		return MicroBlockSubmissionPayload{}, p2p.ErrMalformedMessage
	}
	header, err := types.DecodeMicroBlockHeader(raw[:headerLen])
	if err != nil {
		return MicroBlockSubmissionPayload{}, err
	}
	p.Block.Header = header
	raw = raw[headerLen:]

	if len(raw) < 4 {
		return MicroBlockSubmissionPayload{}, p2p.ErrMalformedMessage
	}
	n := codec.BigEndianU32(raw[:4])
	raw = raw[4:]
	hashes := make([]types.Hash, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < types.HashSize {
			return MicroBlockSubmissionPayload{}, p2p.ErrMalformedMessage
		}
		var h types.Hash
		copy(h[:], raw[:types.HashSize])
		raw = raw[types.HashSize:]
		hashes = append(hashes, h)
	}
	p.Block.TranHashes = hashes

	p.Block.CoSig.CS1, raw, err = decodeCoSig(raw)
	if err != nil {
		return MicroBlockSubmissionPayload{}, err
	}
	p.Block.CoSig.CS2, _, err = decodeCoSig(raw)
	if err != nil {
		return MicroBlockSubmissionPayload{}, err
	}
	return p, nil
}

// processMicroblockConsensus is the ClassNode/InstrMicroblockConsensus
// handler: the DS committee's "begin your shard's microblock round" signal.
// Every shard member — leader and backups alike — seats a consensus.Instance
// on its own shard committee; the leader assembles and announces a
// candidate, backups only validate against it (the structural checks live
// in the Callbacks.Validate closure below). The resulting co-signed
// microblock is handed to onMicroBlockDone, which submits it toward the DS
// committee's microblock-submission window (spec.md section 4.4).
func (n *Node) processMicroblockConsensus(ctx context.Context, payload []byte, from types.Peer) error {
	start, err := DecodeMicroblockStart(payload)
	if err != nil {
		return errors.Wrap(err, "decode microblock start")
	}
	n.setState(StateMicroblockConsensus)

	sh, shardID := n.ShardAssignment()
	if sh == nil {
		return errors.New("node: microblock consensus started with no shard assignment")
	}
	members := sh.Members()
	selfIdx, _ := sh.IndexOf(n.Mediator.Self.Public)
	isLeader := selfIdx == 0

	var candidate types.MicroBlock
	var txns []types.Transaction
	if isLeader {
		candidate, txns, err = n.AssembleMicroBlock(start)
		if err != nil {
			return errors.Wrap(err, "assemble microblock")
		}
	}
	var blockHash types.Hash
	if isLeader {
		blockHash = candidate.Header.Hash()
	}

	transport := &shardTransport{host: n.Host, committee: members, leader: sh.Leader().Peer}
	callbacks := consensus.Callbacks{
		GenerateAnnouncement: func() []byte { return candidate.Header.Bytes() },
		Validate: func(announcement []byte) consensus.ErrorKind {
			header, err := types.DecodeMicroBlockHeader(announcement)
			if err != nil {
				return consensus.ErrValidationFailure
			}
			if header.BlockNum != start.BlockNum || header.DsBlockNum != start.DsBlockNum {
				return consensus.ErrWrongOrder
			}
			return consensus.ErrNone
		},
	}

	consensusID := n.nextShardConsensusID()
	inst := consensus.NewInstance(consensus.KindMicroBlock, consensusID, blockHash, n.Mediator.Self, uint16(selfIdx), 0, members, transport, callbacks)
	n.Consensus.Register(inst)
	defer n.Consensus.Unregister(inst.ConsensusID())

	if err := inst.Start(); err != nil {
		return errors.Wrap(err, "start microblock consensus")
	}
	select {
	case res := <-inst.Done():
		if res.Err != nil {
			return errors.Wrap(res.Err, "microblock consensus")
		}
		if isLeader {
			candidate.CoSig = res.CoSigs
			n.onMicroBlockDone(ctx, shardID, candidate, txns)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// nextShardConsensusID advances this node's shard-local consensusId cursor,
// independent of a DS committee member's DS-facing cursor (the two run on
// unrelated committees and must not collide when a node belongs to the DS
// committee and embeds a shard Node too).
func (n *Node) nextShardConsensusID() uint32 {
	n.shardConsensusMu.Lock()
	n.shardConsensusID++
	id := n.shardConsensusID
	n.shardConsensusMu.Unlock()
	n.Consensus.Advance(id)
	return id
}

// onMicroBlockDone is the shard-leader completion hook: record the finished
// microblock locally (TakePendingMicroBlock lets a caller introspect it,
// notably in tests) and submit it over ClassDirectory to the current DS
// committee, which every node — DS member or plain shard node — already
// knows via Mediator.DsCommitteeView() (spec.md section 4.4).
func (n *Node) onMicroBlockDone(ctx context.Context, shardID uint32, block types.MicroBlock, txns []types.Transaction) {
	n.pendingMicroBlockMu.Lock()
	n.pendingMicroBlock = &pendingMicroBlock{ShardID: shardID, Block: block, Txns: txns}
	n.pendingMicroBlockMu.Unlock()
	n.log.Info().Uint32("shard_id", shardID).Uint32("num_txs", block.Header.NumTxs).Msg("LOG_GENERAL: microblock consensus complete")

	payload := MicroBlockSubmissionPayload{ShardID: shardID, Block: block}.Encode()
	env := p2p.Envelope{Class: p2p.ClassDirectory, Instruction: byte(InstrMicroBlockSubmission), Payload: payload}
	committee := n.Mediator.DsCommitteeView().Members()
	peers := make([]types.Peer, 0, len(committee))
	for _, m := range committee {
		peers = append(peers, m.Peer)
	}
	if err := n.Host.Multicast(ctx, peers, env); err != nil {
		n.log.Warn().Err(err).Uint32("shard_id", shardID).Msg("LOG_GENERAL: microblock submission to DS committee failed")
	}
}

// pendingMicroBlock is the most recently finished shard-leader microblock,
// retained after submission so callers (chiefly tests) can confirm what was
// sent.
type pendingMicroBlock struct {
	ShardID uint32
	Block   types.MicroBlock
	Txns    []types.Transaction
}

// TakePendingMicroBlock returns and clears the most recently assembled
// microblock this node finished leading, if any.
func (n *Node) TakePendingMicroBlock() (types.MicroBlock, []types.Transaction, bool) {
	n.pendingMicroBlockMu.Lock()
	defer n.pendingMicroBlockMu.Unlock()
	if n.pendingMicroBlock == nil {
		return types.MicroBlock{}, nil, false
	}
	p := n.pendingMicroBlock
	n.pendingMicroBlock = nil
	return p.Block, p.Txns, true
}
