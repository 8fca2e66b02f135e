package ds

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/node"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/pow"
	"github.com/shardrep/dsnode/shard"
	"github.com/shardrep/dsnode/txpool"
)

// p2pTransport adapts a p2p.Host into a consensus.Transport for one running
// Instance, tagging every outbound message with the instance's Kind as the
// ClassConsensus envelope's instruction byte so a receiving node's ordering
// Engine can demultiplex by kind before handing off to the right Instance.
type p2pTransport struct {
	host      p2p.Host
	committee []types.Member
	leader    types.Peer
	size      int
}

func (t *p2pTransport) Broadcast(msg consensus.Message) error {
	raw := consensus.EncodeMessage(msg)
	peers := make([]types.Peer, 0, len(t.committee))
	for _, m := range t.committee {
		peers = append(peers, m.Peer)
	}
	env := p2p.Envelope{Class: p2p.ClassConsensus, Instruction: byte(msg.Kind), Payload: raw}
	return t.host.Multicast(context.Background(), peers, env)
}

func (t *p2pTransport) SendToLeader(msg consensus.Message) error {
	raw := consensus.EncodeMessage(msg)
	env := p2p.Envelope{Class: p2p.ClassConsensus, Instruction: byte(msg.Kind), Payload: raw}
	return t.host.Send(context.Background(), t.leader, env)
}

// DirectoryService coordinates the DS committee's four-consensus-kind epoch
// cycle on top of the shard-facing Node it embeds (spec.md section 4.2).
// Only committee members ever drive this type; a node learns it has been
// ejected (ds.ModeIdle) and simply stops being handed a DirectoryService by
// whatever layer constructs nodes for the next epoch.
type DirectoryService struct {
	*node.Node

	cfg config.Config
	log zerolog.Logger

	mu                sync.Mutex
	state             State
	mode              Mode
	consensusID       uint32
	viewChangeCounter uint32

	prevDsHeader *types.DsBlockHeader
	prevTxBlock  *types.TxBlock

	currentShards     []*shard.Shard
	currentAssignment txpool.Assignment

	microBlocks *microBlockWindow
	stateReader types.StateReader
}

// New constructs a DirectoryService seated on n's current DS committee.
func New(n *node.Node, cfg config.Config, logger zerolog.Logger) *DirectoryService {
	return &DirectoryService{
		Node:        n,
		cfg:         cfg,
		log:         logger,
		state:       StatePoWSubmission,
		mode:        ModeBackup,
		microBlocks: newMicroBlockWindow(),
	}
}

// SetStateReader wires the node's account-state tree into the epoch
// sequencer's vacuous-epoch state-root computation (spec.md section 4.2).
// A DirectoryService constructed without calling this only ever runs
// non-vacuous finalblocks correctly — checkStateRoot requires a non-nil
// reader the moment isVacuousEpoch is true.
func (d *DirectoryService) SetStateReader(r types.StateReader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateReader = r
}

// State returns the DS node's current position.
func (d *DirectoryService) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DirectoryService) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.log.Info().Str("ds_state", s.String()).Msg("LOG_STATE")
}

// Mode returns whether this node is currently driving (Primary), following
// (Backup), or has been ejected (Idle).
func (d *DirectoryService) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *DirectoryService) refreshModeLocked() {
	self := d.Mediator.Self.Public
	committee := d.Mediator.DsCommitteeView()
	idx, ok := committee.IndexOf(self)
	switch {
	case !ok:
		d.mode = ModeIdle
	case idx == 0:
		d.mode = ModePrimary
	default:
		d.mode = ModeBackup
	}
}

// ComposeDsBlock implements the DS leader's winner-selection and block
// composition (spec.md section 4.2): sort every recorded PoW-1 submission
// ascending by solution hash, the head is the winner, difficulty retargets
// off the observed/target DS-block rate, and the sharding structure plus
// tx-sharing assignment are computed from the resulting population.
func (d *DirectoryService) ComposeDsBlock(observedRate, targetRate float64) (types.DsBlockHeader, pow.PowRecord, []*shard.Shard, txpool.Assignment, error) {
	submissions := d.PowRegistry.All()
	if len(submissions) == 0 {
		return types.DsBlockHeader{}, pow.PowRecord{}, nil, txpool.Assignment{}, errors.New("ds: no PoW submissions recorded for this epoch")
	}
	sortByResultAscending(submissions)
	winner := submissions[0]

	var prevHash types.Hash
	var blockNum uint64
	var prevDiff, prevDsDiff uint8 = d.cfg.Pow2Difficulty, d.cfg.DsPowDifficulty
	if d.prevDsHeader != nil {
		prevHash = d.prevDsHeader.Hash()
		blockNum = d.prevDsHeader.BlockNum + 1
		prevDiff = d.prevDsHeader.Difficulty
		prevDsDiff = d.prevDsHeader.DsDifficulty
	}

	header := types.DsBlockHeader{
		Difficulty:   pow.AdjustDifficulty(prevDiff, observedRate, targetRate, d.cfg.Pow2Difficulty, 32),
		DsDifficulty: pow.AdjustDifficulty(prevDsDiff, observedRate, targetRate, d.cfg.DsPowDifficulty, 32),
		PrevHash:     prevHash,
		BlockNum:     blockNum,
		WinnerPubKey: winner.PubKey,
		LeaderPubKey: d.Mediator.DsCommitteeView().Leader().PubKey,
		SWVersion:    currentSWVersionDs,
	}

	population := shard.Population(toPowSubmissions(submissions), winner.PubKey, nil)
	shardingCfg := shard.Config{CommSize: d.cfg.CommSize}
	shards := shard.ComputeShardingStructure(shardingCfg, population)

	dsCommittee := d.Mediator.DsCommitteeView()
	assignment := txpool.ComputeAssignment(d.cfg, dsCommittee.Members(), shards)

	return header, winner, shards, assignment, nil
}

func sortByResultAscending(recs []pow.PowRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Result.Less(recs[j-1].Result); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func toPowSubmissions(recs []pow.PowRecord) []shard.PowSubmission {
	out := make([]shard.PowSubmission, len(recs))
	for i, r := range recs {
		out[i] = shard.PowSubmission{PubKey: r.PubKey, Peer: r.Peer, Nonce: r.Nonce, Result: r.Result}
	}
	return out
}

// CommitDsBlock applies a co-signed DsBlock: rotates the committee
// (pushFront winner, popBack oldest — the ejected member returns to general
// population as an idle shard node), installs the new sharding structure,
// and records the header as the chain tip for the next epoch's composition.
func (d *DirectoryService) CommitDsBlock(header types.DsBlockHeader, cosig types.CoSignatures, shards []*shard.Shard, assignment txpool.Assignment) {
	winner := types.Member{PubKey: header.WinnerPubKey}
	if rec, ok := d.PowRegistry.Lookup(header.WinnerPubKey); ok {
		winner.Peer = rec.Peer
	}

	d.Mediator.RotateDsCommittee(func(c *shard.DsCommittee) {
		c.Rotate(winner)
	})
	d.Mediator.DsChain.Push(types.DsBlock{Header: header, CoSig: cosig})

	d.mu.Lock()
	h := header
	d.prevDsHeader = &h
	d.currentShards = shards
	d.currentAssignment = assignment
	d.refreshModeLocked()
	d.mu.Unlock()

	if myShardID, sh := d.myShard(shards); sh != nil {
		d.SetShardAssignment(sh, myShardID)
	}
	d.setState(StateShardingConsensusPrep)
}

func (d *DirectoryService) myShard(shards []*shard.Shard) (uint32, *shard.Shard) {
	return d.shardFor(d.Mediator.Self.Public, shards)
}

func (d *DirectoryService) shardFor(pub types.PublicKey, shards []*shard.Shard) (uint32, *shard.Shard) {
	for i, sh := range shards {
		if _, ok := sh.IndexOf(pub); ok {
			return uint32(i), sh
		}
	}
	return 0, nil
}

// ShardFor answers a lookup peer's question "which shard, if any, is pub
// currently assigned to" against the most recently committed sharding
// structure (spec.md section 4.8).
func (d *DirectoryService) ShardFor(pub types.PublicKey) (inShard bool, shardID uint32, members []types.Member) {
	d.mu.Lock()
	shards := d.currentShards
	d.mu.Unlock()
	id, sh := d.shardFor(pub, shards)
	if sh == nil {
		return false, 0, nil
	}
	return true, id, sh.Members()
}

// nextConsensusID advances and returns the coordinator's local consensusId
// cursor, keeping the generic consensus.Engine's ordering window in sync.
func (d *DirectoryService) nextConsensusID() uint32 {
	d.mu.Lock()
	d.consensusID++
	id := d.consensusID
	d.mu.Unlock()
	d.Consensus.Advance(id)
	return id
}

// newInstance builds a consensus.Instance for kind, seated on the current DS
// committee, wired to a p2pTransport.
func (d *DirectoryService) newInstance(kind consensus.Kind, blockHash types.Hash, callbacks consensus.Callbacks) *consensus.Instance {
	committee := d.Mediator.DsCommitteeView()
	members := committee.Members()
	selfIdx, _ := committee.IndexOf(d.Mediator.Self.Public)
	transport := &p2pTransport{host: d.Host, committee: members, leader: committee.Leader().Peer, size: len(members)}
	inst := consensus.NewInstance(kind, d.nextConsensusID(), blockHash, d.Mediator.Self, uint16(selfIdx), 0, members, transport, callbacks)
	d.Consensus.Register(inst)
	return inst
}

// RunFinalBlockConsensus drives (as leader) or participates in (as backup)
// the finalblock consensus round for the microblocks collected this epoch.
func (d *DirectoryService) RunFinalBlockConsensus(ctx context.Context, candidate types.TxBlock, microBlocks []types.MicroBlock, localState types.StateReader) (types.CoSignatures, error) {
	d.setState(StateFinalBlockConsensusPrep)
	blockHash := candidate.Header.Hash()
	vacuous := isVacuousEpoch(d.Mediator.EpochNum(), d.cfg.NumFinalBlockPerPow, d.cfg.NumVacuousEpochs)

	callbacks := consensus.Callbacks{
		GenerateAnnouncement: func() []byte { return candidate.Header.Bytes() },
		Validate: func(announcement []byte) consensus.ErrorKind {
			if !types.HashEqual(sha256Of(announcement), blockHash) {
				return consensus.ErrWrongOrder
			}
			if err := ValidateFinalBlock(FinalBlockValidationInput{
				Candidate:    candidate,
				Previous:     d.prevTxBlock,
				MicroBlocks:  microBlocks,
				LocalState:   localState,
				VacuousEpoch: vacuous,
			}); err != nil {
				return consensus.ErrValidationFailure
			}
			return consensus.ErrNone
		},
	}

	inst := d.newInstance(consensus.KindFinalBlock, blockHash, callbacks)
	defer d.Consensus.Unregister(inst.ConsensusID())
	d.setState(StateFinalBlockConsensus)
	if err := inst.Start(); err != nil {
		return types.CoSignatures{}, errors.Wrap(err, "start finalblock consensus")
	}
	select {
	case res := <-inst.Done():
		if res.Err != nil {
			return types.CoSignatures{}, res.Err
		}
		return res.CoSigs, nil
	case <-ctx.Done():
		return types.CoSignatures{}, ctx.Err()
	}
}

// CommitFinalBlock applies a co-signed finalblock: advances the tx-block
// chain/epoch counter, releases the epoch's processed transactions, and
// runs the post-finalblock branch (spec.md section 4.2): at a DS-epoch
// boundary (every NumFinalBlockPerPow finalblocks), reseed PoW randomness
// and re-enter PoWSubmission; otherwise just reset for the next microblock
// submission window.
func (d *DirectoryService) CommitFinalBlock(block types.TxBlock) {
	d.Mediator.CommitTxBlock(block)
	d.Pool.Forget(block.Header.BlockNum)

	d.mu.Lock()
	d.prevTxBlock = &block
	epochInDsEpoch := d.Mediator.EpochNum() % uint64(d.cfg.NumFinalBlockPerPow)
	d.mu.Unlock()

	if epochInDsEpoch == 0 {
		d.reseedRandomness(block)
		d.mu.Lock()
		d.consensusID = 0
		d.mu.Unlock()
		d.setState(StatePoWSubmission)
		d.Node.EnterPoWSubmission()
	} else {
		d.setState(StateMicroblockSubmission)
	}
}

// reseedRandomness derives the next DS epoch's PoW randomness from the
// just-committed finalblock and the DS block it closes out (spec.md section
// 4.6: rand1/rand2 must change every DS epoch so PoW-1 can't be precomputed
// across epochs; chaining them off the latest committed hashes is the
// simplest function meeting that requirement that every node can recompute
// identically without an extra round of communication).
func (d *DirectoryService) reseedRandomness(block types.TxBlock) {
	d.mu.Lock()
	prevDs := d.prevDsHeader
	d.mu.Unlock()

	var dsRand types.Hash
	if prevDs != nil {
		dsRand = prevDs.Hash()
	}
	d.Mediator.SetRandSeeds(mediator.RandSeeds{DsBlockRand: dsRand, TxBlockRand: block.Header.Hash()})
}

func sha256Of(b []byte) types.Hash {
	return types.HashFromBytes(b)
}
