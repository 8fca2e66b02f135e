package node

import (
	"context"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shardrep/dsnode/consensus"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/pow"
	"github.com/shardrep/dsnode/shard"
	"github.com/shardrep/dsnode/txpool"
)

// maxConcurrentHandlers bounds how many process* handlers may run at once,
// the same "don't let a burst of gossip spawn unbounded goroutines" concern
// harmony's Node.Start dispatch loop addresses with a semaphore.
const maxConcurrentHandlers = 16

// Node runs the shard-role epoch state machine of spec.md section 4.1. A
// ds.DirectoryService embeds one and layers the DS-committee states and
// four-consensus-kind coordination on top.
type Node struct {
	Mediator *mediator.Mediator

	PowEngine   pow.Engine
	PowRegistry *pow.ConnRegistry

	Consensus *consensus.Engine

	Pool        *txpool.Pool
	Unavailable *txpool.UnavailableTracker

	Host p2p.Host
	cfg  config.Config
	log  zerolog.Logger

	assignMu sync.RWMutex
	shard    *shard.Shard
	shardID  uint32

	stateMu sync.Mutex
	state   State
	waitCh  chan struct{}

	runCtx    context.Context
	powMu     sync.Mutex
	powCancel context.CancelFunc

	shardConsensusMu sync.Mutex
	shardConsensusID uint32

	pendingMicroBlockMu sync.Mutex
	pendingMicroBlock   *pendingMicroBlock

	sem *semaphore.Weighted
}

// New constructs a Node in its boot state (spec.md section 4.1: a freshly
// synced node always starts PoW submission).
func New(med *mediator.Mediator, powEngine pow.Engine, host p2p.Host, cfg config.Config, logger zerolog.Logger) *Node {
	return &Node{
		Mediator:    med,
		PowEngine:   powEngine,
		PowRegistry: pow.NewConnRegistry(),
		Consensus:   consensus.NewEngine(0, cfg.ConsensusMsgOrderBlockWindow),
		Pool:        txpool.New(),
		Unavailable: txpool.NewUnavailableTracker(),
		Host:        host,
		cfg:         cfg,
		log:         logger,
		state:       StatePoWSubmission,
		waitCh:      make(chan struct{}),
		sem:         semaphore.NewWeighted(maxConcurrentHandlers),
	}
}

// Start subscribes to the node-class topic and dispatches every inbound
// envelope through Execute until ctx is cancelled. Modeled on harmony's
// Node.Start supervised-goroutine pattern, replacing its hand-rolled
// recover-and-restart loop with golang.org/x/sync/errgroup so a subscription
// failure propagates instead of silently wedging the node.
func (n *Node) Start(ctx context.Context) error {
	inbound, err := n.Host.Subscribe(ctx, p2p.ClassNode)
	if err != nil {
		return errors.Wrap(err, "subscribe to node class")
	}
	consensusInbound, err := n.Host.Subscribe(ctx, p2p.ClassConsensus)
	if err != nil {
		return errors.Wrap(err, "subscribe to consensus class")
	}
	peerMgrInbound, err := n.Host.Subscribe(ctx, p2p.ClassPeerManager)
	if err != nil {
		return errors.Wrap(err, "subscribe to peer-manager class")
	}

	g, ctx := errgroup.WithContext(ctx)
	n.stateMu.Lock()
	n.runCtx = ctx
	startNow := n.state == StatePoWSubmission
	n.stateMu.Unlock()
	if startNow {
		n.triggerPoW()
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-inbound:
				if !ok {
					return nil
				}
				n.Execute(ctx, msg.Env, msg.From)
			}
		}
	})
	// A backup only ever reaches a running consensus.Instance through the
	// ordering Engine's Dispatch — without this loop subscribed, a backup
	// seated on either committee never receives announce/commit/challenge/
	// response/collective messages at all.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-consensusInbound:
				if !ok {
					return nil
				}
				n.handleConsensusEnvelope(msg.Env)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-peerMgrInbound:
				if !ok {
					return nil
				}
				if err := n.handlePeerManager(ctx, msg.Env, msg.From); err != nil {
					n.log.Warn().Err(err).Msg("LOG_GENERAL: peer-manager handler failed")
				}
			}
		}
	})
	return g.Wait()
}

// committeeSizeForKind resolves which committee size a ClassConsensus
// envelope's DecodeMessage call needs to reconstruct its cosignature
// bitmap: a KindMicroBlock message is sized against this node's current
// shard, every other kind against the DS committee (spec.md section 4.2 —
// the DS committee is the only body that ever runs DsBlock/Sharding/
// FinalBlock/ViewChange consensus).
func (n *Node) committeeSizeForKind(kind consensus.Kind) int {
	if kind == consensus.KindMicroBlock {
		if sh, _ := n.ShardAssignment(); sh != nil {
			return sh.Size()
		}
		return 0
	}
	return n.Mediator.DsCommitteeView().Size()
}

// handleConsensusEnvelope demultiplexes one ClassConsensus envelope by its
// Instruction byte (the message's consensus.Kind, per p2pTransport) and
// hands the decoded message to the ordering Engine, which buffers or
// delivers it to whichever Instance is currently registered for that
// consensusId (spec.md section 4.1/4.2).
func (n *Node) handleConsensusEnvelope(env p2p.Envelope) {
	kind := consensus.Kind(env.Instruction)
	size := n.committeeSizeForKind(kind)
	if size == 0 {
		n.log.Warn().Str("kind", kind.String()).Msg("LOG_GENERAL: consensus message for unknown committee")
		return
	}
	msg, err := consensus.DecodeMessage(env.Payload, size)
	if err != nil {
		n.log.Warn().Err(err).Msg("LOG_GENERAL: malformed consensus message")
		return
	}
	n.Consensus.Dispatch(msg)
}

// State returns the node's current epoch-state-machine position.
func (n *Node) State() State {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state
}

// EnterPoWSubmission transitions the embedded shard-node state machine back
// to PoWSubmission and (re)starts mining for the upcoming block. A
// DirectoryService calls this at a DS-epoch boundary (spec.md section 4.2)
// since PoW mining itself lives on the Node it embeds, even though the DS
// coordinator tracks its own committee-facing state machine separately.
func (n *Node) EnterPoWSubmission() {
	n.setState(StatePoWSubmission)
}

// setState transitions the node, waking anyone blocked in waitForState, and
// emits the LOG_STATE record spec.md section 7 names.
func (n *Node) setState(s State) {
	n.stateMu.Lock()
	n.state = s
	ch := n.waitCh
	n.waitCh = make(chan struct{})
	n.stateMu.Unlock()
	close(ch)
	n.log.Info().Str("state", s.String()).Msg("LOG_STATE")

	if s != StatePoWSubmission && s != StateWaitingDsBlock {
		n.powMu.Lock()
		if n.powCancel != nil {
			n.powCancel()
			n.powCancel = nil
		}
		n.powMu.Unlock()
	}
	if s == StatePoWSubmission {
		n.triggerPoW()
	}
}

// triggerPoW kicks off startPoW for the upcoming DS block, using whatever
// difficulty the most recently committed DsBlock named (or the config
// defaults before any DsBlock exists — the genesis round). It is a no-op
// before Start has recorded a run context to mine against.
func (n *Node) triggerPoW() {
	n.stateMu.Lock()
	ctx := n.runCtx
	n.stateMu.Unlock()
	if ctx == nil {
		return
	}

	blockNum := n.Mediator.DsChain.Count() + 1
	dsDifficulty, difficulty := n.cfg.DsPowDifficulty, n.cfg.PowDifficulty
	if last, ok := n.Mediator.DsChain.Last(); ok {
		dsDifficulty, difficulty = last.Header.DsDifficulty, last.Header.Difficulty
	}

	powCtx, cancel := context.WithCancel(ctx)
	n.powMu.Lock()
	n.powCancel = cancel
	n.powMu.Unlock()
	n.startPoW(powCtx, blockNum, dsDifficulty, difficulty)
}

// waitForState blocks (up to timeout) until the node's state becomes one of
// want, implementing the Buffered verdict's "wait on the state condition
// variable" contract (spec.md section 4.1, section 5's bounded-wait rule).
func (n *Node) waitForState(ctx context.Context, timeout time.Duration, want ...State) bool {
	deadline := time.Now().Add(timeout)
	for {
		n.stateMu.Lock()
		cur := n.state
		ch := n.waitCh
		n.stateMu.Unlock()
		for _, w := range want {
			if cur == w {
				return true
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// ShardAssignment returns the node's current shard membership, if any.
func (n *Node) ShardAssignment() (*shard.Shard, uint32) {
	n.assignMu.RLock()
	defer n.assignMu.RUnlock()
	return n.shard, n.shardID
}

// SetShardAssignment installs a new sharding-structure outcome (spec.md
// section 4.3), called once per DS epoch after sharding consensus commits.
func (n *Node) SetShardAssignment(sh *shard.Shard, shardID uint32) {
	n.assignMu.Lock()
	defer n.assignMu.Unlock()
	n.shard = sh
	n.shardID = shardID
}

// Execute implements p2p.MessageSink: decode the instruction, admit it
// through checkState, and dispatch to the matching process* handler
// (spec.md section 4.1).
func (n *Node) Execute(ctx context.Context, env p2p.Envelope, from types.Peer) bool {
	instr := Instruction(env.Instruction)
	action, err := instr.toAction()
	if err != nil {
		n.log.Warn().Err(err).Msg("LOG_GENERAL: unknown instruction")
		return false
	}

	if err := n.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer n.sem.Release(1)

	correlation := uuid.New()
	logger := n.log.With().Str("correlation_id", correlation).Logger()

	admission := checkState(action, n.State())
	switch admission {
	case Rejected:
		logger.Warn().Str("action", action.String()).Str("state", n.State().String()).Msg("LOG_GENERAL: rejected message for current state")
		return false
	case Buffered:
		ok := n.waitForState(ctx, n.cfg.ConsensusMsgOrderBlockWindow, admissibleStatesFor(action)...)
		if !ok {
			logger.Warn().Str("action", action.String()).Msg("LOG_GENERAL: buffered message timed out waiting for state transition")
			return false
		}
	case Admissible:
	}

	if err := n.dispatch(ctx, instr, env.Payload, from); err != nil {
		logger.Warn().Err(err).Str("action", action.String()).Msg("LOG_GENERAL: handler failed")
		return false
	}
	return true
}

// admissibleStatesFor returns the states the table marks Admissible for
// action — what a Buffered verdict is actually waiting to arrive at.
func admissibleStatesFor(action Action) []State {
	var out []State
	for s, adm := range admissibilityTable[action] {
		if adm == Admissible {
			out = append(out, s)
		}
	}
	return out
}

func (n *Node) dispatch(ctx context.Context, instr Instruction, payload []byte, from types.Peer) error {
	switch instr {
	case InstrDsBlock:
		return n.processDsBlock(ctx, payload, from)
	case InstrSharding:
		return n.processSharding(ctx, payload, from)
	case InstrSubmitTransaction:
		return n.processSubmitTransaction(ctx, payload, from)
	case InstrMicroblockConsensus:
		return n.processMicroblockConsensus(ctx, payload, from)
	case InstrFinalBlock:
		return n.processFinalBlock(ctx, payload, from)
	case InstrForwardTransaction:
		return n.processForwardTransaction(ctx, payload, from)
	case InstrCreateTransactionFromLookup:
		return n.processCreateTransactionFromLookup(ctx, payload, from)
	case InstrTxnPacketFromLookup:
		return n.processTxnPacketFromLookup(ctx, payload, from)
	case InstrVcBlock:
		return n.processVcBlock(ctx, payload, from)
	case InstrFallbackBlock:
		return n.processFallbackBlock(ctx, payload, from)
	default:
		return errors.Errorf("node: no handler for instruction %d", instr)
	}
}

// BroadcastList implements p2p.MessageSink: a ClassNode message fans out to
// this node's current shard, excluding whoever already sent it to us.
func (n *Node) BroadcastList(instruction uint8, originator types.Peer) []types.Peer {
	sh, _ := n.ShardAssignment()
	if sh == nil {
		return nil
	}
	members := sh.Members()
	out := make([]types.Peer, 0, len(members))
	for _, m := range members {
		if m.Peer != originator {
			out = append(out, m.Peer)
		}
	}
	return out
}

// startPoW drives the PoW engine to completion in its own goroutine and
// records the solution in the node's own connection registry (spec.md
// section 4.6), then moves the node to WaitingDsBlock. The solution is
// neither signed nor sent to the DS committee. The goroutine is cancelled
// the moment a DsBlock arrives and moves the node out of
// PoWSubmission/WaitingDsBlock.
func (n *Node) startPoW(ctx context.Context, blockNum uint64, dsDifficulty, difficulty uint8) {
	seeds := n.Mediator.RandSeeds()
	self := n.Mediator.Self
	peer := n.Mediator.Peer

	if err := n.PowEngine.ConfigureLight(blockNum); err != nil {
		n.log.Warn().Err(err).Msg("LOG_GENERAL: pow light client configuration failed")
		return
	}

	go func() {
		sol, err := n.PowEngine.Mine(ctx, blockNum, difficulty, seeds.DsBlockRand, seeds.TxBlockRand, peer.IP, self.Public)
		if err != nil {
			return // cancelled, e.g. a DsBlock already arrived
		}
		n.PowRegistry.Record(pow.PowRecord{
			PubKey: self.Public,
			Peer:   peer,
			Nonce:  sol.Nonce,
			Result: sol.Result,
		})
		n.setState(StateWaitingDsBlock)
	}()
}

// processSubmitTransaction admits a client transaction into the local shard
// pool, staging it if its nonce is ahead of the account's next expected
// nonce (spec.md section 4.5's addrNonceTxnMap).
func (n *Node) processSubmitTransaction(ctx context.Context, payload []byte, from types.Peer) error {
	msg, err := DecodeSubmitTransaction(payload)
	if err != nil {
		return err
	}
	if err := n.Pool.Add(msg.Txn); err != nil {
		if err == txpool.ErrDuplicateNonce {
			n.Pool.Stage(msg.Txn)
			return nil
		}
		return err
	}
	return nil
}

// processForwardTransaction accepts a forwarded microblock body, staging its
// transactions and marking the sending shard's contribution as arrived
// (spec.md section 4.5). It does not re-gossip the bodies to other peers.
func (n *Node) processForwardTransaction(ctx context.Context, payload []byte, from types.Peer) error {
	msg, err := DecodeForwardTransaction(payload)
	if err != nil {
		return err
	}
	for _, txn := range msg.Txns {
		n.Pool.Stage(txn)
	}
	n.Unavailable.Arrived(msg.BlockNum, msg.ShardID)
	return nil
}

// processCreateTransactionFromLookup ingests a bulk transaction delivery
// used while catching up from the Lookup service (spec.md section 4.8).
func (n *Node) processCreateTransactionFromLookup(ctx context.Context, payload []byte, from types.Peer) error {
	msg, err := DecodeTxnPacket(payload)
	if err != nil {
		return err
	}
	for _, txn := range msg.Txns {
		_ = n.Pool.Add(txn)
	}
	return nil
}

// processTxnPacketFromLookup is the steady-state analogue of
// processCreateTransactionFromLookup, admitted once the node is caught up.
func (n *Node) processTxnPacketFromLookup(ctx context.Context, payload []byte, from types.Peer) error {
	return n.processCreateTransactionFromLookup(ctx, payload, from)
}

// SignSolution Schnorr-signs a PoW solution's canonical payload for
// submission, per spec.md section 4.6.
func SignSolution(self types.KeyPair, sol pow.Solution) ([64]byte, error) {
	return crypto.Sign(self.Private, sol.Result[:])
}
