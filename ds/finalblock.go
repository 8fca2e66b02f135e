package ds

import (
	"time"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/trie"
	"github.com/shardrep/dsnode/core/types"
)

var _ types.StateReader = (*trie.State)(nil)

// finalBlockTypeTx is the TxBlockHeader.Type value a genuine finalblock must
// carry — the first link in the validation chain.
const finalBlockTypeTx uint8 = 1

// currentSWVersion is the software version backups check proposed blocks
// against (spec.md section 4.2's checkVersion step).
const currentSWVersion uint32 = 1

// FinalBlockValidationInput bundles everything ValidateFinalBlock needs: the
// candidate block, the previous committed block (nil at genesis), the
// microblocks the leader claims to have assembled it from, the state root
// the node's own account-state tree currently computes, and whether this
// epoch is the DS-epoch's vacuous one.
//
// VacuousEpoch mirrors spec.md section 4.2's "checkStateRoot (iff
// vacuous)": only the last NumVacuousEpochs finalblocks of a DS epoch
// actually commit the account-state root; every other finalblock in
// between defers state-root computation and must carry a zero stateRoot,
// so the DS committee never waits on a state recompute to co-sign an
// ordinary epoch.
type FinalBlockValidationInput struct {
	Candidate    types.TxBlock
	Previous     *types.TxBlock
	MicroBlocks  []types.MicroBlock
	LocalState   types.StateReader
	VacuousEpoch bool
}

// ValidateFinalBlock runs the nine-step ordered structural-validation chain
// a DS backup applies to a leader's finalblock announcement (spec.md section
// 4.2): checkBlockTypeIsFinal -> checkVersion -> checkBlockNumber ->
// checkPreviousHash -> checkTimestamp -> checkMicroBlockHashes ->
// checkMicroBlockHashRoot -> checkIsMicroBlockEmpty -> checkStateRoot. Each
// step short-circuits the rest, mirroring the teacher's
// FinalBlockPreProcessing.cpp ordering, which is itself load-bearing: a
// later check may depend on an earlier one already having been confirmed
// (e.g. block number before previous-hash).
func ValidateFinalBlock(in FinalBlockValidationInput) error {
	if err := checkBlockTypeIsFinal(in.Candidate); err != nil {
		return err
	}
	if err := checkVersion(in.Candidate); err != nil {
		return err
	}
	if err := checkBlockNumber(in.Candidate, in.Previous); err != nil {
		return err
	}
	if err := checkPreviousHash(in.Candidate, in.Previous); err != nil {
		return err
	}
	if err := checkTimestamp(in.Candidate, in.Previous); err != nil {
		return err
	}
	if err := checkMicroBlockHashes(in.Candidate, in.MicroBlocks); err != nil {
		return err
	}
	if err := checkMicroBlockHashRoot(in.Candidate); err != nil {
		return err
	}
	if err := checkIsMicroBlockEmpty(in.Candidate); err != nil {
		return err
	}
	if err := checkStateRoot(in.Candidate, in.LocalState, in.VacuousEpoch); err != nil {
		return err
	}
	return nil
}

func checkBlockTypeIsFinal(b types.TxBlock) error {
	if b.Header.Type != finalBlockTypeTx {
		return errors.Errorf("finalblock: wrong block type %d", b.Header.Type)
	}
	return nil
}

func checkVersion(b types.TxBlock) error {
	if b.Header.Version != currentSWVersion {
		return errors.Errorf("finalblock: unsupported version %d", b.Header.Version)
	}
	return nil
}

func checkBlockNumber(b types.TxBlock, prev *types.TxBlock) error {
	var want uint64
	if prev != nil {
		want = prev.Header.BlockNum + 1
	}
	if b.Header.BlockNum != want {
		return errors.Errorf("finalblock: expected block number %d, got %d", want, b.Header.BlockNum)
	}
	return nil
}

func checkPreviousHash(b types.TxBlock, prev *types.TxBlock) error {
	var want types.Hash
	if prev != nil {
		want = prev.Header.Hash()
	}
	if !types.HashEqual(b.Header.PrevHash, want) {
		return errors.New("finalblock: previous-hash mismatch")
	}
	return nil
}

// checkTimestamp only enforces monotonicity against the previous block;
// clock-skew tolerance against wall time is a transport/liveness concern
// outside this structural chain (spec.md section 4.2 leaves the exact skew
// bound to deployment configuration).
func checkTimestamp(b types.TxBlock, prev *types.TxBlock) error {
	if prev == nil {
		return nil
	}
	if b.Header.TimestampHi < prev.Header.TimestampHi ||
		(b.Header.TimestampHi == prev.Header.TimestampHi && b.Header.TimestampLo <= prev.Header.TimestampLo) {
		return errors.New("finalblock: timestamp does not advance")
	}
	return nil
}

func checkMicroBlockHashes(b types.TxBlock, microBlocks []types.MicroBlock) error {
	if len(b.MicroBlockHashes) != len(microBlocks) {
		return errors.Errorf("finalblock: microblock count mismatch: header names %d, have %d", len(b.MicroBlockHashes), len(microBlocks))
	}
	for i, ref := range b.MicroBlockHashes {
		mb := microBlocks[i]
		if !types.HashEqual(ref.TxRoot, mb.Header.TxRoot) {
			return errors.Errorf("finalblock: microblock %d txRoot mismatch", i)
		}
		if !types.HashEqual(ref.StateDeltaHash, mb.Header.StateDeltaHash) {
			return errors.Errorf("finalblock: microblock %d stateDeltaHash mismatch", i)
		}
		if ref.ShardID != mb.Header.ShardID {
			return errors.Errorf("finalblock: microblock %d shardId mismatch", i)
		}
		if ref.Empty != mb.Header.IsEmpty() {
			return errors.Errorf("finalblock: microblock %d empty-flag mismatch", i)
		}
	}
	return nil
}

func checkMicroBlockHashRoot(b types.TxBlock) error {
	txRoots := make([]types.Hash, len(b.MicroBlockHashes))
	deltaRoots := make([]types.Hash, len(b.MicroBlockHashes))
	for i, ref := range b.MicroBlockHashes {
		txRoots[i] = ref.TxRoot
		deltaRoots[i] = ref.StateDeltaHash
	}
	if gotTxRoot := trie.MerkleRoot(txRoots); !types.HashEqual(gotTxRoot, b.Header.MicroBlockTxnRoot) {
		return errors.New("finalblock: microBlockTxnRoot mismatch")
	}
	if gotDeltaRoot := trie.MerkleRoot(deltaRoots); !types.HashEqual(gotDeltaRoot, b.Header.MicroBlockDeltaRoot) {
		return errors.New("finalblock: microBlockDeltaRoot mismatch")
	}
	return nil
}

// checkIsMicroBlockEmpty resolves SPEC_FULL.md Open Question 3: a
// microblock is "empty" exactly when its header's numTxs is zero, and the
// finalblock's per-microblock EmptyBitmap must agree with every referenced
// microblock header on that point.
func checkIsMicroBlockEmpty(b types.TxBlock) error {
	if len(b.EmptyBitmap) != len(b.MicroBlockHashes) {
		return errors.New("finalblock: empty-bitmap length mismatch")
	}
	for i, ref := range b.MicroBlockHashes {
		if b.EmptyBitmap[i] != ref.Empty {
			return errors.Errorf("finalblock: empty-bitmap disagrees with microblock %d", i)
		}
	}
	return nil
}

// checkStateRoot only recomputes and compares the state root on the DS
// epoch's vacuous finalblock; every other finalblock must declare a zero
// root, deferring the real computation (spec.md section 4.2).
func checkStateRoot(b types.TxBlock, localState types.StateReader, vacuous bool) error {
	if !vacuous {
		if !types.HashEqual(b.Header.StateRoot, types.Hash{}) {
			return errors.New("finalblock: non-vacuous epoch must defer state root to zero")
		}
		return nil
	}
	if localState == nil {
		return errors.New("finalblock: vacuous epoch requires local state to check against")
	}
	if !types.HashEqual(b.Header.StateRoot, localState.Root()) {
		return errors.New("finalblock: state root mismatch")
	}
	return nil
}

// AssembleFinalBlock implements the leader-side half of spec.md section
// 4.2 step 4: fold the epoch's collected microblocks (one per shard that
// submitted one; empty ones still get a MicroBlockRef/EmptyBitmap entry)
// into a candidate TxBlock ready to announce. stateRoot is only ever set
// to the node's live account-state root on the DS epoch's vacuous
// finalblock; every other epoch defers it to zero, matching
// checkStateRoot's gating.
func (d *DirectoryService) AssembleFinalBlock(microBlocks []types.MicroBlock, localState types.StateReader) types.TxBlock {
	d.mu.Lock()
	prev := d.prevTxBlock
	prevDs := d.prevDsHeader
	d.mu.Unlock()

	var prevHash types.Hash
	var blockNum uint64
	if prev != nil {
		prevHash = prev.Header.Hash()
		blockNum = prev.Header.BlockNum + 1
	}
	var dsBlockNum uint64
	var dsHeaderHash types.Hash
	if prevDs != nil {
		dsBlockNum = prevDs.BlockNum
		dsHeaderHash = prevDs.Hash()
	}

	refs := make([]types.MicroBlockRef, len(microBlocks))
	empty := make([]bool, len(microBlocks))
	txRoots := make([]types.Hash, len(microBlocks))
	deltaRoots := make([]types.Hash, len(microBlocks))
	shardIDs := make([]uint32, len(microBlocks))
	var gasLimit, gasUsed uint64
	var numTxs uint32
	for i, mb := range microBlocks {
		refs[i] = types.MicroBlockRef{
			TxRoot:         mb.Header.TxRoot,
			StateDeltaHash: mb.Header.StateDeltaHash,
			ShardID:        mb.Header.ShardID,
			Empty:          mb.Header.IsEmpty(),
		}
		empty[i] = refs[i].Empty
		txRoots[i] = mb.Header.TxRoot
		deltaRoots[i] = mb.Header.StateDeltaHash
		shardIDs[i] = mb.Header.ShardID
		gasLimit += mb.Header.GasLimit
		gasUsed += mb.Header.GasUsed
		numTxs += mb.Header.NumTxs
	}

	vacuous := isVacuousEpoch(d.Mediator.EpochNum(), d.cfg.NumFinalBlockPerPow, d.cfg.NumVacuousEpochs)
	var stateRoot types.Hash
	if vacuous && localState != nil {
		stateRoot = localState.Root()
	}

	now := time.Now().UnixNano()
	header := types.TxBlockHeader{
		Type:                finalBlockTypeTx,
		Version:             currentSWVersion,
		GasLimit:            gasLimit,
		GasUsed:             gasUsed,
		PrevHash:            prevHash,
		BlockNum:            blockNum,
		TimestampLo:         uint64(now),
		MicroBlockTxnRoot:   trie.MerkleRoot(txRoots),
		StateRoot:           stateRoot,
		MicroBlockDeltaRoot: trie.MerkleRoot(deltaRoots),
		NumTxs:              numTxs,
		NumMicroBlocks:      uint32(len(microBlocks)),
		MinerPubKey:         d.Mediator.DsCommitteeView().Leader().PubKey,
		DsBlockNum:          dsBlockNum,
		DsBlockHeaderHash:   dsHeaderHash,
	}
	return types.TxBlock{
		Header:           header,
		EmptyBitmap:      empty,
		MicroBlockHashes: refs,
		ShardIDs:         shardIDs,
	}
}

// isVacuousEpoch decides spec.md section 4.2's vacuous-epoch position: the
// last NumVacuousEpochs finalblocks of every NumFinalBlockPerPow-sized DS
// epoch are vacuous (epochNum counts finalblocks already committed, so the
// finalblock about to be produced lands at position epochNum within the
// current DS epoch).
func isVacuousEpoch(epochNum uint64, numFinalBlockPerPow, numVacuousEpochs int) bool {
	if numFinalBlockPerPow <= 0 {
		return false
	}
	position := epochNum % uint64(numFinalBlockPerPow)
	return uint64(numFinalBlockPerPow)-position <= uint64(numVacuousEpochs)
}
