package types

import (
	"bytes"
	"crypto/sha256"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/codec"
)

// ---------------------------------------------------------------------
// DsBlock
// ---------------------------------------------------------------------

// DsBlockHeader is the per-DS-epoch header (spec.md section 3).
type DsBlockHeader struct {
	Difficulty   uint8
	DsDifficulty uint8
	PrevHash     Hash
	BlockNum     uint64
	WinnerPubKey PublicKey
	LeaderPubKey PublicKey
	TimestampHi  uint64 // u256 timestamp, stored as two uint64 halves (hi/lo)
	TimestampLo  uint64
	SWVersion    uint32
	Nonce        uint64
}

// Bytes renders the header in the byte-exact, field-order, big-endian layout
// every hash/signature in this system is computed over (spec.md section 6).
func (h DsBlockHeader) Bytes() []byte {
	buf := make([]byte, 0, 1+1+HashSize+8+PubKeySize+PubKeySize+32+4+8)
	buf = append(buf, h.Difficulty, h.DsDifficulty)
	buf = append(buf, h.PrevHash[:]...)
	buf = codec.AppendU64(buf, h.BlockNum)
	buf = append(buf, h.WinnerPubKey[:]...)
	buf = append(buf, h.LeaderPubKey[:]...)
	var ts [32]byte
	codec.PutUint256BE(ts[:], h.TimestampHi, h.TimestampLo)
	buf = append(buf, ts[:]...)
	buf = codec.AppendU32(buf, h.SWVersion)
	buf = codec.AppendU64(buf, h.Nonce)
	return buf
}

// Hash is SHA-256 over the canonical header bytes.
func (h DsBlockHeader) Hash() Hash { return sha256.Sum256(h.Bytes()) }

// DecodeDsBlockHeader is Bytes' inverse, used by a catching-up node to turn
// a lookup-fetched header back into a usable DsBlockHeader (spec.md section
// 4.8).
func DecodeDsBlockHeader(raw []byte) (DsBlockHeader, error) {
	const want = 1 + 1 + HashSize + 8 + PubKeySize + PubKeySize + 32 + 4 + 8
	if len(raw) != want {
		return DsBlockHeader{}, errors.New("types: wrong-length DsBlockHeader payload")
	}
	var h DsBlockHeader
	h.Difficulty = raw[0]
	h.DsDifficulty = raw[1]
	raw = raw[2:]
	copy(h.PrevHash[:], raw[:HashSize])
	raw = raw[HashSize:]
	h.BlockNum = codec.BigEndianU64(raw)
	raw = raw[8:]
	copy(h.WinnerPubKey[:], raw[:PubKeySize])
	raw = raw[PubKeySize:]
	copy(h.LeaderPubKey[:], raw[:PubKeySize])
	raw = raw[PubKeySize:]
	h.TimestampHi, h.TimestampLo = codec.Uint256BE(raw[:32])
	raw = raw[32:]
	h.SWVersion = codec.BigEndianU32(raw)
	raw = raw[4:]
	h.Nonce = codec.BigEndianU64(raw)
	return h, nil
}

// DsBlock is a finalized DS-committee block.
type DsBlock struct {
	Header DsBlockHeader
	CoSig  CoSignatures
}

// ---------------------------------------------------------------------
// MicroBlock
// ---------------------------------------------------------------------

// MicroBlockHeader (spec.md section 3).
type MicroBlockHeader struct {
	Type            uint8
	Version         uint32
	ShardID         uint32
	GasLimit        uint64
	GasUsed         uint64
	PrevHash        Hash
	BlockNum        uint64
	TimestampHi     uint64
	TimestampLo     uint64
	TxRoot          Hash
	NumTxs          uint32
	MinerPubKey     PublicKey
	DsBlockNum      uint64
	DsBlockHeaderID Hash // hash of the DsBlockHeader this microblock was produced under
	StateDeltaHash  Hash
	TxReceiptHash   Hash
}

// Bytes is the canonical big-endian encoding.
func (h MicroBlockHeader) Bytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, h.Type)
	buf = codec.AppendU32(buf, h.Version)
	buf = codec.AppendU32(buf, h.ShardID)
	buf = codec.AppendU64(buf, h.GasLimit)
	buf = codec.AppendU64(buf, h.GasUsed)
	buf = append(buf, h.PrevHash[:]...)
	buf = codec.AppendU64(buf, h.BlockNum)
	var ts [32]byte
	codec.PutUint256BE(ts[:], h.TimestampHi, h.TimestampLo)
	buf = append(buf, ts[:]...)
	buf = append(buf, h.TxRoot[:]...)
	buf = codec.AppendU32(buf, h.NumTxs)
	buf = append(buf, h.MinerPubKey[:]...)
	buf = codec.AppendU64(buf, h.DsBlockNum)
	buf = append(buf, h.DsBlockHeaderID[:]...)
	buf = append(buf, h.StateDeltaHash[:]...)
	buf = append(buf, h.TxReceiptHash[:]...)
	return buf
}

// Hash is SHA-256 over the canonical header bytes.
func (h MicroBlockHeader) Hash() Hash { return sha256.Sum256(h.Bytes()) }

// IsEmpty reports whether this microblock carries no transactions — the
// resolved semantics of checkIsMicroBlockEmpty (SPEC_FULL.md Open Question 3).
func (h MicroBlockHeader) IsEmpty() bool { return h.NumTxs == 0 }

const microBlockHeaderLen = 1 + 4 + 4 + 8 + 8 + HashSize + 8 + 32 + HashSize + 4 + PubKeySize + 8 + HashSize + HashSize + HashSize

// DecodeMicroBlockHeader is Bytes' inverse, used by a shard committee
// member validating an inbound microblock-consensus announcement and by
// the DS committee's microblock-submission window (spec.md section 4.4).
func DecodeMicroBlockHeader(raw []byte) (MicroBlockHeader, error) {
	if len(raw) != microBlockHeaderLen {
		return MicroBlockHeader{}, errors.New("types: wrong-length MicroBlockHeader payload")
	}
	var h MicroBlockHeader
	h.Type = raw[0]
	raw = raw[1:]
	h.Version = codec.BigEndianU32(raw)
	raw = raw[4:]
	h.ShardID = codec.BigEndianU32(raw)
	raw = raw[4:]
	h.GasLimit = codec.BigEndianU64(raw)
	raw = raw[8:]
	h.GasUsed = codec.BigEndianU64(raw)
	raw = raw[8:]
	copy(h.PrevHash[:], raw[:HashSize])
	raw = raw[HashSize:]
	h.BlockNum = codec.BigEndianU64(raw)
	raw = raw[8:]
	h.TimestampHi, h.TimestampLo = codec.Uint256BE(raw[:32])
	raw = raw[32:]
	copy(h.TxRoot[:], raw[:HashSize])
	raw = raw[HashSize:]
	h.NumTxs = codec.BigEndianU32(raw)
	raw = raw[4:]
	copy(h.MinerPubKey[:], raw[:PubKeySize])
	raw = raw[PubKeySize:]
	h.DsBlockNum = codec.BigEndianU64(raw)
	raw = raw[8:]
	copy(h.DsBlockHeaderID[:], raw[:HashSize])
	raw = raw[HashSize:]
	copy(h.StateDeltaHash[:], raw[:HashSize])
	raw = raw[HashSize:]
	copy(h.TxReceiptHash[:], raw[:HashSize])
	return h, nil
}

// MicroBlock is a shard's co-signed proposal for one tx-epoch.
type MicroBlock struct {
	Header    MicroBlockHeader
	TranHashes []Hash
	CoSig     CoSignatures
}

// ---------------------------------------------------------------------
// TxBlock (finalblock)
// ---------------------------------------------------------------------

// MicroBlockRef is the (txRoot, stateDeltaHash, shardId, empty) tuple the
// finalblock references per committed microblock.
type MicroBlockRef struct {
	TxRoot         Hash
	StateDeltaHash Hash
	ShardID        uint32
	Empty          bool
}

// TxBlockHeader (spec.md section 3).
type TxBlockHeader struct {
	Type                uint8
	Version             uint32
	GasLimit            uint64
	GasUsed             uint64
	PrevHash            Hash
	BlockNum            uint64
	TimestampHi         uint64
	TimestampLo         uint64
	MicroBlockTxnRoot   Hash
	StateRoot           Hash
	MicroBlockDeltaRoot Hash
	NumTxs              uint32
	NumMicroBlocks      uint32
	MinerPubKey         PublicKey
	DsBlockNum          uint64
	DsBlockHeaderHash   Hash
}

// Bytes is the canonical big-endian encoding.
func (h TxBlockHeader) Bytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, h.Type)
	buf = codec.AppendU32(buf, h.Version)
	buf = codec.AppendU64(buf, h.GasLimit)
	buf = codec.AppendU64(buf, h.GasUsed)
	buf = append(buf, h.PrevHash[:]...)
	buf = codec.AppendU64(buf, h.BlockNum)
	var ts [32]byte
	codec.PutUint256BE(ts[:], h.TimestampHi, h.TimestampLo)
	buf = append(buf, ts[:]...)
	buf = append(buf, h.MicroBlockTxnRoot[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.MicroBlockDeltaRoot[:]...)
	buf = codec.AppendU32(buf, h.NumTxs)
	buf = codec.AppendU32(buf, h.NumMicroBlocks)
	buf = append(buf, h.MinerPubKey[:]...)
	buf = codec.AppendU64(buf, h.DsBlockNum)
	buf = append(buf, h.DsBlockHeaderHash[:]...)
	return buf
}

// Hash is SHA-256 over the canonical header bytes — what the next TxBlock's
// PrevHash must equal (testable property 2).
func (h TxBlockHeader) Hash() Hash { return sha256.Sum256(h.Bytes()) }

// DecodeTxBlockHeader is Bytes' inverse, used by a catching-up node to turn
// a lookup-fetched header back into a usable TxBlockHeader (spec.md section
// 4.8). The per-microblock reference list (EmptyBitmap/MicroBlockHashes/
// ShardIDs) is not part of the canonical header and travels separately in
// the lookup response.
func DecodeTxBlockHeader(raw []byte) (TxBlockHeader, error) {
	const want = 1 + 4 + 8 + 8 + HashSize + 8 + 32 + HashSize + HashSize + HashSize + 4 + 4 + PubKeySize + 8 + HashSize
	if len(raw) != want {
		return TxBlockHeader{}, errors.New("types: wrong-length TxBlockHeader payload")
	}
	var h TxBlockHeader
	h.Type = raw[0]
	raw = raw[1:]
	h.Version = codec.BigEndianU32(raw)
	raw = raw[4:]
	h.GasLimit = codec.BigEndianU64(raw)
	raw = raw[8:]
	h.GasUsed = codec.BigEndianU64(raw)
	raw = raw[8:]
	copy(h.PrevHash[:], raw[:HashSize])
	raw = raw[HashSize:]
	h.BlockNum = codec.BigEndianU64(raw)
	raw = raw[8:]
	h.TimestampHi, h.TimestampLo = codec.Uint256BE(raw[:32])
	raw = raw[32:]
	copy(h.MicroBlockTxnRoot[:], raw[:HashSize])
	raw = raw[HashSize:]
	copy(h.StateRoot[:], raw[:HashSize])
	raw = raw[HashSize:]
	copy(h.MicroBlockDeltaRoot[:], raw[:HashSize])
	raw = raw[HashSize:]
	h.NumTxs = codec.BigEndianU32(raw)
	raw = raw[4:]
	h.NumMicroBlocks = codec.BigEndianU32(raw)
	raw = raw[4:]
	copy(h.MinerPubKey[:], raw[:PubKeySize])
	raw = raw[PubKeySize:]
	h.DsBlockNum = codec.BigEndianU64(raw)
	raw = raw[8:]
	copy(h.DsBlockHeaderHash[:], raw[:HashSize])
	return h, nil
}

// TxBlock is the DS-committee-co-signed finalblock.
type TxBlock struct {
	Header           TxBlockHeader
	EmptyBitmap      []bool // per-microblock numTxs==0 bit, same order as MicroBlockHashes
	MicroBlockHashes []MicroBlockRef
	ShardIDs         []uint32
	CoSig            CoSignatures
}

// ---------------------------------------------------------------------
// VcBlock (view change)
// ---------------------------------------------------------------------

// ViewChangeState is the canonical encoding resolving SPEC_FULL.md Open
// Question 4: one fixed uint8 enum over the consensus-pending states a view
// change may interrupt.
type ViewChangeState uint8

const (
	VCStateDsBlockConsensus ViewChangeState = iota
	VCStateDsBlockConsensusPrep
	VCStateShardingConsensus
	VCStateFinalBlockConsensus
	VCStateMicroblockConsensus
)

// VcBlockHeader (spec.md section 3).
type VcBlockHeader struct {
	CandidateLeaderIndex uint32
	CandidateLeaderPeer  Peer
	CandidateLeaderPubKey PublicKey
	ViewChangeState      ViewChangeState
	ViewChangeEpochNum   uint64
}

// Bytes is the canonical big-endian encoding.
func (h VcBlockHeader) Bytes() []byte {
	buf := make([]byte, 0, 64)
	buf = codec.AppendU32(buf, h.CandidateLeaderIndex)
	buf = append(buf, h.CandidateLeaderPeer.IP[:]...)
	buf = codec.AppendU16(buf, h.CandidateLeaderPeer.Port)
	buf = append(buf, h.CandidateLeaderPubKey[:]...)
	buf = append(buf, byte(h.ViewChangeState))
	buf = codec.AppendU64(buf, h.ViewChangeEpochNum)
	return buf
}

// Hash is SHA-256 over the canonical header bytes.
func (h VcBlockHeader) Hash() Hash { return sha256.Sum256(h.Bytes()) }

// DecodeVcBlockHeader is Bytes' inverse, used by a view-change consensus
// backup to recover the candidate leader a leader's announcement names
// before checking it against its own expectation.
func DecodeVcBlockHeader(raw []byte) (VcBlockHeader, error) {
	const want = 4 + 16 + 2 + PubKeySize + 1 + 8
	if len(raw) != want {
		return VcBlockHeader{}, errors.New("types: wrong-length VcBlockHeader payload")
	}
	var h VcBlockHeader
	h.CandidateLeaderIndex = codec.BigEndianU32(raw)
	raw = raw[4:]
	copy(h.CandidateLeaderPeer.IP[:], raw[:16])
	raw = raw[16:]
	h.CandidateLeaderPeer.Port = codec.BigEndianU16(raw)
	raw = raw[2:]
	copy(h.CandidateLeaderPubKey[:], raw[:PubKeySize])
	raw = raw[PubKeySize:]
	h.ViewChangeState = ViewChangeState(raw[0])
	raw = raw[1:]
	h.ViewChangeEpochNum = codec.BigEndianU64(raw)
	return h, nil
}

// VcBlock is the committed result of a view-change consensus round.
type VcBlock struct {
	Header VcBlockHeader
	CoSig  CoSignatures
}

// HashEqual is a small readability helper used throughout validators.
func HashEqual(a, b Hash) bool { return bytes.Equal(a[:], b[:]) }

// HashFromBytes is SHA-256(b) — used by validators that recompute a hash
// over an announcement payload to check it against an expected block hash.
func HashFromBytes(b []byte) Hash { return sha256.Sum256(b) }
