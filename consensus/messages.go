package consensus

import (
	"github.com/shardrep/dsnode/core/types"
)

// Phase identifies a wire message's position in the 4-phase protocol
// (spec.md section 6's "phase byte" in the Consensus/* message format).
type Phase uint8

const (
	PhaseAnnounce Phase = iota
	PhaseCommit1
	PhaseChallenge1
	PhaseResponse1
	PhaseCollective1
	PhaseCommit2
	PhaseChallenge2
	PhaseResponse2
	PhaseCollective2
)

// Message is the on-wire shape of every consensus phase message: phase byte
// + consensusId + blockHash + senderId + phase-specific payload + Schnorr
// signature (spec.md section 6).
type Message struct {
	Kind        Kind
	Phase       Phase
	ConsensusID uint32
	BlockHash   types.Hash
	SenderID    uint16

	// Announcement carries the leader's proposed block/payload (Announce only).
	Announcement []byte

	// Commitment is this participant's curve-point commitment (Commit1/Commit2).
	Commitment [33]byte

	// Challenge carries the leader-aggregated challenge scalar (Challenge1/Challenge2).
	Challenge [32]byte
	// AggregateCommit is the leader-aggregated commitment point accompanying
	// the challenge.
	AggregateCommit [33]byte
	// Bitmap marks which committee members' commitments were aggregated.
	Bitmap []byte

	// Response is this participant's response scalar (Response1/Response2).
	Response [32]byte

	// CoSig carries the finished cosignature (Collective1/Collective2).
	CoSig types.CoSignature

	Signature [64]byte
}
