// Package consensus implements the generic 4-phase BFT multisignature
// engine of spec.md section 4.4: Announce -> Challenge1/CS1 -> Collective1
// -> Challenge2/CS2 -> Collective2 -> Done. One Instance runs a single
// (kind, consensusId) round; the DS-block, sharding, microblock, finalblock,
// and view-change consensus kinds are all the same state machine
// parameterized by different validator/announcement-generator callbacks,
// replacing the teacher's one-struct-per-purpose Cosi-PBFT layout.
package consensus

import "fmt"

// Kind distinguishes which higher-level operation a consensus instance is
// running for (spec.md section 3's `kind` field).
type Kind uint8

const (
	KindDsBlock Kind = iota
	KindSharding
	KindMicroBlock
	KindFinalBlock
	KindViewChange
)

func (k Kind) String() string {
	switch k {
	case KindDsBlock:
		return "DSBlock"
	case KindSharding:
		return "Sharding"
	case KindMicroBlock:
		return "Microblock"
	case KindFinalBlock:
		return "FinalBlock"
	case KindViewChange:
		return "ViewChange"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// State is a consensus instance's position in the 4-phase protocol
// (spec.md section 3's enumerated `state` set).
type State uint8

const (
	StateInitial State = iota
	StateAnnouncementReceived
	StateCommitSent1
	StateChallenged1
	StateResponseSent1
	StateCollective1
	StateCommitSent2
	StateChallenged2
	StateResponseSent2
	StateCollective2
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateAnnouncementReceived:
		return "AnnouncementReceived"
	case StateCommitSent1:
		return "CommitSent1"
	case StateChallenged1:
		return "Challenged1"
	case StateResponseSent1:
		return "ResponseSent1"
	case StateCollective1:
		return "Collective1"
	case StateCommitSent2:
		return "CommitSent2"
	case StateChallenged2:
		return "Challenged2"
	case StateResponseSent2:
		return "ResponseSent2"
	case StateCollective2:
		return "Collective2"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Role is whether this node is driving the round (Leader) or reacting to it
// (Backup).
type Role uint8

const (
	RoleBackup Role = iota
	RoleLeader
)

// ErrorKind classifies a validator rejection per spec.md section 4.4's
// error-handling table.
type ErrorKind uint8

const (
	// ErrNone indicates no error occurred.
	ErrNone ErrorKind = iota
	// ErrMissingTxn is returned by the microblock validator when the
	// announced block references transaction bodies this node doesn't have.
	ErrMissingTxn
	// ErrWrongOrder is returned when the announced payload's ordering is
	// unacceptable; backups refuse to commit and the leader must re-propose.
	ErrWrongOrder
	// ErrValidationFailure is a catch-all rejection.
	ErrValidationFailure
	// ErrTimeout marks a round that failed to reach quorum within its
	// configured timeout.
	ErrTimeout
)

func (e ErrorKind) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrMissingTxn:
		return "missing_txn"
	case ErrWrongOrder:
		return "wrong_order"
	case ErrValidationFailure:
		return "validation_failure"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
