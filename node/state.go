// Package node implements the shard-role epoch state machine and message
// dispatch entry point (spec.md section 4.1): the PoW -> DsBlock -> Sharding
// -> Microblock -> FinalBlock -> (Fallback) cycle every non-DS node runs.
// ds.DirectoryService embeds a *Node and layers the DS-committee-specific
// states and coordination logic on top (spec.md section 4.2).
package node

import "fmt"

// State is a shard node's position in the epoch state machine (spec.md
// section 4.1, "States (for a shard node)").
type State uint8

const (
	StatePoWSubmission State = iota
	StateWaitingDsBlock
	StateMicroblockConsensusPrep
	StateMicroblockConsensus
	StateWaitingFinalBlock
	StateFallbackConsensusPrep
	StateFallbackConsensus
	StateWaitingFallbackBlock
	StateSync
)

func (s State) String() string {
	switch s {
	case StatePoWSubmission:
		return "PoWSubmission"
	case StateWaitingDsBlock:
		return "WaitingDsBlock"
	case StateMicroblockConsensusPrep:
		return "MicroblockConsensusPrep"
	case StateMicroblockConsensus:
		return "MicroblockConsensus"
	case StateWaitingFinalBlock:
		return "WaitingFinalBlock"
	case StateFallbackConsensusPrep:
		return "FallbackConsensusPrep"
	case StateFallbackConsensus:
		return "FallbackConsensus"
	case StateWaitingFallbackBlock:
		return "WaitingFallbackBlock"
	case StateSync:
		return "Sync"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Action identifies which handler checkState is being asked to admit
// (spec.md section 4.1: "for every incoming instruction the node performs
// checkState(action, currentState)").
type Action uint8

const (
	ActionDsBlock Action = iota
	ActionSharding
	ActionSubmitTransaction
	ActionMicroblockConsensus
	ActionFinalBlock
	ActionForwardTransaction
	ActionCreateTransactionFromLookup
	ActionTxnPacketFromLookup
	ActionVcBlock
	ActionFallbackBlock
)

func (a Action) String() string {
	switch a {
	case ActionDsBlock:
		return "DsBlock"
	case ActionSharding:
		return "Sharding"
	case ActionSubmitTransaction:
		return "SubmitTransaction"
	case ActionMicroblockConsensus:
		return "MicroblockConsensus"
	case ActionFinalBlock:
		return "FinalBlock"
	case ActionForwardTransaction:
		return "ForwardTransaction"
	case ActionCreateTransactionFromLookup:
		return "CreateTransactionFromLookup"
	case ActionTxnPacketFromLookup:
		return "TxnPacketFromLookup"
	case ActionVcBlock:
		return "VcBlock"
	case ActionFallbackBlock:
		return "FallbackBlock"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Admission is checkState's three-way verdict (spec.md section 4.1).
type Admission uint8

const (
	// Admissible: process the message now.
	Admissible Admission = iota
	// Buffered: the message may legitimately precede an already-scheduled
	// transition; wait on the state condition variable up to a bounded
	// timeout, then drop with a warning.
	Buffered
	// Rejected: not admissible from this state under any wait; log and drop.
	Rejected
)

// admissibilityTable is the fixed, exhaustively enumerated (action, state)
// table spec.md section 4.1 requires. Entries not listed default to
// Rejected — silence is "this can never legitimately happen here", not an
// oversight, since every reachable (action, state) pair is named below.
var admissibilityTable = map[Action]map[State]Admission{
	ActionDsBlock: {
		StateWaitingDsBlock: Admissible,
		StatePoWSubmission:  Buffered, // DsBlock announce may race the local PoWSubmission->WaitingDsBlock transition
	},
	ActionSharding: {
		StateWaitingDsBlock: Admissible, // DsBlock already processed; still the same macro-state
		StatePoWSubmission:  Buffered,
	},
	ActionMicroblockConsensus: {
		StateMicroblockConsensusPrep: Admissible,
		StateMicroblockConsensus:     Admissible,
		StateWaitingDsBlock:          Buffered, // sharding just completed a moment ago
	},
	ActionFinalBlock: {
		StateWaitingFinalBlock:   Admissible,
		StateMicroblockConsensus: Buffered, // our own microblock consensus may still be finishing
	},
	ActionSubmitTransaction: {
		StatePoWSubmission:           Admissible,
		StateWaitingDsBlock:          Admissible,
		StateMicroblockConsensusPrep: Admissible,
		StateMicroblockConsensus:     Admissible,
		StateWaitingFinalBlock:       Admissible,
		StateFallbackConsensusPrep:   Admissible,
		StateFallbackConsensus:       Admissible,
		StateWaitingFallbackBlock:    Admissible,
		StateSync:                    Buffered, // staged until the node catches up
	},
	ActionForwardTransaction: {
		StateMicroblockConsensusPrep: Admissible,
		StateMicroblockConsensus:     Admissible,
		StateWaitingFinalBlock:       Admissible,
		StateWaitingDsBlock:          Buffered,
	},
	ActionCreateTransactionFromLookup: {
		StateSync:           Admissible,
		StatePoWSubmission:  Admissible,
		StateWaitingDsBlock: Buffered,
	},
	ActionTxnPacketFromLookup: {
		StateSync:                    Admissible,
		StateMicroblockConsensusPrep: Admissible,
		StateWaitingFinalBlock:       Admissible,
		StateWaitingDsBlock:          Buffered,
	},
	ActionVcBlock: {
		StateMicroblockConsensusPrep: Admissible,
		StateMicroblockConsensus:     Admissible,
		StateFallbackConsensusPrep:   Admissible,
		StateFallbackConsensus:       Admissible,
		StateWaitingDsBlock:          Buffered,
	},
	ActionFallbackBlock: {
		StateWaitingFallbackBlock:  Admissible,
		StateFallbackConsensus:     Buffered,
	},
}

// checkState looks up the fixed admissibility table. Every (action, state)
// pair absent from the table is Rejected — the table is exhaustive by
// construction, not by omission.
func checkState(action Action, current State) Admission {
	byState, ok := admissibilityTable[action]
	if !ok {
		return Rejected
	}
	if adm, ok := byState[current]; ok {
		return adm
	}
	return Rejected
}
