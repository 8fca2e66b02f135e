// Package ds implements the DirectoryService coordinator (spec.md section
// 4.2): the four-consensus-kind sequence every DS epoch runs through
// (DsBlock, Sharding, Microblock submission window, FinalBlock), DS
// committee rotation, and view-change triggering. A DirectoryService embeds
// a *node.Node and layers DS-only states and the coordinator loop on top —
// the same "shard node behavior is a subset of DS node behavior" split
// spec.md section 4.1/4.2 describes.
package ds

import "fmt"

// State is a DS node's position in its own epoch state machine (spec.md
// section 4.2, "States (for a DS node)"), distinct from node.State which
// every node — DS or shard — also tracks for the shard-facing parts of its
// behavior.
type State uint8

const (
	StatePoWSubmission State = iota
	StateDsBlockConsensusPrep
	StateDsBlockConsensus
	StateShardingConsensusPrep
	StateShardingConsensus
	StateMicroblockSubmission
	StateFinalBlockConsensusPrep
	StateFinalBlockConsensus
	StateViewChangeConsensusPrep
	StateViewChangeConsensus
)

func (s State) String() string {
	switch s {
	case StatePoWSubmission:
		return "PoWSubmission"
	case StateDsBlockConsensusPrep:
		return "DsBlockConsensusPrep"
	case StateDsBlockConsensus:
		return "DsBlockConsensus"
	case StateShardingConsensusPrep:
		return "ShardingConsensusPrep"
	case StateShardingConsensus:
		return "ShardingConsensus"
	case StateMicroblockSubmission:
		return "MicroblockSubmission"
	case StateFinalBlockConsensusPrep:
		return "FinalBlockConsensusPrep"
	case StateFinalBlockConsensus:
		return "FinalBlockConsensus"
	case StateViewChangeConsensusPrep:
		return "ViewChangeConsensusPrep"
	case StateViewChangeConsensus:
		return "ViewChangeConsensus"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Mode is a DS node's role within the current consensus round: driving it
// (Primary), participating as a backup (Backup), or — having just been
// ejected from the committee — no longer a DS node at all (Idle).
type Mode uint8

const (
	ModePrimary Mode = iota
	ModeBackup
	ModeIdle
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "Primary"
	case ModeBackup:
		return "Backup"
	case ModeIdle:
		return "Idle"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}
