// Package txpool implements the per-shard transaction pools and the
// transaction-sharing overlay (spec.md sections 3 and 4.5): nonce/gas-price
// indexed collections, the DS-receiver/shard-receiver/shard-sender
// classification, and the unavailable-microblock completeness tracker.
package txpool

import (
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/shard"
)

// Assignment is the DS leader's per-epoch tx-sharing computation (spec.md
// section 4.5): which committee/shard positions receive forwarded tx
// bodies, and which shard positions are responsible for egress.
type Assignment struct {
	DsReceivers    []types.Member
	ShardReceivers map[uint32][]types.Member
	ShardSenders   map[uint32][]types.Member
}

// ComputeAssignment implements spec.md section 4.5's three-set computation.
func ComputeAssignment(cfg config.Config, dsCommittee []types.Member, shards []*shard.Shard) Assignment {
	cluster := cfg.TxSharingClusterSize
	a := Assignment{
		ShardReceivers: make(map[uint32][]types.Member, len(shards)),
		ShardSenders:   make(map[uint32][]types.Member, len(shards)),
	}
	a.DsReceivers = firstN(dsCommittee, cluster)
	for i, sh := range shards {
		members := sh.Members()
		a.ShardReceivers[uint32(i)] = firstN(members, cluster)
		a.ShardSenders[uint32(i)] = sliceClamped(members, cluster, 2*cluster)
	}
	return a
}

func firstN(members []types.Member, n int) []types.Member {
	if n > len(members) {
		n = len(members)
	}
	out := make([]types.Member, n)
	copy(out, members[:n])
	return out
}

func sliceClamped(members []types.Member, lo, hi int) []types.Member {
	if lo > len(members) {
		lo = len(members)
	}
	if hi > len(members) {
		hi = len(members)
	}
	if lo >= hi {
		return nil
	}
	out := make([]types.Member, hi-lo)
	copy(out, members[lo:hi])
	return out
}

// Role is a node's egress/ingress combination for one shard, driving one of
// the four sharing behaviors spec.md section 4.5 names.
type Role uint8

const (
	RoleIdle Role = iota
	RoleSendOnly
	RoleForwardOnly
	RoleSendAndForward
)

func (r Role) String() string {
	switch r {
	case RoleIdle:
		return "Idle"
	case RoleSendOnly:
		return "SendOnly"
	case RoleForwardOnly:
		return "ForwardOnly"
	case RoleSendAndForward:
		return "SendAndForward"
	default:
		return "Unknown"
	}
}

// ClassifyShardMember determines self's Role within shardID given the
// epoch's Assignment: "a node classifies itself into the combination
// (i_am_sender, i_am_forwarder)" (spec.md section 4.5).
func ClassifyShardMember(a Assignment, shardID uint32, self types.PublicKey) Role {
	isSender := memberOf(a.ShardSenders[shardID], self)
	isForwarder := memberOf(a.ShardReceivers[shardID], self)
	switch {
	case isSender && isForwarder:
		return RoleSendAndForward
	case isSender:
		return RoleSendOnly
	case isForwarder:
		return RoleForwardOnly
	default:
		return RoleIdle
	}
}

func memberOf(members []types.Member, pub types.PublicKey) bool {
	for _, m := range members {
		if m.PubKey == pub {
			return true
		}
	}
	return false
}

// DownstreamPeers computes the peers a shard sender forwards a microblock's
// tx bodies to within its own shard: every shard peer excluding itself and
// any peer that is already a sender or forwarder (spec.md section 4.5: "their
// own shard's downstream peers ... excluding self and any node that is
// already a sender/forwarder").
func DownstreamPeers(a Assignment, shardID uint32, shardMembers []types.Member, self types.PublicKey) []types.Peer {
	excluded := make(map[types.PublicKey]bool)
	excluded[self] = true
	for _, m := range a.ShardSenders[shardID] {
		excluded[m.PubKey] = true
	}
	for _, m := range a.ShardReceivers[shardID] {
		excluded[m.PubKey] = true
	}
	var out []types.Peer
	for _, m := range shardMembers {
		if !excluded[m.PubKey] {
			out = append(out, m.Peer)
		}
	}
	return out
}
