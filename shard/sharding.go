package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/types"
)

// PowSubmission is one PoW-1 submission considered at a DS-epoch boundary:
// the submitter's public key, peer, and solution hash (spec.md section 4.3).
type PowSubmission struct {
	PubKey types.PublicKey
	Peer   types.Peer
	Nonce  uint64
	Result types.Hash
}

// Config carries the one constant the sharding computation needs.
type Config struct {
	CommSize int
}

// ComputeShardingStructure implements spec.md section 4.3: given the
// ordered PoW submissions at a DS-epoch boundary (minus the DS-block
// winner, plus the oldest ejected DS member), deterministically partitions
// the population into shards and assigns a leader to each.
//
// population = submissions (already filtered by caller to exclude the
// winner and include the ejected member, per spec.md's population
// definition).
func ComputeShardingStructure(cfg Config, population []PowSubmission) []*Shard {
	n := len(population)
	if n == 0 {
		return nil
	}
	numCommittees := n / cfg.CommSize
	if n < cfg.CommSize {
		numCommittees = 1
	}
	if numCommittees == 0 {
		numCommittees = 1
	}

	ordered := deterministicOrder(population)

	buckets := make([][]types.Member, numCommittees)
	for i, m := range ordered {
		shardIdx := i % numCommittees
		buckets[shardIdx] = append(buckets[shardIdx], m)
	}

	shards := make([]*Shard, numCommittees)
	for i, members := range buckets {
		shards[i] = NewShard(members)
	}
	return shards
}

// deterministicOrder sorts the population ascending by SHA-256(nonce,
// pubkey), the fixed deterministic order spec.md section 4.3 names.
func deterministicOrder(population []PowSubmission) []types.Member {
	type keyed struct {
		key    types.Hash
		member types.Member
	}
	keys := make([]keyed, len(population))
	for i, p := range population {
		var buf [8 + types.PubKeySize]byte
		binary.BigEndian.PutUint64(buf[:8], p.Nonce)
		copy(buf[8:], p.PubKey[:])
		keys[i] = keyed{
			key:    sha256.Sum256(buf[:]),
			member: types.Member{PubKey: p.PubKey, Peer: p.Peer},
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key.Less(keys[j].key) })
	out := make([]types.Member, len(keys))
	for i, k := range keys {
		out[i] = k.member
	}
	return out
}

// Population computes the sharding-structure input population: the ordered
// PoW submissions minus the DS-block winner, plus the ejected (oldest) DS
// member folded in as an ordinary PoW-1 submission (spec.md section 4.3).
func Population(submissions []PowSubmission, winner types.PublicKey, ejected *types.Member) []PowSubmission {
	seen := mapset.NewSet()
	out := make([]PowSubmission, 0, len(submissions)+1)
	for _, s := range submissions {
		if s.PubKey == winner {
			continue
		}
		if seen.Contains(s.PubKey) {
			continue
		}
		seen.Add(s.PubKey)
		out = append(out, s)
	}
	if ejected != nil && !seen.Contains(ejected.PubKey) {
		out = append(out, PowSubmission{PubKey: ejected.PubKey, Peer: ejected.Peer})
	}
	return out
}

const shardMemberSize = types.PubKeySize + 16 + 2 // pubkey || ip || port

// EncodeShards serializes an ordered shard sequence for the wire: a shard
// count, then per shard a member count followed by each member's
// (pubkey, peer) pair in the shard's deterministic order. Both the
// Node/Sharding broadcast to shard members and the DS committee's internal
// sharding-consensus announcement carry this same encoding.
func EncodeShards(shards []*Shard) []byte {
	buf := codec.AppendU32(nil, uint32(len(shards)))
	for _, sh := range shards {
		members := sh.Members()
		buf = codec.AppendU32(buf, uint32(len(members)))
		for _, m := range members {
			buf = append(buf, m.PubKey[:]...)
			buf = append(buf, m.Peer.IP[:]...)
			buf = codec.AppendU16(buf, m.Peer.Port)
		}
	}
	return buf
}

// DecodeShards is the inverse of EncodeShards. It returns the unconsumed
// tail of raw so callers that append more fields after the shard blob (a
// cosignature, say) don't need a separate length prefix around it.
func DecodeShards(raw []byte) ([]*Shard, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, errors.New("decode shards: truncated shard count")
	}
	numShards := codec.BigEndianU32(raw[:4])
	raw = raw[4:]
	shards := make([]*Shard, 0, numShards)
	for i := uint32(0); i < numShards; i++ {
		if len(raw) < 4 {
			return nil, nil, errors.New("decode shards: truncated member count")
		}
		numMembers := codec.BigEndianU32(raw[:4])
		raw = raw[4:]
		members := make([]types.Member, 0, numMembers)
		for j := uint32(0); j < numMembers; j++ {
			if len(raw) < shardMemberSize {
				return nil, nil, errors.New("decode shards: truncated member")
			}
			var m types.Member
			copy(m.PubKey[:], raw[:types.PubKeySize])
			raw = raw[types.PubKeySize:]
			copy(m.Peer.IP[:], raw[:16])
			raw = raw[16:]
			m.Peer.Port = codec.BigEndianU16(raw[:2])
			raw = raw[2:]
			members = append(members, m)
		}
		shards = append(shards, NewShard(members))
	}
	return shards, raw, nil
}

// PublicKeys flattens an ordered shard sequence into its member public
// keys, in shard-then-member order.
func PublicKeys(shards []*Shard) []types.PublicKey {
	var out []types.PublicKey
	for _, sh := range shards {
		for _, m := range sh.Members() {
			out = append(out, m.PubKey)
		}
	}
	return out
}
