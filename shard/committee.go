// Package shard implements the committee/shard data structures (DsCommittee,
// Shard, PublicKeyToShardId) and the deterministic sharding-structure
// computation of spec.md sections 3 and 4.3.
package shard

import (
	"github.com/shardrep/dsnode/core/types"
)

// DsCommittee is the ordered sequence of (PublicKey, Peer) the DS committee
// is composed of. The head (index 0) is always the current leader. Rotation
// is pushFront (new winner) / popBack (oldest member ejected) per DS epoch.
type DsCommittee struct {
	members []types.Member
}

// NewDsCommittee builds a bootstrap committee from an ordered member list.
func NewDsCommittee(bootstrap []types.Member) *DsCommittee {
	cp := make([]types.Member, len(bootstrap))
	copy(cp, bootstrap)
	return &DsCommittee{members: cp}
}

// Size returns the (constant, post-bootstrap) committee size.
func (c *DsCommittee) Size() int { return len(c.members) }

// Leader returns the committee head, which is always the current leader.
func (c *DsCommittee) Leader() types.Member {
	if len(c.members) == 0 {
		return types.Member{}
	}
	return c.members[0]
}

// At returns the member at committee index i.
func (c *DsCommittee) At(i int) types.Member { return c.members[i] }

// Members returns a read-only copy of the committee in order.
func (c *DsCommittee) Members() []types.Member {
	cp := make([]types.Member, len(c.members))
	copy(cp, c.members)
	return cp
}

// IndexOf returns pub's committee index, or false if not a member.
func (c *DsCommittee) IndexOf(pub types.PublicKey) (int, bool) {
	for i, m := range c.members {
		if m.PubKey == pub {
			return i, true
		}
	}
	return 0, false
}

// PushFront inserts a new head member — the PoW-1 winner becomes the new DS
// leader (spec.md section 4.2 "DS committee rotation").
func (c *DsCommittee) PushFront(m types.Member) {
	c.members = append([]types.Member{m}, c.members...)
}

// PopBack ejects the tail (oldest) member, who returns to the general
// population as a shard node, and returns the ejected member.
func (c *DsCommittee) PopBack() types.Member {
	if len(c.members) == 0 {
		return types.Member{}
	}
	last := c.members[len(c.members)-1]
	c.members = c.members[:len(c.members)-1]
	return last
}

// Rotate applies the DS-block-commit rotation: pushFront(winner); popBack().
// Returns the ejected member.
func (c *DsCommittee) Rotate(winner types.Member) types.Member {
	c.PushFront(winner)
	return c.PopBack()
}

// RotateViewChange applies the view-change rotation: pushBack(front);
// popFront() — the leader steps to the back, every other member shifts up
// (spec.md section 4.7).
func (c *DsCommittee) RotateViewChange() {
	if len(c.members) == 0 {
		return
	}
	front := c.members[0]
	c.members = append(c.members[1:], front)
}

// Clone returns a deep copy, used when handing out a read-only snapshot.
func (c *DsCommittee) Clone() *DsCommittee {
	return NewDsCommittee(c.members)
}

// Shard is an ordered mapping PublicKey -> Peer; ordering determines
// deterministic member indexing and leader selection (the first member by
// sort order is the shard leader, spec.md section 4.3).
type Shard struct {
	order   []types.PublicKey
	byKey   map[types.PublicKey]types.Peer
}

// NewShard builds a Shard from an ordered member list.
func NewShard(members []types.Member) *Shard {
	s := &Shard{byKey: make(map[types.PublicKey]types.Peer, len(members))}
	for _, m := range members {
		s.order = append(s.order, m.PubKey)
		s.byKey[m.PubKey] = m.Peer
	}
	return s
}

// Size returns the number of members in the shard.
func (s *Shard) Size() int { return len(s.order) }

// Leader is the first member by the deterministic sort order used at
// construction time (spec.md section 4.3: "the member whose pubkey is first
// by the same sort becomes shard leader").
func (s *Shard) Leader() types.Member {
	if len(s.order) == 0 {
		return types.Member{}
	}
	k := s.order[0]
	return types.Member{PubKey: k, Peer: s.byKey[k]}
}

// Members returns the shard's members in deterministic order.
func (s *Shard) Members() []types.Member {
	out := make([]types.Member, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, types.Member{PubKey: k, Peer: s.byKey[k]})
	}
	return out
}

// IndexOf returns pub's position within the shard, or false if absent.
func (s *Shard) IndexOf(pub types.PublicKey) (int, bool) {
	for i, k := range s.order {
		if k == pub {
			return i, true
		}
	}
	return 0, false
}

// Peer looks up a member's Peer by public key.
func (s *Shard) Peer(pub types.PublicKey) (types.Peer, bool) {
	p, ok := s.byKey[pub]
	return p, ok
}

// PublicKeyToShardID is the inverse lookup of shard composition: which
// shard (by index into the ordered shard sequence) a given public key
// belongs to.
type PublicKeyToShardID struct {
	byKey map[types.PublicKey]uint32
}

// NewPublicKeyToShardID builds the inverse map from an ordered shard sequence.
func NewPublicKeyToShardID(shards []*Shard) *PublicKeyToShardID {
	m := &PublicKeyToShardID{byKey: make(map[types.PublicKey]uint32)}
	for i, sh := range shards {
		for _, k := range sh.order {
			m.byKey[k] = uint32(i)
		}
	}
	return m
}

// ShardOf returns the shard id a public key belongs to.
func (m *PublicKeyToShardID) ShardOf(pub types.PublicKey) (uint32, bool) {
	id, ok := m.byKey[pub]
	return id, ok
}
