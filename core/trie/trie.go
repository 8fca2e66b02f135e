// Package trie implements a minimal Merkle-Patricia trie used to compute the
// block-body roots spec.md section 6 requires (txRoot, microBlockTxnRoot,
// microBlockDeltaRoot): a trie keyed by RLP(position index), valued with the
// fixed-length hash being rooted. See SPEC_FULL.md Open Question 2 — this is
// a from-scratch, shape-compatible implementation; it is not vector-tested
// against Zilliqa's C++ trie output since no reference runtime is available
// here.
package trie

import (
	"crypto/sha256"

	"github.com/shardrep/dsnode/core/rlp"
	"github.com/shardrep/dsnode/core/types"
)

type node struct {
	children map[byte]*node
	value    []byte // non-nil only at a leaf
}

func newNode() *node { return &node{children: make(map[byte]*node)} }

// Trie is an insertion-order-independent Merkle-Patricia trie over
// nibble-expanded RLP keys.
type Trie struct {
	root *node
}

// New returns an empty trie.
func New() *Trie { return &Trie{root: newNode()} }

// Insert places value at the trie path derived from key's nibbles.
func (t *Trie) Insert(key, value []byte) {
	cur := t.root
	for _, nb := range toNibbles(key) {
		child, ok := cur.children[nb]
		if !ok {
			child = newNode()
			cur.children[nb] = child
		}
		cur = child
	}
	cur.value = value
}

// Root computes the trie's root hash: a leaf's hash is SHA-256(value); an
// internal node's hash is SHA-256 over the concatenation of (nibble, child
// hash) pairs for every populated child, sorted by nibble, plus its own
// value if any.
func (t *Trie) Root() types.Hash {
	return hashNode(t.root)
}

func hashNode(n *node) types.Hash {
	if n == nil {
		return types.Hash{}
	}
	if len(n.children) == 0 {
		return sha256.Sum256(n.value)
	}
	buf := make([]byte, 0, 64*len(n.children))
	if n.value != nil {
		buf = append(buf, n.value...)
	}
	for nb := byte(0); nb < 16; nb++ {
		child, ok := n.children[nb]
		if !ok {
			continue
		}
		childHash := hashNode(child)
		buf = append(buf, nb)
		buf = append(buf, childHash[:]...)
	}
	h := sha256.Sum256(buf)
	return h
}

func toNibbles(b []byte) []byte {
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, c>>4, c&0x0f)
	}
	return out
}

// State is the thin account-state tree backing types.StateReader: every
// Insert since the last Commit is provisional, and Root reflects them
// immediately so a leader can propose a block before committing. Commit
// simply fixes the currently-inserted set as the baseline for the next
// epoch; there is no separate staging trie to discard on rejection because
// a rejected candidate never reaches Commit.
type State struct {
	t *Trie
}

// NewState returns an empty account-state tree.
func NewState() *State { return &State{t: New()} }

// Insert records one account's contribution to the state root, keyed by its
// address so the root is independent of processing order.
func (s *State) Insert(addr types.Address, value []byte) {
	s.t.Insert(addr[:], value)
}

// Root satisfies types.StateReader.
func (s *State) Root() types.Hash { return s.t.Root() }

// Commit satisfies types.StateReader. The trie already reflects every
// Insert made so far, so there is nothing left to flush; a KV-backed
// implementation would persist here instead.
func (s *State) Commit() error { return nil }

// MerkleRoot computes the root over an ordered list of hashes, keyed by
// RLP-encoded position index — the exact contract spec.md section 6 names
// for txRoot / microBlockTxnRoot / microBlockDeltaRoot.
func MerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}
	tr := New()
	for i, h := range hashes {
		key := rlp.EncodeUint(uint64(i))
		val := make([]byte, len(h))
		copy(val, h[:])
		tr.Insert(key, val)
	}
	return tr.Root()
}
