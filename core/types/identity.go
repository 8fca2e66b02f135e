// Package types holds the wire-level data model: identities, committees,
// blocks, co-signatures and transactions described in spec.md section 3.
package types

import (
	"bytes"
	"fmt"
	"net"
)

const (
	// PubKeySize is the serialized length of a PublicKey.
	PubKeySize = 33
	// PrivKeySize is the serialized length of a PrivateKey.
	PrivKeySize = 32
	// HashSize is the length of a SHA-256 digest.
	HashSize = 32
	// AddrSize is the length of an address (last 20 bytes of SHA-256(pubkey)).
	AddrSize = 20
)

// PublicKey is a 33-byte compressed public key.
type PublicKey [PubKeySize]byte

// String renders the key as hex, truncated for log friendliness.
func (k PublicKey) String() string {
	return fmt.Sprintf("%x", k[:])[:12]
}

// Less gives PublicKey a total order for deterministic iteration.
func (k PublicKey) Less(other PublicKey) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

// PrivateKey is a 32-byte scalar.
type PrivateKey [PrivKeySize]byte

// KeyPair is a node's signing identity.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
}

// Peer is a network endpoint, totally ordered for deterministic iteration.
type Peer struct {
	IP   [16]byte // IPv4-mapped IPv6 form, matches spec's fixed-width wire encoding
	Port uint16
}

// NewPeer builds a Peer from a dotted-quad/host string and a port.
func NewPeer(host string, port uint16) (Peer, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid peer address %q", host)
	}
	var p Peer
	copy(p.IP[:], ip.To16())
	p.Port = port
	return p, nil
}

// Less gives Peer a total order: IP then port.
func (p Peer) Less(other Peer) bool {
	if c := bytes.Compare(p.IP[:], other.IP[:]); c != 0 {
		return c < 0
	}
	return p.Port < other.Port
}

// String renders the peer in host:port form.
func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", net.IP(p.IP[:]).String(), p.Port)
}

// Hash is a 32-byte digest, used for block hashes, tx ids, and tree roots.
type Hash [HashSize]byte

// Less gives Hash a total order, used when sorting PoW submissions ascending.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Address is the last AddrSize bytes of SHA-256(senderPubKey).
type Address [AddrSize]byte

func (a Address) String() string {
	return fmt.Sprintf("%x", a[:])
}

// Member is a (PublicKey, Peer) pair, the element type of DsCommittee and Shard.
type Member struct {
	PubKey PublicKey
	Peer   Peer
}

// StateReader is the account-state tree's contract toward finalblock
// validation: a current root to compare a candidate block's declared
// StateRoot against, and a commit point once that block lands. It is kept
// narrow and interface-typed so the validation chain in ds/finalblock.go can
// be exercised against a fake in tests without depending on a concrete
// trie/KV implementation; core/trie provides the real one.
type StateReader interface {
	Root() Hash
	Commit() error
}
