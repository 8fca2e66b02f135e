// Package p2p defines the generic wire envelope (spec.md section 6), the
// MessageSink capability DESIGN NOTES substitutes for the teacher's
// Executable/Broadcastable multiple-inheritance pair, and a Host collaborator
// interface whose concrete implementation wraps libp2p-pubsub — the
// wire-level transport is an out-of-scope collaborator per spec.md section 1.
package p2p

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/types"
)

// Class is the first byte of every message: the receiving subsystem.
type Class uint8

const (
	ClassPeerManager Class = iota
	ClassDirectory
	ClassNode
	ClassConsensus
	ClassLookup
)

// Envelope is the generic message wrapper: [classByte][instructionByte][payload].
type Envelope struct {
	Class       Class
	Instruction uint8
	Payload     []byte
}

// ErrMalformedMessage is returned whenever an envelope or payload fails a
// size/structure check — spec.md section 7's MalformedMessage error kind.
var ErrMalformedMessage = errors.New("malformed message")

// Encode renders the envelope as wire bytes.
func (e Envelope) Encode() []byte {
	out := make([]byte, 2+len(e.Payload))
	out[0] = byte(e.Class)
	out[1] = e.Instruction
	copy(out[2:], e.Payload)
	return out
}

// Decode parses wire bytes into an Envelope, or ErrMalformedMessage if the
// buffer is shorter than the fixed 2-byte header.
func Decode(raw []byte) (Envelope, error) {
	if len(raw) < 2 {
		return Envelope{}, ErrMalformedMessage
	}
	return Envelope{
		Class:       Class(raw[0]),
		Instruction: raw[1],
		Payload:     raw[2:],
	}, nil
}

// MessageSink is the capability every message-handling role (Node,
// DirectoryService) implements, replacing the teacher's C++-style
// Executable/Broadcastable multiple inheritance (DESIGN NOTES).
type MessageSink interface {
	// Execute dispatches an inbound envelope. Returns false on protocol
	// violation; the handler may already have logged/performed partial
	// side effects before returning false (spec.md section 4.1).
	Execute(ctx context.Context, env Envelope, from types.Peer) bool
	// BroadcastList computes which peers an outbound message of the given
	// instruction, originated by originator, should be sent to.
	BroadcastList(instruction uint8, originator types.Peer) []types.Peer
}

// Host is the network transport collaborator. The core never constructs
// connections itself; it only calls Send/Subscribe against this interface,
// matching spec.md section 1's "wire-level P2P transport... out of scope".
type Host interface {
	Send(ctx context.Context, to types.Peer, env Envelope) error
	Multicast(ctx context.Context, to []types.Peer, env Envelope) error
	Subscribe(ctx context.Context, class Class) (<-chan Inbound, error)
	Self() types.Peer
	Close() error
}

// Inbound is one received envelope plus its sender.
type Inbound struct {
	From types.Peer
	Env  Envelope
}
