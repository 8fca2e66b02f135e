package node

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/pow"
)

// PeerManagerInstr identifies a ClassPeerManager envelope's payload shape:
// the AllPoWConnRequest round trip spec.md section 4.3 names for a backup
// that is missing PoW-1 submissions it needs to recompute or verify the
// sharding structure a DS epoch boundary produced.
type PeerManagerInstr uint8

const (
	InstrPowConnRequest PeerManagerInstr = iota
	InstrPowConnResponse
)

// PowConnRequestPayload names the public keys whose PoW-1 submission the
// requester never received.
type PowConnRequestPayload struct {
	Missing []types.PublicKey
}

// Encode renders the request payload: a count, then each missing pubkey.
func (p PowConnRequestPayload) Encode() []byte {
	buf := codec.AppendU32(nil, uint32(len(p.Missing)))
	for _, pub := range p.Missing {
		buf = append(buf, pub[:]...)
	}
	return buf
}

// DecodePowConnRequest parses an InstrPowConnRequest payload.
func DecodePowConnRequest(raw []byte) (PowConnRequestPayload, error) {
	if len(raw) < 4 {
		return PowConnRequestPayload{}, p2p.ErrMalformedMessage
	}
	n := codec.BigEndianU32(raw[:4])
	raw = raw[4:]
	if uint32(len(raw)) < n*types.PubKeySize {
		return PowConnRequestPayload{}, p2p.ErrMalformedMessage
	}
	out := make([]types.PublicKey, n)
	for i := uint32(0); i < n; i++ {
		copy(out[i][:], raw[:types.PubKeySize])
		raw = raw[types.PubKeySize:]
	}
	return PowConnRequestPayload{Missing: out}, nil
}

const powRecordSize = types.PubKeySize + 16 + 2 + 8 + types.HashSize + 1 // pubkey||ip||port||nonce||result||late

// PowConnResponsePayload carries every PoW-1 submission record the
// responder had on hand for the requested public keys.
type PowConnResponsePayload struct {
	Records []pow.PowRecord
}

// Encode renders the response payload.
func (p PowConnResponsePayload) Encode() []byte {
	buf := codec.AppendU32(nil, uint32(len(p.Records)))
	for _, r := range p.Records {
		buf = append(buf, r.PubKey[:]...)
		buf = append(buf, r.Peer.IP[:]...)
		buf = codec.AppendU16(buf, r.Peer.Port)
		buf = codec.AppendU64(buf, r.Nonce)
		buf = append(buf, r.Result[:]...)
		late := byte(0)
		if r.Late {
			late = 1
		}
		buf = append(buf, late)
	}
	return buf
}

// DecodePowConnResponse parses an InstrPowConnResponse payload.
func DecodePowConnResponse(raw []byte) (PowConnResponsePayload, error) {
	if len(raw) < 4 {
		return PowConnResponsePayload{}, p2p.ErrMalformedMessage
	}
	n := codec.BigEndianU32(raw[:4])
	raw = raw[4:]
	out := make([]pow.PowRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < powRecordSize {
			return PowConnResponsePayload{}, p2p.ErrMalformedMessage
		}
		var r pow.PowRecord
		copy(r.PubKey[:], raw[:types.PubKeySize])
		raw = raw[types.PubKeySize:]
		copy(r.Peer.IP[:], raw[:16])
		raw = raw[16:]
		r.Peer.Port = codec.BigEndianU16(raw[:2])
		raw = raw[2:]
		r.Nonce = codec.BigEndianU64(raw[:8])
		raw = raw[8:]
		copy(r.Result[:], raw[:types.HashSize])
		raw = raw[types.HashSize:]
		r.Late = raw[0] != 0
		raw = raw[1:]
		out = append(out, r)
	}
	return PowConnResponsePayload{Records: out}, nil
}

// requestMissingPowSubmissions asks from to re-gossip the PoW-1
// submissions this node never received, then blocks (bounded by
// FetchingMissingTxnsTimeout) polling PowRegistry until they arrive or the
// deadline passes — the §4.3 backup recompute path can only trust its own
// ComputeShardingStructure call once its population view is complete.
func (n *Node) requestMissingPowSubmissions(ctx context.Context, missing []types.PublicKey, from types.Peer) {
	if len(missing) == 0 {
		return
	}
	req := PowConnRequestPayload{Missing: missing}
	env := p2p.Envelope{Class: p2p.ClassPeerManager, Instruction: byte(InstrPowConnRequest), Payload: req.Encode()}
	if err := n.Host.Send(ctx, from, env); err != nil {
		n.log.Warn().Err(err).Msg("LOG_GENERAL: pow-conn request send failed")
		return
	}

	deadline := time.Now().Add(n.cfg.FetchingMissingTxnsTimeout)
	for time.Now().Before(deadline) {
		if len(n.PowRegistry.RequestMissing(missing)) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	n.log.Warn().Msg("LOG_GENERAL: pow-conn request timed out with submissions still missing")
}

// handlePeerManager answers or consumes one ClassPeerManager envelope.
func (n *Node) handlePeerManager(ctx context.Context, env p2p.Envelope, from types.Peer) error {
	switch PeerManagerInstr(env.Instruction) {
	case InstrPowConnRequest:
		req, err := DecodePowConnRequest(env.Payload)
		if err != nil {
			return errors.Wrap(err, "decode pow-conn request")
		}
		var records []pow.PowRecord
		for _, pub := range req.Missing {
			if rec, ok := n.PowRegistry.Lookup(pub); ok {
				records = append(records, rec)
			}
		}
		resp := PowConnResponsePayload{Records: records}
		out := p2p.Envelope{Class: p2p.ClassPeerManager, Instruction: byte(InstrPowConnResponse), Payload: resp.Encode()}
		return n.Host.Send(ctx, from, out)
	case InstrPowConnResponse:
		resp, err := DecodePowConnResponse(env.Payload)
		if err != nil {
			return errors.Wrap(err, "decode pow-conn response")
		}
		for _, rec := range resp.Records {
			n.PowRegistry.Record(rec)
		}
		return nil
	default:
		return errors.Errorf("node: no handler for peer-manager instruction %d", env.Instruction)
	}
}
