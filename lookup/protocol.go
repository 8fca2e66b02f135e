// Package lookup implements the read-only synchronization path a catching-up
// node uses to fetch DS blocks, tx blocks, and its shard assignment from a
// Lookup service (spec.md section 4.8), plus the bounded LastDsBlockRequest
// round-trip a mid-epoch node issues when it realizes it is missing a
// specific DS block. The same request/response shapes are exposed over both
// the native ClassLookup envelope and a grpc.Server using a raw-bytes codec
// (SPEC_FULL.md section 4.9) — the envelope framing is the wire payload
// either way, so there is exactly one codec to keep correct.
package lookup

import (
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/types"
)

// Instruction identifies a ClassLookup envelope's payload shape.
type Instruction uint8

const (
	InstrFetchDsBlocks Instruction = iota
	InstrFetchTxBlocks
	InstrFetchShardAssignment
	InstrLastDsBlockRequest
)

// FetchRequest is the common request shape for FetchDsBlocks/FetchTxBlocks:
// "send me everything you have from block number From onward".
type FetchRequest struct {
	From uint64
}

// Encode renders the request.
func (r FetchRequest) Encode() []byte { return codec.AppendU64(nil, r.From) }

// DecodeFetchRequest parses a FetchRequest payload.
func DecodeFetchRequest(raw []byte) (FetchRequest, error) {
	if len(raw) != 8 {
		return FetchRequest{}, errors.New("lookup: malformed fetch request")
	}
	return FetchRequest{From: codec.BigEndianU64(raw)}, nil
}

// DsBlocksResponse carries a contiguous run of DsBlocks starting at the
// request's From.
type DsBlocksResponse struct {
	Blocks []types.DsBlock
}

// Encode renders the response as a length-prefixed list of (header-bytes,
// cosig) pairs.
func (r DsBlocksResponse) Encode() []byte {
	buf := codec.AppendU32(nil, uint32(len(r.Blocks)))
	for _, b := range r.Blocks {
		header := b.Header.Bytes()
		buf = codec.AppendU32(buf, uint32(len(header)))
		buf = append(buf, header...)
		buf = encodeCoSigs(buf, b.CoSig)
	}
	return buf
}

// RawDsBlock is a decoded DsBlocksResponse entry. DsBlockHeader has no
// Decode of its own (nothing else in this module needs to round-trip it off
// the wire), so this keeps the header payload opaque to the caller — a
// lookup client only ever re-hashes it to confirm against the chain tip, it
// never needs individual header fields back.
type RawDsBlock struct {
	HeaderBytes []byte
	CoSig       types.CoSignatures
}

// DecodeDsBlocksResponse parses a DsBlocksResponse payload.
func DecodeDsBlocksResponse(raw []byte) ([]RawDsBlock, error) {
	if len(raw) < 4 {
		return nil, errors.New("lookup: truncated DsBlocksResponse")
	}
	n := codec.BigEndianU32(raw)
	raw = raw[4:]
	out := make([]RawDsBlock, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 4 {
			return nil, errors.New("lookup: truncated DsBlocksResponse entry")
		}
		hlen := codec.BigEndianU32(raw)
		raw = raw[4:]
		if uint32(len(raw)) < hlen {
			return nil, errors.New("lookup: truncated DsBlocksResponse header")
		}
		header := append([]byte{}, raw[:hlen]...)
		raw = raw[hlen:]
		cosig, rest, err := decodeCoSigs(raw)
		if err != nil {
			return nil, err
		}
		raw = rest
		out = append(out, RawDsBlock{HeaderBytes: header, CoSig: cosig})
	}
	return out, nil
}

// TxBlocksResponse carries a contiguous run of TxBlocks starting at the
// request's From — same opaque-header shape as DsBlocksResponse.
type TxBlocksResponse struct {
	Blocks []types.TxBlock
}

// RawTxBlock is a decoded TxBlocksResponse entry; see RawDsBlock for why the
// header stays opaque bytes rather than a parsed TxBlockHeader.
type RawTxBlock struct {
	HeaderBytes []byte
	CoSig       types.CoSignatures
}

// Encode renders the response.
func (r TxBlocksResponse) Encode() []byte {
	buf := codec.AppendU32(nil, uint32(len(r.Blocks)))
	for _, b := range r.Blocks {
		header := b.Header.Bytes()
		buf = codec.AppendU32(buf, uint32(len(header)))
		buf = append(buf, header...)
		buf = encodeCoSigs(buf, b.CoSig)
	}
	return buf
}

func DecodeTxBlocksResponse(raw []byte) ([]RawTxBlock, error) {
	if len(raw) < 4 {
		return nil, errors.New("lookup: truncated TxBlocksResponse")
	}
	n := codec.BigEndianU32(raw)
	raw = raw[4:]
	out := make([]RawTxBlock, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 4 {
			return nil, errors.New("lookup: truncated TxBlocksResponse entry")
		}
		hlen := codec.BigEndianU32(raw)
		raw = raw[4:]
		if uint32(len(raw)) < hlen {
			return nil, errors.New("lookup: truncated TxBlocksResponse header")
		}
		header := append([]byte{}, raw[:hlen]...)
		raw = raw[hlen:]
		cosig, rest, err := decodeCoSigs(raw)
		if err != nil {
			return nil, err
		}
		raw = rest
		out = append(out, RawTxBlock{HeaderBytes: header, CoSig: cosig})
	}
	return out, nil
}

// ShardAssignmentRequest names the public key whose shard membership is
// being asked about — the requester's own, in the catch-up case.
type ShardAssignmentRequest struct {
	PubKey types.PublicKey
}

// Encode renders the request.
func (r ShardAssignmentRequest) Encode() []byte { return append([]byte{}, r.PubKey[:]...) }

// DecodeShardAssignmentRequest parses a ShardAssignmentRequest payload.
func DecodeShardAssignmentRequest(raw []byte) (ShardAssignmentRequest, error) {
	if len(raw) != types.PubKeySize {
		return ShardAssignmentRequest{}, errors.New("lookup: malformed ShardAssignmentRequest")
	}
	var r ShardAssignmentRequest
	copy(r.PubKey[:], raw)
	return r, nil
}

// ShardAssignmentResponse carries which shard (if any) the requesting peer
// currently belongs to.
type ShardAssignmentResponse struct {
	InShard bool
	ShardID uint32
	Members []types.Member
}

// Encode renders the response.
func (r ShardAssignmentResponse) Encode() []byte {
	buf := make([]byte, 0, 8+len(r.Members)*(types.PubKeySize+18))
	var inShard byte
	if r.InShard {
		inShard = 1
	}
	buf = append(buf, inShard)
	buf = codec.AppendU32(buf, r.ShardID)
	buf = codec.AppendU32(buf, uint32(len(r.Members)))
	for _, m := range r.Members {
		buf = append(buf, m.PubKey[:]...)
		buf = append(buf, m.Peer.IP[:]...)
		buf = codec.AppendU16(buf, m.Peer.Port)
	}
	return buf
}

// DecodeShardAssignmentResponse parses a ShardAssignmentResponse.
func DecodeShardAssignmentResponse(raw []byte) (ShardAssignmentResponse, error) {
	if len(raw) < 1+4+4 {
		return ShardAssignmentResponse{}, errors.New("lookup: truncated ShardAssignmentResponse")
	}
	var r ShardAssignmentResponse
	r.InShard = raw[0] != 0
	raw = raw[1:]
	r.ShardID = codec.BigEndianU32(raw)
	raw = raw[4:]
	n := codec.BigEndianU32(raw)
	raw = raw[4:]
	const memberWidth = types.PubKeySize + 16 + 2
	r.Members = make([]types.Member, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < memberWidth {
			return ShardAssignmentResponse{}, errors.New("lookup: truncated member in ShardAssignmentResponse")
		}
		var m types.Member
		copy(m.PubKey[:], raw[:types.PubKeySize])
		raw = raw[types.PubKeySize:]
		copy(m.Peer.IP[:], raw[:16])
		raw = raw[16:]
		m.Peer.Port = codec.BigEndianU16(raw)
		raw = raw[2:]
		r.Members = append(r.Members, m)
	}
	return r, nil
}

// LastDsBlockRequest asks the DS leader directly for one specific DS block
// by number — the bounded round-trip a node issues mid-epoch when it
// realizes it is missing block N (spec.md section 4.8), as opposed to the
// open-ended FetchDsBlocks catch-up stream.
type LastDsBlockRequestPayload struct {
	BlockNum uint64
}

func (p LastDsBlockRequestPayload) Encode() []byte { return codec.AppendU64(nil, p.BlockNum) }

func DecodeLastDsBlockRequest(raw []byte) (LastDsBlockRequestPayload, error) {
	if len(raw) != 8 {
		return LastDsBlockRequestPayload{}, errors.New("lookup: malformed LastDsBlockRequest")
	}
	return LastDsBlockRequestPayload{BlockNum: codec.BigEndianU64(raw)}, nil
}

func encodeCoSigs(buf []byte, cs types.CoSignatures) []byte {
	buf = encodeCoSig(buf, cs.CS1)
	buf = encodeCoSig(buf, cs.CS2)
	return buf
}

func decodeCoSigs(raw []byte) (types.CoSignatures, []byte, error) {
	var cs types.CoSignatures
	var err error
	cs.CS1, raw, err = decodeCoSig(raw)
	if err != nil {
		return cs, nil, err
	}
	cs.CS2, raw, err = decodeCoSig(raw)
	if err != nil {
		return cs, nil, err
	}
	return cs, raw, nil
}

func encodeCoSig(buf []byte, c types.CoSignature) []byte {
	n := 0
	if c.Bitmap != nil {
		n = c.Bitmap.Size()
	}
	buf = codec.AppendU32(buf, uint32(n))
	buf = append(buf, c.Challenge[:]...)
	buf = append(buf, c.Response[:]...)
	buf = append(buf, types.EncodeBitmap(c.Bitmap)...)
	return buf
}

func decodeCoSig(raw []byte) (types.CoSignature, []byte, error) {
	var c types.CoSignature
	if len(raw) < 4+32+32 {
		return c, nil, errors.New("lookup: truncated cosig")
	}
	n := codec.BigEndianU32(raw)
	raw = raw[4:]
	copy(c.Challenge[:], raw[:32])
	raw = raw[32:]
	copy(c.Response[:], raw[:32])
	raw = raw[32:]
	nBytes := (int(n) + 7) / 8
	if len(raw) < nBytes {
		return c, nil, errors.New("lookup: truncated cosig bitmap")
	}
	if n > 0 {
		c.Bitmap = types.DecodeBitmap(raw[:nBytes], int(n))
	}
	return c, raw[nBytes:], nil
}
