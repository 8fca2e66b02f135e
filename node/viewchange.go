package node

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/p2p"
)

// VcBlockPayload is the ClassNode/InstrVcBlock body: a committed view-change
// result every node — DS or shard — applies once co-signed (spec.md section
// 4.7). Committee rotation (pushBack(front); popFront()) is owned by
// ds.DirectoryService since only DS-committee members run the view-change
// consensus itself; this payload is what that outcome looks like once
// broadcast to the rest of the network.
type VcBlockPayload struct {
	Block types.VcBlock
}

// Encode renders the byte-exact VcBlock payload: header, then each
// CoSignature phase as (bitmap bit-count, challenge, response, packed
// bitmap bytes) so decoding never needs an externally supplied committee
// size.
func (p VcBlockPayload) Encode() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, p.Block.Header.Bytes()...)
	buf = encodeCoSig(buf, p.Block.CoSig.CS1)
	buf = encodeCoSig(buf, p.Block.CoSig.CS2)
	return buf
}

// DecodeVcBlock parses an InstrVcBlock payload.
func DecodeVcBlock(raw []byte) (VcBlockPayload, error) {
	const headerLen = 4 + 16 + 2 + types.PubKeySize + 1 + 8
	if len(raw) < headerLen {
		return VcBlockPayload{}, p2p.ErrMalformedMessage
	}
	var p VcBlockPayload
	header, err := types.DecodeVcBlockHeader(raw[:headerLen])
	if err != nil {
		return VcBlockPayload{}, err
	}
	p.Block.Header = header
	raw = raw[headerLen:]

	p.Block.CoSig.CS1, raw, err = decodeCoSig(raw)
	if err != nil {
		return VcBlockPayload{}, err
	}
	p.Block.CoSig.CS2, raw, err = decodeCoSig(raw)
	if err != nil {
		return VcBlockPayload{}, err
	}
	return p, nil
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
		return c, nil, p2p.ErrMalformedMessage
	}
	n := beU32(raw)
	raw = raw[4:]
	copy(c.Challenge[:], raw[:32])
	raw = raw[32:]
	copy(c.Response[:], raw[:32])
	raw = raw[32:]
	nBytes := (int(n) + 7) / 8
	if len(raw) < nBytes {
		return c, nil, p2p.ErrMalformedMessage
	}
	if n > 0 {
		c.Bitmap = types.DecodeBitmap(raw[:nBytes], int(n))
	}
	return c, raw[nBytes:], nil
}

// processVcBlock applies a committed view-change result by moving the node
// to whichever macro-state its own epoch position calls for next. It does
// not verify the VcBlock's cosignatures and does not change this node's
// view of the DS committee or its leader.
func (n *Node) processVcBlock(ctx context.Context, payload []byte, from types.Peer) error {
	vc, err := DecodeVcBlock(payload)
	if err != nil {
		return errors.Wrap(err, "decode vcblock")
	}
	switch vc.Block.Header.ViewChangeState {
	case types.VCStateDsBlockConsensus, types.VCStateDsBlockConsensusPrep:
		n.setState(StateWaitingDsBlock)
	case types.VCStateShardingConsensus:
		n.setState(StateWaitingDsBlock)
	case types.VCStateMicroblockConsensus:
		n.setState(StateMicroblockConsensusPrep)
	case types.VCStateFinalBlockConsensus:
		n.setState(StateWaitingFinalBlock)
	}
	return nil
}
