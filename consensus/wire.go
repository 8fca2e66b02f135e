package consensus

import (
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/types"
)

// EncodeMessage renders a Message as the ClassConsensus envelope payload
// (spec.md section 6): kind, phase, consensusId, blockHash, senderId, then
// every phase-specific field in one fixed order, whether or not the phase
// uses it (the Announcement and Bitmap blocks are length-prefixed, so the
// offsets after them vary). Nothing is switched on Phase, trading a few
// wasted zero-bytes per message for a decoder with no phase-dependent
// branching to get wrong.
func EncodeMessage(m Message) []byte {
	buf := make([]byte, 0, 256+len(m.Announcement)+len(m.Bitmap))
	buf = append(buf, byte(m.Kind), byte(m.Phase))
	buf = codec.AppendU32(buf, m.ConsensusID)
	buf = append(buf, m.BlockHash[:]...)
	buf = codec.AppendU16(buf, m.SenderID)

	buf = codec.AppendU32(buf, uint32(len(m.Announcement)))
	buf = append(buf, m.Announcement...)

	buf = append(buf, m.Commitment[:]...)
	buf = append(buf, m.Challenge[:]...)
	buf = append(buf, m.AggregateCommit[:]...)

	buf = codec.AppendU32(buf, uint32(len(m.Bitmap)))
	buf = append(buf, m.Bitmap...)

	buf = append(buf, m.Response[:]...)
	buf = append(buf, m.CoSig.Challenge[:]...)
	buf = append(buf, m.CoSig.Response[:]...)
	cosigBitmap := types.EncodeBitmap(m.CoSig.Bitmap)
	buf = codec.AppendU32(buf, uint32(len(cosigBitmap)))
	buf = append(buf, cosigBitmap...)

	buf = append(buf, m.Signature[:]...)
	return buf
}

// DecodeMessage is EncodeMessage's inverse. committeeSize is needed to
// reconstruct the CoSig bitmap's bit-length (spec.md section 6's bitmaps are
// sized to the committee, not self-describing).
func DecodeMessage(raw []byte, committeeSize int) (Message, error) {
	var m Message
	if len(raw) < 2+4+types.HashSize+2 {
		return m, errors.New("consensus: truncated message header")
	}
	m.Kind = Kind(raw[0])
	m.Phase = Phase(raw[1])
	raw = raw[2:]
	m.ConsensusID = be32(raw)
	raw = raw[4:]
	copy(m.BlockHash[:], raw[:types.HashSize])
	raw = raw[types.HashSize:]
	m.SenderID = be16(raw)
	raw = raw[2:]

	var err error
	m.Announcement, raw, err = readBlock(raw)
	if err != nil {
		return m, err
	}

	if len(raw) < 33+32+33 {
		return m, errors.New("consensus: truncated commit/challenge fields")
	}
	copy(m.Commitment[:], raw[:33])
	raw = raw[33:]
	copy(m.Challenge[:], raw[:32])
	raw = raw[32:]
	copy(m.AggregateCommit[:], raw[:33])
	raw = raw[33:]

	m.Bitmap, raw, err = readBlock(raw)
	if err != nil {
		return m, err
	}

	if len(raw) < 32 {
		return m, errors.New("consensus: truncated response field")
	}
	copy(m.Response[:], raw[:32])
	raw = raw[32:]

	if len(raw) < 32+32 {
		return m, errors.New("consensus: truncated cosig fields")
	}
	copy(m.CoSig.Challenge[:], raw[:32])
	raw = raw[32:]
	copy(m.CoSig.Response[:], raw[:32])
	raw = raw[32:]

	var cosigBitmapRaw []byte
	cosigBitmapRaw, raw, err = readBlock(raw)
	if err != nil {
		return m, err
	}
	if len(cosigBitmapRaw) > 0 {
		m.CoSig.Bitmap = types.DecodeBitmap(cosigBitmapRaw, committeeSize)
	}

	if len(raw) < 64 {
		return m, errors.New("consensus: truncated signature field")
	}
	copy(m.Signature[:], raw[:64])
	return m, nil
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func readBlock(raw []byte) ([]byte, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, errors.New("consensus: truncated length-prefixed block")
	}
	n := be32(raw)
	raw = raw[4:]
	if uint32(len(raw)) < n {
		return nil, nil, errors.New("consensus: length-prefixed block overruns buffer")
	}
	var out []byte
	if n > 0 {
		out = append([]byte{}, raw[:n]...)
	}
	return out, raw[n:], nil
}
