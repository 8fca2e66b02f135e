// Package codec holds the tiny big-endian append helpers every canonical
// header encoding in core/types builds on (spec.md section 6: "all
// multi-byte integers big-endian"). Deliberately not reflection-based —
// the wire layouts are small, fixed, and field-order-exact, so a generic
// marshaler would add indirection without buying anything.
package codec

import "encoding/binary"

// AppendU16 appends v as 2 big-endian bytes.
func AppendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// AppendU32 appends v as 4 big-endian bytes.
func AppendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// AppendU64 appends v as 8 big-endian bytes.
func AppendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// BigEndianU16 reads the first 2 bytes of b as a big-endian uint16.
func BigEndianU16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// BigEndianU32 reads the first 4 bytes of b as a big-endian uint32.
func BigEndianU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// BigEndianU64 reads the first 8 bytes of b as a big-endian uint64.
func BigEndianU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// PutUint256BE writes a (hi, lo) uint64 pair into dst as a 32-byte
// big-endian integer, the u256 encoding spec.md section 3 uses for
// timestamps, nonces, and amounts.
func PutUint256BE(dst []byte, hi, lo uint64) {
	if len(dst) < 32 {
		panic("codec: PutUint256BE dst too small")
	}
	binary.BigEndian.PutUint64(dst[0:8], 0)
	binary.BigEndian.PutUint64(dst[8:16], 0)
	binary.BigEndian.PutUint64(dst[16:24], hi)
	binary.BigEndian.PutUint64(dst[24:32], lo)
}

// Uint256BE is PutUint256BE's inverse: it recovers the (hi, lo) pair from a
// 32-byte big-endian integer. The top 16 bytes are always zero in this
// system's usage (timestamps never approach that magnitude) and are
// ignored rather than checked.
func Uint256BE(src []byte) (hi, lo uint64) {
	if len(src) < 32 {
		panic("codec: Uint256BE src too small")
	}
	return binary.BigEndian.Uint64(src[16:24]), binary.BigEndian.Uint64(src[24:32])
}
