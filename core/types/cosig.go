package types

import (
	"github.com/tendermint/tendermint/libs/bits"
)

// CoSignature is one phase (cosig1 or cosig2) of a block's two-phase Schnorr
// multisignature: an aggregated Schnorr signature plus the bitmap of
// committee positions that contributed to it (spec.md section 3).
type CoSignature struct {
	// Challenge is the Schnorr challenge scalar e, 32 bytes.
	Challenge [32]byte
	// Response is the aggregated Schnorr response scalar s, 32 bytes.
	Response [32]byte
	// Bitmap marks which committee positions signed.
	Bitmap *bits.BitArray
}

// CoSignatures bundles the two phases attached to every consensus-committed
// block: (CS1, B1) from the challenge/response round, and (CS2, B2) from the
// finalize round that signs over (header || cosig1 || B1).
type CoSignatures struct {
	CS1 CoSignature
	CS2 CoSignature
}

// PopCount returns the number of set bits in this phase's bitmap.
func (c CoSignature) PopCount() int {
	if c.Bitmap == nil {
		return 0
	}
	return c.Bitmap.Size() - countZero(c.Bitmap)
}

// PopCount returns the number of set bits in CS2's bitmap — the figure the
// threshold check (spec section 4.4/8) is evaluated against.
func (c CoSignatures) PopCount() int {
	return c.CS2.PopCount()
}

func countZero(b *bits.BitArray) int {
	zero := 0
	for i := 0; i < b.Size(); i++ {
		if !b.GetIndex(i) {
			zero++
		}
	}
	return zero
}

// Threshold computes floor(2N/3)+1 for a committee of size n.
func Threshold(n int) int {
	return (2*n)/3 + 1
}

// EncodeBitmap renders a BitArray into a fixed byte slice (ceil(n/8) bytes),
// matching the compact on-wire bitmap representation referenced in spec
// section 6 (Consensus/* phase payloads).
func EncodeBitmap(b *bits.BitArray) []byte {
	if b == nil {
		return nil
	}
	n := b.Size()
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.GetIndex(i) {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// DecodeBitmap reconstructs a BitArray of size n from its wire encoding.
func DecodeBitmap(raw []byte, n int) *bits.BitArray {
	b := bits.NewBitArray(n)
	for i := 0; i < n; i++ {
		if raw[i/8]&(1<<uint(i%8)) != 0 {
			b.SetIndex(i, true)
		}
	}
	return b
}
