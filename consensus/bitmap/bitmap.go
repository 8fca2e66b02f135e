// Package bitmap provides the committee signer-position bitmap used by
// CoSignatures, backed by tendermint's BitArray (a direct dependency of the
// teacher's go.mod), a close analogue of Zilliqa's own BitVector.
package bitmap

import "github.com/tendermint/tendermint/libs/bits"

// New returns an all-clear bitmap sized for a committee of n members.
func New(n int) *bits.BitArray { return bits.NewBitArray(n) }

// Set marks position i as having signed.
func Set(b *bits.BitArray, i int) { b.SetIndex(i, true) }

// Positions returns the committee indices marked in b, ascending.
func Positions(b *bits.BitArray) []int {
	out := make([]int, 0, b.Size())
	for i := 0; i < b.Size(); i++ {
		if b.GetIndex(i) {
			out = append(out, i)
		}
	}
	return out
}

// PopCount returns the number of set bits.
func PopCount(b *bits.BitArray) int { return len(Positions(b)) }
