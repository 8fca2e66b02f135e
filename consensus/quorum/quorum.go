// Package quorum implements the BFT threshold math shared by every
// consensus kind: floor(2N/3)+1 signers required out of a committee of N
// (spec.md sections 3, 4.4, 8).
package quorum

// Threshold is the minimum number of committee signers required for a
// co-signature to be considered valid.
func Threshold(committeeSize int) int {
	return (2*committeeSize)/3 + 1
}

// MaxByzantine is the largest number of faulty members the protocol is
// designed to tolerate: floor((N-1)/3).
func MaxByzantine(committeeSize int) int {
	return (committeeSize - 1) / 3
}

// Reached reports whether count distinct signers meets the threshold for a
// committee of the given size.
func Reached(committeeSize, count int) bool {
	return count >= Threshold(committeeSize)
}
