package pow

// AdjustDifficulty resolves the open question of how difficulty reacts to
// the observed DS-block rate: a bounded proportional controller rather than
// the full Bitcoin-style retarget the original's comments gesture at but
// never pin down (spec.md section 4.6, Open Question 1).
//
//   newDiff = clamp(prevDiff + sign(observedRate - targetRate), minDiff, maxDiff)
//
// observedRate and targetRate are both "DS blocks per unit time" expressed
// in the same units (e.g. blocks produced in the last adjustment window);
// moving by exactly one difficulty-bit per window keeps the chain from
// oscillating while still tracking sustained drift in either direction.
func AdjustDifficulty(prevDiff uint8, observedRate, targetRate float64, minDiff, maxDiff uint8) uint8 {
	if minDiff > maxDiff {
		minDiff, maxDiff = maxDiff, minDiff
	}
	next := int(prevDiff)
	switch {
	case observedRate > targetRate:
		next++
	case observedRate < targetRate:
		next--
	}
	if next < int(minDiff) {
		next = int(minDiff)
	}
	if next > int(maxDiff) {
		next = int(maxDiff)
	}
	return uint8(next)
}
