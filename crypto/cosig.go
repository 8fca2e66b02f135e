package crypto

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/types"
)

// ComputeResponse computes one participant's CS1/CS2 response scalar
// z = secret + challenge*priv (mod the curve order), the per-round
// contribution to the two-phase Schnorr cosignature scheme of spec.md
// section 4.4.
func ComputeResponse(secret [32]byte, challenge [32]byte, priv types.PrivateKey) [32]byte {
	var s, e, p, ep btcec.ModNScalar
	s.SetByteSlice(secret[:])
	e.SetByteSlice(challenge[:])
	p.SetByteSlice(priv[:])
	ep.Mul2(&e, &p)
	s.Add(&ep)
	b := s.Bytes()
	return b
}

// AggregateResponses sums a set of participant response scalars mod the
// curve order, producing the committee's combined response for a cosig
// round.
func AggregateResponses(responses [][32]byte) [32]byte {
	var acc btcec.ModNScalar
	for _, r := range responses {
		var s btcec.ModNScalar
		s.SetByteSlice(r[:])
		acc.Add(&s)
	}
	return acc.Bytes()
}

// AggregateCommitments sums a set of participant EC-point commitments,
// producing the round's aggregated commitment R used to derive the
// Schnorr challenge (spec.md section 4.4).
func AggregateCommitments(commitments [][33]byte) ([33]byte, error) {
	if len(commitments) == 0 {
		return [33]byte{}, errors.New("aggregate commitments: empty set")
	}
	acc, err := btcec.ParsePubKey(commitments[0][:])
	if err != nil {
		return [33]byte{}, errors.Wrap(err, "parse first commitment")
	}
	accX, accY := acc.X(), acc.Y()
	curve := btcec.S256()
	for _, c := range commitments[1:] {
		p, err := btcec.ParsePubKey(c[:])
		if err != nil {
			return [33]byte{}, errors.Wrap(err, "parse commitment")
		}
		accX, accY = curve.Add(accX, accY, p.X(), p.Y())
	}
	var fieldX, fieldY btcec.FieldVal
	fieldX.SetByteSlice(accX.Bytes())
	fieldY.SetByteSlice(accY.Bytes())
	aggPoint := btcec.NewPublicKey(&fieldX, &fieldY)
	var out [33]byte
	copy(out[:], aggPoint.SerializeCompressed())
	return out, nil
}

// RecoverCommitment solves the Schnorr verification equation for the
// commitment point instead of checking it: given a claimed (challenge,
// response) pair and the signer's (possibly aggregate) public key, it
// computes R = response*G - challenge*pubkey, the commitment that would
// have produced that response. A verifier that never ran the live
// consensus.Instance round — and so never accumulated the aggregated
// commitment itself — uses this to recompute the challenge that should
// have been hashed and compare it against the one carried in the wire
// CoSignature, rather than needing the round's R as a separate input.
func RecoverCommitment(pub types.PublicKey, challenge [32]byte, response [32]byte) ([33]byte, error) {
	p, err := parsePub(pub)
	if err != nil {
		return [33]byte{}, errors.Wrap(err, "parse public key")
	}

	var z btcec.ModNScalar
	if z.SetByteSlice(response[:]) {
		return [33]byte{}, errors.New("response scalar overflow")
	}
	curve := btcec.S256()
	zgX, zgY := curve.ScalarBaseMult(z.Bytes()[:])

	var e btcec.ModNScalar
	e.SetByteSlice(challenge[:])
	epX, epY := curve.ScalarMult(p.X(), p.Y(), e.Bytes()[:])

	// Negate challenge*pubkey so it can be added rather than subtracted:
	// -(x, y) = (x, P-y) for a short Weierstrass curve over F_P.
	negEpY := new(big.Int).Sub(curve.P, epY)
	negEpY.Mod(negEpY, curve.P)

	rX, rY := curve.Add(zgX, zgY, epX, negEpY)

	var fieldX, fieldY btcec.FieldVal
	fieldX.SetByteSlice(rX.Bytes())
	fieldY.SetByteSlice(rY.Bytes())
	rPoint := btcec.NewPublicKey(&fieldX, &fieldY)
	var out [33]byte
	copy(out[:], rPoint.SerializeCompressed())
	return out, nil
}

// VerifyResponse checks that a single participant's (commitment, response)
// pair is consistent with the round challenge and their public key:
// response*G == commitment + challenge*pubkey.
func VerifyResponse(pub types.PublicKey, commitment [33]byte, challenge [32]byte, response [32]byte) (bool, error) {
	p, err := parsePub(pub)
	if err != nil {
		return false, errors.Wrap(err, "parse public key")
	}
	c, err := btcec.ParsePubKey(commitment[:])
	if err != nil {
		return false, errors.Wrap(err, "parse commitment")
	}

	var z btcec.ModNScalar
	if z.SetByteSlice(response[:]) {
		return false, errors.New("response scalar overflow")
	}
	lhsX, lhsY := btcec.S256().ScalarBaseMult(z.Bytes()[:])

	var e btcec.ModNScalar
	e.SetByteSlice(challenge[:])
	epX, epY := btcec.S256().ScalarMult(p.X(), p.Y(), e.Bytes()[:])
	rhsX, rhsY := btcec.S256().Add(c.X(), c.Y(), epX, epY)

	return lhsX.Cmp(rhsX) == 0 && lhsY.Cmp(rhsY) == 0, nil
}
