// Package crypto wraps the Schnorr (BIP-340-family) primitives spec.md
// section 3/6 relies on for PoW submission signatures and consensus
// commit/response/cosig math: plain signing/verification, plus the
// elementwise-pubkey-product aggregation spec.md section 4.4 specifies for
// turning a committee bitmap into an aggregated verification key.
//
// The concrete curve math is delegated to btcec/schnorr (sourced from the
// orbas1-Synnergy pack repo's dependency graph) rather than hand-rolled —
// see DESIGN.md's crypto entry.
package crypto

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/types"
)

// GenerateKeyPair creates a fresh secp256k1 key pair and renders it in the
// spec's fixed-width KeyPair shape.
func GenerateKeyPair() (types.KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return types.KeyPair{}, errors.Wrap(err, "generate key pair")
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey renders a btcec key into the spec's KeyPair shape. The
// 33-byte PublicKey is the standard compressed SEC1 encoding.
func FromPrivateKey(priv *btcec.PrivateKey) types.KeyPair {
	var kp types.KeyPair
	privBytes := priv.Serialize()
	copy(kp.Private[:], privBytes)
	pubBytes := priv.PubKey().SerializeCompressed()
	copy(kp.Public[:], pubBytes)
	return kp
}

// KeyPairFromPrivate rebuilds the full KeyPair (including the derived
// public half) from a persisted raw private key, the path a restarted node
// takes to recover its identity rather than generating a fresh one.
func KeyPairFromPrivate(priv types.PrivateKey) types.KeyPair {
	return FromPrivateKey(parsePriv(priv))
}

func parsePriv(pk types.PrivateKey) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(pk[:])
	return priv
}

func parsePub(pk types.PublicKey) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(pk[:])
}

// Sign produces a 64-byte Schnorr signature over message, using priv.
func Sign(priv types.PrivateKey, message []byte) ([64]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := schnorr.Sign(parsePriv(priv), digest[:], schnorr.FastSign())
	if err != nil {
		return [64]byte{}, errors.Wrap(err, "schnorr sign")
	}
	var out [64]byte
	copy(out[:], sig.Serialize())
	return out, nil
}

// Verify checks a single-signer Schnorr signature over message.
func Verify(pub types.PublicKey, message []byte, sig [64]byte) (bool, error) {
	p, err := parsePub(pub)
	if err != nil {
		return false, errors.Wrap(err, "parse public key")
	}
	s, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false, errors.Wrap(err, "parse signature")
	}
	digest := sha256.Sum256(message)
	return s.Verify(digest[:], p), nil
}

// AggregatePublicKeys implements spec.md section 4.4's "elementwise
// multiplication (in the Schnorr group) of pubkeys for set bits": the
// aggregated verification key is the elliptic-curve point sum of the
// selected members' public keys.
func AggregatePublicKeys(keys []types.PublicKey) (types.PublicKey, error) {
	if len(keys) == 0 {
		return types.PublicKey{}, errors.New("aggregate: empty key set")
	}
	acc, err := parsePub(keys[0])
	if err != nil {
		return types.PublicKey{}, errors.Wrap(err, "parse first key")
	}
	accX, accY := acc.X(), acc.Y()
	curve := btcec.S256()
	for _, k := range keys[1:] {
		p, err := parsePub(k)
		if err != nil {
			return types.PublicKey{}, errors.Wrap(err, "parse key")
		}
		accX, accY = curve.Add(accX, accY, p.X(), p.Y())
	}
	var fieldX, fieldY btcec.FieldVal
	fieldX.SetByteSlice(accX.Bytes())
	fieldY.SetByteSlice(accY.Bytes())
	aggPub := btcec.NewPublicKey(&fieldX, &fieldY)
	var out types.PublicKey
	copy(out[:], aggPub.SerializeCompressed())
	return out, nil
}

// RandomScalarCommitment produces the per-round secret nonce / commitment
// pair a consensus participant uses in the Announce→Commit phase: a random
// scalar r and its curve-point commitment R = r*G, serialized compressed.
func RandomScalarCommitment() (secret [32]byte, commitment [33]byte, err error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return secret, commitment, errors.Wrap(err, "generate commitment secret")
	}
	copy(secret[:], priv.Serialize())
	copy(commitment[:], priv.PubKey().SerializeCompressed())
	return secret, commitment, nil
}

// ChallengeHash computes e = H(aggCommit || aggPubKey || payload), the
// Schnorr challenge scalar digest used in both the CS1 and CS2 rounds of
// spec.md section 4.4.
func ChallengeHash(aggCommit [33]byte, aggPubKey types.PublicKey, payload []byte) [32]byte {
	h := sha256.New()
	h.Write(aggCommit[:])
	h.Write(aggPubKey[:])
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
