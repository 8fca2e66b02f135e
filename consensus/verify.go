package consensus

import (
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/consensus/bitmap"
	"github.com/shardrep/dsnode/consensus/quorum"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
)

// VerifyCoSignatures checks a two-round cosig pair against a committee
// snapshot, for callers that never ran the live Instance that produced it
// (a node accepting a DsBlock/finalblock/microblock announced by someone
// else, rather than participating in its consensus round). It mirrors
// Instance.payload's exact byte layout and recovers each round's
// aggregated commitment from (challenge, response) via
// crypto.RecoverCommitment rather than requiring it as a separate input.
func VerifyCoSignatures(committee []types.Member, blockHash types.Hash, announcement []byte, cosigs types.CoSignatures) (bool, error) {
	threshold := quorum.Threshold(len(committee))

	payload1 := append([]byte{}, blockHash[:]...)
	payload1 = append(payload1, announcement...)
	ok, err := verifyRound(committee, threshold, payload1, cosigs.CS1)
	if err != nil {
		return false, errors.Wrap(err, "verify cs1")
	}
	if !ok {
		return false, nil
	}

	payload2 := append([]byte{}, payload1...)
	payload2 = append(payload2, cosigs.CS1.Challenge[:]...)
	payload2 = append(payload2, cosigs.CS1.Response[:]...)
	payload2 = append(payload2, types.EncodeBitmap(cosigs.CS1.Bitmap)...)
	ok, err = verifyRound(committee, threshold, payload2, cosigs.CS2)
	if err != nil {
		return false, errors.Wrap(err, "verify cs2")
	}
	return ok, nil
}

func verifyRound(committee []types.Member, threshold int, payload []byte, cosig types.CoSignature) (bool, error) {
	if cosig.Bitmap == nil || cosig.PopCount() < threshold {
		return false, nil
	}
	positions := bitmap.Positions(cosig.Bitmap)
	pubKeys := make([]types.PublicKey, 0, len(positions))
	for _, idx := range positions {
		if idx >= len(committee) {
			return false, errors.New("bitmap index out of range")
		}
		pubKeys = append(pubKeys, committee[idx].PubKey)
	}
	aggPub, err := crypto.AggregatePublicKeys(pubKeys)
	if err != nil {
		return false, errors.Wrap(err, "aggregate pubkeys")
	}

	aggCommit, err := crypto.RecoverCommitment(aggPub, cosig.Challenge, cosig.Response)
	if err != nil {
		return false, errors.Wrap(err, "recover commitment")
	}
	expected := crypto.ChallengeHash(aggCommit, aggPub, payload)
	return types.HashEqual(expected, cosig.Challenge), nil
}
