package types

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

func TestDsBlockHeaderBytesRoundTrip(t *testing.T) {
	want := DsBlockHeader{
		Difficulty:   5,
		DsDifficulty: 8,
		PrevHash:     Hash{1, 2, 3},
		BlockNum:     42,
		WinnerPubKey: PublicKey{0xAA},
		LeaderPubKey: PublicKey{0xBB},
		TimestampHi:  1,
		TimestampLo:  1690000000,
		SWVersion:    3,
		Nonce:        9001,
	}

	got, err := DecodeDsBlockHeader(want.Bytes())
	require.NoError(t, err)

	// pretty.Compare gives a field-by-field diff instead of just "not equal",
	// which is worth the extra import on a 10-field struct like this one.
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("DecodeDsBlockHeader round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDsBlockHeaderDecodeWrongLength(t *testing.T) {
	_, err := DecodeDsBlockHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestTxBlockHeaderBytesRoundTrip(t *testing.T) {
	want := TxBlockHeader{
		Type:                1,
		Version:             2,
		GasLimit:            1_000_000,
		GasUsed:             500_000,
		PrevHash:            Hash{9, 9, 9},
		BlockNum:            7,
		TimestampHi:         0,
		TimestampLo:         1690000123,
		MicroBlockTxnRoot:   Hash{1},
		StateRoot:           Hash{2},
		MicroBlockDeltaRoot: Hash{3},
		NumTxs:              128,
		NumMicroBlocks:      4,
		MinerPubKey:         PublicKey{0xCC},
		DsBlockNum:          41,
		DsBlockHeaderHash:   Hash{4},
	}

	got, err := DecodeTxBlockHeader(want.Bytes())
	require.NoError(t, err)

	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("DecodeTxBlockHeader round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTxBlockHeaderDecodeWrongLength(t *testing.T) {
	_, err := DecodeTxBlockHeader([]byte{1, 2, 3})
	require.Error(t, err)
}
