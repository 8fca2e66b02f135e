package ds

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardrep/dsnode/core/types"
)

func TestValidateDsBlockAcceptsGenesis(t *testing.T) {
	header := types.DsBlockHeader{SWVersion: currentSWVersionDs, BlockNum: 0}
	assert.NoError(t, ValidateDsBlock(header, nil))
}

func TestValidateDsBlockAcceptsSuccessor(t *testing.T) {
	prev := types.DsBlockHeader{SWVersion: currentSWVersionDs, BlockNum: 4}
	header := types.DsBlockHeader{SWVersion: currentSWVersionDs, BlockNum: 5, PrevHash: prev.Hash()}
	assert.NoError(t, ValidateDsBlock(header, &prev))
}

func TestValidateDsBlockRejectsWrongVersion(t *testing.T) {
	header := types.DsBlockHeader{SWVersion: currentSWVersionDs + 1}
	assert.Error(t, ValidateDsBlock(header, nil))
}

func TestValidateDsBlockRejectsBlockNumberGap(t *testing.T) {
	prev := types.DsBlockHeader{SWVersion: currentSWVersionDs, BlockNum: 4}
	header := types.DsBlockHeader{SWVersion: currentSWVersionDs, BlockNum: 9, PrevHash: prev.Hash()}
	assert.Error(t, ValidateDsBlock(header, &prev))
}

func TestValidateDsBlockRejectsPrevHashMismatch(t *testing.T) {
	prev := types.DsBlockHeader{SWVersion: currentSWVersionDs, BlockNum: 4}
	header := types.DsBlockHeader{SWVersion: currentSWVersionDs, BlockNum: 5, PrevHash: types.Hash{0xff}}
	assert.Error(t, ValidateDsBlock(header, &prev))
}
