package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGenesisJSON = `{
  "ds_committee": [
    {"pubkey": "020202020202020202020202020202020202020202020202020202020202020202", "host": "10.0.0.1", "port": 9001},
    {"pubkey": "030303030303030303030303030303030303030303030303030303030303030303", "host": "10.0.0.2", "port": 9002}
  ],
  "lookup": {"pubkey": "", "host": "10.0.0.9", "port": 9999}
}`

func writeGenesis(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.json")
	require.NoError(t, os.WriteFile(path, []byte(testGenesisJSON), 0o644))
	return path
}

func TestLoadGenesisMembersAndLookupPeer(t *testing.T) {
	path := writeGenesis(t)

	g, err := loadGenesis(path)
	require.NoError(t, err)

	members, err := g.members()
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, uint16(9001), members[0].Peer.Port)
	assert.Equal(t, uint16(9002), members[1].Peer.Port)

	lookupPeer, err := g.lookupPeer()
	require.NoError(t, err)
	assert.Equal(t, uint16(9999), lookupPeer.Port)
}

func TestLoadGenesisRejectsBadPubKeyLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ds_committee":[{"pubkey":"ab","host":"10.0.0.1","port":1}]}`), 0o644))

	g, err := loadGenesis(path)
	require.NoError(t, err)
	_, err = g.members()
	assert.Error(t, err)
}

func TestLoadGenesisMissingFile(t *testing.T) {
	_, err := loadGenesis(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
