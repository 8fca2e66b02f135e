package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityPersistsAcrossRestarts(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "node.key")

	first, err := loadOrCreateIdentity(keyPath)
	require.NoError(t, err)

	second, err := loadOrCreateIdentity(keyPath)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestLoadOrCreateIdentityRejectsCorruptKeyfile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, os.WriteFile(keyPath, []byte{1, 2, 3}, 0o600))

	_, err := loadOrCreateIdentity(keyPath)
	require.Error(t, err)
}
