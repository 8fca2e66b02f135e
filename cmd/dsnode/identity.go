package main

import (
	"os"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
)

// loadOrCreateIdentity reads a raw 32-byte private key from keyPath,
// deriving the matching KeyPair. If keyPath does not exist yet, a fresh
// key pair is generated and its private half persisted there with
// owner-only permissions, so restarts keep the same network identity.
func loadOrCreateIdentity(keyPath string) (types.KeyPair, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		if len(raw) != types.PrivKeySize {
			return types.KeyPair{}, errors.Errorf("keyfile %s: want %d bytes, got %d", keyPath, types.PrivKeySize, len(raw))
		}
		var priv types.PrivateKey
		copy(priv[:], raw)
		return crypto.KeyPairFromPrivate(priv), nil
	}
	if !os.IsNotExist(err) {
		return types.KeyPair{}, errors.Wrapf(err, "read keyfile %s", keyPath)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return types.KeyPair{}, errors.Wrap(err, "generate key pair")
	}
	if err := os.WriteFile(keyPath, kp.Private[:], 0o600); err != nil {
		return types.KeyPair{}, errors.Wrapf(err, "persist keyfile %s", keyPath)
	}
	return kp, nil
}
