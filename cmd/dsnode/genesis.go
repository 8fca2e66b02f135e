package main

import (
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/types"
)

// genesisMember is the JSON-friendly wire shape for one DS-committee seat
// in a genesis file: a hex-encoded compressed pubkey plus its advertised
// host:port, mirroring the (PubKey, Peer) pair types.Member holds.
type genesisMember struct {
	PubKey string `json:"pubkey"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// genesisFile is the bootstrap document an operator hands every node in a
// network: the ordered DS committee (index 0 is the first epoch's leader)
// and the well-known lookup peer new nodes sync against (spec.md section
// 4.8). Exact on-disk shape is deployment tooling, not protocol, so this
// stays a plain JSON document rather than anything wire-format-exact.
type genesisFile struct {
	DsCommittee []genesisMember `json:"ds_committee"`
	Lookup      genesisMember   `json:"lookup"`
}

// loadGenesis reads and decodes a genesis file from path.
func loadGenesis(path string) (genesisFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return genesisFile{}, errors.Wrap(err, "read genesis file")
	}
	var g genesisFile
	if err := json.Unmarshal(raw, &g); err != nil {
		return genesisFile{}, errors.Wrap(err, "parse genesis file")
	}
	return g, nil
}

func (m genesisMember) toMember() (types.Member, error) {
	pub, err := m.pubKey()
	if err != nil {
		return types.Member{}, err
	}
	peer, err := types.NewPeer(m.Host, m.Port)
	if err != nil {
		return types.Member{}, errors.Wrapf(err, "genesis member %s", m.Host)
	}
	return types.Member{PubKey: pub, Peer: peer}, nil
}

func (m genesisMember) pubKey() (types.PublicKey, error) {
	var pub types.PublicKey
	raw, err := hex.DecodeString(m.PubKey)
	if err != nil {
		return pub, errors.Wrapf(err, "decode pubkey %q", m.PubKey)
	}
	if len(raw) != types.PubKeySize {
		return pub, errors.Errorf("pubkey %q: want %d bytes, got %d", m.PubKey, types.PubKeySize, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// members decodes every committee seat in order.
func (g genesisFile) members() ([]types.Member, error) {
	out := make([]types.Member, 0, len(g.DsCommittee))
	for i, gm := range g.DsCommittee {
		member, err := gm.toMember()
		if err != nil {
			return nil, errors.Wrapf(err, "ds_committee[%d]", i)
		}
		out = append(out, member)
	}
	return out, nil
}

// lookupPeer decodes the genesis lookup seat's network address.
func (g genesisFile) lookupPeer() (types.Peer, error) {
	return types.NewPeer(g.Lookup.Host, g.Lookup.Port)
}
