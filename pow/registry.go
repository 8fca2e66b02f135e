package pow

import (
	"sync"

	"github.com/shardrep/dsnode/core/types"
)

// ConnRegistry tracks every PoW-1 submission seen during the current
// DS-epoch submission window, including late arrivals that show up after
// the DS-block winner was already chosen (spec.md section 4.11 / testable
// scenario S4: "a late PoW submission must still be recorded, even though
// it can no longer win"). This is the allPoWConns bookkeeping.
type ConnRegistry struct {
	mu    sync.RWMutex
	byPub map[types.PublicKey]PowRecord
}

// PowRecord is one recorded PoW-1 submission.
type PowRecord struct {
	PubKey types.PublicKey
	Peer   types.Peer
	Nonce  uint64
	Result types.Hash
	Late   bool
}

// NewConnRegistry returns an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{byPub: make(map[types.PublicKey]PowRecord)}
}

// Record stores a submission. late marks submissions received after the
// DS-block winner was already determined; they are kept (not dropped) so
// the node is seated in the next epoch's sharding population.
func (r *ConnRegistry) Record(rec PowRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPub[rec.PubKey] = rec
}

// Lookup returns the recorded submission for pub, if any.
func (r *ConnRegistry) Lookup(pub types.PublicKey) (PowRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byPub[pub]
	return rec, ok
}

// All returns every recorded submission, in no particular order; callers
// needing deterministic order (shard.ComputeShardingStructure) re-sort.
func (r *ConnRegistry) All() []PowRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PowRecord, 0, len(r.byPub))
	for _, rec := range r.byPub {
		out = append(out, rec)
	}
	return out
}

// Reset clears the registry at the start of a new DS-epoch submission
// window.
func (r *ConnRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPub = make(map[types.PublicKey]PowRecord)
}

// RequestMissing returns the subset of want not yet present in the
// registry — used to ask peers to re-gossip submissions this node missed.
func (r *ConnRegistry) RequestMissing(want []types.PublicKey) []types.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []types.PublicKey
	for _, pub := range want {
		if _, ok := r.byPub[pub]; !ok {
			missing = append(missing, pub)
		}
	}
	return missing
}
