// Package pow defines the pluggable PoW engine contract (spec.md section
// 4.6): mine/verify/difficulty-check and a configurable light-client init
// keyed on block number. The concrete Ethash-family engine is out of scope
// (spec.md section 1); this package only owns the target/difficulty math
// and the canonical header-hash construction every concrete engine must
// honor.
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"

	gopsutilcpu "github.com/shirou/gopsutil/cpu"

	"github.com/shardrep/dsnode/core/types"
)

// workerCount sizes the mining goroutine pool off the host's logical CPU
// count, falling back to 1 if the probe fails (e.g. inside a restricted
// container).
func workerCount() int {
	n, err := gopsutilcpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Engine is the pluggable PoW collaborator.
type Engine interface {
	// ConfigureLight (re)initializes the engine's dataset for blockNum.
	// Idempotent and safe to call repeatedly; serialized internally.
	ConfigureLight(blockNum uint64) error
	// Mine blocks until a solution meeting difficulty is found or ctx is
	// cancelled. ipAddr/pubKey feed the canonical header hash.
	Mine(ctx context.Context, blockNum uint64, difficulty uint8, rand1, rand2 [32]byte, ipAddr [16]byte, pubKey types.PublicKey) (Solution, error)
	// Verify checks a claimed solution against the target difficulty.
	Verify(blockNum uint64, difficulty uint8, rand1, rand2 [32]byte, ipAddr [16]byte, pubKey types.PublicKey, sol Solution) bool
}

// Solution is a PoW result: the proof-of-work nonce, the resulting hash, and
// the mix hash the verifier recomputes against.
type Solution struct {
	Nonce   uint64
	Result  types.Hash
	MixHash types.Hash
	Success bool
}

// HeaderHash computes the canonical PoW header to hash:
// SHA256(rand1 || rand2 || ipAddrLE || pubKey) (spec.md section 4.6).
//
// Note: the spec's prose says "ipAddrLE" (little-endian); every other
// multi-byte field in this system is big-endian (spec.md section 6's
// blanket rule), so the IP address bytes are taken as-is (network byte
// order, which for a 16-byte IPv6-form address has no endianness to flip)
// rather than reversed — documented here since it is the one place the
// spec's own wording and its general big-endian rule appear to diverge.
func HeaderHash(rand1, rand2 [32]byte, ipAddr [16]byte, pubKey types.PublicKey) types.Hash {
	h := sha256.New()
	h.Write(rand1[:])
	h.Write(rand2[:])
	h.Write(ipAddr[:])
	h.Write(pubKey[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Target converts a difficulty level into a 256-bit target: all leading
// bits are zero for the first d bits, then a partial byte mask for bits 0..7
// of the next byte (spec.md section 4.6).
func Target(difficulty uint8) *big.Int {
	maxTarget := new(big.Int).Lsh(big.NewInt(1), 256)
	maxTarget.Sub(maxTarget, big.NewInt(1))
	if difficulty == 0 {
		return maxTarget
	}
	shift := uint(256) - uint(difficulty)
	return new(big.Int).Lsh(big.NewInt(1), shift)
}

// MeetsDifficulty reports whether result, interpreted as a big-endian
// 256-bit integer, is less than or equal to the target for difficulty.
func MeetsDifficulty(result types.Hash, difficulty uint8) bool {
	r := new(big.Int).SetBytes(result[:])
	return r.Cmp(Target(difficulty)) <= 0
}

// SoftwareEngine is a reference, CPU-only Engine implementation suitable for
// tests and small simulated networks: it hashes HeaderHash||nonce
// repeatedly until MeetsDifficulty holds. Production deployments plug in a
// real Ethash-family engine behind the same interface (spec.md section 1).
type SoftwareEngine struct {
	mu         sync.Mutex
	lightBlock uint64
	lightReady bool
}

// NewSoftwareEngine returns a reference Engine.
func NewSoftwareEngine() *SoftwareEngine { return &SoftwareEngine{} }

// ConfigureLight idempotently marks the engine ready for blockNum.
func (e *SoftwareEngine) ConfigureLight(blockNum uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lightBlock = blockNum
	e.lightReady = true
	return nil
}

// Mine partitions the nonce space across workerCount() goroutines, each
// searching a disjoint residue class modulo the worker count, and returns
// as soon as any worker finds a solution meeting difficulty or ctx is
// cancelled. Interruptible, matching spec.md section 5's "PoW mine — blocks
// until solution or cancellation; must be interruptible" contract.
func (e *SoftwareEngine) Mine(ctx context.Context, blockNum uint64, difficulty uint8, rand1, rand2 [32]byte, ipAddr [16]byte, pubKey types.PublicKey) (Solution, error) {
	base := HeaderHash(rand1, rand2, ipAddr, pubKey)
	workers := workerCount()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		sol Solution
		err error
	}
	results := make(chan outcome, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()
			nonce := start
			for {
				select {
				case <-ctx.Done():
					results <- outcome{err: ctx.Err()}
					return
				default:
				}
				var buf [8]byte
				binary.BigEndian.PutUint64(buf[:], nonce)
				h := sha256.New()
				h.Write(base[:])
				h.Write(buf[:])
				var result types.Hash
				copy(result[:], h.Sum(nil))
				if MeetsDifficulty(result, difficulty) {
					results <- outcome{sol: Solution{Nonce: nonce, Result: result, MixHash: result, Success: true}}
					return
				}
				nonce += uint64(workers)
			}
		}(uint64(w))
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.sol.Success {
			cancel()
			return res.sol, nil
		}
	}
	return Solution{}, ctx.Err()
}

// Verify recomputes the hash for the claimed nonce and checks it against
// both the stated result and the difficulty target.
func (e *SoftwareEngine) Verify(blockNum uint64, difficulty uint8, rand1, rand2 [32]byte, ipAddr [16]byte, pubKey types.PublicKey, sol Solution) bool {
	base := HeaderHash(rand1, rand2, ipAddr, pubKey)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sol.Nonce)
	h := sha256.New()
	h.Write(base[:])
	h.Write(buf[:])
	var result types.Hash
	copy(result[:], h.Sum(nil))
	if !types.HashEqual(result, sol.Result) {
		return false
	}
	return MeetsDifficulty(result, difficulty)
}
