// Package storage treats persistent storage as an abstract key-value
// interface (spec.md section 6 Persistence) with two interchangeable
// backends and a rotating per-epoch transaction-body store. The core never
// talks to a database directly; it only ever sees a KV.
package storage

import "github.com/pkg/errors"

// ErrNotFound is returned by a Get-style method when the key is absent.
var ErrNotFound = errors.New("storage: not found")

// KV is the abstract persistence contract (spec.md section 6): the core
// never knows or cares whether it is backed by badger, leveldb, or anything
// else, only that the operations below exist.
type KV interface {
	PutDsBlock(blockNum uint64, raw []byte) error
	GetDsBlock(blockNum uint64) ([]byte, error)

	PutTxBlock(blockNum uint64, raw []byte) error
	GetTxBlock(blockNum uint64) ([]byte, error)

	PutTxBody(tranID [32]byte, raw []byte) error
	GetTxBody(tranID [32]byte) ([]byte, error)

	// PushBackTxBodyDb opens (or creates) the rotating tx-body database for
	// blockNum and makes it the active write target.
	PushBackTxBodyDb(blockNum uint64) error
	// PopFrontTxBodyDb retires the oldest open tx-body database, freeing its
	// resources once its epoch's transactions are no longer needed.
	PopFrontTxBodyDb() error

	PutMetadata(tag string, raw []byte) error
	GetMetadata(tag string) ([]byte, error)

	// ResetDb wipes the named logical database (one of "dsBlocks",
	// "txBlocks", "txBodies", "metadata") — used on a corrupt-state restart
	// before a full Lookup resync (spec.md section 4.8).
	ResetDb(name string) error

	Close() error
}

const (
	DbDsBlocks  = "dsBlocks"
	DbTxBlocks  = "txBlocks"
	DbTxBodies  = "txBodies"
	DbMetadata  = "metadata"
)

func dsBlockKey(blockNum uint64) []byte { return beKey(blockNum) }
func txBlockKey(blockNum uint64) []byte { return beKey(blockNum) }

func beKey(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}
