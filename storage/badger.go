package storage

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	datastore "github.com/ipfs/go-datastore"
	badger "github.com/ipfs/go-ds-badger"
	"github.com/pkg/errors"
)

// BadgerKV is the default KV backend (spec.md section 6 names no concrete
// backend; this is the teacher's choice for its on-disk state store).
// Each logical database is a distinct badger.Datastore rooted under dir, so
// ResetDb can drop one without touching the others. Transaction bodies are
// delegated to a txBodyRing rather than stored in badger — see
// storage/txbodydb.go for why the rotating, write-once, drop-the-whole-db
// workload fits a memory-mapped log better.
type BadgerKV struct {
	dir string

	mu sync.RWMutex
	ds map[string]*badger.Datastore

	txBodies *txBodyRing
}

// NewBadgerKV opens (creating if absent) the three top-level logical
// databases under dir, plus the tx-body ring.
func NewBadgerKV(dir string) (*BadgerKV, error) {
	b := &BadgerKV{dir: dir, ds: make(map[string]*badger.Datastore), txBodies: newTxBodyRing(filepath.Join(dir, DbTxBodies))}
	for _, name := range []string{DbDsBlocks, DbTxBlocks, DbMetadata} {
		store, err := badger.NewDatastore(filepath.Join(dir, name), &badger.DefaultOptions)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: open badger db %q", name)
		}
		b.ds[name] = store
	}
	return b, nil
}

func (b *BadgerKV) db(name string) *badger.Datastore {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ds[name]
}

func (b *BadgerKV) PutDsBlock(blockNum uint64, raw []byte) error {
	return b.db(DbDsBlocks).Put(datastore.NewKey(hex.EncodeToString(dsBlockKey(blockNum))), raw)
}

func (b *BadgerKV) GetDsBlock(blockNum uint64) ([]byte, error) {
	return wrapNotFound(b.db(DbDsBlocks).Get(datastore.NewKey(hex.EncodeToString(dsBlockKey(blockNum)))))
}

func (b *BadgerKV) PutTxBlock(blockNum uint64, raw []byte) error {
	return b.db(DbTxBlocks).Put(datastore.NewKey(hex.EncodeToString(txBlockKey(blockNum))), raw)
}

func (b *BadgerKV) GetTxBlock(blockNum uint64) ([]byte, error) {
	return wrapNotFound(b.db(DbTxBlocks).Get(datastore.NewKey(hex.EncodeToString(txBlockKey(blockNum)))))
}

func (b *BadgerKV) PutTxBody(tranID [32]byte, raw []byte) error {
	return b.txBodies.put(tranID, raw)
}

func (b *BadgerKV) GetTxBody(tranID [32]byte) ([]byte, error) {
	return b.txBodies.get(tranID)
}

// PushBackTxBodyDb opens the rotating tx-body database for blockNum and
// makes it the write target for subsequent PutTxBody calls (spec.md section
// 6: one temp database per DS epoch, oldest dropped as new ones arrive).
func (b *BadgerKV) PushBackTxBodyDb(blockNum uint64) error {
	return b.txBodies.pushBack(blockNum)
}

// PopFrontTxBodyDb closes and discards the oldest open tx-body database.
func (b *BadgerKV) PopFrontTxBodyDb() error {
	return b.txBodies.popFront()
}

func (b *BadgerKV) PutMetadata(tag string, raw []byte) error {
	return b.db(DbMetadata).Put(datastore.NewKey(tag), raw)
}

func (b *BadgerKV) GetMetadata(tag string) ([]byte, error) {
	return wrapNotFound(b.db(DbMetadata).Get(datastore.NewKey(tag)))
}

// ResetDb drops and recreates the named logical database.
func (b *BadgerKV) ResetDb(name string) error {
	if name == DbTxBodies {
		return b.txBodies.reset()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.ds[name]; ok {
		old.Close()
	}
	if err := os.RemoveAll(filepath.Join(b.dir, name)); err != nil {
		return errors.Wrapf(err, "storage: wipe badger db %q", name)
	}
	store, err := badger.NewDatastore(filepath.Join(b.dir, name), &badger.DefaultOptions)
	if err != nil {
		return errors.Wrapf(err, "storage: reset badger db %q", name)
	}
	b.ds[name] = store
	return nil
}

func (b *BadgerKV) Close() error {
	b.mu.Lock()
	for _, s := range b.ds {
		s.Close()
	}
	b.mu.Unlock()
	return b.txBodies.close()
}

func wrapNotFound(raw []byte, err error) ([]byte, error) {
	if err == datastore.ErrNotFound {
		return nil, ErrNotFound
	}
	return raw, err
}
