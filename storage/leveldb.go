package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBKV is the alternate KV backend, selected in place of BadgerKV when
// a deployment prefers goleveldb's simpler single-process model over
// badger's LSM/value-log split. Transaction bodies are delegated to a
// txBodyRing (storage/txbodydb.go), same as BadgerKV.
type LevelDBKV struct {
	dir string

	mu sync.RWMutex
	db map[string]*leveldb.DB

	txBodies *txBodyRing
}

// NewLevelDBKV opens the three top-level logical databases under dir.
func NewLevelDBKV(dir string) (*LevelDBKV, error) {
	l := &LevelDBKV{dir: dir, db: make(map[string]*leveldb.DB), txBodies: newTxBodyRing(filepath.Join(dir, DbTxBodies))}
	for _, name := range []string{DbDsBlocks, DbTxBlocks, DbMetadata} {
		store, err := leveldb.OpenFile(filepath.Join(dir, name), nil)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: open leveldb %q", name)
		}
		l.db[name] = store
	}
	return l, nil
}

func (l *LevelDBKV) store(name string) *leveldb.DB {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db[name]
}

func (l *LevelDBKV) PutDsBlock(blockNum uint64, raw []byte) error {
	return l.store(DbDsBlocks).Put(dsBlockKey(blockNum), raw, nil)
}

func (l *LevelDBKV) GetDsBlock(blockNum uint64) ([]byte, error) {
	return wrapLevelDBNotFound(l.store(DbDsBlocks).Get(dsBlockKey(blockNum), nil))
}

func (l *LevelDBKV) PutTxBlock(blockNum uint64, raw []byte) error {
	return l.store(DbTxBlocks).Put(txBlockKey(blockNum), raw, nil)
}

func (l *LevelDBKV) GetTxBlock(blockNum uint64) ([]byte, error) {
	return wrapLevelDBNotFound(l.store(DbTxBlocks).Get(txBlockKey(blockNum), nil))
}

func (l *LevelDBKV) PutTxBody(tranID [32]byte, raw []byte) error {
	return l.txBodies.put(tranID, raw)
}

func (l *LevelDBKV) GetTxBody(tranID [32]byte) ([]byte, error) {
	return l.txBodies.get(tranID)
}

// PushBackTxBodyDb opens the rotating tx-body database for blockNum.
func (l *LevelDBKV) PushBackTxBodyDb(blockNum uint64) error {
	return l.txBodies.pushBack(blockNum)
}

// PopFrontTxBodyDb closes and discards the oldest open tx-body database.
func (l *LevelDBKV) PopFrontTxBodyDb() error {
	return l.txBodies.popFront()
}

func (l *LevelDBKV) PutMetadata(tag string, raw []byte) error {
	return l.store(DbMetadata).Put([]byte(tag), raw, nil)
}

func (l *LevelDBKV) GetMetadata(tag string) ([]byte, error) {
	return wrapLevelDBNotFound(l.store(DbMetadata).Get([]byte(tag), nil))
}

// ResetDb drops and recreates the named logical database.
func (l *LevelDBKV) ResetDb(name string) error {
	if name == DbTxBodies {
		return l.txBodies.reset()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.db[name]; ok {
		old.Close()
	}
	if err := os.RemoveAll(filepath.Join(l.dir, name)); err != nil {
		return errors.Wrapf(err, "storage: wipe leveldb %q", name)
	}
	store, err := leveldb.OpenFile(filepath.Join(l.dir, name), nil)
	if err != nil {
		return errors.Wrapf(err, "storage: reset leveldb %q", name)
	}
	l.db[name] = store
	return nil
}

func (l *LevelDBKV) Close() error {
	l.mu.Lock()
	for _, s := range l.db {
		s.Close()
	}
	l.mu.Unlock()
	return l.txBodies.close()
}

func wrapLevelDBNotFound(raw []byte, err error) ([]byte, error) {
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return raw, err
}
