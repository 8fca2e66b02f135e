package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKVImplementations(t *testing.T) map[string]KV {
	t.Helper()
	badgerKV, err := NewBadgerKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { badgerKV.Close() })

	levelKV, err := NewLevelDBKV(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { levelKV.Close() })

	return map[string]KV{"badger": badgerKV, "leveldb": levelKV}
}

func TestKVPutGetDsBlock(t *testing.T) {
	for name, kv := range testKVImplementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.PutDsBlock(3, []byte("hello")))
			got, err := kv.GetDsBlock(3)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)
		})
	}
}

func TestKVGetDsBlockNotFound(t *testing.T) {
	for name, kv := range testKVImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.GetDsBlock(999)
			assert.Equal(t, ErrNotFound, err)
		})
	}
}

func TestKVPutGetTxBlock(t *testing.T) {
	for name, kv := range testKVImplementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.PutTxBlock(7, []byte("finalblock")))
			got, err := kv.GetTxBlock(7)
			require.NoError(t, err)
			assert.Equal(t, []byte("finalblock"), got)
		})
	}
}

func TestKVPutGetMetadata(t *testing.T) {
	for name, kv := range testKVImplementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.PutMetadata("swversion", []byte{1, 2, 3}))
			got, err := kv.GetMetadata("swversion")
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, got)
		})
	}
}

func TestKVTxBodyRequiresActiveDb(t *testing.T) {
	for name, kv := range testKVImplementations(t) {
		t.Run(name, func(t *testing.T) {
			var tranID [32]byte
			tranID[0] = 1
			err := kv.PutTxBody(tranID, []byte("body"))
			assert.Error(t, err)
		})
	}
}

func TestKVTxBodyRoundTripAcrossRotation(t *testing.T) {
	for name, kv := range testKVImplementations(t) {
		t.Run(name, func(t *testing.T) {
			var idA, idB [32]byte
			idA[0], idB[0] = 1, 2

			require.NoError(t, kv.PushBackTxBodyDb(10))
			require.NoError(t, kv.PutTxBody(idA, []byte("epoch10-body")))

			require.NoError(t, kv.PushBackTxBodyDb(11))
			require.NoError(t, kv.PutTxBody(idB, []byte("epoch11-body")))

			// Both epochs still readable before the older one rotates out.
			got, err := kv.GetTxBody(idA)
			require.NoError(t, err)
			assert.Equal(t, []byte("epoch10-body"), got)

			require.NoError(t, kv.PopFrontTxBodyDb())

			// Epoch 10 is gone; epoch 11 survives.
			_, err = kv.GetTxBody(idA)
			assert.Equal(t, ErrNotFound, err)
			got, err = kv.GetTxBody(idB)
			require.NoError(t, err)
			assert.Equal(t, []byte("epoch11-body"), got)
		})
	}
}

func TestKVResetDbClearsNamespace(t *testing.T) {
	for name, kv := range testKVImplementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.PutDsBlock(1, []byte("x")))
			require.NoError(t, kv.ResetDb(DbDsBlocks))
			_, err := kv.GetDsBlock(1)
			assert.Equal(t, ErrNotFound, err)
		})
	}
}

func TestTxBodyDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	var tranID [32]byte
	tranID[5] = 0xAB

	db, err := openTxBodyDB(dir, 1)
	require.NoError(t, err)
	require.NoError(t, db.Put(tranID, []byte("persisted body")))
	require.NoError(t, db.Close())

	reopened, err := openTxBodyDB(dir, 1)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, ok := reopened.Get(tranID)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted body"), got)
}

func TestTxBodyDBGrowsPastInitialFile(t *testing.T) {
	db, err := openTxBodyDB(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	big := make([]byte, txBodyFileGrowth) // forces at least one grow
	var tranID [32]byte
	tranID[0] = 0xFF
	require.NoError(t, db.Put(tranID, big))

	got, ok := db.Get(tranID)
	require.True(t, ok)
	assert.Equal(t, len(big), len(got))
}
