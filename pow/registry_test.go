package pow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardrep/dsnode/core/types"
)

func TestConnRegistryRecordsLateArrivals(t *testing.T) {
	r := NewConnRegistry()
	var pub types.PublicKey
	pub[0] = 1

	r.Record(PowRecord{PubKey: pub, Late: false})
	rec, ok := r.Lookup(pub)
	assert.True(t, ok)
	assert.False(t, rec.Late)

	// A late submission for the same key still gets recorded — it is not
	// silently dropped, even though it can no longer win the DS-block race.
	r.Record(PowRecord{PubKey: pub, Late: true})
	rec, ok = r.Lookup(pub)
	assert.True(t, ok)
	assert.True(t, rec.Late)
}

func TestConnRegistryRequestMissing(t *testing.T) {
	r := NewConnRegistry()
	var a, b types.PublicKey
	a[0], b[0] = 1, 2
	r.Record(PowRecord{PubKey: a})

	missing := r.RequestMissing([]types.PublicKey{a, b})
	assert.Equal(t, []types.PublicKey{b}, missing)
}

func TestConnRegistryReset(t *testing.T) {
	r := NewConnRegistry()
	var pub types.PublicKey
	r.Record(PowRecord{PubKey: pub})
	assert.Len(t, r.All(), 1)
	r.Reset()
	assert.Len(t, r.All(), 0)
}
