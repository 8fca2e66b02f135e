package types

import (
	"crypto/sha256"

	"github.com/shardrep/dsnode/core/codec"
)

// Transaction is a signed, hashable, address-bearing blob (spec.md section 1:
// execution semantics are opaque to this core).
type Transaction struct {
	Version      uint32
	NonceHi      uint64 // u256 nonce, hi/lo halves
	NonceLo      uint64
	ToAddr       Address
	SenderPubKey PublicKey
	AmountHi     uint64
	AmountLo     uint64
	GasPrice     uint64
	GasLimit     uint64
	Code         []byte
	Data         []byte
	Signature    [64]byte
}

// Nonce returns the low 64 bits of the nonce, sufficient for any account that
// hasn't sent 2^64 transactions.
func (t *Transaction) Nonce() uint64 { return t.NonceLo }

// Bytes is the canonical encoding tranId is computed over.
func (t *Transaction) Bytes() []byte {
	buf := make([]byte, 0, 128+len(t.Code)+len(t.Data))
	buf = codec.AppendU32(buf, t.Version)
	var nonce [32]byte
	codec.PutUint256BE(nonce[:], t.NonceHi, t.NonceLo)
	buf = append(buf, nonce[:]...)
	buf = append(buf, t.ToAddr[:]...)
	buf = append(buf, t.SenderPubKey[:]...)
	var amount [32]byte
	codec.PutUint256BE(amount[:], t.AmountHi, t.AmountLo)
	buf = append(buf, amount[:]...)
	buf = codec.AppendU64(buf, t.GasPrice)
	buf = codec.AppendU64(buf, t.GasLimit)
	buf = codec.AppendU32(buf, uint32(len(t.Code)))
	buf = append(buf, t.Code...)
	buf = codec.AppendU32(buf, uint32(len(t.Data)))
	buf = append(buf, t.Data...)
	return buf
}

// ID is tranId = SHA256(canonical encoding).
func (t *Transaction) ID() Hash { return sha256.Sum256(t.Bytes()) }

// SenderAddr is the last 20 bytes of SHA256(senderPubKey).
func (t *Transaction) SenderAddr() Address {
	return PubKeyToAddress(t.SenderPubKey)
}

// PubKeyToAddress derives an Address from a PublicKey (spec.md section 3).
func PubKeyToAddress(pk PublicKey) Address {
	digest := sha256.Sum256(pk[:])
	var a Address
	copy(a[:], digest[len(digest)-AddrSize:])
	return a
}

// ShardIndex computes shardIndex(addr, n) = f(addr) mod n, where f folds the
// address's bytes into a uint32 via a multiply-by-31-and-add polynomial
// hash. The spec leaves
// f unspecified beyond "a fixed address-to-shard function"; any fixed,
// deterministic function satisfies the contract as long as every node uses
// the same one, which this package guarantees by being the single source.
func ShardIndex(addr Address, numShards uint32) uint32 {
	if numShards == 0 {
		return 0
	}
	var acc uint32
	for _, b := range addr {
		acc = acc*31 + uint32(b)
	}
	return acc % numShards
}

// Receipt is the execution outcome of a Transaction.
type Receipt struct {
	CumGas uint64
	Logs   [][]byte
	Status bool
}

// TransactionWithReceipt pairs an executed Transaction with its Receipt.
type TransactionWithReceipt struct {
	Txn     Transaction
	Receipt Receipt
}
