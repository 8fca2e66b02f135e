package node

import (
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/codec"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/p2p"
)

// Instruction identifies a ClassNode envelope's payload shape (spec.md
// section 6: "[classByte][instructionByte][payload]", ClassNode instructions).
type Instruction uint8

const (
	InstrDsBlock Instruction = iota
	InstrSharding
	InstrSubmitTransaction
	InstrMicroblockConsensus
	InstrFinalBlock
	InstrForwardTransaction
	InstrCreateTransactionFromLookup
	InstrTxnPacketFromLookup
	InstrVcBlock
	InstrFallbackBlock
)

// toAction maps a wire instruction onto the epoch-state Action it is
// admitted against (spec.md section 4.1 names the same ten actions this
// package's Instruction enum mirrors one-to-one).
func (i Instruction) toAction() (Action, error) {
	switch i {
	case InstrDsBlock:
		return ActionDsBlock, nil
	case InstrSharding:
		return ActionSharding, nil
	case InstrSubmitTransaction:
		return ActionSubmitTransaction, nil
	case InstrMicroblockConsensus:
		return ActionMicroblockConsensus, nil
	case InstrFinalBlock:
		return ActionFinalBlock, nil
	case InstrForwardTransaction:
		return ActionForwardTransaction, nil
	case InstrCreateTransactionFromLookup:
		return ActionCreateTransactionFromLookup, nil
	case InstrTxnPacketFromLookup:
		return ActionTxnPacketFromLookup, nil
	case InstrVcBlock:
		return ActionVcBlock, nil
	case InstrFallbackBlock:
		return ActionFallbackBlock, nil
	default:
		return 0, errors.Errorf("node: unknown instruction %d", i)
	}
}

// encodeTxns appends a length-prefixed list of canonically-encoded
// transactions (shared by SubmitTransaction, ForwardTransaction, and the two
// lookup-originated instructions).
func encodeTxns(buf []byte, txns []types.Transaction) []byte {
	buf = codec.AppendU32(buf, uint32(len(txns)))
	for _, txn := range txns {
		raw := txn.Bytes()
		buf = codec.AppendU32(buf, uint32(len(raw)))
		buf = append(buf, raw...)
	}
	return buf
}

// decodeTxns is encodeTxns' inverse: it reads each transaction's length
// prefix and parses the bytes it frames with decodeTransaction, this
// package's parser for Transaction.Bytes() output.
func decodeTxns(buf []byte) ([]types.Transaction, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, p2p.ErrMalformedMessage
	}
	n := beU32(buf)
	buf = buf[4:]
	out := make([]types.Transaction, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < 4 {
			return nil, nil, p2p.ErrMalformedMessage
		}
		sz := beU32(buf)
		buf = buf[4:]
		if uint32(len(buf)) < sz {
			return nil, nil, p2p.ErrMalformedMessage
		}
		txn, err := decodeTransaction(buf[:sz])
		if err != nil {
			return nil, nil, err
		}
		out = append(out, txn)
		buf = buf[sz:]
	}
	return out, buf, nil
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// decodeTransaction parses the fixed-plus-length-prefixed encoding
// Transaction.Bytes() produces (core/types/transaction.go).
func decodeTransaction(b []byte) (types.Transaction, error) {
	const fixed = 4 + 32 + types.AddrSize + types.PubKeySize + 32 + 8 + 8
	if len(b) < fixed+4 {
		return types.Transaction{}, p2p.ErrMalformedMessage
	}
	var t types.Transaction
	t.Version = beU32(b)
	b = b[4:]
	// Nonce is stored as a 32-byte big-endian u256 (codec.PutUint256BE):
	// bytes 0-16 are the always-zero high half, 16-24 is Hi, 24-32 is Lo.
	t.NonceHi = beU64(b[16:24])
	t.NonceLo = beU64(b[24:32])
	b = b[32:]
	copy(t.ToAddr[:], b[:types.AddrSize])
	b = b[types.AddrSize:]
	copy(t.SenderPubKey[:], b[:types.PubKeySize])
	b = b[types.PubKeySize:]
	t.AmountHi = beU64(b[16:24])
	t.AmountLo = beU64(b[24:32])
	b = b[32:]
	t.GasPrice = beU64(b)
	b = b[8:]
	t.GasLimit = beU64(b)
	b = b[8:]
	if len(b) < 4 {
		return types.Transaction{}, p2p.ErrMalformedMessage
	}
	codeLen := beU32(b)
	b = b[4:]
	if uint32(len(b)) < codeLen+4 {
		return types.Transaction{}, p2p.ErrMalformedMessage
	}
	t.Code = append([]byte{}, b[:codeLen]...)
	b = b[codeLen:]
	dataLen := beU32(b)
	b = b[4:]
	if uint32(len(b)) < dataLen {
		return types.Transaction{}, p2p.ErrMalformedMessage
	}
	t.Data = append([]byte{}, b[:dataLen]...)
	return t, nil
}

// SubmitTransactionPayload is one client-submitted transaction bound for
// this node's local shard pool (spec.md section 4.5).
type SubmitTransactionPayload struct {
	Txn types.Transaction
}

// Encode renders the payload as the ClassNode/InstrSubmitTransaction body.
func (p SubmitTransactionPayload) Encode() []byte {
	return encodeTxns(nil, []types.Transaction{p.Txn})
}

// DecodeSubmitTransaction parses an InstrSubmitTransaction payload.
func DecodeSubmitTransaction(raw []byte) (SubmitTransactionPayload, error) {
	txns, _, err := decodeTxns(raw)
	if err != nil {
		return SubmitTransactionPayload{}, err
	}
	if len(txns) != 1 {
		return SubmitTransactionPayload{}, p2p.ErrMalformedMessage
	}
	return SubmitTransactionPayload{Txn: txns[0]}, nil
}

// ForwardTransactionPayload carries a microblock's transaction bodies from a
// shard sender to the DS receivers, or from a DS receiver back out to a
// shard that missed the original broadcast (spec.md section 4.5, the single
// byte-exact ForwardTransaction payload spec.md section 6 names).
type ForwardTransactionPayload struct {
	BlockNum uint64
	ShardID  uint32
	TxRoot   types.Hash
	Txns     []types.Transaction
}

// Encode renders the byte-exact ForwardTransaction payload.
func (p ForwardTransactionPayload) Encode() []byte {
	buf := make([]byte, 0, 64+len(p.Txns)*128)
	buf = codec.AppendU64(buf, p.BlockNum)
	buf = codec.AppendU32(buf, p.ShardID)
	buf = append(buf, p.TxRoot[:]...)
	buf = encodeTxns(buf, p.Txns)
	return buf
}

// DecodeForwardTransaction parses an InstrForwardTransaction payload.
func DecodeForwardTransaction(raw []byte) (ForwardTransactionPayload, error) {
	if len(raw) < 8+4+types.HashSize {
		return ForwardTransactionPayload{}, p2p.ErrMalformedMessage
	}
	var p ForwardTransactionPayload
	p.BlockNum = beU64(raw)
	raw = raw[8:]
	p.ShardID = beU32(raw)
	raw = raw[4:]
	copy(p.TxRoot[:], raw[:types.HashSize])
	raw = raw[types.HashSize:]
	txns, _, err := decodeTxns(raw)
	if err != nil {
		return ForwardTransactionPayload{}, err
	}
	p.Txns = txns
	return p, nil
}

// TxnPacketPayload is the lookup-originated bulk transaction delivery
// (InstrCreateTransactionFromLookup pre-sync, InstrTxnPacketFromLookup
// steady-state — spec.md section 4.8).
type TxnPacketPayload struct {
	Txns []types.Transaction
}

// Encode renders the payload.
func (p TxnPacketPayload) Encode() []byte {
	return encodeTxns(nil, p.Txns)
}

// DecodeTxnPacket parses either lookup txn-packet instruction's payload.
func DecodeTxnPacket(raw []byte) (TxnPacketPayload, error) {
	txns, _, err := decodeTxns(raw)
	if err != nil {
		return TxnPacketPayload{}, err
	}
	return TxnPacketPayload{Txns: txns}, nil
}
