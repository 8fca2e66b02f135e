package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/storage"
)

// persistLoop mirrors newly committed DsBlocks/TxBlocks out to kv on a
// fixed interval. A snapshot, not a write-ahead log: the at-rest encoding
// (JSON) is independent of the canonical byte-exact wire format types.Bytes
// computes hashes over, since nothing ever reconstructs a hash from it. A
// crash between ticks just means the next startup resyncs the gap from the
// lookup service (spec.md section 6: persistence failures are non-fatal and
// resolved by re-sync, never by blocking consensus on a local write).
func persistLoop(ctx context.Context, med *mediator.Mediator, kv storage.KV, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var nextDs, nextTx uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nextDs = persistDsBlocks(med, kv, nextDs, log)
			nextTx = persistTxBlocks(med, kv, nextTx, log)
		}
	}
}

func persistDsBlocks(med *mediator.Mediator, kv storage.KV, from uint64, log zerolog.Logger) uint64 {
	for ; from < med.DsChain.Count(); from++ {
		block, ok := med.DsChain.At(from)
		if !ok {
			break
		}
		raw, err := json.Marshal(block)
		if err != nil {
			log.Error().Err(err).Uint64("block_num", from).Msg("persist: marshal ds block failed")
			break
		}
		if err := kv.PutDsBlock(from, raw); err != nil {
			log.Error().Err(err).Uint64("block_num", from).Msg("persist: ds block write failed, will resync from lookup")
			break
		}
	}
	return from
}

func persistTxBlocks(med *mediator.Mediator, kv storage.KV, from uint64, log zerolog.Logger) uint64 {
	for ; from < med.TxChain.Count(); from++ {
		blocks := med.TxChain.Since(from)
		if len(blocks) == 0 {
			break
		}
		raw, err := json.Marshal(blocks[0])
		if err != nil {
			log.Error().Err(err).Uint64("block_num", from).Msg("persist: marshal tx block failed")
			break
		}
		if err := kv.PutTxBlock(from, raw); err != nil {
			log.Error().Err(err).Uint64("block_num", from).Msg("persist: tx block write failed, will resync from lookup")
			break
		}
	}
	return from
}
