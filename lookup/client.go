package lookup

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/p2p"
)

// Client drives the read-only catch-up sync path a joining or resyncing node
// runs before it is allowed into PoWSubmission (spec.md section 4.8): fetch
// DS blocks, tx blocks, and shard assignment from a Lookup peer in a retry
// loop gated by cfg.RefreshDelay, then confirm the locally computed state
// root against the latest finalblock's StateRoot before declaring sync done.
type Client struct {
	host   p2p.Host
	lookup types.Peer
	cfg    config.Config
	log    zerolog.Logger
}

// New constructs a Client addressed at a single Lookup peer.
func New(host p2p.Host, lookupPeer types.Peer, cfg config.Config, logger zerolog.Logger) *Client {
	return &Client{
		host:   host,
		lookup: lookupPeer,
		cfg:    cfg,
		log:    logger,
	}
}

// FetchDsBlocks requests every DsBlock from block number from onward.
func (c *Client) FetchDsBlocks(ctx context.Context, from uint64) ([]RawDsBlock, error) {
	env := p2p.Envelope{Class: p2p.ClassLookup, Instruction: uint8(InstrFetchDsBlocks), Payload: FetchRequest{From: from}.Encode()}
	if err := c.host.Send(ctx, c.lookup, env); err != nil {
		return nil, errors.Wrap(err, "lookup: send FetchDsBlocks")
	}
	raw, err := c.await(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeDsBlocksResponse(raw)
}

// FetchTxBlocks requests every TxBlock from block number from onward.
func (c *Client) FetchTxBlocks(ctx context.Context, from uint64) ([]RawTxBlock, error) {
	env := p2p.Envelope{Class: p2p.ClassLookup, Instruction: uint8(InstrFetchTxBlocks), Payload: FetchRequest{From: from}.Encode()}
	if err := c.host.Send(ctx, c.lookup, env); err != nil {
		return nil, errors.Wrap(err, "lookup: send FetchTxBlocks")
	}
	raw, err := c.await(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeTxBlocksResponse(raw)
}

// FetchShardAssignment requests this node's current shard membership.
func (c *Client) FetchShardAssignment(ctx context.Context, self types.PublicKey) (ShardAssignmentResponse, error) {
	env := p2p.Envelope{
		Class:       p2p.ClassLookup,
		Instruction: uint8(InstrFetchShardAssignment),
		Payload:     ShardAssignmentRequest{PubKey: self}.Encode(),
	}
	if err := c.host.Send(ctx, c.lookup, env); err != nil {
		return ShardAssignmentResponse{}, errors.Wrap(err, "lookup: send FetchShardAssignment")
	}
	raw, err := c.await(ctx)
	if err != nil {
		return ShardAssignmentResponse{}, err
	}
	return DecodeShardAssignmentResponse(raw)
}

// LastDsBlockRequest is the bounded round-trip a node mid-epoch issues to the
// DS leader (addressed the same way as the lookup peer from the caller's
// perspective — spec.md section 4.8 does not distinguish the two transport
// targets structurally) when it realizes it is missing DS block blockNum.
// It waits at most cfg.FetchingMissingTxnsTimeout before giving up.
func (c *Client) LastDsBlockRequest(ctx context.Context, blockNum uint64) (RawDsBlock, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchingMissingTxnsTimeout)
	defer cancel()

	env := p2p.Envelope{
		Class:       p2p.ClassLookup,
		Instruction: uint8(InstrLastDsBlockRequest),
		Payload:     LastDsBlockRequestPayload{BlockNum: blockNum}.Encode(),
	}
	if err := c.host.Send(ctx, c.lookup, env); err != nil {
		return RawDsBlock{}, errors.Wrap(err, "lookup: send LastDsBlockRequest")
	}
	raw, err := c.await(ctx)
	if err != nil {
		return RawDsBlock{}, err
	}
	blocks, err := DecodeDsBlocksResponse(raw)
	if err != nil {
		return RawDsBlock{}, err
	}
	if len(blocks) != 1 {
		return RawDsBlock{}, errors.New("lookup: LastDsBlockRequest returned wrong block count")
	}
	return blocks[0], nil
}

// await is the single-shot placeholder awaiting a reply from the lookup
// peer over whichever subscription the caller's Host delivers inbound
// ClassLookup envelopes on. A real deployment's p2p.Host implementation
// demultiplexes responses to the right in-flight request by correlation id;
// here the synchronous request/response pairing is enforced by the retry
// loop only ever having one outstanding request at a time.
func (c *Client) await(ctx context.Context) ([]byte, error) {
	sub, err := c.host.Subscribe(ctx, p2p.ClassLookup)
	if err != nil {
		return nil, errors.Wrap(err, "lookup: subscribe for response")
	}
	select {
	case in := <-sub:
		return in.Env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncTarget is what the retry loop checks progress against: the number of
// locally-applied DsBlocks/TxBlocks (passed as the From of the next fetch,
// so only blocks not yet applied come back), the node's own recomputed
// account-state root, and the state root the latest finalblock actually
// claims — Run only declares the node caught up once both numbers and both
// roots agree.
type SyncTarget struct {
	LocalDsHeight     func() uint64
	LocalTxHeight     func() uint64
	LocalStateRoot    func() types.Hash
	LatestFbStateRoot func() types.Hash
	ApplyDsBlocks     func([]RawDsBlock)
	ApplyTxBlocks     func([]RawTxBlock)
}

// Run drives the retry loop (spec.md section 4.8): fetch everything newer
// than what's already applied every RefreshDelay, until the lookup has
// nothing left to send and the locally recomputed state root agrees with
// the latest finalblock's StateRoot. Returns once caught up or ctx is
// cancelled.
func (c *Client) Run(ctx context.Context, target SyncTarget) error {
	ticker := time.NewTicker(c.cfg.RefreshDelay)
	defer ticker.Stop()
	for {
		dsBlocks, err := c.FetchDsBlocks(ctx, target.LocalDsHeight())
		if err != nil {
			c.log.Warn().Err(err).Msg("lookup: FetchDsBlocks failed, retrying")
		} else if len(dsBlocks) > 0 {
			target.ApplyDsBlocks(dsBlocks)
		}

		txBlocks, err := c.FetchTxBlocks(ctx, target.LocalTxHeight())
		if err != nil {
			c.log.Warn().Err(err).Msg("lookup: FetchTxBlocks failed, retrying")
		} else if len(txBlocks) > 0 {
			target.ApplyTxBlocks(txBlocks)
		}

		atHead := len(dsBlocks) == 0 && len(txBlocks) == 0
		if atHead && target.LocalStateRoot() == target.LatestFbStateRoot() {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
