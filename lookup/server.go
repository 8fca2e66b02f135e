package lookup

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/p2p"
)

// ShardSource answers a ShardAssignment request against whatever sharding
// structure the serving node last committed (the DS coordinator in
// practice — kept as a narrow interface here so this package never imports
// ds and risks a cycle).
type ShardSource interface {
	ShardFor(pub types.PublicKey) (inShard bool, shardID uint32, members []types.Member)
}

// Server answers the four Lookup requests (spec.md section 4.8) against a
// Mediator's committed chains and a ShardSource, over both the native
// ClassLookup envelope and a grpc.Server sharing the identical wire codec
// (SPEC_FULL.md section 4.9).
type Server struct {
	med    *mediator.Mediator
	shards ShardSource
	host   p2p.Host
	log    zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(med *mediator.Mediator, shards ShardSource, host p2p.Host, logger zerolog.Logger) *Server {
	return &Server{med: med, shards: shards, host: host, log: logger}
}

// Serve subscribes to ClassLookup envelopes and answers each inbound request
// until ctx is cancelled. It is meant to run in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	sub, err := s.host.Subscribe(ctx, p2p.ClassLookup)
	if err != nil {
		return errors.Wrap(err, "lookup: subscribe")
	}
	for {
		select {
		case in, ok := <-sub:
			if !ok {
				return nil
			}
			s.handle(ctx, in)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) handle(ctx context.Context, in p2p.Inbound) {
	resp, err := s.Answer(Instruction(in.Env.Instruction), in.Env.Payload)
	if err != nil {
		s.log.Warn().Err(err).Uint8("instruction", in.Env.Instruction).Msg("lookup: request failed")
		return
	}
	out := p2p.Envelope{Class: p2p.ClassLookup, Instruction: in.Env.Instruction, Payload: resp}
	if err := s.host.Send(ctx, in.From, out); err != nil {
		s.log.Warn().Err(err).Msg("lookup: reply send failed")
	}
}

// Answer dispatches a single request payload to the matching handler and
// returns the encoded response — the shared core both the native envelope
// path and the grpc codec call into, so there is exactly one place that
// knows how to satisfy each Instruction.
func (s *Server) Answer(instr Instruction, payload []byte) ([]byte, error) {
	switch instr {
	case InstrFetchDsBlocks:
		req, err := DecodeFetchRequest(payload)
		if err != nil {
			return nil, err
		}
		return DsBlocksResponse{Blocks: s.med.DsChain.Since(req.From)}.Encode(), nil

	case InstrFetchTxBlocks:
		req, err := DecodeFetchRequest(payload)
		if err != nil {
			return nil, err
		}
		return TxBlocksResponse{Blocks: s.med.TxChain.Since(req.From)}.Encode(), nil

	case InstrFetchShardAssignment:
		req, err := DecodeShardAssignmentRequest(payload)
		if err != nil {
			return nil, err
		}
		inShard, shardID, members := s.shards.ShardFor(req.PubKey)
		return ShardAssignmentResponse{InShard: inShard, ShardID: shardID, Members: members}.Encode(), nil

	case InstrLastDsBlockRequest:
		req, err := DecodeLastDsBlockRequest(payload)
		if err != nil {
			return nil, err
		}
		block, ok := s.med.DsChain.At(req.BlockNum)
		if !ok {
			return nil, errors.Errorf("lookup: no DsBlock at height %d", req.BlockNum)
		}
		return DsBlocksResponse{Blocks: []types.DsBlock{block}}.Encode(), nil

	default:
		return nil, errors.Errorf("lookup: unknown instruction %d", instr)
	}
}

// grpcCodec implements grpc.Codec (not the newer encoding.CodecV2) over raw
// bytes: Marshal/Unmarshal are identity functions on a []byte, so a
// ClassLookup envelope's already-encoded Payload can cross the grpc
// transport verbatim instead of being re-wrapped in protobuf (SPEC_FULL.md
// section 4.9 — grpc here is purely an additional transport, not a new wire
// format).
type grpcCodec struct{}

func (grpcCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, errors.New("lookup: grpcCodec requires *[]byte")
	}
	return *b, nil
}

func (grpcCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errors.New("lookup: grpcCodec requires *[]byte")
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (grpcCodec) Name() string { return "dsnode-raw" }

// GrpcServerOptions returns the ServerOption needed to register a grpc.Server
// that speaks the raw-bytes codec above instead of protobuf.
func GrpcServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.CustomCodec(grpcCodec{})}
}

// HandleGrpc is the handler a generated/hand-registered grpc service method
// delegates to. It exists so the grpc transport and the native envelope
// transport are guaranteed to diverge in nothing but framing.
func (s *Server) HandleGrpc(_ context.Context, raw []byte) ([]byte, error) {
	if len(raw) < 1 {
		return nil, errors.New("lookup: empty grpc request")
	}
	return s.Answer(Instruction(raw[0]), raw[1:])
}
