// Command dsnode runs one participant in the sharded PoW/BFT network:
// either a shard node or, for genesis DS-committee members, the
// directory-service coordinator layered on top. Flags point it at a
// config file, a genesis file naming the bootstrap DS committee and
// lookup peer, and a data directory; everything else follows spec.md
// section 6's boot sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/ds"
	"github.com/shardrep/dsnode/internal/config"
	"github.com/shardrep/dsnode/internal/log"
	"github.com/shardrep/dsnode/lookup"
	"github.com/shardrep/dsnode/mediator"
	"github.com/shardrep/dsnode/node"
	"github.com/shardrep/dsnode/p2p"
	"github.com/shardrep/dsnode/pow"
	"github.com/shardrep/dsnode/shard"
	"github.com/shardrep/dsnode/storage"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("dsnode", flag.ContinueOnError)
	configPath := fs.String("config", "", "ini config file path (optional, defaults applied otherwise)")
	genesisPath := fs.String("genesis", "", "genesis JSON file naming the bootstrap DS committee and lookup peer (required)")
	listenAddr := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	advertiseHost := fs.String("host", "127.0.0.1", "host this node advertises to peers")
	advertisePort := fs.Uint("port", 30303, "port this node advertises to peers")
	dataDir := fs.String("datadir", "./dsnode-data", "directory for the node's persisted key and block store")
	backend := fs.String("backend", "badger", "storage backend: badger|leveldb")
	runLookup := fs.Bool("lookup", false, "run the lookup service instead of syncing against one")
	logConsole := fs.Bool("log-console", true, "also log to stderr")
	metricsAddr := fs.String("metrics-addr", ":9090", "address to serve Prometheus metrics on (empty disables)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *genesisPath == "" {
		fmt.Fprintln(os.Stderr, "dsnode: -genesis is required")
		return 2
	}

	if err := os.MkdirAll(*dataDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "dsnode: create datadir: %v\n", err)
		return 1
	}

	logger := log.New(log.Config{
		FilePath: filepath.Join(*dataDir, "dsnode.log"),
		Console:  *logConsole,
	})
	zlog := logger.With("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Error().Err(err).Msg("load config")
		return 1
	}

	genesis, err := loadGenesis(*genesisPath)
	if err != nil {
		zlog.Error().Err(err).Msg("load genesis")
		return 1
	}
	committeeMembers, err := genesis.members()
	if err != nil {
		zlog.Error().Err(err).Msg("decode genesis committee")
		return 1
	}
	lookupPeer, err := genesis.lookupPeer()
	if err != nil {
		zlog.Error().Err(err).Msg("decode genesis lookup peer")
		return 1
	}

	self, err := loadOrCreateIdentity(filepath.Join(*dataDir, "node.key"))
	if err != nil {
		zlog.Error().Err(err).Msg("load identity")
		return 1
	}
	selfPeer, err := types.NewPeer(*advertiseHost, uint16(*advertisePort))
	if err != nil {
		zlog.Error().Err(err).Msg("build self peer")
		return 1
	}

	color.New(color.FgGreen, color.Bold).Fprintf(os.Stderr, "dsnode starting: pubkey=%s addr=%s:%d\n", self.Public, *advertiseHost, *advertisePort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		zlog.Info().Msg("shutdown signal received")
		cancel()
	}()

	kv, err := openStorage(*backend, filepath.Join(*dataDir, "store"))
	if err != nil {
		zlog.Error().Err(err).Msg("open storage backend")
		return 1
	}
	defer kv.Close()

	host, err := p2p.NewLibP2PHost(ctx, *listenAddr, selfPeer)
	if err != nil {
		zlog.Error().Err(err).Msg("start p2p host")
		return 1
	}
	defer host.Close()

	bootstrap := shard.NewDsCommittee(committeeMembers)
	med := mediator.New(logger, self, selfPeer, bootstrap)

	go persistLoop(ctx, med, kv, cfg.RefreshDelay, zlog)

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, zlog)
	}

	n := node.New(med, pow.NewSoftwareEngine(), host, cfg, logger.With("node"))

	var directory *ds.DirectoryService
	isCommitteeMember := med.IsDsCommitteeMember(self.Public)
	if isCommitteeMember {
		directory = ds.New(n, cfg, logger.With("ds"))
	}

	if *runLookup && !isCommitteeMember {
		zlog.Error().Msg("-lookup requires this node's identity to be seated on the genesis DS committee, since shard-assignment answers come from its DirectoryService")
		return 2
	}
	if *runLookup {
		shardSource := lookupShardSource{directory: directory}
		srv := lookup.NewServer(med, shardSource, host, logger.With("lookup"))
		go func() {
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				zlog.Error().Err(err).Msg("lookup server stopped")
			}
		}()
	} else if med.Peer != lookupPeer {
		client := lookup.New(host, lookupPeer, cfg, logger.With("lookup-client"))
		if err := client.Run(ctx, syncTarget(med)); err != nil && ctx.Err() == nil {
			zlog.Warn().Err(err).Msg("initial lookup sync did not complete cleanly, continuing into PoW submission regardless")
		}
	}

	var runErr error
	if isCommitteeMember {
		runErr = directory.Start(ctx)
	} else {
		runErr = n.Start(ctx)
	}
	if runErr != nil && ctx.Err() == nil {
		zlog.Error().Err(runErr).Msg("node run loop exited")
		return 1
	}
	return 0
}

func openStorage(backend, dir string) (storage.KV, error) {
	switch backend {
	case "badger":
		return storage.NewBadgerKV(dir)
	case "leveldb":
		return storage.NewLevelDBKV(dir)
	default:
		return nil, errors.Errorf("dsnode: unknown storage backend %q", backend)
	}
}

// serveMetrics exposes the internal/metrics registry over HTTP until ctx is
// cancelled. Errors other than the expected post-shutdown ErrServerClosed
// are logged, not fatal: a node's consensus/PoW/persistence loops are not
// allowed to depend on whether something happened to be scraping it.
func serveMetrics(ctx context.Context, addr string, zlog zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}

// lookupShardSource satisfies lookup.ShardSource. A non-committee node
// never runs the lookup service (there would be nothing to answer sharding
// questions with), so directory is non-nil whenever this is constructed.
type lookupShardSource struct {
	directory *ds.DirectoryService
}

func (s lookupShardSource) ShardFor(pub types.PublicKey) (bool, uint32, []types.Member) {
	return s.directory.ShardFor(pub)
}

func syncTarget(med *mediator.Mediator) lookup.SyncTarget {
	// LocalStateRoot and LatestFbStateRoot both read the most recently
	// applied finalblock's own declared root rather than recomputing one
	// from a live types.StateReader: this node has no transaction-execution
	// layer to feed one account-by-account (see DESIGN.md), so "caught up"
	// reduces to "every fetched header landed", which the height checks in
	// Client.Run already establish before these are compared.
	latestStateRoot := func() types.Hash {
		b, ok := med.TxChain.Last()
		if !ok {
			return types.Hash{}
		}
		return b.Header.StateRoot
	}
	return lookup.SyncTarget{
		LocalDsHeight:     med.DsChain.Count,
		LocalTxHeight:     med.TxChain.Count,
		LocalStateRoot:    latestStateRoot,
		LatestFbStateRoot: latestStateRoot,
		ApplyDsBlocks: func(blocks []lookup.RawDsBlock) {
			for _, rb := range blocks {
				header, err := types.DecodeDsBlockHeader(rb.HeaderBytes)
				if err != nil {
					continue
				}
				med.DsChain.Push(types.DsBlock{Header: header, CoSig: rb.CoSig})
			}
		},
		ApplyTxBlocks: func(blocks []lookup.RawTxBlock) {
			for _, rb := range blocks {
				header, err := types.DecodeTxBlockHeader(rb.HeaderBytes)
				if err != nil {
					continue
				}
				med.CommitTxBlock(types.TxBlock{Header: header, CoSig: rb.CoSig})
			}
		},
	}
}
