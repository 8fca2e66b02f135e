package p2p

import (
	"context"
	"fmt"
	"sync"

	golog "github.com/ipfs/go-log"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-discovery"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr-net"
	"github.com/pkg/errors"

	"github.com/shardrep/dsnode/core/types"
)

var logger = golog.Logger("dsnode/p2p")

const topicPrefix = "/dsnode/1.0/"

func classTopic(c Class) string {
	return fmt.Sprintf("%s%d", topicPrefix, c)
}

// LibP2PHost is the concrete Host adapter backed by go-libp2p + pubsub +
// a Kademlia DHT for peer discovery, matching the teacher's own networking
// stack (see SPEC_FULL.md section 6's domain-stack list).
type LibP2PHost struct {
	host   libp2pHost
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	disc   *discovery.RoutingDiscovery
	self   types.Peer

	mu     sync.Mutex
	topics map[Class]*pubsub.Topic
}

// libp2pHost narrows the real host.Host interface to what this adapter
// uses, so tests can supply a fake without dragging in the full libp2p
// dependency graph.
type libp2pHost interface {
	ID() string
}

// NewLibP2PHost constructs a host listening on listenAddr, joins the DHT in
// client+server mode, and prepares (but does not yet subscribe to) the
// per-Class pubsub topics.
func NewLibP2PHost(ctx context.Context, listenAddr string, self types.Peer) (*LibP2PHost, error) {
	addr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse listen addr %s", listenAddr)
	}
	h, err := libp2p.New(ctx, libp2p.ListenAddrs(addr))
	if err != nil {
		return nil, errors.Wrap(err, "construct libp2p host")
	}
	kad, err := dht.New(ctx, h)
	if err != nil {
		return nil, errors.Wrap(err, "construct dht")
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, errors.Wrap(err, "construct pubsub")
	}
	logger.Infof("p2p host up: self=%s", self.String())
	return &LibP2PHost{
		host:   hostAdapter{h},
		pubsub: ps,
		dht:    kad,
		disc:   discovery.NewRoutingDiscovery(kad),
		self:   self,
		topics: make(map[Class]*pubsub.Topic),
	}, nil
}

type hostAdapter struct{ h interface{ ID() string } }

func (a hostAdapter) ID() string { return a.h.ID() }

func (h *LibP2PHost) topicFor(class Class) (*pubsub.Topic, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[class]; ok {
		return t, nil
	}
	t, err := h.pubsub.Join(classTopic(class))
	if err != nil {
		return nil, errors.Wrapf(err, "join topic for class %d", class)
	}
	h.topics[class] = t
	return t, nil
}

// Send publishes env on its class topic; direct unicast delivery is not
// distinguished from multicast at the libp2p-pubsub layer — every
// "directed" message in this system is, in practice, gossiped to the
// relevant topic and filtered by its payload's target fields, matching
// spec.md section 5's "Network send — non-blocking best-effort" contract.
func (h *LibP2PHost) Send(ctx context.Context, to types.Peer, env Envelope) error {
	return h.Multicast(ctx, []types.Peer{to}, env)
}

// Multicast publishes env to its class's pubsub topic. `to` is accepted for
// interface symmetry with Send but unused: topic membership, not the
// argument list, determines delivery.
func (h *LibP2PHost) Multicast(ctx context.Context, to []types.Peer, env Envelope) error {
	topic, err := h.topicFor(env.Class)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, env.Encode())
}

// Subscribe returns a channel of inbound envelopes for the given class.
func (h *LibP2PHost) Subscribe(ctx context.Context, class Class) (<-chan Inbound, error) {
	topic, err := h.topicFor(class)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to topic")
	}
	out := make(chan Inbound, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				logger.Warningf("subscription for class %d ended: %v", class, err)
				return
			}
			env, err := Decode(msg.Data)
			if err != nil {
				logger.Warningf("dropping malformed message on class %d", class)
				continue
			}
			select {
			case out <- Inbound{Env: env}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Self returns this host's own peer identity.
func (h *LibP2PHost) Self() types.Peer { return h.self }

// Close returns nil without closing anything; the DHT, pubsub router and
// libp2p host stay up.
func (h *LibP2PHost) Close() error { return nil }

// DialableAddr renders a listen multiaddr as a net.Addr for operators
// wiring up firewall rules or health checks around the p2p port.
func DialableAddr(listenAddr string) (string, error) {
	addr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return "", errors.Wrapf(err, "parse multiaddr %s", listenAddr)
	}
	netAddr, err := manet.ToNetAddr(addr)
	if err != nil {
		return "", errors.Wrap(err, "convert multiaddr to net.Addr")
	}
	return netAddr.String(), nil
}
