package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/attest"
)

const (
	DefaultTopic  = "cloakbook-attestations"
	protocolSync  = protocol.ID("/cloakbook/attest-sync/1.0.0")
	maxSyncLimit  = 256
	streamTimeout = 5 * time.Second
)

// Handler receives attestations gossiped by other nodes. Only attestations
// whose signature verifies are delivered.
type Handler func(a *attest.Attestation, from peer.ID)

// RecentSource serves the sync protocol.
type RecentSource func(limit int) ([]*attest.Attestation, error)

type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	mu      sync.RWMutex
	handler Handler
	recent  RecentSource
}

var _ attest.Publisher = (*Gossip)(nil)

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{h: h, ps: ps, log: cfg.Logger}
	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := g.Connect(ctx, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	h.SetStreamHandler(protocolSync, g.handleSyncStream)
	go g.handleGossip(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

// Connect dials a full /p2p/ multiaddr.
func (g *Gossip) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return g.h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns dialable /p2p/ multiaddrs of this host.
func (g *Gossip) Addrs() []string {
	var out []string
	for _, a := range g.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, g.h.ID()))
	}
	return out
}

func (g *Gossip) SetHandler(h Handler) { g.mu.Lock(); g.handler = h; g.mu.Unlock() }

func (g *Gossip) SetRecentSource(r RecentSource) { g.mu.Lock(); g.recent = r; g.mu.Unlock() }

func (g *Gossip) Name() string { return "p2p" }

func (g *Gossip) Publish(ctx context.Context, a *attest.Attestation) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	data, err := gobEncode(AttestationWire{Version: wireVersion, Payload: payload})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	return g.h.Close()
}

// inbound

func (g *Gossip) handleGossip(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w AttestationWire
		if err := gobDecode(msg.Data, &w); err != nil || w.Version != wireVersion {
			continue
		}
		a, ok := decodeVerified(w.Payload)
		if !ok {
			g.log.Debugw("gossip_attestation_rejected", "from", msg.ReceivedFrom.String())
			continue
		}

		g.mu.RLock()
		h := g.handler
		g.mu.RUnlock()
		if h != nil {
			h(a, msg.ReceivedFrom)
		}
	}
}

func decodeVerified(payload []byte) (*attest.Attestation, bool) {
	var a attest.Attestation
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, false
	}
	return &a, attest.Verify(&a)
}

// handleSyncStream answers a SyncRequest with recent attestations.
func (g *Gossip) handleSyncStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	data, err := io.ReadAll(io.LimitReader(s, 1<<10))
	if err != nil {
		return
	}
	var req SyncRequest
	if err := gobDecode(data, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > maxSyncLimit {
		req.Limit = maxSyncLimit
	}

	g.mu.RLock()
	recent := g.recent
	g.mu.RUnlock()
	var resp SyncResponse
	if recent != nil {
		as, err := recent(req.Limit)
		if err != nil {
			g.log.Warnw("sync_source_failed", "err", err)
		}
		for _, a := range as {
			if b, err := json.Marshal(a); err == nil {
				resp.Payloads = append(resp.Payloads, b)
			}
		}
	}
	out, err := gobEncode(resp)
	if err != nil {
		return
	}
	_, _ = s.Write(out)
}

// FetchRecent asks p for up to limit attestations and returns those that
// verify, newest first.
func (g *Gossip) FetchRecent(ctx context.Context, p peer.ID, limit int) ([]*attest.Attestation, error) {
	s, err := g.h.NewStream(ctx, p, protocolSync)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	req, err := gobEncode(SyncRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(req); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(s)
	if err != nil {
		return nil, err
	}
	var resp SyncResponse
	if err := gobDecode(data, &resp); err != nil {
		return nil, errors.New("malformed sync response")
	}
	var out []*attest.Attestation
	for _, payload := range resp.Payloads {
		if a, ok := decodeVerified(payload); ok {
			out = append(out, a)
		}
	}
	return out, nil
}
