package gossip

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"taskmesh/internal/clock"
	"taskmesh/internal/fault"
	"taskmesh/internal/transport"
)

type Config struct {
	Interval        time.Duration
	ExchangeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:        60 * time.Second,
		ExchangeTimeout: 3 * time.Second,
	}
}

// Coordinator propagates vector-clock knowledge and liveness metadata
// between broker peers without a central coordinator.
//
// Exchange shape: tick (sending is a local event), push our snapshot, let
// the responder merge-and-tick, then absorb its merged reply without another
// tick. One successful round trip leaves both clocks identical.
type Coordinator struct {
	cfg      Config
	selfID   string
	selfAddr string
	clk      *clock.Clock
	src      StateSource
	cli      *transport.Client
	caps     map[string]bool

	mu       sync.RWMutex
	peers    map[string]*Peer
	rounds   uint64
	failures uint64
}

func NewCoordinator(selfID, selfAddr string, clk *clock.Clock, src StateSource, cli *transport.Client, cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultConfig().ExchangeTimeout
	}
	return &Coordinator{
		cfg:      cfg,
		selfID:   selfID,
		selfAddr: selfAddr,
		clk:      clk,
		src:      src,
		cli:      cli,
		caps:     map[string]bool{"scheduler": true, "gossip": true},
		peers:    map[string]*Peer{},
	}
}

// RegisterPeer records a discovered broker. Discovery itself is external;
// re-registering refreshes the address and resets health.
func (c *Coordinator) RegisterPeer(id, addr string) error {
	if id == "" || id == c.selfID {
		return fmt.Errorf("%w: bad peer id %q", fault.ErrInvalidInput, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[id]; ok {
		p.Address = addr
		p.Healthy = true
		return nil
	}
	c.peers[id] = &Peer{ID: id, Address: addr, Healthy: true}
	return nil
}

// Peers returns a sorted copy of the peer table.
func (c *Coordinator) Peers() []Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeerHealth is the peerID -> healthy view exposed to status queries.
func (c *Coordinator) PeerHealth() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.peers))
	for id, p := range c.peers {
		out[id] = p.Healthy
	}
	return out
}

// BuildSnapshot recreates the outgoing metadata from live broker state.
func (c *Coordinator) BuildSnapshot() Metadata {
	return Metadata{
		BrokerID:      c.selfID,
		Address:       c.selfAddr,
		Clock:         c.clk.Snapshot(),
		ExecutorCount: c.src.ExecutorCount(),
		ActiveJobs:    c.src.ActiveJobIDs(),
		EmergencyJobs: c.src.EmergencyJobIDs(),
		Capabilities:  c.caps,
		UpdatedAt:     time.Now(),
	}
}

// MergeSnapshot applies a snapshot received from a peer: causal merge for
// the clock (max per entry, then tick), last-writer-wins for everything
// else in the cached peer record.
func (c *Coordinator) MergeSnapshot(md Metadata) error {
	if md.BrokerID == "" {
		return fmt.Errorf("%w: snapshot without broker id", fault.ErrInvalidInput)
	}
	if md.BrokerID == c.selfID {
		return fmt.Errorf("%w: snapshot from self", fault.ErrInvalidInput)
	}
	if err := c.clk.Merge(md.Clock); err != nil {
		return err
	}
	c.rememberPeer(md)
	return nil
}

func (c *Coordinator) rememberPeer(md Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[md.BrokerID]
	if !ok {
		p = &Peer{ID: md.BrokerID}
		c.peers[md.BrokerID] = p
	}
	if md.Address != "" {
		p.Address = md.Address
	}
	p.LastSeen = time.Now()
	p.Clock = md.Clock
	p.Healthy = true
}

// Start runs the periodic push loop until ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *Coordinator) loop(ctx context.Context) {
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.exchangeAll(ctx)
		}
	}
}

func (c *Coordinator) exchangeAll(ctx context.Context) {
	c.mu.Lock()
	c.rounds++
	targets := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		targets = append(targets, *p)
	}
	c.mu.Unlock()

	for _, p := range targets {
		if p.Address == "" {
			continue
		}
		go func(peer Peer) {
			ctx2, cancel := context.WithTimeout(ctx, c.cfg.ExchangeTimeout)
			defer cancel()
			if err := c.ExchangeWith(ctx2, peer.ID, peer.Address); err != nil {
				log.Printf("gossip: exchange failed peer=%s addr=%s err=%v", peer.ID, peer.Address, err)
			}
		}(p)
	}
}

// ExchangeWith performs one push/reply exchange with a peer. Failure marks
// the peer unhealthy and keeps its last-known clock.
func (c *Coordinator) ExchangeWith(ctx context.Context, peerID, addr string) error {
	c.clk.Tick()
	out := c.BuildSnapshot()

	var reply Metadata
	_, err := c.cli.PostJSON(ctx, "http://"+addr+"/internal/gossip", out, &reply)
	if err != nil {
		c.markUnhealthy(peerID)
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", fault.ErrUnavailable, err)
	}
	if reply.BrokerID == "" {
		// Older peers may answer with an empty body; treat as success
		// without clock knowledge.
		return nil
	}
	if err := c.clk.Absorb(reply.Clock); err != nil {
		return err
	}
	c.rememberPeer(reply)
	return nil
}

func (c *Coordinator) markUnhealthy(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[peerID]; ok {
		p.Healthy = false
	}
}

type Stats struct {
	Peers    int    `json:"peers"`
	Rounds   uint64 `json:"rounds"`
	Failures uint64 `json:"failures"`
}

func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Peers: len(c.peers), Rounds: c.rounds, Failures: c.failures}
}
