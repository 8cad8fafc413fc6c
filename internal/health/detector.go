package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"taskmesh/internal/clock"
	"taskmesh/internal/fault"
)

type DetectorConfig struct {
	// HeartbeatTimeout is the silence after which a check pass counts a
	// missed heartbeat.
	HeartbeatTimeout time.Duration
	// CheckInterval is how often the detector sweeps the node table.
	CheckInterval time.Duration
	// MaxFailures is the consecutive-miss threshold for confirmed failure.
	MaxFailures int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		HeartbeatTimeout: 3 * time.Second,
		CheckInterval:    time.Second,
		MaxFailures:      3,
	}
}

// Heartbeat is the health status a monitored node pushes to us.
type Heartbeat struct {
	NodeID    string           `json:"node_id"`
	LatencyMS float64          `json:"latency_ms"`
	Load      float64          `json:"load"`
	Clock     map[string]int64 `json:"clock,omitempty"`
}

// NodeHealth is the per-node record. It is never deleted: a node can cycle
// healthy -> suspected -> failed -> healthy for its whole life.
type NodeHealth struct {
	NodeID        string    `json:"node_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Failures      int       `json:"failures"`
	Responsive    bool      `json:"responsive"`
	LastLatencyMS float64   `json:"last_latency_ms"`
	Failed        bool      `json:"failed"`
}

// Monitor is the heartbeat-timeout failure detector.
//
// Learning note:
// - Timeout detection is intentionally imperfect; a slow node and a dead
//   node look the same until a heartbeat arrives.
// - A single heartbeat at any time fully recovers a node.
type Monitor struct {
	cfg DetectorConfig
	clk *clock.Clock
	rep *ReputationTable

	mu       sync.Mutex
	nodes    map[string]*NodeHealth
	lastOwn  map[string]int64 // highest own-counter seen per node, for delta checks
	onFailed func(nodeID string)

	now func() time.Time
}

func NewMonitor(cfg DetectorConfig, clk *clock.Clock, rep *ReputationTable) *Monitor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultDetectorConfig().MaxFailures
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultDetectorConfig().HeartbeatTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultDetectorConfig().CheckInterval
	}
	return &Monitor{
		cfg:     cfg,
		clk:     clk,
		rep:     rep,
		nodes:   map[string]*NodeHealth{},
		lastOwn: map[string]int64{},
		now:     time.Now,
	}
}

// OnConfirmedFailure registers the hook fired once per confirmed failure,
// typically the scheduler's redistribution entry point.
func (m *Monitor) OnConfirmedFailure(fn func(nodeID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = fn
}

// Register starts monitoring a node and seeds a neutral reputation.
func (m *Monitor) Register(nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("%w: empty node id", fault.ErrInvalidInput)
	}
	m.rep.Register(nodeID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[nodeID]; !ok {
		m.nodes[nodeID] = &NodeHealth{NodeID: nodeID, LastHeartbeat: m.now(), Responsive: true}
	}
	return nil
}

// RecordHeartbeat ingests one heartbeat. Implausible values (negative
// latency, out-of-range load, a clock running backwards) never surface as
// errors: they cost reputation and reclassify the sender as suspicious,
// and the liveness signal still counts.
func (m *Monitor) RecordHeartbeat(hb Heartbeat) error {
	if hb.NodeID == "" {
		return fmt.Errorf("%w: heartbeat without node id", fault.ErrInvalidInput)
	}
	m.rep.Register(hb.NodeID)

	m.mu.Lock()
	n, ok := m.nodes[hb.NodeID]
	if !ok {
		n = &NodeHealth{NodeID: hb.NodeID}
		m.nodes[hb.NodeID] = n
	}

	plausible := true
	switch {
	case hb.LatencyMS < 0:
		plausible = false
		log.Printf("health: implausible heartbeat node=%s latency_ms=%.1f", hb.NodeID, hb.LatencyMS)
	case hb.Load < 0 || hb.Load > 1:
		plausible = false
		log.Printf("health: implausible heartbeat node=%s load=%.2f", hb.NodeID, hb.Load)
	}
	for id, v := range hb.Clock {
		if v < 0 {
			plausible = false
			log.Printf("health: implausible heartbeat node=%s negative clock %s=%d", hb.NodeID, id, v)
			break
		}
	}
	if plausible {
		if own, seen := m.lastOwn[hb.NodeID]; seen && hb.Clock != nil && hb.Clock[hb.NodeID] < own {
			plausible = false
			log.Printf("health: clock went backwards node=%s %d -> %d", hb.NodeID, own, hb.Clock[hb.NodeID])
		}
	}

	// Liveness counts either way; recovery is always possible.
	n.LastHeartbeat = m.now()
	n.Failures = 0
	n.Responsive = true
	n.Failed = false
	if hb.LatencyMS >= 0 {
		n.LastLatencyMS = hb.LatencyMS
	}
	if plausible && hb.Clock != nil {
		m.lastOwn[hb.NodeID] = hb.Clock[hb.NodeID]
	}
	m.mu.Unlock()

	if !plausible {
		m.rep.MarkSuspicious(hb.NodeID)
		return nil
	}
	m.rep.Reward(hb.NodeID)
	if hb.Clock != nil {
		// Receiving peer state is a merge event for our own clock.
		if err := m.clk.Merge(hb.Clock); err != nil {
			m.rep.MarkSuspicious(hb.NodeID)
		}
	}
	return nil
}

// CheckOnce runs one detector pass and fires the failure hook for every
// node that just crossed the threshold.
func (m *Monitor) CheckOnce() {
	now := m.now()

	m.mu.Lock()
	var confirmed []string
	fn := m.onFailed
	for _, n := range m.nodes {
		if n.Failed {
			continue
		}
		if now.Sub(n.LastHeartbeat) < m.cfg.HeartbeatTimeout {
			continue
		}
		n.Failures++
		n.Responsive = false
		if n.Failures >= m.cfg.MaxFailures {
			n.Failed = true
			confirmed = append(confirmed, n.NodeID)
			log.Printf("health: node confirmed failed id=%s misses=%d", n.NodeID, n.Failures)
		}
	}
	m.mu.Unlock()

	// Hook runs outside the lock; it calls back into the scheduler.
	if fn != nil {
		for _, id := range confirmed {
			fn(id)
		}
	}
}

// Start runs the periodic check loop until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(m.cfg.CheckInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.CheckOnce()
			}
		}
	}()
}

// IsAlive reports whether a node participates in quorum calculations.
// Confirmed-failed nodes are excluded until they heartbeat again.
func (m *Monitor) IsAlive(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	return ok && !n.Failed
}

// Snapshot copies the node table for status queries.
func (m *Monitor) Snapshot() map[string]NodeHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]NodeHealth, len(m.nodes))
	for id, n := range m.nodes {
		out[id] = *n
	}
	return out
}
