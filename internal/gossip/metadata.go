package gossip

import "time"

// Metadata is a broker's exported state snapshot. It is rebuilt from live
// state on every round and never persisted past the exchange.
type Metadata struct {
	BrokerID      string           `json:"broker_id"`
	Address       string           `json:"address"`
	Clock         map[string]int64 `json:"clock"`
	ExecutorCount int              `json:"executor_count"`
	ActiveJobs    []string         `json:"active_jobs"`
	EmergencyJobs []string         `json:"emergency_jobs"`
	Capabilities  map[string]bool  `json:"capabilities,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Peer is our record of a discovered broker.
//
// Learning note:
// - A failed exchange marks the peer unhealthy but keeps its last-known
//   clock; the next interval retries it. Peers recover, they are not
//   removed.
type Peer struct {
	ID       string           `json:"id"`
	Address  string           `json:"address"`
	LastSeen time.Time        `json:"last_seen"`
	Clock    map[string]int64 `json:"clock"`
	Healthy  bool             `json:"healthy"`
}

// StateSource is what the coordinator reads when building a snapshot. The
// scheduler satisfies it.
type StateSource interface {
	ExecutorCount() int
	ActiveJobIDs() []string
	EmergencyJobIDs() []string
}
