package health

import (
	"sort"
	"sync"
)

type Band string

const (
	BandSuspicious Band = "suspicious"
	BandNeutral    Band = "neutral"
	BandTrusted    Band = "trusted"
)

// ReputationConfig bounds the score range and places the band thresholds.
// Thresholds are configuration, never hard-coded per node type.
type ReputationConfig struct {
	Min             int
	Max             int
	Initial         int
	SuspiciousBelow int
	TrustedAbove    int
	RewardStep      int
	PenaltyStep     int
}

func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		Min:             0,
		Max:             100,
		Initial:         50,
		SuspiciousBelow: 30,
		TrustedAbove:    70,
		RewardStep:      5,
		PenaltyStep:     15,
	}
}

// ReputationTable holds the per-node trust scores.
//
// Learning note:
// - Implausible peer input lands here as a penalty instead of propagating
//   as an error. Untrusted input is a signal, not a crash condition.
type ReputationTable struct {
	mu     sync.RWMutex
	cfg    ReputationConfig
	scores map[string]int
}

func NewReputationTable(cfg ReputationConfig) *ReputationTable {
	if cfg.Max <= cfg.Min {
		cfg = DefaultReputationConfig()
	}
	return &ReputationTable{cfg: cfg, scores: map[string]int{}}
}

// Register gives an unknown node the neutral default. Known nodes keep
// their score.
func (t *ReputationTable) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.scores[id]; !ok {
		t.scores[id] = t.cfg.Initial
	}
}

func (t *ReputationTable) Reward(id string) {
	t.adjust(id, t.cfg.RewardStep)
}

func (t *ReputationTable) Penalize(id string) {
	t.adjust(id, -t.cfg.PenaltyStep)
}

// MarkSuspicious applies the penalty and forces the node into the
// suspicious band right away, whatever its score was before.
func (t *ReputationTable) MarkSuspicious(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scores[id]
	if !ok {
		s = t.cfg.Initial
	}
	s -= t.cfg.PenaltyStep
	if ceiling := t.cfg.SuspiciousBelow - 1; s > ceiling {
		s = ceiling
	}
	if s < t.cfg.Min {
		s = t.cfg.Min
	}
	t.scores[id] = s
}

func (t *ReputationTable) adjust(id string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scores[id]
	if !ok {
		s = t.cfg.Initial
	}
	s += delta
	if s > t.cfg.Max {
		s = t.cfg.Max
	}
	if s < t.cfg.Min {
		s = t.cfg.Min
	}
	t.scores[id] = s
}

func (t *ReputationTable) Score(id string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scores[id]
	return s, ok
}

func (t *ReputationTable) BandOf(id string) Band {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scores[id]
	if !ok {
		return BandNeutral
	}
	return t.bandLocked(s)
}

func (t *ReputationTable) bandLocked(score int) Band {
	switch {
	case score < t.cfg.SuspiciousBelow:
		return BandSuspicious
	case score > t.cfg.TrustedAbove:
		return BandTrusted
	default:
		return BandNeutral
	}
}

// Trusted lists nodes in the trusted band, sorted for determinism.
func (t *ReputationTable) Trusted() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0)
	for id, s := range t.scores {
		if t.bandLocked(s) == BandTrusted {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Bands reports every node's current classification.
func (t *ReputationTable) Bands() map[string]Band {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Band, len(t.scores))
	for id, s := range t.scores {
		out[id] = t.bandLocked(s)
	}
	return out
}
