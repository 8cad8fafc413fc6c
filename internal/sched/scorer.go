package sched

import "time"

// Candidate is an executor node eligible for assignment.
type Candidate struct {
	ID           string
	Capability   int
	RegisteredAt time.Time
}

// Scorer picks the executor a job is assigned to. It is an explicit,
// swappable strategy so assignment policy can be tested apart from the
// scheduler itself.
type Scorer interface {
	Name() string
	Pick(cands []Candidate) (string, bool)
}

// CapabilityScorer prefers the most capable executor; ties break by ID so
// every node picks the same winner.
type CapabilityScorer struct{}

func (CapabilityScorer) Name() string { return "capability" }

func (CapabilityScorer) Pick(cands []Candidate) (string, bool) {
	if len(cands) == 0 {
		return "", false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Capability > best.Capability ||
			(c.Capability == best.Capability && c.ID < best.ID) {
			best = c
		}
	}
	return best.ID, true
}

// TimestampScorer prefers the longest-registered executor, a crude
// seniority heuristic. Ties break by ID.
type TimestampScorer struct{}

func (TimestampScorer) Name() string { return "timestamp" }

func (TimestampScorer) Pick(cands []Candidate) (string, bool) {
	if len(cands) == 0 {
		return "", false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.RegisteredAt.Before(best.RegisteredAt) ||
			(c.RegisteredAt.Equal(best.RegisteredAt) && c.ID < best.ID) {
			best = c
		}
	}
	return best.ID, true
}
