package store

import (
	"sync"
	"time"
)

// Record is the accepted result for one job.
type Record struct {
	JobID      string
	Result     string
	Submitter  string
	AcceptedAt time.Time
}

// Results is the tiny in-memory ledger backing the first-submission-wins
// guarantee.
//
// Learning note:
// - Acceptance is a single check-and-set under one lock; that critical
//   section IS the FCFS guarantee.
// - A record is never overwritten once present.
type Results struct {
	mu        sync.RWMutex
	m         map[string]Record
	order     []string // acceptance order, oldest first, for eviction
	retention int
	rejected  uint64
}

// New creates a ledger retaining at most retention accepted records.
// Retention exists only to reject duplicate late submissions; it is a bounded
// window, not an archive.
func New(retention int) *Results {
	if retention <= 0 {
		retention = 4096
	}
	return &Results{m: make(map[string]Record), retention: retention}
}

func (r *Results) Get(jobID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.m[jobID]
	return rec, ok
}

// PutIfAbsent accepts the result only if no result for jobID was ever
// accepted. The first submission strictly wins; later ones are routine
// rejections, not errors.
func (r *Results) PutIfAbsent(jobID, result, submitter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[jobID]; ok {
		r.rejected++
		return false
	}
	r.m[jobID] = Record{JobID: jobID, Result: result, Submitter: submitter, AcceptedAt: time.Now()}
	r.order = append(r.order, jobID)
	for len(r.order) > r.retention {
		evict := r.order[0]
		r.order = r.order[1:]
		delete(r.m, evict)
	}
	return true
}

func (r *Results) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

func (r *Results) Rejected() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rejected
}
