package clock

import (
	"fmt"
	"sync"

	"taskmesh/internal/fault"
)

// Order is the result of comparing two clock values under the causal
// partial order.
type Order int

const (
	Before Order = iota
	After
	Concurrent
)

func (o Order) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clock is a vector clock owned by exactly one node.
//
// Learning note:
// - Only the owning node ever mutates its clock; peers see snapshots (copies).
// - That ownership rule is what avoids cross-node races without any
//   distributed locking.
//
// Identical clocks compare as Concurrent rather than a distinct "equal"
// result. Call sites must not rely on Concurrent implying divergence.
type Clock struct {
	mu      sync.RWMutex
	ownerID string
	entries map[string]int64
}

func New(ownerID string) *Clock {
	return &Clock{
		ownerID: ownerID,
		entries: map[string]int64{},
	}
}

func (c *Clock) OwnerID() string { return c.ownerID }

// Tick records a local event by incrementing the owner's counter.
// The owner's entry is created lazily at 0 on first reference.
func (c *Clock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.ownerID]++
}

// Own returns the owner's current counter value.
func (c *Clock) Own() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[c.ownerID]
}

// Merge folds a peer snapshot into the clock: per-entry max, then one Tick,
// because receiving the snapshot is itself a local event.
//
// A snapshot containing any negative counter is rejected whole; no entry is
// merged.
func (c *Clock) Merge(other map[string]int64) error {
	for id, v := range other {
		if v < 0 {
			return fmt.Errorf("%w: negative counter %d for node %s", fault.ErrInvalidInput, v, id)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, v := range other {
		if v > c.entries[id] {
			c.entries[id] = v
		}
	}
	c.entries[c.ownerID]++
	return nil
}

// Absorb is Merge without the trailing Tick. It folds in a snapshot that
// already accounts for the current exchange, such as the reply to a gossip
// push this node initiated (the initiator ticked when it sent).
func (c *Clock) Absorb(other map[string]int64) error {
	for id, v := range other {
		if v < 0 {
			return fmt.Errorf("%w: negative counter %d for node %s", fault.ErrInvalidInput, v, id)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, v := range other {
		if v > c.entries[id] {
			c.entries[id] = v
		}
	}
	return nil
}

// Compare reports the causal order of the clock's current value against a
// snapshot: Before if every local component is <= the other's with at least
// one strictly less, After for the reverse, Concurrent otherwise.
//
// Equal values report Concurrent by convention of this system.
func (c *Clock) Compare(other map[string]int64) Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CompareSnapshots(c.entries, other)
}

// CompareSnapshots is Compare over two plain snapshots; missing entries are
// treated as 0.
func CompareSnapshots(a, b map[string]int64) Order {
	aLess, bLess := false, false
	for id, av := range a {
		bv := b[id]
		if av < bv {
			aLess = true
		} else if av > bv {
			bLess = true
		}
	}
	for id, bv := range b {
		if _, ok := a[id]; ok {
			continue
		}
		if bv > 0 {
			aLess = true
		}
	}
	switch {
	case aLess && !bLess:
		return Before
	case bLess && !aLess:
		return After
	default:
		return Concurrent
	}
}

// Snapshot returns a copy safe to embed in messages and jobs.
func (c *Clock) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.entries))
	for id, v := range c.entries {
		out[id] = v
	}
	return out
}
