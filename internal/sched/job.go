package sched

import (
	"fmt"
	"time"

	"taskmesh/internal/causal"
	"taskmesh/internal/fault"
)

type State string

const (
	StatePending   State = "pending"
	StateBlocked   State = "blocked"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether a job can no longer change state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Level is the node-wide emergency level. High and critical halt new
// normal-job starts; running jobs are never preempted.
type Level string

const (
	LevelNone     Level = "none"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelNone, LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return Level(s), nil
	default:
		return LevelNone, fmt.Errorf("%w: unknown emergency level %q", fault.ErrInvalidInput, s)
	}
}

// HaltsNormal reports whether the level pauses new normal-job starts.
func (l Level) HaltsNormal() bool {
	return l == LevelHigh || l == LevelCritical
}

// Job is one unit of work owned by the scheduler of the node that accepted
// it. The clock snapshot is fixed at submission; everything else is mutated
// only under the scheduler's job-table lock.
type Job struct {
	ID          string
	Payload     string
	Clock       map[string]int64
	Deps        map[string]struct{}
	Class       causal.Class
	Weight      int
	Priority    int
	Cost        int
	State       State
	AssignedTo  string
	Result      string
	SubmittedAt time.Time
	seq         uint64
}

// derivePriority folds the message-class weight and the caller-supplied
// weight into one comparable number. Ordering within a queue stays FIFO;
// this value only decides which queue and reporting.
func derivePriority(class causal.Class, weight int) int {
	if weight < 0 {
		weight = 0
	}
	return class.Weight()*100 + weight
}
