package sched

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmesh/internal/causal"
	"taskmesh/internal/clock"
	"taskmesh/internal/fault"
	"taskmesh/internal/store"
)

// Runner executes one job asynchronously and returns its result payload.
//
// This is the job-execution boundary: a runner may do the work in-process or
// proxy it to the executor recorded in job.AssignedTo. A non-nil error marks
// the job failed; otherwise the returned payload goes through the same FCFS
// result acceptance as any remote submission.
type Runner interface {
	Run(ctx context.Context, job Job) (string, error)
}

type RunnerFunc func(ctx context.Context, job Job) (string, error)

func (f RunnerFunc) Run(ctx context.Context, job Job) (string, error) { return f(ctx, job) }

type Config struct {
	// MaxConcurrent caps the worker pool.
	MaxConcurrent int
	// Capacity is the cost budget admitted concurrently. A ready job whose
	// cost exceeds the remaining budget is deferred in place, never dropped.
	Capacity int
	// ResultRetention bounds how many accepted results are kept to reject
	// duplicate late submissions. Terminal jobs leave the job table on the
	// same window, oldest first.
	ResultRetention int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   4,
		Capacity:        16,
		ResultRetention: 4096,
	}
}

// Scheduler owns the node's job table: lifecycle transitions, the FCFS
// result policy, the emergency/normal queues and the worker pool.
//
// Learning note:
// - One mutex serializes every mutation of the job table. The FCFS
//   guarantee needs exactly that: no two result submissions for the same
//   job are ever evaluated concurrently.
// - The clock has its own lock; we never hold both in a way that nests the
//   other direction.
type Scheduler struct {
	cfg       Config
	clk       *clock.Clock
	results   *store.Results
	runner    Runner
	scorer    Scorer
	retention int

	mu          sync.Mutex
	ctx         context.Context
	jobs        map[string]*Job
	completed   map[string]struct{}
	waiters     map[string]map[string]struct{} // dep job ID -> blocked job IDs
	done        []string                       // terminal job IDs, oldest first
	emergencyQ  []string
	normalQ     []string
	executors   map[string]Candidate
	running     int
	runningCost int
	level       Level
	emergency   string // active emergency type, informational
	alerts      uint64
	seq         uint64
}

func New(clk *clock.Clock, cfg Config, runner Runner, scorer Scorer) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if scorer == nil {
		scorer = CapabilityScorer{}
	}
	retention := cfg.ResultRetention
	if retention <= 0 {
		retention = DefaultConfig().ResultRetention
	}
	return &Scheduler{
		cfg:       cfg,
		clk:       clk,
		results:   store.New(cfg.ResultRetention),
		runner:    runner,
		scorer:    scorer,
		retention: retention,
		ctx:       context.Background(),
		jobs:      map[string]*Job{},
		completed: map[string]struct{}{},
		waiters:   map[string]map[string]struct{}{},
		executors: map[string]Candidate{},
		level:     LevelNone,
	}
}

// Start binds the context used for job execution and kicks the dispatcher.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.dispatchLocked()
}

// Submit accepts a job: tick, snapshot the clock into it, then Ready (all
// dependencies already completed) or Blocked.
func (s *Scheduler) Submit(payload string, deps []string, class causal.Class, weight, cost int) (string, error) {
	if class == "" {
		class = causal.ClassNormal
	}
	if class != causal.ClassNormal && class != causal.ClassEmergency {
		return "", fmt.Errorf("%w: unknown job class %q", fault.ErrInvalidInput, class)
	}
	if cost <= 0 {
		cost = 1
	}
	if cost > s.cfg.Capacity {
		return "", fmt.Errorf("%w: job cost %d exceeds node capacity %d", fault.ErrInvalidInput, cost, s.cfg.Capacity)
	}

	s.clk.Tick()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	j := &Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		Clock:       s.clk.Snapshot(),
		Deps:        map[string]struct{}{},
		Class:       class,
		Weight:      weight,
		Priority:    derivePriority(class, weight),
		Cost:        cost,
		State:       StatePending,
		SubmittedAt: time.Now(),
		seq:         s.seq,
	}
	for _, dep := range deps {
		if _, done := s.completed[dep]; done {
			continue
		}
		j.Deps[dep] = struct{}{}
	}
	s.jobs[j.ID] = j

	if len(j.Deps) == 0 {
		s.enqueueLocked(j)
	} else {
		j.State = StateBlocked
		for dep := range j.Deps {
			if s.waiters[dep] == nil {
				s.waiters[dep] = map[string]struct{}{}
			}
			s.waiters[dep][j.ID] = struct{}{}
		}
	}
	s.dispatchLocked()
	return j.ID, nil
}

// SubmitResult is the FCFS acceptance point: it succeeds iff the job is
// executing and no result was accepted before. A rejection is routine
// (false, nil); only an unknown job is an error.
func (s *Scheduler) SubmitResult(jobID, result, submitter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("%w: unknown job %s", fault.ErrInvalidInput, jobID)
	}
	if j.State != StateExecuting {
		return false, nil
	}
	if !s.results.PutIfAbsent(jobID, result, submitter) {
		return false, nil
	}

	j.State = StateCompleted
	j.Result = result
	s.clk.Tick()
	s.running--
	s.runningCost -= j.Cost
	s.dependencyCompletedLocked(jobID)
	s.retireLocked(jobID)
	s.dispatchLocked()
	return true, nil
}

// MarkFailed moves an executing job to Failed, freeing its capacity. Jobs
// blocked on it stay blocked; failure does not satisfy a dependency.
func (s *Scheduler) MarkFailed(jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: unknown job %s", fault.ErrInvalidInput, jobID)
	}
	if j.State != StateExecuting {
		return fmt.Errorf("cannot fail job %s from state %s", jobID, j.State)
	}
	j.State = StateFailed
	s.clk.Tick()
	s.running--
	s.runningCost -= j.Cost
	log.Printf("sched: job failed id=%s reason=%s", jobID, reason)
	s.retireLocked(jobID)
	s.dispatchLocked()
	return nil
}

// retireLocked bounds the job table the way the result store bounds its
// records: terminal jobs stay only long enough to answer duplicate late
// submissions, then the oldest are dropped with their completed-set entries.
func (s *Scheduler) retireLocked(jobID string) {
	s.done = append(s.done, jobID)
	for len(s.done) > s.retention {
		evict := s.done[0]
		s.done = s.done[1:]
		delete(s.jobs, evict)
		delete(s.completed, evict)
	}
}

func (s *Scheduler) dependencyCompletedLocked(depID string) {
	s.completed[depID] = struct{}{}
	waiting := s.waiters[depID]
	delete(s.waiters, depID)

	// Promote in submission order so FIFO fairness survives unblocking.
	ids := make([]string, 0, len(waiting))
	for id := range waiting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return s.jobs[ids[i]].seq < s.jobs[ids[k]].seq })

	for _, id := range ids {
		j := s.jobs[id]
		delete(j.Deps, depID)
		if j.State == StateBlocked && len(j.Deps) == 0 {
			s.enqueueLocked(j)
		}
	}
}

func (s *Scheduler) enqueueLocked(j *Job) {
	j.State = StateReady
	if j.Class == causal.ClassEmergency {
		s.emergencyQ = append(s.emergencyQ, j.ID)
	} else {
		s.normalQ = append(s.normalQ, j.ID)
	}
}

// dispatchLocked drains the queues into the worker pool: emergency first,
// normal only while the emergency level allows it. A head-of-queue job that
// does not fit the remaining cost budget blocks its queue rather than being
// skipped; FCFS order is never reordered for convenience.
func (s *Scheduler) dispatchLocked() {
	for s.running < s.cfg.MaxConcurrent {
		var q *[]string
		switch {
		case len(s.emergencyQ) > 0:
			q = &s.emergencyQ
		case len(s.normalQ) > 0 && !s.level.HaltsNormal():
			q = &s.normalQ
		default:
			return
		}
		j := s.jobs[(*q)[0]]
		if j.Cost > s.cfg.Capacity-s.runningCost {
			return // deferred until capacity frees up
		}
		*q = (*q)[1:]
		s.startLocked(j)
	}
}

func (s *Scheduler) startLocked(j *Job) {
	cands := make([]Candidate, 0, len(s.executors))
	for _, c := range s.executors {
		cands = append(cands, c)
	}
	assignee, ok := s.scorer.Pick(cands)
	if !ok {
		assignee = s.clk.OwnerID()
	}
	j.State = StateExecuting
	j.AssignedTo = assignee
	s.running++
	s.runningCost += j.Cost

	job := *j // copy; the runner never touches the live table entry
	ctx := s.ctx
	go s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	result, err := s.runner.Run(ctx, job)
	if err != nil {
		_ = s.MarkFailed(job.ID, err.Error())
		return
	}
	if _, err := s.SubmitResult(job.ID, result, job.AssignedTo); err != nil {
		log.Printf("sched: local result submission failed id=%s err=%v", job.ID, err)
	}
}

// SetEmergencyMode records an active emergency. High and critical levels
// halt new normal-job starts; running jobs continue.
func (s *Scheduler) SetEmergencyMode(typ, levelStr string) error {
	lvl, err := ParseLevel(levelStr)
	if err != nil {
		return err
	}
	s.clk.Tick()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency = typ
	s.level = lvl
	log.Printf("sched: emergency mode type=%s level=%s", typ, lvl)
	s.dispatchLocked()
	return nil
}

// ClearEmergencyMode resets the level and re-evaluates both queues.
func (s *Scheduler) ClearEmergencyMode() {
	s.clk.Tick()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency = ""
	s.level = LevelNone
	s.dispatchLocked()
}

// NoteAlert is the hook the causal layer raises on emergency message
// delivery. It only signals; escalation policy stays with the operator.
func (s *Scheduler) NoteAlert(from string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts++
	log.Printf("sched: emergency alert observed from=%s total=%d", from, s.alerts)
}

// RegisterExecutor adds (or refreshes) an assignment candidate.
func (s *Scheduler) RegisterExecutor(id string, capability int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.executors[id]; ok {
		cur.Capability = capability
		s.executors[id] = cur
		return
	}
	s.executors[id] = Candidate{ID: id, Capability: capability, RegisteredAt: time.Now()}
}

func (s *Scheduler) RemoveExecutor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executors, id)
}

func (s *Scheduler) ExecutorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executors)
}

// RedistributeFrom reassigns a failed node's in-flight jobs round-robin
// across the remaining executors. The failed node is dropped as a candidate.
func (s *Scheduler) RedistributeFrom(failedID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.executors, failedID)

	inflight := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.State == StateExecuting && j.AssignedTo == failedID {
			inflight = append(inflight, j)
		}
	}
	if len(inflight) == 0 {
		return 0, nil
	}
	sort.Slice(inflight, func(i, k int) bool { return inflight[i].seq < inflight[k].seq })

	healthy := make([]string, 0, len(s.executors))
	for id := range s.executors {
		healthy = append(healthy, id)
	}
	sort.Strings(healthy)
	if len(healthy) == 0 {
		return 0, fmt.Errorf("%w: no healthy executor for %d in-flight jobs of %s",
			fault.ErrUnavailable, len(inflight), failedID)
	}

	s.clk.Tick()
	for i, j := range inflight {
		j.AssignedTo = healthy[i%len(healthy)]
		log.Printf("sched: redistributed job id=%s from=%s to=%s", j.ID, failedID, j.AssignedTo)
	}
	return len(inflight), nil
}

// GetJobStatus reports the lifecycle state for a known job.
func (s *Scheduler) GetJobStatus(jobID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: unknown job %s", fault.ErrInvalidInput, jobID)
	}
	return j.State, nil
}

// GetResult returns the accepted result record for a job, if any.
func (s *Scheduler) GetResult(jobID string) (store.Record, bool) {
	return s.results.Get(jobID)
}

// ActiveJobIDs lists non-terminal jobs in submission order.
func (s *Scheduler) ActiveJobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobIDsLocked(func(j *Job) bool { return !j.State.IsTerminal() })
}

// EmergencyJobIDs lists non-terminal emergency-class jobs in submission order.
func (s *Scheduler) EmergencyJobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobIDsLocked(func(j *Job) bool {
		return !j.State.IsTerminal() && j.Class == causal.ClassEmergency
	})
}

func (s *Scheduler) jobIDsLocked(keep func(*Job) bool) []string {
	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].seq < out[k].seq })
	ids := make([]string, len(out))
	for i, j := range out {
		ids[i] = j.ID
	}
	return ids
}

// Load is the fraction of the cost budget currently in use.
func (s *Scheduler) Load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.runningCost) / float64(s.cfg.Capacity)
}

type Stats struct {
	Jobs           int    `json:"jobs"`
	Running        int    `json:"running"`
	EmergencyQueue int    `json:"emergency_queue"`
	NormalQueue    int    `json:"normal_queue"`
	EmergencyLevel Level  `json:"emergency_level"`
	EmergencyType  string `json:"emergency_type,omitempty"`
	Alerts         uint64 `json:"alerts"`
	Executors      int    `json:"executors"`
	Scorer         string `json:"scorer"`
}

func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Jobs:           len(s.jobs),
		Running:        s.running,
		EmergencyQueue: len(s.emergencyQ),
		NormalQueue:    len(s.normalQ),
		EmergencyLevel: s.level,
		EmergencyType:  s.emergency,
		Alerts:         s.alerts,
		Executors:      len(s.executors),
		Scorer:         s.scorer.Name(),
	}
}
