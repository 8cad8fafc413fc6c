package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskmesh/internal/causal"
	"taskmesh/internal/clock"
	"taskmesh/internal/fault"
)

// idleRunner parks every job until the test context ends, so jobs stay in
// Executing and tests drive completion through SubmitResult.
func idleRunner() Runner {
	return RunnerFunc(func(ctx context.Context, j Job) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := New(clock.New("self"), cfg, idleRunner(), nil)
	s.Start(ctx)
	return s
}

func TestSubmitReadyJobStartsExecuting(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	id, err := s.Submit("work", nil, causal.ClassNormal, 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, err := s.GetJobStatus(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != StateExecuting {
		t.Fatalf("expected executing, got %s", st)
	}
}

func TestDependencyGating(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())

	j1, err := s.Submit("first", nil, causal.ClassNormal, 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j2, err := s.Submit("second", []string{j1}, causal.ClassNormal, 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if st, _ := s.GetJobStatus(j2); st != StateBlocked {
		t.Fatalf("expected j2 blocked, got %s", st)
	}

	ok, err := s.SubmitResult(j1, "r1", "self")
	if err != nil || !ok {
		t.Fatalf("expected acceptance, got ok=%v err=%v", ok, err)
	}

	// Promotion happens inside the same scheduling pass.
	if st, _ := s.GetJobStatus(j2); st != StateExecuting {
		t.Fatalf("expected j2 executing after dependency completed, got %s", st)
	}
}

func TestFCFSResultExclusivity(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	id, _ := s.Submit("work", nil, causal.ClassNormal, 0, 1)

	ok, err := s.SubmitResult(id, "first", "e1")
	if err != nil || !ok {
		t.Fatalf("first submission must win: ok=%v err=%v", ok, err)
	}
	ok, err = s.SubmitResult(id, "second", "e2")
	if err != nil {
		t.Fatalf("duplicate is a rejection, not an error: %v", err)
	}
	if ok {
		t.Fatalf("second submission must be rejected")
	}

	rec, found := s.GetResult(id)
	if !found || rec.Result != "first" {
		t.Fatalf("expected result %q, got %+v", "first", rec)
	}
	if st, _ := s.GetJobStatus(id); st != StateCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
}

func TestConcurrentResultsExactlyOneAccepted(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	id, _ := s.Submit("work", nil, causal.ClassNormal, 0, 1)

	const n = 16
	var wg sync.WaitGroup
	accepted := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.SubmitResult(id, fmt.Sprintf("r%d", i), "e")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				accepted <- fmt.Sprintf("r%d", i)
			}
		}(i)
	}
	wg.Wait()
	close(accepted)

	var winners []string
	for w := range accepted {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one accepted result, got %v", winners)
	}
	rec, _ := s.GetResult(id)
	if rec.Result != winners[0] {
		t.Fatalf("recorded result %q does not match winner %q", rec.Result, winners[0])
	}
}

func TestSubmitResultUnknownJobIsInvalidInput(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	_, err := s.SubmitResult("nope", "r", "e")
	if !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestResultForQueuedJobRejectedWithoutStateChange(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, Capacity: 16})
	running, _ := s.Submit("a", nil, causal.ClassNormal, 0, 1)
	queued, _ := s.Submit("b", nil, causal.ClassNormal, 0, 1)

	if st, _ := s.GetJobStatus(queued); st != StateReady {
		t.Fatalf("expected ready, got %s", st)
	}
	ok, err := s.SubmitResult(queued, "early", "e")
	if err != nil || ok {
		t.Fatalf("result for non-executing job must be rejected: ok=%v err=%v", ok, err)
	}
	if st, _ := s.GetJobStatus(queued); st != StateReady {
		t.Fatalf("rejection must not change state, got %s", st)
	}
	_ = running
}

func TestEmergencyQueueDrainsFirst(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, Capacity: 16})

	first, _ := s.Submit("a", nil, causal.ClassNormal, 0, 1)
	normal, _ := s.Submit("b", nil, causal.ClassNormal, 0, 1)
	urgent, _ := s.Submit("c", nil, causal.ClassEmergency, 0, 1)

	if ok, _ := s.SubmitResult(first, "done", "e"); !ok {
		t.Fatalf("expected acceptance")
	}

	if st, _ := s.GetJobStatus(urgent); st != StateExecuting {
		t.Fatalf("emergency job must start first, got %s", st)
	}
	if st, _ := s.GetJobStatus(normal); st != StateReady {
		t.Fatalf("normal job must still be queued, got %s", st)
	}
}

func TestHighEmergencyLevelHaltsNormalStarts(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())

	if err := s.SetEmergencyMode("network-partition", "high"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	normal, _ := s.Submit("n", nil, causal.ClassNormal, 0, 1)
	urgent, _ := s.Submit("e", nil, causal.ClassEmergency, 0, 1)

	if st, _ := s.GetJobStatus(normal); st != StateReady {
		t.Fatalf("normal starts must be halted, got %s", st)
	}
	if st, _ := s.GetJobStatus(urgent); st != StateExecuting {
		t.Fatalf("emergency job must still start, got %s", st)
	}

	s.ClearEmergencyMode()
	if st, _ := s.GetJobStatus(normal); st != StateExecuting {
		t.Fatalf("normal job must start after clear, got %s", st)
	}
}

func TestInvalidEmergencyLevelRejected(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	err := s.SetEmergencyMode("x", "catastrophic")
	if !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCostAdmissionDefersNotDrops(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 4, Capacity: 3})

	big, _ := s.Submit("big", nil, causal.ClassNormal, 0, 3)
	small, _ := s.Submit("small", nil, causal.ClassNormal, 0, 1)

	if st, _ := s.GetJobStatus(big); st != StateExecuting {
		t.Fatalf("expected big executing, got %s", st)
	}
	// No budget left; the queued job waits in place.
	if st, _ := s.GetJobStatus(small); st != StateReady {
		t.Fatalf("expected small deferred, got %s", st)
	}

	if ok, _ := s.SubmitResult(big, "done", "e"); !ok {
		t.Fatalf("expected acceptance")
	}
	if st, _ := s.GetJobStatus(small); st != StateExecuting {
		t.Fatalf("expected small executing after capacity freed, got %s", st)
	}
}

func TestSubmitCostBeyondCapacityRejected(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 2, Capacity: 4})
	_, err := s.Submit("huge", nil, causal.ClassNormal, 0, 5)
	if !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRedistributeRoundRobin(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	s.RegisterExecutor("n1", 10)
	s.RegisterExecutor("n2", 5)
	s.RegisterExecutor("n3", 5)

	// Capability scorer sends both jobs to n1.
	a, _ := s.Submit("a", nil, causal.ClassNormal, 0, 1)
	b, _ := s.Submit("b", nil, causal.ClassNormal, 0, 1)

	n, err := s.RedistributeFrom("n1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 redistributed jobs, got %d", n)
	}

	s.mu.Lock()
	got := map[string]string{a: s.jobs[a].AssignedTo, b: s.jobs[b].AssignedTo}
	s.mu.Unlock()
	if got[a] != "n2" || got[b] != "n3" {
		t.Fatalf("expected round-robin n2,n3; got %v", got)
	}
	if s.ExecutorCount() != 2 {
		t.Fatalf("failed node must be dropped as candidate, count=%d", s.ExecutorCount())
	}
}

func TestRedistributeWithoutHealthyExecutors(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	s.RegisterExecutor("n1", 10)
	if _, err := s.Submit("a", nil, causal.ClassNormal, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.RedistributeFrom("n1")
	if !errors.Is(err, fault.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRunnerFailureMarksJobFailed(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	failing := RunnerFunc(func(ctx context.Context, j Job) (string, error) {
		defer wg.Done()
		return "", errors.New("boom")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(clock.New("self"), DefaultConfig(), failing, nil)
	s.Start(ctx)
	id, _ := s.Submit("work", nil, causal.ClassNormal, 0, 1)

	wg.Wait()
	// MarkFailed runs in the worker goroutine right after the runner
	// returns; poll through the lock-protected accessor.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := s.GetJobStatus(id); st == StateFailed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	st, _ := s.GetJobStatus(id)
	t.Fatalf("expected failed, got %s", st)
}

func TestTerminalJobsLeaveTheTable(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 4, Capacity: 16, ResultRetention: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Submit(fmt.Sprintf("w%d", i), nil, causal.ClassNormal, 0, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok, _ := s.SubmitResult(id, "done", "e"); !ok {
			t.Fatalf("expected acceptance for %s", id)
		}
		ids = append(ids, id)
	}

	// Oldest terminal job is gone from the table and the completed set.
	if _, err := s.GetJobStatus(ids[0]); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected oldest job evicted, got err=%v", err)
	}
	for _, id := range ids[1:] {
		if st, err := s.GetJobStatus(id); err != nil || st != StateCompleted {
			t.Fatalf("retained job %s: st=%s err=%v", id, st, err)
		}
	}

	s.mu.Lock()
	jobs, completed := len(s.jobs), len(s.completed)
	s.mu.Unlock()
	if jobs != 2 || completed != 2 {
		t.Fatalf("expected 2 retained entries, got jobs=%d completed=%d", jobs, completed)
	}
}

func TestFailedJobsRetireTheSameWay(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 4, Capacity: 16, ResultRetention: 1})

	a, _ := s.Submit("a", nil, causal.ClassNormal, 0, 1)
	if err := s.MarkFailed(a, "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := s.Submit("b", nil, causal.ClassNormal, 0, 1)
	if err := s.MarkFailed(b, "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.GetJobStatus(a); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected first failed job evicted, got err=%v", err)
	}
	if st, err := s.GetJobStatus(b); err != nil || st != StateFailed {
		t.Fatalf("newest failed job must be retained: st=%s err=%v", st, err)
	}
}

func TestSubmissionTicksClock(t *testing.T) {
	clk := clock.New("self")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(clk, DefaultConfig(), idleRunner(), nil)
	s.Start(ctx)

	if _, err := s.Submit("a", nil, causal.ClassNormal, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clk.Own() != 1 {
		t.Fatalf("submission must tick the clock, got %d", clk.Own())
	}
}
