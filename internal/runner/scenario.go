package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/gradualhq/gradual/internal/dispatch"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/plan"
	"github.com/gradualhq/gradual/internal/ramp"
)

// scenarioRunner owns one scenario's worker pool for the duration of a
// phase. A single ramp goroutine moves the target concurrency; reconcile
// spawns and stops workers to track it. All registry mutation happens under
// mu, so a target change and a worker's own exit never race.
type scenarioRunner struct {
	spec  *plan.Scenario
	runID string
	phase string

	table   *dispatch.Table
	bus     *metrics.Bus
	limiter *rate.Limiter

	mu      sync.Mutex
	workers []*worker // live registry in spawn order
	nextID  int
	nextReq int
	spawned int // cumulative, drives run-once accounting
	target  int
	wg      sync.WaitGroup

	requests atomic.Int64
}

func newScenarioRunner(spec *plan.Scenario, runID, phase string, table *dispatch.Table, bus *metrics.Bus) *scenarioRunner {
	s := &scenarioRunner{
		spec:  spec,
		runID: runID,
		phase: phase,
		table: table,
		bus:   bus,
	}
	if spec.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(spec.RatePerSecond), spec.RatePerSecond)
	}
	return s
}

// run executes the scenario until its ramp is exhausted (run-once mode) or
// the context is cancelled. It returns only after every worker has reached a
// terminal state; in-flight requests are always allowed to finish.
//
// A configuration problem detected before any worker spawns is returned as a
// *dispatch.ConfigError so the phase can fail this scenario in isolation.
func (s *scenarioRunner) run(ctx context.Context) error {
	for i := range s.spec.Requests {
		if err := s.table.Check(&s.spec.Requests[i]); err != nil {
			return fmt.Errorf("scenario %q: %w", s.spec.Name, err)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedule := ramp.Compile(s.spec.Ramp, s.spec.MinConcurrency, s.spec.MaxConcurrency)
	rampDone := make(chan struct{})
	go func() {
		defer close(rampDone)
		_ = ramp.Run(sctx, schedule, func(target int) { s.reconcile(sctx, target) })
	}()

	if s.spec.RunOnce {
		// The pool drains naturally once every spawned worker has made its
		// single pass; the scenario is complete when the schedule has been
		// fully applied and the pool is empty.
		<-rampDone
		s.wg.Wait()
		return nil
	}

	<-sctx.Done()
	<-rampDone
	s.stopAll()
	s.wg.Wait()
	return nil
}

// reconcile moves the live pool toward the new target. Growth spawns
// immediately. Shrink stops the newest workers first, removing them from the
// registry right away; each keeps running until its current request finishes.
// In run-once mode completed workers are never replaced, so the target is
// reconciled against the cumulative spawn count instead of the live pool.
func (s *scenarioRunner) reconcile(ctx context.Context, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target

	if s.spec.RunOnce {
		for s.spawned < target {
			s.spawnLocked(ctx)
		}
		return
	}

	for len(s.workers) < target {
		s.spawnLocked(ctx)
	}
	for len(s.workers) > target {
		last := len(s.workers) - 1
		w := s.workers[last]
		s.workers = s.workers[:last]
		w.stop()
	}
}

func (s *scenarioRunner) spawnLocked(ctx context.Context) {
	assignment := s.spec.Requests
	if !s.spec.IterateThroughRequests {
		assignment = s.spec.Requests[s.nextReq : s.nextReq+1]
		s.nextReq = (s.nextReq + 1) % len(s.spec.Requests)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		id:         s.nextID,
		runID:      s.runID,
		phase:      s.phase,
		scenario:   s.spec.Name,
		assignment: assignment,
		runOnce:    s.spec.RunOnce,
		table:      s.table,
		bus:        s.bus,
		limiter:    s.limiter,
		counter:    &s.requests,
		cancel:     cancel,
	}
	s.nextID++
	s.spawned++
	s.workers = append(s.workers, w)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		w.run(wctx)
		s.remove(w)
	}()
}

// remove drops a self-terminated worker from the registry. Workers stopped
// by a ramp-down were already removed under the same lock.
func (s *scenarioRunner) remove(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.workers {
		if cur == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			return
		}
	}
}

func (s *scenarioRunner) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		w.stop()
	}
	s.workers = s.workers[:0]
}

// status snapshots the scenario's live pool for progress reporting.
func (s *scenarioRunner) status() ScenarioStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScenarioStatus{
		Name:     s.spec.Name,
		Live:     len(s.workers),
		Target:   s.target,
		Requests: s.requests.Load(),
	}
}
