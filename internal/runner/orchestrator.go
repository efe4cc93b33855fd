// Package runner is the scheduling core: an orchestrator executes a test
// plan's phases strictly in order, each phase runs its scenarios
// concurrently under a shared deadline, and every scenario drives a
// ramp-controlled pool of workers. Cancellation is cooperative throughout;
// no layer ever interrupts a request already on the wire.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gradualhq/gradual/internal/dispatch"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/plan"
)

// State tracks an orchestrator through its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCancelled State = "cancelled"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Options carries the orchestrator's collaborators.
type Options struct {
	Table *dispatch.Table
	Bus   *metrics.Bus
}

// Orchestrator runs a validated test plan once. It is single-use: a second
// Start returns an error.
type Orchestrator struct {
	plan  *plan.TestPlan
	table *dispatch.Table
	bus   *metrics.Bus
	runID string

	mu        sync.Mutex
	state     State
	phase     string
	scenarios []*scenarioRunner
	faults    []error
	cancel    context.CancelFunc
	started   bool
}

// New builds an orchestrator for the plan, validating it first. The run ID
// is minted here so every result of the run shares it.
func New(p *plan.TestPlan, opts Options) (*Orchestrator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if opts.Table == nil {
		return nil, errors.New("runner: dispatch table is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("runner: metrics bus is required")
	}
	return &Orchestrator{
		plan:  p,
		table: opts.Table,
		bus:   opts.Bus,
		runID: ulid.Make().String(),
		state: StateIdle,
	}, nil
}

// RunID returns the identifier stamped on every result of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Start executes the plan's phases in order, sleeping the configured gap
// between them, and closes the bus once every worker has drained. It blocks
// until the run finishes, fails, or is cancelled. Cancellation is a clean
// stop, not an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("runner: orchestrator already started")
	}
	o.started = true
	o.state = StateRunning
	rctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	defer cancel()
	defer o.bus.Close()

	for i := range o.plan.Phases {
		ph := &o.plan.Phases[i]
		o.setPhase(ph.Name)

		faults, fatal := runPhase(rctx, o.runID, ph, o.table, o.bus, o.setScenarios)
		o.addFaults(faults)
		if fatal != nil {
			o.setState(StateFailed)
			return fmt.Errorf("phase %q: %w", ph.Name, fatal)
		}
		if rctx.Err() != nil {
			o.setState(StateCancelled)
			return nil
		}

		if i < len(o.plan.Phases)-1 && o.plan.PhaseGap > 0 {
			if !sleepCtx(rctx, o.plan.PhaseGap) {
				o.setState(StateCancelled)
				return nil
			}
		}
	}

	o.setState(StateDone)
	return nil
}

// Cancel requests a cooperative stop of the whole run. In-flight requests
// finish; workers exit at their next iteration boundary. Safe to call more
// than once and before Start.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// ScenarioStatus is a point-in-time view of one scenario's pool.
type ScenarioStatus struct {
	Name     string
	Live     int
	Target   int
	Requests int64
}

// Status is a point-in-time view of the run.
type Status struct {
	RunID     string
	State     State
	Phase     string
	Scenarios []ScenarioStatus
}

// Status snapshots the run: current phase and each live scenario's worker
// counts. Safe to call from any goroutine at any time.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{RunID: o.runID, State: o.state, Phase: o.phase}
	runners := make([]*scenarioRunner, len(o.scenarios))
	copy(runners, o.scenarios)
	o.mu.Unlock()

	for _, sr := range runners {
		st.Scenarios = append(st.Scenarios, sr.status())
	}
	return st
}

// Faults returns the per-scenario configuration errors collected during the
// run. These scenarios were skipped; the run itself continued.
func (o *Orchestrator) Faults() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]error, len(o.faults))
	copy(out, o.faults)
	return out
}

func (o *Orchestrator) setPhase(name string) {
	o.mu.Lock()
	o.phase = name
	o.scenarios = nil
	o.mu.Unlock()
}

func (o *Orchestrator) setScenarios(runners []*scenarioRunner) {
	o.mu.Lock()
	o.scenarios = runners
	o.mu.Unlock()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) addFaults(errs []error) {
	if len(errs) == 0 {
		return
	}
	o.mu.Lock()
	o.faults = append(o.faults, errs...)
	o.mu.Unlock()
}

// sleepCtx waits d or until the context ends, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
