package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gradualhq/gradual/internal/dispatch"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/plan"
)

type captureSink struct {
	mu      sync.Mutex
	results []metrics.Result
}

func (c *captureSink) Record(r metrics.Result) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func (c *captureSink) snapshot() []metrics.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]metrics.Result, len(c.results))
	copy(out, c.results)
	return out
}

// startDrain consumes the bus into a capture sink on its own goroutine and
// returns a channel closed once the bus is closed and empty.
func startDrain(bus *metrics.Bus) (*captureSink, <-chan struct{}) {
	sink := &captureSink{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Drain(sink)
	}()
	return sink, done
}

func customRequest(name string) plan.RequestDefinition {
	return plan.RequestDefinition{Name: name, Protocol: plan.ProtocolCustom}
}

func TestRunOnceIteratesAssignmentInOrder(t *testing.T) {
	registry := dispatch.NewRegistry()
	for _, name := range []string{"first", "second", "third"} {
		registry.Register(name, func(ctx context.Context, def *plan.RequestDefinition) error { return nil })
	}
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(64)
	sink, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "run-once",
		Phases: []plan.Phase{{
			Name:    "main",
			RunTime: 5 * time.Second,
			Scenarios: []plan.Scenario{{
				Name:                   "single-pass",
				Requests:               []plan.RequestDefinition{customRequest("first"), customRequest("second"), customRequest("third")},
				MinConcurrency:         1,
				MaxConcurrency:         1,
				IterateThroughRequests: true,
				RunOnce:                true,
			}},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-drained

	results := sink.snapshot()
	if len(results) != 3 {
		t.Fatalf("got %d results, want exactly 3", len(results))
	}
	for i, want := range []string{"first", "second", "third"} {
		if results[i].Request != want {
			t.Fatalf("result %d = %q, want %q", i, results[i].Request, want)
		}
		if results[i].RunID != o.RunID() {
			t.Fatalf("result %d run ID = %q, want %q", i, results[i].RunID, o.RunID())
		}
	}
	if st := o.Status(); st.State != StateDone {
		t.Fatalf("state = %q, want %q", st.State, StateDone)
	}
}

func TestRoundRobinPinsWorkersToDistinctRequests(t *testing.T) {
	registry := dispatch.NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		registry.Register(name, func(ctx context.Context, def *plan.RequestDefinition) error { return nil })
	}
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(64)
	sink, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "round-robin",
		Phases: []plan.Phase{{
			Name:    "main",
			RunTime: 5 * time.Second,
			Scenarios: []plan.Scenario{{
				Name:           "pinned",
				Requests:       []plan.RequestDefinition{customRequest("a"), customRequest("b"), customRequest("c")},
				MinConcurrency: 3,
				MaxConcurrency: 3,
				RunOnce:        true,
			}},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-drained

	results := sink.snapshot()
	if len(results) != 3 {
		t.Fatalf("got %d results, want exactly 3", len(results))
	}
	seen := map[string]int{}
	for _, r := range results {
		seen[r.Request]++
	}
	for _, name := range []string{"a", "b", "c"} {
		if seen[name] != 1 {
			t.Fatalf("request %q executed %d times, want 1 (seen=%v)", name, seen[name], seen)
		}
	}
}

func TestPhaseDeadlineEndsContinuousScenario(t *testing.T) {
	registry := dispatch.NewRegistry()
	registry.Register("tick", func(ctx context.Context, def *plan.RequestDefinition) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(4096)
	sink, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "deadline",
		Phases: []plan.Phase{{
			Name:    "short",
			RunTime: 200 * time.Millisecond,
			Scenarios: []plan.Scenario{{
				Name:           "steady",
				Requests:       []plan.RequestDefinition{customRequest("tick")},
				MinConcurrency: 2,
				MaxConcurrency: 2,
			}},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Now()
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	elapsed := time.Since(start)
	<-drained

	if len(sink.snapshot()) == 0 {
		t.Fatal("no results before the deadline")
	}
	if elapsed < 200*time.Millisecond {
		t.Fatalf("phase returned after %v, before its run time", elapsed)
	}
	if st := o.Status(); st.State != StateDone {
		t.Fatalf("state = %q, want %q", st.State, StateDone)
	}
}

func TestSlowRequestDoesNotBlockOtherWorkers(t *testing.T) {
	registry := dispatch.NewRegistry()
	registry.Register("slow", func(ctx context.Context, def *plan.RequestDefinition) error {
		time.Sleep(250 * time.Millisecond)
		return nil
	})
	registry.Register("fast", func(ctx context.Context, def *plan.RequestDefinition) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(4096)
	sink, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "isolation",
		Phases: []plan.Phase{{
			Name:    "main",
			RunTime: 200 * time.Millisecond,
			Scenarios: []plan.Scenario{{
				Name:           "mixed",
				Requests:       []plan.RequestDefinition{customRequest("slow"), customRequest("fast")},
				MinConcurrency: 2,
				MaxConcurrency: 2,
			}},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-drained

	counts := map[string]int{}
	for _, r := range sink.snapshot() {
		counts[r.Request]++
	}
	if counts["fast"] < 10 {
		t.Fatalf("fast request ran %d times, expected many while slow was parked", counts["fast"])
	}
	// The slow request was in flight at the deadline and finished anyway.
	if counts["slow"] == 0 {
		t.Fatal("in-flight slow request was dropped instead of finishing")
	}
}

func TestRatePerSecondCapsThroughput(t *testing.T) {
	registry := dispatch.NewRegistry()
	registry.Register("paced", func(ctx context.Context, def *plan.RequestDefinition) error { return nil })
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(4096)
	sink, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "paced",
		Phases: []plan.Phase{{
			Name:    "main",
			RunTime: 500 * time.Millisecond,
			Scenarios: []plan.Scenario{{
				Name:           "capped",
				Requests:       []plan.RequestDefinition{customRequest("paced")},
				MinConcurrency: 4,
				MaxConcurrency: 4,
				RatePerSecond:  20,
			}},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Now()
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	elapsed := time.Since(start)
	<-drained

	// Workers parked in a limiter wait must observe the phase deadline; an
	// unbounded wait would hold the run open well past its run time.
	if elapsed > 3*time.Second {
		t.Fatalf("run took %v, limiter waits ignored the phase deadline", elapsed)
	}

	got := len(sink.snapshot())
	if got == 0 {
		t.Fatal("pacing starved the scenario entirely")
	}
	// The limiter admits a one-second burst up front, then refills at the
	// configured rate. Four unpaced no-op workers would produce thousands of
	// results in the same window.
	ceiling := 20 + int(20*elapsed.Seconds()) + 4
	if got > ceiling {
		t.Fatalf("completed %d requests in %v, want at most %d under a 20/s cap", got, elapsed, ceiling)
	}
}

func TestReconcileShrinkStopsNewestFirst(t *testing.T) {
	gate := make(chan struct{})
	registry := dispatch.NewRegistry()
	registry.Register("hold", func(ctx context.Context, def *plan.RequestDefinition) error {
		<-gate
		return nil
	})
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(4096)
	_, drained := startDrain(bus)

	spec := &plan.Scenario{
		Name:           "shrink",
		Requests:       []plan.RequestDefinition{customRequest("hold")},
		MinConcurrency: 1,
		MaxConcurrency: 5,
	}
	s := newScenarioRunner(spec, "run", "phase", table, bus)
	ctx, cancel := context.WithCancel(context.Background())

	s.reconcile(ctx, 3)
	s.mu.Lock()
	if len(s.workers) != 3 {
		s.mu.Unlock()
		t.Fatalf("live workers = %d, want 3", len(s.workers))
	}
	s.mu.Unlock()

	s.reconcile(ctx, 1)
	s.mu.Lock()
	if len(s.workers) != 1 || s.workers[0].id != 0 {
		ids := make([]int, 0, len(s.workers))
		for _, w := range s.workers {
			ids = append(ids, w.id)
		}
		s.mu.Unlock()
		t.Fatalf("surviving worker ids = %v, want [0]", ids)
	}
	s.mu.Unlock()

	// Every worker, stopped or not, was mid-request; releasing the gate must
	// let all three finish their in-flight dispatch.
	close(gate)
	cancel()
	s.wg.Wait()
	bus.Close()
	<-drained

	if got := s.requests.Load(); got < 3 {
		t.Fatalf("completed requests = %d, want at least one per spawned worker", got)
	}
}

func TestConfigErrorSkipsScenarioWithoutAbortingPhase(t *testing.T) {
	registry := dispatch.NewRegistry()
	registry.Register("ok", func(ctx context.Context, def *plan.RequestDefinition) error { return nil })
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(64)
	sink, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "faulty",
		Phases: []plan.Phase{{
			Name:    "main",
			RunTime: 5 * time.Second,
			Scenarios: []plan.Scenario{
				{
					Name:           "healthy",
					Requests:       []plan.RequestDefinition{customRequest("ok")},
					MinConcurrency: 1,
					MaxConcurrency: 1,
					RunOnce:        true,
				},
				{
					Name:           "misconfigured",
					Requests:       []plan.RequestDefinition{customRequest("no-such-handler")},
					MinConcurrency: 1,
					MaxConcurrency: 1,
				},
			},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start should not fail on a scenario config error: %v", err)
	}
	<-drained

	faults := o.Faults()
	if len(faults) != 1 {
		t.Fatalf("faults = %v, want exactly one", faults)
	}
	results := sink.snapshot()
	if len(results) != 1 || results[0].Scenario != "healthy" {
		t.Fatalf("results = %+v, want one from the healthy scenario", results)
	}
}

func TestCancelStopsRunCleanly(t *testing.T) {
	registry := dispatch.NewRegistry()
	registry.Register("tick", func(ctx context.Context, def *plan.RequestDefinition) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(4096)
	_, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "cancel",
		Phases: []plan.Phase{{
			Name:    "long",
			RunTime: time.Hour,
			Scenarios: []plan.Scenario{{
				Name:           "steady",
				Requests:       []plan.RequestDefinition{customRequest("tick")},
				MinConcurrency: 2,
				MaxConcurrency: 2,
			}},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		o.Cancel()
	}()

	errc := make(chan error, 1)
	go func() { errc <- o.Start(context.Background()) }()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("cancelled run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	<-drained

	if st := o.Status(); st.State != StateCancelled {
		t.Fatalf("state = %q, want %q", st.State, StateCancelled)
	}
}

func TestPhasesRunSequentiallyWithGap(t *testing.T) {
	registry := dispatch.NewRegistry()
	registry.Register("step", func(ctx context.Context, def *plan.RequestDefinition) error { return nil })
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(64)
	sink, drained := startDrain(bus)

	scenario := plan.Scenario{
		Name:           "once",
		Requests:       []plan.RequestDefinition{customRequest("step")},
		MinConcurrency: 1,
		MaxConcurrency: 1,
		RunOnce:        true,
	}
	p := &plan.TestPlan{
		Name:     "two-phase",
		PhaseGap: 50 * time.Millisecond,
		Phases: []plan.Phase{
			{Name: "warmup", RunTime: 5 * time.Second, Scenarios: []plan.Scenario{scenario}},
			{Name: "load", RunTime: 5 * time.Second, Scenarios: []plan.Scenario{scenario}},
		},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Now()
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("run took %v, shorter than the configured phase gap", elapsed)
	}
	<-drained

	results := sink.snapshot()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Phase != "warmup" || results[1].Phase != "load" {
		t.Fatalf("phase order = %q, %q", results[0].Phase, results[1].Phase)
	}
}

func TestStartIsSingleUse(t *testing.T) {
	registry := dispatch.NewRegistry()
	registry.Register("step", func(ctx context.Context, def *plan.RequestDefinition) error { return nil })
	table := dispatch.NewTable(dispatch.Options{Registry: registry})
	bus := metrics.NewBus(64)
	_, drained := startDrain(bus)

	p := &plan.TestPlan{
		Name: "single-use",
		Phases: []plan.Phase{{
			Name:    "main",
			RunTime: 5 * time.Second,
			Scenarios: []plan.Scenario{{
				Name:           "once",
				Requests:       []plan.RequestDefinition{customRequest("step")},
				MinConcurrency: 1,
				MaxConcurrency: 1,
				RunOnce:        true,
			}},
		}},
	}

	o, err := New(p, Options{Table: table, Bus: bus})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	<-drained
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestNewRejectsInvalidPlan(t *testing.T) {
	table := dispatch.NewTable(dispatch.Options{Registry: dispatch.NewRegistry()})
	bus := metrics.NewBus(64)

	if _, err := New(&plan.TestPlan{Name: "empty"}, Options{Table: table, Bus: bus}); err == nil {
		t.Fatal("plan without phases should be rejected")
	}
}
