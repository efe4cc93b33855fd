package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/gradualhq/gradual/internal/dispatch"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/plan"
)

// runPhase executes one phase: all scenarios start together, run under a
// shared deadline derived from the phase run time, and the phase ends only
// when every scenario has fully drained. A scenario that fails its pre-spawn
// configuration check is dropped from the phase without disturbing its
// siblings; those faults are returned for reporting. Any other scenario
// error cancels the phase and is returned as fatal.
//
// register, when non-nil, receives the scenario runners before they start so
// the orchestrator can expose live status.
func runPhase(ctx context.Context, runID string, spec *plan.Phase, table *dispatch.Table, bus *metrics.Bus, register func([]*scenarioRunner)) (faults []error, fatal error) {
	pctx, cancel := context.WithTimeout(ctx, spec.RunTime)
	defer cancel()

	runners := make([]*scenarioRunner, 0, len(spec.Scenarios))
	for i := range spec.Scenarios {
		runners = append(runners, newScenarioRunner(&spec.Scenarios[i], runID, spec.Name, table, bus))
	}
	if register != nil {
		register(runners)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sr := range runners {
		wg.Add(1)
		go func(sr *scenarioRunner) {
			defer wg.Done()
			err := sr.run(pctx)
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			var cfgErr *dispatch.ConfigError
			if errors.As(err, &cfgErr) {
				faults = append(faults, err)
				return
			}
			if fatal == nil {
				fatal = err
			}
			cancel()
		}(sr)
	}
	wg.Wait()
	return faults, fatal
}
