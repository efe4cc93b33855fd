package runner

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gradualhq/gradual/internal/dispatch"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/plan"
)

// worker is one concurrency slot in a scenario. It loops over its assigned
// request definitions and checks for cancellation only between iterations,
// never mid-request: a stop signal lets the in-flight dispatch finish and
// takes effect at the next loop boundary.
type worker struct {
	id       int
	runID    string
	phase    string
	scenario string

	// assignment is either a single pinned request or the scenario's full
	// list, depending on the iteration mode.
	assignment []plan.RequestDefinition
	next       int

	runOnce bool
	table   *dispatch.Table
	bus     *metrics.Bus
	limiter *rate.Limiter
	counter *atomic.Int64

	cancel context.CancelFunc
}

// stop requests cooperative termination. The worker observes it at its next
// iteration boundary.
func (w *worker) stop() {
	w.cancel()
}

func (w *worker) run(ctx context.Context) {
	done := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}

		def := &w.assignment[w.next]
		w.next = (w.next + 1) % len(w.assignment)

		// Detach the dispatch from the worker's cancellation so ramp-down
		// and phase deadline never abort a request already on the wire.
		start := time.Now()
		out := w.table.Execute(context.WithoutCancel(ctx), def)
		elapsed := time.Since(start)

		errDetail := ""
		if out.Err != nil {
			errDetail = out.Err.Error()
		}
		w.bus.Publish(metrics.Result{
			RunID:                w.runID,
			Phase:                w.phase,
			Scenario:             w.scenario,
			WorkerID:             w.id,
			Request:              def.Name,
			Protocol:             string(def.Protocol),
			Start:                start,
			Elapsed:              elapsed,
			Code:                 out.Code,
			OK:                   out.OK(),
			Err:                  errDetail,
			ExpectedResponseTime: def.ExpectedResponseTime,
		})
		w.counter.Add(1)
		w.table.Completed(def)

		if w.runOnce {
			done++
			if done >= len(w.assignment) {
				return
			}
		}
	}
}
