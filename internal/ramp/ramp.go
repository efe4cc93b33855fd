// Package ramp turns a scenario's ramp plan into a concrete target-
// concurrency schedule. The schedule is compiled once up front; driving it
// is a single goroutine per scenario that sleeps between steps and reports
// each new target to the scenario executor. The scheduler never spawns or
// stops workers itself.
package ramp

import (
	"context"
	"math"
	"time"

	"github.com/gradualhq/gradual/internal/plan"
)

// Step is one schedule entry: sleep Wait, then move to Target.
type Step struct {
	Wait   time.Duration
	Target int
}

// Schedule is a compiled ramp: the initial target followed by timed steps.
// After the last step the target holds until the scenario is cancelled.
type Schedule struct {
	Initial int
	Steps   []Step
}

// Compile resolves a ramp plan against the scenario's concurrency bounds.
// The initial target is min. Each multiplicative step scales the previous
// target by its factor, each additive step shifts it by its delta (which may
// be negative), and every result is clamped to [min, max].
func Compile(p plan.RampPlan, min, max int) *Schedule {
	s := &Schedule{Initial: min}
	prev := min
	for i := 0; i < p.Steps(); i++ {
		var next int
		if p.Multiplicative() {
			next = int(math.Round(float64(prev) * p.Multiply[i]))
		} else {
			next = prev + p.Add[i]
		}
		next = clamp(next, min, max)
		s.Steps = append(s.Steps, Step{Wait: p.Waits[i], Target: next})
		prev = next
	}
	return s
}

// Final returns the steady-state target held after the last step.
func (s *Schedule) Final() int {
	if len(s.Steps) == 0 {
		return s.Initial
	}
	return s.Steps[len(s.Steps)-1].Target
}

// Targets returns the distinct target sequence the schedule moves through,
// starting at the initial target. Steps that do not change the target are
// omitted, matching the emit-on-change contract.
func (s *Schedule) Targets() []int {
	out := []int{s.Initial}
	prev := s.Initial
	for _, st := range s.Steps {
		if st.Target != prev {
			out = append(out, st.Target)
			prev = st.Target
		}
	}
	return out
}

// Run drives the schedule: it applies the initial target immediately, then
// sleeps each step's wait and applies the step's target when it differs from
// the previous one. Run returns once the last step has been applied or the
// context is cancelled; holding the final target is simply the absence of
// further changes.
func Run(ctx context.Context, s *Schedule, apply func(target int)) error {
	apply(s.Initial)
	prev := s.Initial

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for _, st := range s.Steps {
		if st.Wait > 0 {
			timer.Reset(st.Wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if st.Target != prev {
			apply(st.Target)
			prev = st.Target
		}
	}
	return nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
