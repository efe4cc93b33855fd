package plan

import "fmt"

// ValidationError marks a malformed or internally inconsistent TestPlan.
// It is fatal: validation runs before any worker starts and a failure aborts
// the whole run.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid test plan: " + e.Detail
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// Validate checks the full plan against its invariants. It must pass before
// the plan reaches the orchestrator.
func (p *TestPlan) Validate() error {
	if p == nil {
		return invalidf("plan is nil")
	}
	if len(p.Phases) == 0 {
		return invalidf("plan %q has no phases", p.Name)
	}
	if p.PhaseGap < 0 {
		return invalidf("plan %q: phase gap must be >= 0", p.Name)
	}
	for i := range p.Phases {
		if err := p.Phases[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (ph *Phase) validate() error {
	if ph.Name == "" {
		return invalidf("phase name must not be empty")
	}
	if ph.RunTime <= 0 {
		return invalidf("phase %q: run time must be > 0", ph.Name)
	}
	if len(ph.Scenarios) == 0 {
		return invalidf("phase %q has no scenarios", ph.Name)
	}
	seen := make(map[string]struct{}, len(ph.Scenarios))
	for i := range ph.Scenarios {
		sc := &ph.Scenarios[i]
		if _, dup := seen[sc.Name]; dup {
			return invalidf("phase %q: duplicate scenario %q", ph.Name, sc.Name)
		}
		seen[sc.Name] = struct{}{}
		if err := sc.validate(ph.Name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) validate(phase string) error {
	if s.Name == "" {
		return invalidf("phase %q: scenario name must not be empty", phase)
	}
	if s.MinConcurrency < 1 {
		return invalidf("scenario %q: min concurrency must be >= 1", s.Name)
	}
	if s.MaxConcurrency < s.MinConcurrency {
		return invalidf("scenario %q: max concurrency %d below min %d",
			s.Name, s.MaxConcurrency, s.MinConcurrency)
	}
	if len(s.Requests) == 0 {
		return invalidf("scenario %q references no requests", s.Name)
	}
	if s.RatePerSecond < 0 {
		return invalidf("scenario %q: rate per second must be >= 0", s.Name)
	}
	for i := range s.Requests {
		if err := s.Requests[i].validate(s.Name); err != nil {
			return err
		}
	}
	return s.Ramp.validate(s.Name)
}

func (r RampPlan) validate(scenario string) error {
	if len(r.Multiply) > 0 && len(r.Add) > 0 {
		return invalidf("scenario %q: ramp may be multiplicative or additive, not both", scenario)
	}
	if r.Steps() != len(r.Waits) {
		return invalidf("scenario %q: %d ramp steps paired with %d waits",
			scenario, r.Steps(), len(r.Waits))
	}
	for i, w := range r.Waits {
		if w < 0 {
			return invalidf("scenario %q: ramp wait %d is negative", scenario, i)
		}
	}
	for i, f := range r.Multiply {
		if f <= 0 {
			return invalidf("scenario %q: ramp factor %d must be > 0", scenario, i)
		}
	}
	return nil
}

func (d *RequestDefinition) validate(scenario string) error {
	if d.Name == "" {
		return invalidf("scenario %q: request name must not be empty", scenario)
	}
	switch d.Protocol {
	case ProtocolHTTP, ProtocolWebSocket:
		if d.URL == "" {
			return invalidf("request %q: %s requests need a target URL", d.Name, d.Protocol)
		}
	case ProtocolCustom:
	default:
		return invalidf("request %q: unknown protocol %q", d.Name, d.Protocol)
	}
	if d.ExpectedResponseTime < 0 {
		return invalidf("request %q: expected response time must be >= 0", d.Name)
	}
	if d.Check != nil && d.Check.Path == "" {
		return invalidf("request %q: response check needs a path", d.Name)
	}
	return nil
}
