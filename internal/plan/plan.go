// Package plan defines the immutable test plan model consumed by the
// scheduling core: a run is an ordered list of phases, each phase a set of
// concurrently executed scenarios, each scenario a ramp-controlled pool of
// workers cycling through request definitions.
package plan

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolCustom    Protocol = "custom"
)

// Credential injects pre-resolved authentication into outbound requests.
// Credentials are opaque to the core; acquisition and refresh happen behind
// this interface.
type Credential interface {
	Token(ctx context.Context) (string, error)
	InjectHeader(ctx context.Context, req *http.Request) error
}

// TestPlan is the root of a run. It is constructed and validated by the
// config layer before execution starts and is never mutated afterwards.
type TestPlan struct {
	Name     string
	PhaseGap time.Duration // wait between consecutive phases
	Phases   []Phase
}

// Phase is a time-bounded segment of the run. RunTime is a hard ceiling:
// when it elapses every scenario in the phase is cancelled.
type Phase struct {
	Name      string
	RunTime   time.Duration
	Scenarios []Scenario
}

// Scenario describes one concurrency-controlled workload.
type Scenario struct {
	Name           string
	Requests       []RequestDefinition
	MinConcurrency int
	MaxConcurrency int
	Ramp           RampPlan

	// IterateThroughRequests assigns every worker the full request list to
	// cycle through. When false each worker is pinned to a single request,
	// chosen round-robin at spawn time.
	IterateThroughRequests bool

	// RunOnce makes each worker execute exactly one pass over its assignment
	// and then terminate without replacement.
	RunOnce bool

	// RatePerSecond caps the scenario's aggregate request start rate across
	// all of its workers. Zero means unpaced.
	RatePerSecond int

	// Thresholds are SLA assertions (e.g. "p95<200", "error_rate<0.01")
	// evaluated against the scenario's collected stats after the phase ends.
	Thresholds []string
}

// RampPlan is a step schedule for a scenario's target concurrency. Exactly
// one of Multiply or Add may be set. Each step is paired index-wise with a
// wait slept before the step applies.
type RampPlan struct {
	Multiply []float64
	Add      []int
	Waits    []time.Duration
}

// Steps reports how many ramp steps the plan contains.
func (r RampPlan) Steps() int {
	if len(r.Multiply) > 0 {
		return len(r.Multiply)
	}
	return len(r.Add)
}

// Multiplicative reports whether the plan scales targets by factors rather
// than adding deltas.
func (r RampPlan) Multiplicative() bool {
	return len(r.Multiply) > 0
}

// ResponseCheck asserts on a JSON response body: the value at Path must
// equal Equals for the request to count as a success.
type ResponseCheck struct {
	Path   string
	Equals string
}

// RequestDefinition is a named, reusable description of one request.
type RequestDefinition struct {
	Name     string
	URL      string
	Protocol Protocol
	Method   string
	Headers  map[string]string
	Params   map[string]string
	Body     string

	// ExpectedResponseTime is carried through to results for SLA comparison.
	// It is never enforced as a timeout.
	ExpectedResponseTime time.Duration

	Check      *ResponseCheck
	Credential Credential
}

// DetectProtocol maps a URL scheme to a protocol tag. URLs without a known
// scheme are treated as custom, matching how definitions backed by
// registered handler functions carry no network target.
func DetectProtocol(rawURL string) Protocol {
	scheme, _, ok := strings.Cut(rawURL, ":")
	if !ok {
		return ProtocolCustom
	}
	switch strings.ToLower(scheme) {
	case "http", "https":
		return ProtocolHTTP
	case "ws", "wss":
		return ProtocolWebSocket
	default:
		return ProtocolCustom
	}
}
