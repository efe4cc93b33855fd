// Package metrics carries per-request outcomes from workers to consumers.
// Workers publish onto a bounded, never-blocking bus; the collector
// aggregates latency histograms and error breakdowns per scenario for
// reporting and threshold evaluation.
package metrics

import "time"

// Result is the immutable record of one dispatched request. It is produced
// by a worker and never mutated afterwards.
type Result struct {
	RunID    string
	Phase    string
	Scenario string
	WorkerID int
	Request  string
	Protocol string

	Start   time.Time
	Elapsed time.Duration

	// Code is the protocol-level status (HTTP status code; 0 where the
	// protocol has none).
	Code int
	OK   bool
	Err  string

	// ExpectedResponseTime is the request definition's SLA hint, carried
	// through for comparison only.
	ExpectedResponseTime time.Duration
}

// Sink consumes the result stream. Implementations must not assume any
// ordering between results from different workers.
type Sink interface {
	Record(Result)
}
