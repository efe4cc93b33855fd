package metrics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Collector aggregates results per scenario in a thread-safe manner. It
// implements Sink and is normally fed from the bus drain goroutine.
type Collector struct {
	mu        sync.Mutex
	scenarios map[string]*scenarioAgg
}

type scenarioAgg struct {
	hist       *hdrhistogram.Histogram
	successes  int64
	failures   int64
	sumLatency time.Duration
	minLatency time.Duration
	maxLatency time.Duration
	codes      map[string]map[string]int
	errors     map[string]int64
	requests   map[string]*requestAgg
	firstStart time.Time
	lastEnd    time.Time
}

type requestAgg struct {
	hist          *hdrhistogram.Histogram
	successes     int64
	failures      int64
	slaViolations int64
	expected      time.Duration
}

// Stats is an aggregated view over one scenario's results.
type Stats struct {
	Total          int64
	Successes      int64
	Failures       int64
	MinLatency     time.Duration
	MaxLatency     time.Duration
	MeanLatency    time.Duration
	P50Latency     time.Duration
	P90Latency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
	Duration       time.Duration
	RequestsPerSec float64
	ErrorRate      float64
	StatusCounts   []StatusBucket
	Errors         map[string]int
	Requests       map[string]RequestStats
}

// RequestStats breaks a scenario down by request definition, including how
// often the observed latency exceeded the definition's expected response
// time. The expectation is compared, never enforced.
type RequestStats struct {
	Total         int64
	Successes     int64
	Failures      int64
	SLAViolations int64
	Expected      time.Duration
	P50Latency    time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
}

func NewCollector() *Collector {
	return &Collector{scenarios: make(map[string]*scenarioAgg)}
}

func newHist() *hdrhistogram.Histogram {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	return hdrhistogram.New(1, 60_000_000, 3)
}

// Record folds one result into the scenario's aggregates.
func (c *Collector) Record(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.scenarios[r.Scenario]
	if !ok {
		agg = &scenarioAgg{
			hist:     newHist(),
			codes:    make(map[string]map[string]int),
			errors:   make(map[string]int64),
			requests: make(map[string]*requestAgg),
		}
		c.scenarios[r.Scenario] = agg
	}

	if agg.firstStart.IsZero() || r.Start.Before(agg.firstStart) {
		agg.firstStart = r.Start
	}
	if end := r.Start.Add(r.Elapsed); end.After(agg.lastEnd) {
		agg.lastEnd = end
	}

	recordLatency(agg.hist, r.Elapsed)
	agg.sumLatency += r.Elapsed
	if agg.minLatency == 0 || r.Elapsed < agg.minLatency {
		agg.minLatency = r.Elapsed
	}
	if r.Elapsed > agg.maxLatency {
		agg.maxLatency = r.Elapsed
	}

	if r.OK {
		agg.successes++
	} else {
		agg.failures++
		if r.Err != "" {
			agg.errors[truncateError(r.Err)]++
		}
	}
	if r.Code != 0 {
		byCode, ok := agg.codes[r.Protocol]
		if !ok {
			byCode = make(map[string]int)
			agg.codes[r.Protocol] = byCode
		}
		byCode[strconv.Itoa(r.Code)]++
	}

	req, ok := agg.requests[r.Request]
	if !ok {
		req = &requestAgg{hist: newHist(), expected: r.ExpectedResponseTime}
		agg.requests[r.Request] = req
	}
	recordLatency(req.hist, r.Elapsed)
	if r.OK {
		req.successes++
	} else {
		req.failures++
	}
	if r.ExpectedResponseTime > 0 && r.Elapsed > r.ExpectedResponseTime {
		req.slaViolations++
	}
}

func recordLatency(h *hdrhistogram.Histogram, latency time.Duration) {
	if latency <= 0 {
		return
	}
	us := latency.Microseconds()
	if us < h.LowestTrackableValue() {
		us = h.LowestTrackableValue()
	}
	if us > h.HighestTrackableValue() {
		us = h.HighestTrackableValue()
	}
	_ = h.RecordValue(us)
}

// Scenarios lists scenario names with recorded results, sorted.
func (c *Collector) Scenarios() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.scenarios))
	for name := range c.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Totals reports run-wide counts across all scenarios.
func (c *Collector) Totals() (total, successes, failures int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agg := range c.scenarios {
		successes += agg.successes
		failures += agg.failures
	}
	return successes + failures, successes, failures
}

// Stats computes the aggregated view for one scenario. Unknown scenarios
// yield a zero value.
func (c *Collector) Stats(scenario string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.scenarios[scenario]
	if !ok {
		return Stats{}
	}

	total := agg.successes + agg.failures
	stats := Stats{
		Total:      total,
		Successes:  agg.successes,
		Failures:   agg.failures,
		MinLatency: agg.minLatency,
		MaxLatency: agg.maxLatency,
	}
	if total > 0 {
		stats.MeanLatency = time.Duration(int64(agg.sumLatency) / total)
		stats.ErrorRate = float64(agg.failures) / float64(total)
	}
	if agg.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(agg.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(agg.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P95Latency = time.Duration(agg.hist.ValueAtQuantile(95)) * time.Microsecond
		stats.P99Latency = time.Duration(agg.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	elapsed := agg.lastEnd.Sub(agg.firstStart)
	stats.Duration = elapsed
	if elapsed > 0 && total > 0 {
		stats.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	stats.StatusCounts = FlattenStatusBuckets(agg.codes)

	if len(agg.errors) > 0 {
		stats.Errors = make(map[string]int, len(agg.errors))
		for k, v := range agg.errors {
			stats.Errors[k] = int(v)
		}
	}

	stats.Requests = make(map[string]RequestStats, len(agg.requests))
	for name, req := range agg.requests {
		rs := RequestStats{
			Total:         req.successes + req.failures,
			Successes:     req.successes,
			Failures:      req.failures,
			SLAViolations: req.slaViolations,
			Expected:      req.expected,
		}
		if req.hist.TotalCount() > 0 {
			rs.P50Latency = time.Duration(req.hist.ValueAtQuantile(50)) * time.Microsecond
			rs.P95Latency = time.Duration(req.hist.ValueAtQuantile(95)) * time.Microsecond
			rs.P99Latency = time.Duration(req.hist.ValueAtQuantile(99)) * time.Microsecond
		}
		stats.Requests[name] = rs
	}

	return stats
}

func truncateError(msg string) string {
	const maxLen = 120
	for i := 0; i < len(msg); i++ {
		if msg[i] == '\n' {
			msg = msg[:i]
			break
		}
	}
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
