// Package threshold evaluates SLA assertions against a scenario's collected
// stats after its phase ends. Expressions name a metric, a comparison
// operator and a bound, e.g. "p95 < 200" or "error_rate < 0.01". Latency
// metrics are in milliseconds.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gradualhq/gradual/internal/metrics"
)

// Threshold is one parsed assertion.
type Threshold struct {
	Metric   string
	Operator string
	Value    float64
	Raw      string
}

// Result is the outcome of evaluating one threshold against one scenario.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

var exprPattern = regexp.MustCompile(`^([a-z0-9_]+)\s*(<=|>=|==|<|>)\s*([0-9.]+)$`)

var metricNames = map[string]bool{
	"p50": true, "p90": true, "p95": true, "p99": true,
	"avg": true, "min": true, "max": true,
	"rps": true, "error_rate": true, "failures": true, "requests": true,
}

// Parse turns one expression into a Threshold.
func Parse(s string) (Threshold, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Threshold{}, fmt.Errorf("empty threshold expression")
	}

	m := exprPattern.FindStringSubmatch(raw)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q: expected \"metric op value\", e.g. \"p95 < 200\"", raw)
	}
	metric, op, valueStr := m[1], m[2], m[3]

	if !metricNames[metric] {
		return Threshold{}, fmt.Errorf("unknown threshold metric %q (supported: p50, p90, p95, p99, avg, min, max, rps, error_rate, failures, requests)", metric)
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %w", valueStr, err)
	}

	return Threshold{Metric: metric, Operator: op, Value: value, Raw: raw}, nil
}

// ParseAll parses a scenario's threshold list, collecting all errors.
func ParseAll(exprs []string) ([]Threshold, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make([]Threshold, 0, len(exprs))
	var problems []string
	for i, s := range exprs {
		t, err := Parse(s)
		if err != nil {
			problems = append(problems, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		out = append(out, t)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return out, nil
}

// Evaluate checks every threshold against the stats.
func Evaluate(thresholds []Threshold, stats metrics.Stats) []Result {
	if len(thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(thresholds))
	for _, t := range thresholds {
		results = append(results, evaluateOne(t, stats))
	}
	return results
}

// AllPassed reports whether no result failed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func evaluateOne(t Threshold, stats metrics.Stats) Result {
	actual := metricValue(t.Metric, stats)
	pass := compare(actual, t.Operator, t.Value)

	status := "PASS"
	if !pass {
		status = "FAIL"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s (actual %.2f)", status, t.Raw, actual),
	}
}

func metricValue(metric string, stats metrics.Stats) float64 {
	switch metric {
	case "p50":
		return ms(stats.P50Latency)
	case "p90":
		return ms(stats.P90Latency)
	case "p95":
		return ms(stats.P95Latency)
	case "p99":
		return ms(stats.P99Latency)
	case "avg":
		return ms(stats.MeanLatency)
	case "min":
		return ms(stats.MinLatency)
	case "max":
		return ms(stats.MaxLatency)
	case "rps":
		return stats.RequestsPerSec
	case "error_rate":
		return stats.ErrorRate
	case "failures":
		return float64(stats.Failures)
	case "requests":
		return float64(stats.Total)
	}
	return 0
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func compare(actual float64, op string, bound float64) bool {
	const epsilon = 1e-9
	switch op {
	case "<":
		return actual < bound
	case "<=":
		return actual <= bound || math.Abs(actual-bound) < epsilon
	case ">":
		return actual > bound
	case ">=":
		return actual >= bound || math.Abs(actual-bound) < epsilon
	case "==":
		return math.Abs(actual-bound) < epsilon
	}
	return false
}
