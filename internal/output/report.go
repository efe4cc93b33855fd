// Package output renders run results: the live progress line, the final
// text or JSON report, and the run manifest.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/plan"
	"github.com/gradualhq/gradual/internal/threshold"
)

// Report is the final, fully aggregated view of a run.
type Report struct {
	RunID          string
	Plan           string
	TotalRequests  int64
	TotalSuccesses int64
	TotalFailures  int64
	DroppedResults int64
	Scenarios      []ScenarioReport
}

// ScenarioReport pairs one scenario's stats with its threshold verdicts.
type ScenarioReport struct {
	Name       string
	Stats      metrics.Stats
	Thresholds []threshold.Result
}

// BuildReport assembles the report from the collector, evaluating each
// scenario's thresholds from the plan against its collected stats.
func BuildReport(runID string, p *plan.TestPlan, col *metrics.Collector, dropped int64) Report {
	r := Report{RunID: runID, Plan: p.Name, DroppedResults: dropped}
	r.TotalRequests, r.TotalSuccesses, r.TotalFailures = col.Totals()

	exprs := map[string][]string{}
	for _, ph := range p.Phases {
		for _, sc := range ph.Scenarios {
			if len(sc.Thresholds) > 0 {
				exprs[sc.Name] = append(exprs[sc.Name], sc.Thresholds...)
			}
		}
	}

	for _, name := range col.Scenarios() {
		sr := ScenarioReport{Name: name, Stats: col.Stats(name)}
		if list := exprs[name]; len(list) > 0 {
			if parsed, err := threshold.ParseAll(list); err == nil {
				sr.Thresholds = threshold.Evaluate(parsed, sr.Stats)
			}
		}
		r.Scenarios = append(r.Scenarios, sr)
	}
	return r
}

// ThresholdsPassed reports whether every threshold across every scenario
// held. A report without thresholds passes.
func (r Report) ThresholdsPassed() bool {
	for _, sc := range r.Scenarios {
		if !threshold.AllPassed(sc.Thresholds) {
			return false
		}
	}
	return true
}

// WriteJSON emits the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText emits the human-readable report.
func (r Report) WriteText(w io.Writer) {
	fmt.Fprintf(w, "\n--- Run %s", r.RunID)
	if r.Plan != "" {
		fmt.Fprintf(w, " (%s)", r.Plan)
	}
	fmt.Fprintln(w, " ---")
	fmt.Fprintf(w, "Total Requests:    %d\n", r.TotalRequests)
	fmt.Fprintf(w, "Successful:        %d\n", r.TotalSuccesses)
	fmt.Fprintf(w, "Failed:            %d\n", r.TotalFailures)
	if r.DroppedResults > 0 {
		fmt.Fprintf(w, "Dropped Results:   %d (result bus overflow)\n", r.DroppedResults)
	}

	for _, sc := range r.Scenarios {
		writeScenario(w, sc)
	}
}

func writeScenario(w io.Writer, sc ScenarioReport) {
	s := sc.Stats
	fmt.Fprintf(w, "\nScenario: %s\n", sc.Name)
	fmt.Fprintf(w, "  Requests:        %d (%d ok, %d failed)\n", s.Total, s.Successes, s.Failures)
	fmt.Fprintf(w, "  Duration:        %s\n", s.Duration.Round(0))
	fmt.Fprintf(w, "  Requests/sec:    %.2f\n", s.RequestsPerSec)
	fmt.Fprintln(w, "  Latency:")
	fmt.Fprintf(w, "    Min:           %s\n", s.MinLatency)
	fmt.Fprintf(w, "    Mean:          %s\n", s.MeanLatency)
	fmt.Fprintf(w, "    P50:           %s\n", s.P50Latency)
	fmt.Fprintf(w, "    P90:           %s\n", s.P90Latency)
	fmt.Fprintf(w, "    P95:           %s\n", s.P95Latency)
	fmt.Fprintf(w, "    P99:           %s\n", s.P99Latency)
	fmt.Fprintf(w, "    Max:           %s\n", s.MaxLatency)

	if len(s.StatusCounts) > 0 {
		fmt.Fprintln(w, "  Status Codes:")
		for _, row := range s.StatusCounts {
			fmt.Fprintf(w, "    %s %s: %d\n", strings.ToUpper(row.Protocol), row.Code, row.Count)
		}
	}

	if len(s.Requests) > 0 {
		names := make([]string, 0, len(s.Requests))
		for name := range s.Requests {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			return s.Requests[names[i]].Total > s.Requests[names[j]].Total
		})
		fmt.Fprintln(w, "  Request Breakdown:")
		for _, name := range names {
			rs := s.Requests[name]
			fmt.Fprintf(w, "    - %s: total=%d, failures=%d, p95=%s", name, rs.Total, rs.Failures, rs.P95Latency)
			if rs.Expected > 0 {
				fmt.Fprintf(w, ", over %s: %d", rs.Expected, rs.SLAViolations)
			}
			fmt.Fprintln(w)
		}
	}

	if len(s.Errors) > 0 {
		keys := make([]string, 0, len(s.Errors))
		for k := range s.Errors {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return s.Errors[keys[i]] > s.Errors[keys[j]] })
		fmt.Fprintln(w, "  Errors:")
		for _, k := range keys {
			fmt.Fprintf(w, "    %dx %s\n", s.Errors[k], k)
		}
	}

	if len(sc.Thresholds) > 0 {
		fmt.Fprintln(w, "  Thresholds:")
		for _, res := range sc.Thresholds {
			fmt.Fprintf(w, "    %s\n", res.Message)
		}
	}
}
