package output

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the durable record of one run, written next to the report so
// results can be traced back to the plan and time window that produced them.
type Manifest struct {
	RunID      string    `yaml:"run_id"`
	Plan       string    `yaml:"plan"`
	PlanFile   string    `yaml:"plan_file,omitempty"`
	State      string    `yaml:"state"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`

	Phases []string `yaml:"phases,omitempty"`

	TotalRequests  int64 `yaml:"total_requests"`
	TotalSuccesses int64 `yaml:"total_successes"`
	TotalFailures  int64 `yaml:"total_failures"`
	DroppedResults int64 `yaml:"dropped_results,omitempty"`

	ThresholdsPassed bool     `yaml:"thresholds_passed"`
	ScenarioFaults   []string `yaml:"scenario_faults,omitempty"`
}

// WriteManifest marshals the manifest to YAML at path.
func WriteManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest back, used by tooling that post-processes
// run results.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
