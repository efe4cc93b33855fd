package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gradualhq/gradual/internal/plan"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

const fullPlan = `
name: storefront
phase_gap: 10s
auth: default-token
requests:
  - name: home
    url: https://shop.example.com/
    expected_response_time: 250ms
    headers:
      x-test-run: "true"
  - name: search
    url: https://shop.example.com/search
    method: post
    params:
      q: boots
    check:
      path: status
      equals: ok
  - name: feed
    url: wss://shop.example.com/live
    auth:
      type: bearer
      token: feed-token
  - name: warm-cache
    protocol: custom
phases:
  - name: warmup
    run_time: 1m
    scenarios:
      - name: browse
        requests: [home, search]
        min_concurrency: 1
        max_concurrency: 8
        ramp:
          multiply: 2
          waits: [10s, 10s, 10s]
        iterate_through_requests: true
  - name: peak
    run_time: 5m
    scenarios:
      - name: heavy
        requests: [home]
        min_concurrency: 5
        max_concurrency: 50
        rate_per_second: 100
        thresholds: ["p95 < 200", "error_rate < 0.05"]
        ramp:
          add: [10, 20, -15]
          waits: 30s
      - name: live
        requests: [feed, warm-cache]
        min_concurrency: 2
`

func TestLoadFullPlan(t *testing.T) {
	path := writePlan(t, fullPlan)
	cfg, err := Load([]string{"--plan", path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p := cfg.Plan
	if p.Name != "storefront" || p.PhaseGap != 10*time.Second {
		t.Fatalf("plan header = %q %v", p.Name, p.PhaseGap)
	}
	if len(p.Phases) != 2 {
		t.Fatalf("phases = %d", len(p.Phases))
	}

	browse := p.Phases[0].Scenarios[0]
	if browse.MinConcurrency != 1 || browse.MaxConcurrency != 8 || !browse.IterateThroughRequests {
		t.Fatalf("browse = %+v", browse)
	}
	// Scalar factor repeats once per wait.
	if len(browse.Ramp.Multiply) != 3 || browse.Ramp.Multiply[0] != 2 {
		t.Fatalf("browse ramp = %+v", browse.Ramp)
	}
	if len(browse.Requests) != 2 || browse.Requests[0].Name != "home" {
		t.Fatalf("browse requests = %+v", browse.Requests)
	}

	home := browse.Requests[0]
	if home.Protocol != plan.ProtocolHTTP || home.Method != "GET" {
		t.Fatalf("home = %+v", home)
	}
	if home.ExpectedResponseTime != 250*time.Millisecond {
		t.Fatalf("home expected response time = %v", home.ExpectedResponseTime)
	}
	if home.Headers["X-Test-Run"] != "true" {
		t.Fatalf("home headers = %v", home.Headers)
	}
	if home.Credential == nil {
		t.Fatal("home should inherit the default credential")
	}

	search := browse.Requests[1]
	if search.Method != "POST" || search.Check == nil || search.Check.Path != "status" {
		t.Fatalf("search = %+v", search)
	}

	heavy := p.Phases[1].Scenarios[0]
	if heavy.RatePerSecond != 100 || len(heavy.Thresholds) != 2 {
		t.Fatalf("heavy = %+v", heavy)
	}
	// Scalar wait repeats once per delta.
	if len(heavy.Ramp.Add) != 3 || len(heavy.Ramp.Waits) != 3 || heavy.Ramp.Waits[2] != 30*time.Second {
		t.Fatalf("heavy ramp = %+v", heavy.Ramp)
	}

	live := p.Phases[1].Scenarios[1]
	if live.MaxConcurrency != 2 {
		t.Fatalf("max should default to min, got %d", live.MaxConcurrency)
	}
	if live.Requests[0].Protocol != plan.ProtocolWebSocket {
		t.Fatalf("feed protocol = %q", live.Requests[0].Protocol)
	}
	if live.Requests[0].Credential == nil {
		t.Fatal("feed should carry its own credential")
	}
	if live.Requests[1].Protocol != plan.ProtocolCustom {
		t.Fatalf("warm-cache protocol = %q", live.Requests[1].Protocol)
	}

	// Default token provider plus the feed override.
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d", len(cfg.Providers))
	}
}

func TestLoadRejectsUnknownRequestReference(t *testing.T) {
	path := writePlan(t, `
requests:
  - name: home
    url: https://example.com/
phases:
  - name: main
    run_time: 1m
    scenarios:
      - name: browse
        requests: [missing]
`)
	_, err := Load([]string{"--plan", path})
	if err == nil || !strings.Contains(err.Error(), "unknown request") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := writePlan(t, `
requests:
  - name: home
    url: https://example.com/
phases:
  - name: main
    run_time: 1m
    scenarios:
      - name: browse
        requests: [home]
        thresholds: ["latency_is_nice"]
`)
	_, err := Load([]string{"--plan", path})
	if err == nil || !strings.Contains(err.Error(), "thresholds") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsInvalidPlan(t *testing.T) {
	path := writePlan(t, `
requests:
  - name: home
    url: https://example.com/
phases:
  - name: main
    run_time: 1m
    scenarios:
      - name: browse
        requests: [home]
        min_concurrency: 10
        max_concurrency: 2
`)
	_, err := Load([]string{"--plan", path})
	var verr *plan.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestLoadWithoutPlanShowsHelp(t *testing.T) {
	_, err := Load(nil)
	if !errors.Is(err, ErrHelpRequested) {
		t.Fatalf("err = %v", err)
	}
}

func TestHelpExplainsCustomRequests(t *testing.T) {
	var buf bytes.Buffer
	cmd := newFlagCommand()
	cmd.SetOut(&buf)
	displayHelp(cmd)

	out := buf.String()
	if !strings.Contains(out, "dispatch.Registry") {
		t.Fatalf("help output does not explain custom request handlers:\n%s", out)
	}
}

func TestFlagOverrides(t *testing.T) {
	path := writePlan(t, `
json_output: false
bus_capacity: 1024
requests:
  - name: home
    url: https://example.com/
phases:
  - name: main
    run_time: 1m
    scenarios:
      - name: browse
        requests: [home]
`)
	cfg, err := Load([]string{
		"--plan", path,
		"--json-output",
		"--bus-capacity", "2048",
		"--tracing", "--tracing-endpoint", "collector:4317", "--tracing-insecure",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.JSONOutput {
		t.Fatal("json-output flag should override the file")
	}
	if cfg.BusCapacity != 2048 {
		t.Fatalf("bus capacity = %d", cfg.BusCapacity)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4317" || !cfg.Tracing.Insecure {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
}

func TestAuthShapes(t *testing.T) {
	t.Setenv("GRADUAL_AUTH_CLIENT_SECRET", "from-env")
	path := writePlan(t, `
requests:
  - name: api
    url: https://example.com/api
    auth:
      type: oauth2
      token_url: https://login.example.com/token
      client_id: loadtest
  - name: admin
    url: https://example.com/admin
    auth:
      type: basic
      username: admin
      password: hunter2
phases:
  - name: main
    run_time: 1m
    scenarios:
      - name: all
        requests: [api, admin]
`)
	cfg, err := Load([]string{"--plan", path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, def := range cfg.Plan.Phases[0].Scenarios[0].Requests {
		if def.Credential == nil {
			t.Fatalf("request %q has no credential", def.Name)
		}
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d", len(cfg.Providers))
	}
}

func TestAuthMissingSecretFails(t *testing.T) {
	path := writePlan(t, `
requests:
  - name: api
    url: https://example.com/api
    auth:
      type: oauth2
      token_url: https://login.example.com/token
      client_id: loadtest
phases:
  - name: main
    run_time: 1m
    scenarios:
      - name: all
        requests: [api]
`)
	if os.Getenv("GRADUAL_AUTH_CLIENT_SECRET") != "" {
		t.Skip("client secret present in environment")
	}
	_, err := Load([]string{"--plan", path})
	if err == nil || !strings.Contains(err.Error(), "client_secret") {
		t.Fatalf("err = %v", err)
	}
}
