package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gradualhq/gradual/internal/config"
	"github.com/gradualhq/gradual/internal/dispatch"
	"github.com/gradualhq/gradual/internal/httpclient"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/output"
	"github.com/gradualhq/gradual/internal/plan"
	"github.com/gradualhq/gradual/internal/runner"
	"github.com/gradualhq/gradual/internal/tracing"
)

const progressInterval = time.Second

type stderrFailureLogger struct {
	mu sync.Mutex
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	defer func() {
		for _, p := range cfg.Providers {
			_ = p.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	table := dispatch.NewTable(dispatch.Options{
		HTTPClient:       httpclient.NewClient(peakConcurrency(cfg.Plan)),
		Registry:         dispatch.NewRegistry(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		Tracer:           tracer.Tracer(),
	})

	bus := metrics.NewBus(cfg.BusCapacity)
	collector := metrics.NewCollector()

	sinks := []metrics.Sink{collector}
	if cfg.LogErrors {
		sinks = append(sinks, &stderrFailureLogger{})
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		bus.Drain(sinks...)
	}()

	orch, err := runner.New(cfg.Plan, runner.Options{Table: table, Bus: bus})
	if err != nil {
		return err
	}

	var progress *output.ProgressReporter
	if !cfg.JSONOutput {
		progress = output.NewProgressReporter(orch.Status, progressInterval, os.Stdout)
		progress.Start()
	}

	startedAt := time.Now()
	runErr := orch.Start(ctx)
	<-drained

	if progress != nil {
		progress.Stop()
		fmt.Fprintln(os.Stdout)
	}

	report := output.BuildReport(orch.RunID(), cfg.Plan, collector, bus.Dropped())
	if cfg.JSONOutput {
		if err := report.WriteJSON(os.Stdout); err != nil {
			return err
		}
	} else {
		report.WriteText(os.Stdout)
	}

	faults := orch.Faults()
	for _, f := range faults {
		fmt.Fprintf(os.Stderr, "[gradual] scenario skipped: %v\n", f)
	}

	if cfg.Manifest != "" {
		if err := writeManifest(cfg, orch, report, startedAt, faults); err != nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}
	if len(faults) > 0 {
		return fmt.Errorf("%d scenario(s) skipped due to configuration errors", len(faults))
	}
	if !report.ThresholdsPassed() {
		return errors.New("one or more thresholds failed")
	}
	return nil
}

func writeManifest(cfg *config.Config, orch *runner.Orchestrator, report output.Report, startedAt time.Time, faults []error) error {
	m := output.Manifest{
		RunID:            orch.RunID(),
		Plan:             cfg.Plan.Name,
		PlanFile:         cfg.PlanFile,
		State:            string(orch.Status().State),
		StartedAt:        startedAt,
		FinishedAt:       time.Now(),
		TotalRequests:    report.TotalRequests,
		TotalSuccesses:   report.TotalSuccesses,
		TotalFailures:    report.TotalFailures,
		DroppedResults:   report.DroppedResults,
		ThresholdsPassed: report.ThresholdsPassed(),
	}
	for _, ph := range cfg.Plan.Phases {
		m.Phases = append(m.Phases, ph.Name)
	}
	for _, f := range faults {
		m.ScenarioFaults = append(m.ScenarioFaults, f.Error())
	}
	return output.WriteManifest(cfg.Manifest, m)
}

// peakConcurrency sizes the shared HTTP transport: the largest sum of
// scenario ceilings across any single phase, since phases never overlap.
func peakConcurrency(p *plan.TestPlan) int {
	peak := 1
	for _, ph := range p.Phases {
		total := 0
		for _, sc := range ph.Scenarios {
			total += sc.MaxConcurrency
		}
		if total > peak {
			peak = total
		}
	}
	return peak
}

func (l *stderrFailureLogger) Record(r metrics.Result) {
	if r.OK {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(os.Stderr, "[gradual] %s/%s request %s failed: %s\n", r.Phase, r.Scenario, r.Request, r.Err)
}
