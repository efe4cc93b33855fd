// Package config loads the run configuration: CLI flags plus a YAML or JSON
// plan file. The loader produces a validated plan.TestPlan with credentials
// already bound to request definitions; nothing downstream reads files or
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gradualhq/gradual/internal/auth"
	"github.com/gradualhq/gradual/internal/plan"
	"github.com/gradualhq/gradual/internal/tracing"
)

// ErrHelpRequested is returned when the user asks for usage output.
var ErrHelpRequested = errors.New("help requested")

// Config is everything the command layer needs to run a plan.
type Config struct {
	Plan       *plan.TestPlan
	PlanFile   string
	JSONOutput bool
	LogErrors  bool
	Manifest   string // path for the run manifest, empty disables it

	BusCapacity      int
	HandshakeTimeout time.Duration

	Tracing tracing.Config

	// Providers holds every credential built from the plan file so the
	// command layer can close them after the run.
	Providers []auth.Provider
}

// Load parses flags and the plan file named by --plan.
func Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}
	fs := cmd.Flags()

	if helpFlag := fs.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	planPath, _ := fs.GetString("plan")
	if planPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}

	v := viper.New()
	v.SetConfigFile(planPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	cfg := &Config{
		PlanFile:         planPath,
		BusCapacity:      4096,
		HandshakeTimeout: 30 * time.Second,
	}

	p, providers, err := buildPlan(v.AllSettings())
	if err != nil {
		return nil, err
	}
	cfg.Plan = p
	cfg.Providers = providers

	if err := applySettings(cfg, v.AllSettings()); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, fs); err != nil {
		return nil, err
	}

	if err := cfg.Plan.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySettings reads the run-level settings that sit alongside the plan in
// the same file.
func applySettings(cfg *Config, settings map[string]interface{}) error {
	if raw, ok := lookup(settings, "buscapacity", "bus_capacity", "bus-capacity"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("bus_capacity: %w", err)
		}
		if val > 0 {
			cfg.BusCapacity = val
		}
	}
	if raw, ok := lookup(settings, "handshaketimeout", "handshake_timeout", "handshake-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = dur
	}
	if raw, ok := lookup(settings, "manifest"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		cfg.Manifest = val
	}
	if raw, ok := lookup(settings, "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json_output: %w", err)
		}
		cfg.JSONOutput = val
	}
	if raw, ok := lookup(settings, "logerrors", "log_errors", "log-errors"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("log_errors: %w", err)
		}
		cfg.LogErrors = val
	}
	if raw, ok := lookup(settings, "tracing"); ok {
		tc, err := parseTracing(raw)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tc
	}
	return nil
}

func parseTracing(value interface{}) (tracing.Config, error) {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return tracing.Config{}, err
	}
	var tc tracing.Config
	if raw, ok := lookup(entry, "enabled"); ok {
		if tc.Enabled, err = asBool(raw); err != nil {
			return tracing.Config{}, fmt.Errorf("enabled: %w", err)
		}
	}
	if raw, ok := lookup(entry, "endpoint"); ok {
		if tc.Endpoint, err = asString(raw); err != nil {
			return tracing.Config{}, fmt.Errorf("endpoint: %w", err)
		}
	}
	if raw, ok := lookup(entry, "protocol"); ok {
		if tc.Protocol, err = asString(raw); err != nil {
			return tracing.Config{}, fmt.Errorf("protocol: %w", err)
		}
	}
	if raw, ok := lookup(entry, "servicename", "service_name", "service-name"); ok {
		if tc.ServiceName, err = asString(raw); err != nil {
			return tracing.Config{}, fmt.Errorf("service_name: %w", err)
		}
	}
	if raw, ok := lookup(entry, "insecure"); ok {
		if tc.Insecure, err = asBool(raw); err != nil {
			return tracing.Config{}, fmt.Errorf("insecure: %w", err)
		}
	}
	if raw, ok := lookup(entry, "samplerate", "sample_rate", "sample-rate"); ok {
		if tc.SampleRate, err = asFloat(raw); err != nil {
			return tracing.Config{}, fmt.Errorf("sample_rate: %w", err)
		}
	} else if tc.Enabled {
		tc.SampleRate = 1
	}
	return tc, nil
}

func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gradual",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// RegisterFlags exposes the flag set on an externally built cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

func configureFlags(flags *pflag.FlagSet) {
	flags.StringP("plan", "p", "", "Path to the test plan file (YAML or JSON)")
	flags.Bool("json-output", false, "Emit the final report as JSON")
	flags.Bool("log-errors", false, "Log each failed request to stderr")
	flags.String("manifest", "", "Write a run manifest to the given path")
	flags.Int("bus-capacity", 0, "Result bus buffer size (0 uses the default)")
	flags.Duration("handshake-timeout", 0, "WebSocket handshake timeout")
	flags.Bool("tracing", false, "Enable OpenTelemetry tracing")
	flags.String("tracing-endpoint", "", "OTLP endpoint for trace export")
	flags.String("tracing-protocol", "", "OTLP transport: grpc or http")
	flags.Float64("tracing-sample-rate", 1, "Trace sampling ratio between 0 and 1")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
}

func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
	_ = writeExample(out)
	fmt.Fprint(out, `
Custom requests:

  A request whose protocol is "custom" resolves to a handler registered in
  code through dispatch.Registry. This binary starts with an empty registry,
  so custom requests only work when gradual is embedded as a library; in a
  plan run here they fail their scenario before any worker starts.
`)
}

func writeExample(w io.Writer) error {
	_, err := fmt.Fprint(w, `
Example plan:

  name: storefront
  phase_gap: 10s
  requests:
    - name: home
      url: https://shop.example.com/
      expected_response_time: 250ms
  phases:
    - name: ramp-up
      run_time: 2m
      scenarios:
        - name: browse
          requests: [home]
          min_concurrency: 1
          max_concurrency: 50
          ramp:
            multiply: 2
            waits: [20s, 20s, 20s]
`)
	return err
}

func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("log-errors") {
		val, err := fs.GetBool("log-errors")
		if err != nil {
			return err
		}
		cfg.LogErrors = val
	}
	if fs.Changed("manifest") {
		val, err := fs.GetString("manifest")
		if err != nil {
			return err
		}
		cfg.Manifest = val
	}
	if fs.Changed("bus-capacity") {
		val, err := fs.GetInt("bus-capacity")
		if err != nil {
			return err
		}
		if val > 0 {
			cfg.BusCapacity = val
		}
	}
	if fs.Changed("handshake-timeout") {
		val, err := fs.GetDuration("handshake-timeout")
		if err != nil {
			return err
		}
		cfg.HandshakeTimeout = val
	}
	if fs.Changed("tracing") {
		val, err := fs.GetBool("tracing")
		if err != nil {
			return err
		}
		cfg.Tracing.Enabled = val
	}
	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = val
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	return nil
}
