package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gradualhq/gradual/internal/auth"
	"github.com/gradualhq/gradual/internal/plan"
	"github.com/gradualhq/gradual/internal/threshold"
)

// buildPlan turns the decoded plan file into the executable model. Requests
// are declared once in a top-level catalog and referenced by name from
// scenarios; credentials are built here and bound onto the definitions that
// use them.
func buildPlan(settings map[string]interface{}) (*plan.TestPlan, []auth.Provider, error) {
	p := &plan.TestPlan{}
	var providers []auth.Provider

	if raw, ok := lookup(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("name: %w", err)
		}
		p.Name = strings.TrimSpace(val)
	}
	if raw, ok := lookup(settings, "phasegap", "phase_gap", "phase-gap"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("phase_gap: %w", err)
		}
		p.PhaseGap = dur
	}

	var defaultCred plan.Credential
	if raw, ok := lookup(settings, "auth"); ok {
		prov, err := parseCredential(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("auth: %w", err)
		}
		if prov != nil {
			providers = append(providers, prov)
			defaultCred = prov
		}
	}

	defs := map[string]plan.RequestDefinition{}
	if raw, ok := lookup(settings, "requests"); ok {
		items, err := toInterfaceSlice(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("requests: %w", err)
		}
		for idx, item := range items {
			entry, err := toStringKeyMap(item)
			if err != nil {
				return nil, nil, fmt.Errorf("requests[%d]: %w", idx, err)
			}
			def, prov, err := buildRequest(entry, defaultCred)
			if err != nil {
				return nil, nil, fmt.Errorf("requests[%d]: %w", idx, err)
			}
			if prov != nil {
				providers = append(providers, prov)
			}
			if _, dup := defs[def.Name]; dup {
				return nil, nil, fmt.Errorf("requests[%d]: duplicate request %q", idx, def.Name)
			}
			defs[def.Name] = def
		}
	}

	rawPhases, ok := lookup(settings, "phases")
	if !ok {
		return nil, nil, fmt.Errorf("plan has no phases")
	}
	items, err := toInterfaceSlice(rawPhases)
	if err != nil {
		return nil, nil, fmt.Errorf("phases: %w", err)
	}
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, nil, fmt.Errorf("phases[%d]: %w", idx, err)
		}
		phase, err := buildPhase(entry, defs)
		if err != nil {
			return nil, nil, fmt.Errorf("phases[%d]: %w", idx, err)
		}
		p.Phases = append(p.Phases, phase)
	}

	return p, providers, nil
}

func buildRequest(settings map[string]interface{}, defaultCred plan.Credential) (plan.RequestDefinition, auth.Provider, error) {
	var def plan.RequestDefinition
	var prov auth.Provider

	if raw, ok := lookup(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return def, nil, fmt.Errorf("name: %w", err)
		}
		def.Name = strings.TrimSpace(val)
	}
	if raw, ok := lookup(settings, "url", "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return def, nil, fmt.Errorf("url: %w", err)
		}
		def.URL = strings.TrimSpace(val)
	}

	if raw, ok := lookup(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return def, nil, fmt.Errorf("protocol: %w", err)
		}
		def.Protocol = plan.Protocol(strings.ToLower(strings.TrimSpace(val)))
	} else {
		def.Protocol = plan.DetectProtocol(def.URL)
	}

	if raw, ok := lookup(settings, "method"); ok {
		val, err := asString(raw)
		if err != nil {
			return def, nil, fmt.Errorf("method: %w", err)
		}
		def.Method = strings.ToUpper(strings.TrimSpace(val))
	}
	if def.Method == "" && def.Protocol == plan.ProtocolHTTP {
		def.Method = http.MethodGet
	}

	if raw, ok := lookup(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return def, nil, fmt.Errorf("headers: %w", err)
		}
		if len(hdrs) > 0 {
			def.Headers = make(map[string]string, len(hdrs))
			for k, v := range hdrs {
				def.Headers[http.CanonicalHeaderKey(k)] = v
			}
		}
	}
	if raw, ok := lookup(settings, "params"); ok {
		params, err := asStringMap(raw)
		if err != nil {
			return def, nil, fmt.Errorf("params: %w", err)
		}
		def.Params = params
	}
	if raw, ok := lookup(settings, "body"); ok {
		val, err := asString(raw)
		if err != nil {
			return def, nil, fmt.Errorf("body: %w", err)
		}
		def.Body = val
	}
	if raw, ok := lookup(settings, "expectedresponsetime", "expected_response_time", "expected-response-time"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return def, nil, fmt.Errorf("expected_response_time: %w", err)
		}
		def.ExpectedResponseTime = dur
	}

	if raw, ok := lookup(settings, "check"); ok && raw != nil {
		entry, err := toStringKeyMap(raw)
		if err != nil {
			return def, nil, fmt.Errorf("check: %w", err)
		}
		check := &plan.ResponseCheck{}
		if raw, ok := lookup(entry, "path"); ok {
			if check.Path, err = asString(raw); err != nil {
				return def, nil, fmt.Errorf("check.path: %w", err)
			}
		}
		if raw, ok := lookup(entry, "equals"); ok {
			if check.Equals, err = asString(raw); err != nil {
				return def, nil, fmt.Errorf("check.equals: %w", err)
			}
		}
		def.Check = check
	}

	if raw, ok := lookup(settings, "auth"); ok {
		p, err := parseCredential(raw)
		if err != nil {
			return def, nil, fmt.Errorf("auth: %w", err)
		}
		if p != nil {
			prov = p
			def.Credential = p
		}
	} else if defaultCred != nil {
		def.Credential = defaultCred
	}

	return def, prov, nil
}

// parseCredential accepts the three auth shapes the plan format allows:
// null (no auth), a bare string (static bearer token), or a map with a type
// discriminator. Secrets absent from the file fall back to environment
// variables so plans can be committed without credentials.
func parseCredential(value interface{}) (auth.Provider, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		token := strings.TrimSpace(v)
		if token == "" {
			return nil, nil
		}
		return auth.NewBearerProvider(token), nil
	}

	entry, err := toStringKeyMap(value)
	if err != nil {
		return nil, err
	}
	typ := ""
	if raw, ok := lookup(entry, "type"); ok {
		if typ, err = asString(raw); err != nil {
			return nil, fmt.Errorf("type: %w", err)
		}
		typ = strings.ToLower(strings.TrimSpace(typ))
	}

	getString := func(keys ...string) (string, error) {
		raw, ok := lookup(entry, keys...)
		if !ok {
			return "", nil
		}
		s, err := asString(raw)
		return strings.TrimSpace(s), err
	}

	switch typ {
	case "bearer", "static":
		token, err := getString("token", "static_token", "statictoken")
		if err != nil {
			return nil, err
		}
		if token == "" {
			token = os.Getenv("GRADUAL_AUTH_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("bearer auth needs a token (or GRADUAL_AUTH_TOKEN)")
		}
		return auth.NewBearerProvider(token), nil

	case "basic":
		username, err := getString("username")
		if err != nil {
			return nil, err
		}
		password, err := getString("password")
		if err != nil {
			return nil, err
		}
		if password == "" {
			password = os.Getenv("GRADUAL_AUTH_PASSWORD")
		}
		if username == "" {
			return nil, fmt.Errorf("basic auth needs a username")
		}
		return auth.NewBasicProvider(username, password), nil

	case "oauth2", "oauth2_client_credentials":
		tokenURL, err := getString("token_url", "tokenurl", "token-url")
		if err != nil {
			return nil, err
		}
		clientID, err := getString("client_id", "clientid", "client-id")
		if err != nil {
			return nil, err
		}
		clientSecret, err := getString("client_secret", "clientsecret", "client-secret")
		if err != nil {
			return nil, err
		}
		if clientSecret == "" {
			clientSecret = os.Getenv("GRADUAL_AUTH_CLIENT_SECRET")
		}
		if tokenURL == "" || clientID == "" || clientSecret == "" {
			return nil, fmt.Errorf("oauth2 auth needs token_url, client_id and client_secret (or GRADUAL_AUTH_CLIENT_SECRET)")
		}
		var scopes []string
		if raw, ok := lookup(entry, "scopes"); ok {
			if scopes, err = asStringSlice(raw); err != nil {
				return nil, fmt.Errorf("scopes: %w", err)
			}
		}
		var refreshBefore time.Duration
		if raw, ok := lookup(entry, "refresh_before_expiry", "refreshbeforeexpiry", "refresh-before-expiry"); ok {
			if refreshBefore, err = asDuration(raw); err != nil {
				return nil, fmt.Errorf("refresh_before_expiry: %w", err)
			}
		}
		return auth.NewOAuth2Provider(tokenURL, clientID, clientSecret, scopes, refreshBefore), nil

	case "":
		return nil, fmt.Errorf("auth map needs a type")
	default:
		return nil, fmt.Errorf("unsupported auth type %q", typ)
	}
}

func buildPhase(settings map[string]interface{}, defs map[string]plan.RequestDefinition) (plan.Phase, error) {
	var phase plan.Phase

	if raw, ok := lookup(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return phase, fmt.Errorf("name: %w", err)
		}
		phase.Name = strings.TrimSpace(val)
	}
	if raw, ok := lookup(settings, "runtime", "run_time", "run-time"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return phase, fmt.Errorf("run_time: %w", err)
		}
		phase.RunTime = dur
	}

	raw, ok := lookup(settings, "scenarios")
	if !ok {
		return phase, fmt.Errorf("phase %q has no scenarios", phase.Name)
	}
	items, err := toInterfaceSlice(raw)
	if err != nil {
		return phase, fmt.Errorf("scenarios: %w", err)
	}
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return phase, fmt.Errorf("scenarios[%d]: %w", idx, err)
		}
		sc, err := buildScenario(entry, defs)
		if err != nil {
			return phase, fmt.Errorf("scenarios[%d]: %w", idx, err)
		}
		phase.Scenarios = append(phase.Scenarios, sc)
	}
	return phase, nil
}

func buildScenario(settings map[string]interface{}, defs map[string]plan.RequestDefinition) (plan.Scenario, error) {
	sc := plan.Scenario{MinConcurrency: 1}

	if raw, ok := lookup(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return sc, fmt.Errorf("name: %w", err)
		}
		sc.Name = strings.TrimSpace(val)
	}

	raw, ok := lookup(settings, "requests")
	if !ok {
		return sc, fmt.Errorf("scenario %q references no requests", sc.Name)
	}
	names, err := asStringSlice(raw)
	if err != nil {
		return sc, fmt.Errorf("requests: %w", err)
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		def, ok := defs[name]
		if !ok {
			return sc, fmt.Errorf("scenario %q references unknown request %q", sc.Name, name)
		}
		sc.Requests = append(sc.Requests, def)
	}

	if raw, ok := lookup(settings, "minconcurrency", "min_concurrency", "min-concurrency"); ok {
		if sc.MinConcurrency, err = asInt(raw); err != nil {
			return sc, fmt.Errorf("min_concurrency: %w", err)
		}
	}
	if raw, ok := lookup(settings, "maxconcurrency", "max_concurrency", "max-concurrency"); ok {
		if sc.MaxConcurrency, err = asInt(raw); err != nil {
			return sc, fmt.Errorf("max_concurrency: %w", err)
		}
	}
	if sc.MaxConcurrency == 0 {
		sc.MaxConcurrency = sc.MinConcurrency
	}

	if raw, ok := lookup(settings, "ramp"); ok && raw != nil {
		if sc.Ramp, err = parseRamp(raw); err != nil {
			return sc, fmt.Errorf("ramp: %w", err)
		}
	}

	if raw, ok := lookup(settings, "iteratethroughrequests", "iterate_through_requests", "iterate-through-requests"); ok {
		if sc.IterateThroughRequests, err = asBool(raw); err != nil {
			return sc, fmt.Errorf("iterate_through_requests: %w", err)
		}
	}
	if raw, ok := lookup(settings, "runonce", "run_once", "run-once"); ok {
		if sc.RunOnce, err = asBool(raw); err != nil {
			return sc, fmt.Errorf("run_once: %w", err)
		}
	}
	if raw, ok := lookup(settings, "ratepersecond", "rate_per_second", "rate-per-second", "rate"); ok {
		if sc.RatePerSecond, err = asInt(raw); err != nil {
			return sc, fmt.Errorf("rate_per_second: %w", err)
		}
	}
	if raw, ok := lookup(settings, "thresholds"); ok {
		if sc.Thresholds, err = asStringSlice(raw); err != nil {
			return sc, fmt.Errorf("thresholds: %w", err)
		}
		// Fail fast on malformed expressions instead of at the end of the run.
		if _, err := threshold.ParseAll(sc.Thresholds); err != nil {
			return sc, fmt.Errorf("thresholds: %w", err)
		}
	}

	return sc, nil
}

// parseRamp reads the scalar-or-list ramp shorthand: either side of the
// step/wait pairing may be a single value repeated to the other side's
// length.
func parseRamp(value interface{}) (plan.RampPlan, error) {
	var ramp plan.RampPlan
	entry, err := toStringKeyMap(value)
	if err != nil {
		return ramp, err
	}

	rawMultiply, hasMultiply := lookup(entry, "multiply", "factor", "factors")
	rawAdd, hasAdd := lookup(entry, "add", "delta", "deltas")
	rawWaits, hasWaits := lookup(entry, "waits", "wait")

	if hasMultiply && hasAdd {
		return ramp, fmt.Errorf("multiply and add are mutually exclusive")
	}
	if !hasMultiply && !hasAdd {
		return ramp, nil
	}
	if !hasWaits {
		return ramp, fmt.Errorf("ramp steps need waits")
	}

	count := 1
	rawSteps := rawMultiply
	if hasAdd {
		rawSteps = rawAdd
	}
	if items, ok := rawSteps.([]interface{}); ok {
		count = len(items)
	} else if items, ok := rawWaits.([]interface{}); ok {
		count = len(items)
	}

	if hasMultiply {
		if ramp.Multiply, err = asFloatList(rawMultiply, count); err != nil {
			return ramp, fmt.Errorf("multiply: %w", err)
		}
		count = len(ramp.Multiply)
	} else {
		if ramp.Add, err = asIntList(rawAdd, count); err != nil {
			return ramp, fmt.Errorf("add: %w", err)
		}
		count = len(ramp.Add)
	}
	if ramp.Waits, err = asDurationList(rawWaits, count); err != nil {
		return ramp, fmt.Errorf("waits: %w", err)
	}
	return ramp, nil
}
