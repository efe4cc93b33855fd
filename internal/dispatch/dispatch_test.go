package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gradualhq/gradual/internal/httpclient"
	"github.com/gradualhq/gradual/internal/plan"
)

func newTable(t *testing.T, registry *Registry) *Table {
	t.Helper()
	return NewTable(Options{
		HTTPClient: httpclient.NewClient(8),
		Registry:   registry,
	})
}

func TestHTTPDispatchClassifiesByStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	table := newTable(t, nil)

	ok := table.Execute(context.Background(), &plan.RequestDefinition{
		Name: "ok", URL: srv.URL + "/ok", Protocol: plan.ProtocolHTTP, Method: "GET",
	})
	if !ok.OK() || ok.Code != http.StatusOK {
		t.Fatalf("ok outcome = %+v", ok)
	}

	fail := table.Execute(context.Background(), &plan.RequestDefinition{
		Name: "fail", URL: srv.URL + "/fail", Protocol: plan.ProtocolHTTP, Method: "GET",
	})
	if fail.OK() || fail.Code != http.StatusInternalServerError {
		t.Fatalf("fail outcome = %+v", fail)
	}
	var herr *HTTPError
	if !errors.As(fail.Err, &herr) || herr.Status != 500 {
		t.Fatalf("error = %v", fail.Err)
	}
}

func TestHTTPDispatchResponseCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"degraded","items":[1,2]}`))
	}))
	defer srv.Close()

	table := newTable(t, nil)
	def := &plan.RequestDefinition{
		Name: "health", URL: srv.URL, Protocol: plan.ProtocolHTTP, Method: "GET",
		Check: &plan.ResponseCheck{Path: "status", Equals: "ok"},
	}

	out := table.Execute(context.Background(), def)
	if out.OK() {
		t.Fatal("check should have failed")
	}
	var cerr *CheckError
	if !errors.As(out.Err, &cerr) || cerr.Got != "degraded" {
		t.Fatalf("error = %v", out.Err)
	}

	def.Check.Equals = "degraded"
	if out := table.Execute(context.Background(), def); !out.OK() {
		t.Fatalf("check should pass: %v", out.Err)
	}
}

func TestCustomDispatchUsesRegisteredHandler(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	registry.Register("compute", func(ctx context.Context, def *plan.RequestDefinition) error {
		calls++
		return nil
	})

	table := newTable(t, registry)
	def := &plan.RequestDefinition{Name: "compute", Protocol: plan.ProtocolCustom}

	if err := table.Check(def); err != nil {
		t.Fatalf("check: %v", err)
	}
	out := table.Execute(context.Background(), def)
	if !out.OK() || calls != 1 {
		t.Fatalf("outcome = %+v, calls = %d", out, calls)
	}
}

func TestCustomDispatchHandlerFailureIsExecutionError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("flaky", func(ctx context.Context, def *plan.RequestDefinition) error {
		return errors.New("backend unavailable")
	})

	table := newTable(t, registry)
	out := table.Execute(context.Background(), &plan.RequestDefinition{Name: "flaky", Protocol: plan.ProtocolCustom})
	if out.OK() {
		t.Fatal("handler error should fail the outcome")
	}
	var cfgErr *ConfigError
	if errors.As(out.Err, &cfgErr) {
		t.Fatal("handler failure must not look like a configuration error")
	}
}

func TestMissingHandlerIsConfigError(t *testing.T) {
	table := newTable(t, NewRegistry())
	def := &plan.RequestDefinition{Name: "ghost", Protocol: plan.ProtocolCustom}

	err := table.Check(def)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Request != "ghost" {
		t.Fatalf("config error = %+v", cfgErr)
	}
}

func TestCompletionCallbackFiresPerRequest(t *testing.T) {
	registry := NewRegistry()
	registry.Register("job", func(ctx context.Context, def *plan.RequestDefinition) error { return nil })
	done := make(chan struct{}, 4)
	registry.OnCompletion("job", func() { done <- struct{}{} })

	table := newTable(t, registry)
	def := &plan.RequestDefinition{Name: "job", Protocol: plan.ProtocolCustom}
	table.Execute(context.Background(), def)
	table.Completed(def)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion callback never fired")
	}
}

func TestWebSocketDispatchSuccessOnHandshake(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	table := newTable(t, nil)
	def := &plan.RequestDefinition{
		Name:       "feed",
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Protocol:   plan.ProtocolWebSocket,
		Body:       "subscribe",
		Credential: staticCredential{"Bearer feed-token"},
	}

	out := table.Execute(context.Background(), def)
	if !out.OK() {
		t.Fatalf("outcome = %+v", out)
	}
	if sawAuth != "Bearer feed-token" {
		t.Fatalf("authorization header = %q", sawAuth)
	}
}

func TestWebSocketDispatchChecksEchoedReply(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	table := newTable(t, nil)
	def := &plan.RequestDefinition{
		Name:     "echo",
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Protocol: plan.ProtocolWebSocket,
		Body:     `{"status":"ok"}`,
		Check:    &plan.ResponseCheck{Path: "status", Equals: "ok"},
	}

	if out := table.Execute(context.Background(), def); !out.OK() {
		t.Fatalf("check should pass: %v", out.Err)
	}

	def.Check.Equals = "ready"
	out := table.Execute(context.Background(), def)
	if out.OK() {
		t.Fatal("check should have failed")
	}
	var cerr *CheckError
	if !errors.As(out.Err, &cerr) || cerr.Got != "ok" {
		t.Fatalf("error = %v", out.Err)
	}
}

func TestWebSocketDispatchFailsOnRefusedUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not a websocket endpoint", http.StatusBadRequest)
	}))
	defer srv.Close()

	table := newTable(t, nil)
	out := table.Execute(context.Background(), &plan.RequestDefinition{
		Name:     "feed",
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Protocol: plan.ProtocolWebSocket,
	})
	if out.OK() {
		t.Fatal("expected handshake failure")
	}
}

type staticCredential struct {
	header string
}

func (c staticCredential) Token(ctx context.Context) (string, error) { return c.header, nil }

func (c staticCredential) InjectHeader(ctx context.Context, req *http.Request) error {
	req.Header.Set("Authorization", c.header)
	return nil
}
