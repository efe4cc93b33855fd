package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gradualhq/gradual/internal/plan"
)

// BuildRequest constructs an outbound HTTP request from a definition.
// GET/HEAD requests carry params as query string; other methods without an
// explicit body get the params JSON-encoded. The definition's credential,
// when present, is injected last so it can observe the final header set.
func BuildRequest(ctx context.Context, def *plan.RequestDefinition) (*http.Request, error) {
	method := strings.ToUpper(def.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body string
	contentType := ""
	switch {
	case def.Body != "":
		body = def.Body
	case len(def.Params) > 0 && method != http.MethodGet && method != http.MethodHead:
		encoded, err := json.Marshal(def.Params)
		if err != nil {
			return nil, fmt.Errorf("request %q: encode params: %w", def.Name, err)
		}
		body = string(encoded)
		contentType = "application/json"
	}

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, def.URL, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, def.URL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("request %q: %w", def.Name, err)
	}

	if len(def.Params) > 0 && (method == http.MethodGet || method == http.MethodHead) {
		q := req.URL.Query()
		for k, v := range def.Params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range def.Headers {
		req.Header.Set(k, v)
	}

	if def.Credential != nil {
		if err := def.Credential.InjectHeader(ctx, req); err != nil {
			return nil, fmt.Errorf("request %q: inject credential: %w", def.Name, err)
		}
	}

	return req, nil
}
