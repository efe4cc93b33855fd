package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/gradualhq/gradual/internal/httpclient"
	"github.com/gradualhq/gradual/internal/plan"
)

// HTTPError marks a response whose status code classifies as a failure.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.Status)
}

// CheckError marks a 2xx response whose body failed the definition's
// response check.
type CheckError struct {
	Path string
	Want string
	Got  string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("response check %q: got %q, want %q", e.Path, e.Got, e.Want)
}

type httpDispatcher struct {
	client *http.Client
}

func (d *httpDispatcher) Execute(ctx context.Context, def *plan.RequestDefinition) Outcome {
	req, err := httpclient.BuildRequest(ctx, def)
	if err != nil {
		return Outcome{Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Outcome{Err: err}
	}
	defer resp.Body.Close()

	out := Outcome{Code: resp.StatusCode}

	if def.Check != nil && resp.StatusCode < 400 {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			out.Err = fmt.Errorf("read response body: %w", readErr)
			return out
		}
		got := gjson.GetBytes(body, def.Check.Path).String()
		if got != def.Check.Equals {
			out.Err = &CheckError{Path: def.Check.Path, Want: def.Check.Equals, Got: got}
		}
		return out
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		out.Err = &HTTPError{Status: resp.StatusCode}
	}
	return out
}
