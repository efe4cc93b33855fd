// Package auth supplies pre-resolved credentials for request definitions.
// The scheduling core never negotiates credentials itself; it receives an
// opaque provider attached to a definition and lets the dispatcher inject
// it into outbound requests.
package auth

import (
	"context"
	"net/http"
)

// Provider obtains tokens and injects them into HTTP requests. Providers
// must be safe for concurrent use by many workers.
type Provider interface {
	// Token retrieves a valid authentication token, using cached values
	// when available and valid.
	Token(ctx context.Context) (string, error)

	// InjectHeader sets the appropriate authentication header on req.
	InjectHeader(ctx context.Context, req *http.Request) error

	// Close releases any resources held by the provider.
	Close() error
}
