package auth

import (
	"context"
	"encoding/base64"
	"net/http"
)

// BearerProvider returns a fixed bearer token obtained outside the run,
// such as a pre-issued OIDC token.
type BearerProvider struct {
	token string
}

func NewBearerProvider(token string) *BearerProvider {
	return &BearerProvider{token: token}
}

func (p *BearerProvider) Token(ctx context.Context) (string, error) {
	return p.token, nil
}

func (p *BearerProvider) InjectHeader(ctx context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+p.token)
	return nil
}

func (p *BearerProvider) Close() error { return nil }

// BasicProvider injects HTTP basic credentials.
type BasicProvider struct {
	username string
	password string
}

func NewBasicProvider(username, password string) *BasicProvider {
	return &BasicProvider{username: username, password: password}
}

func (p *BasicProvider) Token(ctx context.Context) (string, error) {
	raw := p.username + ":" + p.password
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

func (p *BasicProvider) InjectHeader(ctx context.Context, req *http.Request) error {
	req.SetBasicAuth(p.username, p.password)
	return nil
}

func (p *BasicProvider) Close() error { return nil }
