package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OAuth2Provider implements the OAuth2 client credentials flow with token
// caching. Only one fetch is in flight at a time; concurrent callers wait
// for it instead of stampeding the token endpoint.
type OAuth2Provider struct {
	tokenURL            string
	clientID            string
	clientSecret        string
	scopes              []string
	refreshBeforeExpiry time.Duration
	httpClient          *http.Client

	mu              sync.Mutex
	fetchCond       *sync.Cond
	fetchInProgress bool
	cachedToken     string
	tokenExpiry     time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

// NewOAuth2Provider creates a client-credentials provider. refreshBefore
// shifts the cached token's expiry forward so refreshes happen before the
// token actually lapses.
func NewOAuth2Provider(tokenURL, clientID, clientSecret string, scopes []string, refreshBefore time.Duration) *OAuth2Provider {
	p := &OAuth2Provider{
		tokenURL:            tokenURL,
		clientID:            clientID,
		clientSecret:        clientSecret,
		scopes:              scopes,
		refreshBeforeExpiry: refreshBefore,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	p.fetchCond = sync.NewCond(&p.mu)
	return p
}

// Token returns a valid access token, fetching a fresh one only when the
// cached token is missing or about to expire.
func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.cachedToken, nil
	}

	for p.fetchInProgress {
		p.fetchCond.Wait()
		if p.cachedToken != "" && time.Now().Before(p.tokenExpiry) {
			return p.cachedToken, nil
		}
	}

	p.fetchInProgress = true
	p.mu.Unlock()

	token, expiresIn, err := p.fetchToken(ctx)

	p.mu.Lock()
	p.fetchInProgress = false
	p.fetchCond.Broadcast()

	if err != nil {
		return "", err
	}

	p.cachedToken = token
	p.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - p.refreshBeforeExpiry)
	return p.cachedToken, nil
}

func (p *OAuth2Provider) fetchToken(ctx context.Context) (string, int, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	if len(p.scopes) > 0 {
		data.Set("scope", strings.Join(p.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Error != "" {
		return "", 0, fmt.Errorf("oauth2 error: %s - %s", tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("no access token in response")
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// InjectHeader sets the Authorization header using the cached or freshly
// fetched token.
func (p *OAuth2Provider) InjectHeader(ctx context.Context, req *http.Request) error {
	token, err := p.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (p *OAuth2Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
