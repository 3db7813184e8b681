package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// refreshLeeway renews the access token this long before it expires.
	refreshLeeway = 30 * time.Second
	// fallbackTokenLifetime is assumed when a token carries no readable exp claim.
	fallbackTokenLifetime = 5 * time.Minute
)

// tokenSource exchanges username and password for JWT access tokens and
// renews them before they expire.
type tokenSource struct {
	mu sync.Mutex

	authURL  *url.URL
	username string
	password string
	http     *http.Client
	now      func() time.Time

	access  string
	refresh string
	expiry  time.Time
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Token returns a valid access token, logging in or refreshing as needed.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.access != "" && ts.now().Add(refreshLeeway).Before(ts.expiry) {
		return ts.access, nil
	}

	if ts.refresh != "" {
		var resp tokenResponse
		err := ts.post(ctx, "refresh/", map[string]string{"refresh": ts.refresh}, &resp)
		if err == nil && resp.Access != "" {
			ts.set(resp)
			return ts.access, nil
		}
		// Refresh tokens expire too; fall back to a full login.
	}

	var resp tokenResponse
	if err := ts.post(ctx, "token/", map[string]string{
		"username": ts.username,
		"password": ts.password,
	}, &resp); err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}
	if resp.Access == "" {
		return "", fmt.Errorf("authentication failed: empty access token")
	}
	ts.set(resp)
	return ts.access, nil
}

// Invalidate forces the next Token call to obtain a new token.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.access = ""
	ts.expiry = time.Time{}
}

func (ts *tokenSource) set(resp tokenResponse) {
	ts.access = resp.Access
	if resp.Refresh != "" {
		ts.refresh = resp.Refresh
	}
	ts.expiry = tokenExpiry(resp.Access, ts.now())
}

func (ts *tokenSource) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	endpoint := ts.authURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		// Never echo the auth response body; it may contain credentials.
		return &APIError{StatusCode: resp.StatusCode, Method: http.MethodPost, Path: endpoint.Path}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// is only ever presented back to the service that issued it.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return now.Add(fallbackTokenLifetime)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(fallbackTokenLifetime)
	}
	return exp.Time
}
