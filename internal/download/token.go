package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// tokenTTL is how long a fetched bearer token is trusted. GHCR tokens
// typically live five minutes; four minutes leaves margin for clock skew
// and in-flight request latency.
const tokenTTL = 4 * time.Minute

// tokenCache caches bearer tokens by scope, using oauth2.Token's
// Expiry/Valid semantics so expiry checks don't reimplement a clock
// comparison.
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]*oauth2.Token)}
}

// get returns an unexpired token for a scope whose prefix matches
// scopePrefix, if one is cached.
func (c *tokenCache) get(scopePrefix string) (*oauth2.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for scope, tok := range c.tokens {
		if strings.HasPrefix(scope, scopePrefix) && tok.Valid() {
			return tok, true
		}
	}
	return nil, false
}

// getExact returns the token cached for an exact scope, if unexpired.
func (c *tokenCache) getExact(scope string) (*oauth2.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[scope]
	if !ok || !tok.Valid() {
		return nil, false
	}
	return tok, true
}

func (c *tokenCache) put(scope string, tok *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[scope] = tok
}

// scopePrefix normalizes a GHCR blob URL to the coarse scope prefix
// tokens for sibling packages in the same owner/repo namespace share.
// Generalizes the original implementation's homebrew/core special case
// to any ghcr.io/v2/<owner>/<repo>/ path, so an UnsupportedTapError
// formula (rejected upstream at the resolver) can never accidentally
// reuse a homebrew/core token.
func scopePrefix(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.Contains(u.Host, "ghcr.io") {
		return "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/v2/"), "/", 3)
	if len(parts) < 2 {
		return "", false
	}
	return fmt.Sprintf("repository:%s/%s/", parts[0], parts[1]), true
}

type tokenResponse struct {
	Token string `json:"token"`
}

// parseWWWAuthenticate extracts realm, service, and scope from a
// "WWW-Authenticate: Bearer realm=...,service=...,scope=..." header.
func parseWWWAuthenticate(header string) (realm, service, scope string, err error) {
	rest, ok := cutPrefixFold(header, "Bearer ")
	if !ok {
		return "", "", "", &zerrors.NetworkFailureError{Message: "unsupported auth scheme in WWW-Authenticate"}
	}

	values := map[string]string{}
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}

	realm, ok = values["realm"]
	if !ok {
		return "", "", "", &zerrors.NetworkFailureError{Message: "missing realm in WWW-Authenticate"}
	}
	service, ok = values["service"]
	if !ok {
		return "", "", "", &zerrors.NetworkFailureError{Message: "missing service in WWW-Authenticate"}
	}
	scope, ok = values["scope"]
	if !ok {
		return "", "", "", &zerrors.NetworkFailureError{Message: "missing scope in WWW-Authenticate"}
	}
	return realm, service, scope, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// fetchBearerToken performs the token exchange described by a
// WWW-Authenticate challenge and caches the result by scope.
func (d *Downloader) fetchBearerToken(ctx context.Context, wwwAuth string) (string, error) {
	realm, service, scope, err := parseWWWAuthenticate(wwwAuth)
	if err != nil {
		return "", err
	}

	if tok, ok := d.tokens.getExact(scope); ok {
		return tok.AccessToken, nil
	}

	tokenURL, err := url.Parse(realm)
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "construct token URL", Cause: err}
	}
	q := tokenURL.Query()
	q.Set("service", service)
	q.Set("scope", scope)
	tokenURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "build token request", Cause: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "token request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &zerrors.NetworkFailureError{Message: fmt.Sprintf("token request returned HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &zerrors.NetworkFailureError{Message: "read token response", Cause: err}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &zerrors.NetworkFailureError{Message: "parse token response", Cause: err}
	}

	d.tokens.put(scope, &oauth2.Token{
		AccessToken: tr.Token,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(tokenTTL),
	})

	return tr.Token, nil
}
