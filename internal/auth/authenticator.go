package auth

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

	"github.com/hashicorp/go-retryablehttp"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/logging"
)

// Principal is an authenticated credential.
type Principal struct {
	ClientID string
	User     string
	Scopes   []string
	// TokenHash identifies the credential in logs
	TokenHash string
}

// Authenticator resolves a bearer token to a Principal. Unknown, expired or
// inactive tokens yield storage.ErrUnauthorized.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// StaticAuthenticator accepts a fixed set of tokens. Used in development
// mode and tests.
type StaticAuthenticator map[string][]string

func (a StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	scopes, ok := a[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", storage.ErrUnauthorized)
	}
	return &Principal{Scopes: scopes, TokenHash: logging.HashToken(token)}, nil
}

// IntrospectionConfig configures RemoteAuthenticator.
type IntrospectionConfig struct {
	// URL is the check_token endpoint
	URL          string        `mapstructure:"url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	TokenName    string        `mapstructure:"token_name"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// introspection is the check_token response. scope is either a JSON array
// or a space separated string depending on the authorization server.
type introspection struct {
	Active   *bool           `json:"active"`
	Scope    json.RawMessage `json:"scope"`
	Exp      int64           `json:"exp"`
	ClientID string          `json:"client_id"`
	UserName string          `json:"user_name"`
	Error    string          `json:"error"`
}

func (r *introspection) scopes() []string {
	if len(r.Scope) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(r.Scope, &list); err == nil {
		return list
	}
	var joined string
	if err := json.Unmarshal(r.Scope, &joined); err == nil {
		return strings.Fields(joined)
	}
	return nil
}

type cachedPrincipal struct {
	principal *Principal
	expires   time.Time
}

// RemoteAuthenticator introspects tokens at an OAuth2 authorization server
// and caches successful results for CacheTTL (or until the token expires,
// whichever is sooner).
type RemoteAuthenticator struct {
	cfg    IntrospectionConfig
	client *retryablehttp.Client
	logger *logging.Logger
	now    func() time.Time

	mu         sync.Mutex
	cache      map[string]cachedPrincipal // keyed by token hash
	maxEntries int
}

// NewRemoteAuthenticator creates an introspecting authenticator.
func NewRemoteAuthenticator(cfg IntrospectionConfig, client *retryablehttp.Client, logger *logging.Logger) (*RemoteAuthenticator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("auth server url is required")
	}
	if cfg.TokenName == "" {
		cfg.TokenName = "token"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = constants.DefaultAuthCacheTTL
	}
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &RemoteAuthenticator{
		cfg:    cfg,
		client: client,
		logger: logging.OrNop(logger),
		now:        time.Now,
		cache:      make(map[string]cachedPrincipal),
		maxEntries: constants.MaxAuthCacheEntries,
	}, nil
}

func (a *RemoteAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", storage.ErrUnauthorized)
	}
	hash := logging.HashToken(token)

	a.mu.Lock()
	entry, ok := a.cache[hash]
	if ok && a.now().After(entry.expires) {
		delete(a.cache, hash)
		ok = false
	}
	a.mu.Unlock()
	if ok {
		return entry.principal, nil
	}

	p, exp, err := a.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	p.TokenHash = hash

	expires := a.now().Add(a.cfg.CacheTTL)
	if !exp.IsZero() && exp.Before(expires) {
		expires = exp
	}
	a.mu.Lock()
	if len(a.cache) >= a.maxEntries {
		a.evictLocked()
	}
	a.cache[hash] = cachedPrincipal{principal: p, expires: expires}
	a.mu.Unlock()
	return p, nil
}

// evictLocked drops expired entries and, if the cache is still full, enough
// arbitrary ones to make room for one more.
func (a *RemoteAuthenticator) evictLocked() {
	now := a.now()
	for hash, entry := range a.cache {
		if now.After(entry.expires) {
			delete(a.cache, hash)
		}
	}
	for hash := range a.cache {
		if len(a.cache) < a.maxEntries {
			break
		}
		delete(a.cache, hash)
	}
}

func (a *RemoteAuthenticator) introspect(ctx context.Context, token string) (*Principal, time.Time, error) {
	form := url.Values{}
	form.Set(a.cfg.TokenName, token)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if a.cfg.ClientID != "" {
		req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: token introspection failed: %w", storage.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized:
		// Spring's check_token answers 400 for invalid tokens
		return nil, time.Time{}, fmt.Errorf("%w: token rejected by authorization server", storage.ErrUnauthorized)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, time.Time{}, fmt.Errorf("%w: token introspection failed: status %d", storage.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, time.Time{}, fmt.Errorf("token introspection failed: status %d: %s", resp.StatusCode, string(body))
	}

	var r introspection
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode introspection response: %w", err)
	}
	if r.Error != "" || (r.Active != nil && !*r.Active) {
		return nil, time.Time{}, fmt.Errorf("%w: token is not active", storage.ErrUnauthorized)
	}

	var exp time.Time
	if r.Exp > 0 {
		exp = time.Unix(r.Exp, 0)
		if a.now().After(exp) {
			return nil, time.Time{}, fmt.Errorf("%w: token expired", storage.ErrUnauthorized)
		}
	}

	a.logger.Debug().Str("token", logging.HashToken(token)).Str("clientId", r.ClientID).Msg("Introspected token")
	return &Principal{ClientID: r.ClientID, User: r.UserName, Scopes: r.scopes()}, exp, nil
}
