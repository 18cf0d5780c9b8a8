package skydesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hllvc/skydesk-auth/internal/tokenstore"
)

// DefaultTokenTTL is assumed when the accounts server omits an expiry from a
// token response.
const DefaultTokenTTL = time.Hour

// Credentials identifies an OAuth client registered with the SkyDesk accounts
// server. Immutable once the TokenManager is constructed.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Option configures a TokenManager at construction time.
type Option func(*TokenManager)

// WithRegion selects the SkyDesk deployment to authenticate against.
// The region code is case-normalized. An unknown region resolves to the first
// entry of the region table.
func WithRegion(region Region) Option {
	return func(m *TokenManager) {
		m.region = Region(strings.ToLower(strings.TrimSpace(string(region))))
	}
}

// WithScopes sets the OAuth scopes requested during authorization.
func WithScopes(scopes ...string) Option {
	return func(m *TokenManager) {
		m.scopes = scopes
	}
}

// WithRedirectURL sets the redirect URI registered for the OAuth client.
func WithRedirectURL(redirectURL string) Option {
	return func(m *TokenManager) {
		m.redirectURL = redirectURL
	}
}

// WithState sets the opaque state value round-tripped through the consent
// redirect. A random value is generated when not provided.
func WithState(state string) Option {
	return func(m *TokenManager) {
		m.state = state
	}
}

// WithOfflineMode toggles the offline flow. Offline requests a refresh token
// in addition to the access token; online requests an access token only.
func WithOfflineMode(offline bool) Option {
	return func(m *TokenManager) {
		m.offline = offline
	}
}

// WithGrantCode preloads the grant code obtained from the consent redirect.
func WithGrantCode(code string) Option {
	return func(m *TokenManager) {
		m.grantCode = code
	}
}

// WithStore attaches a token store so tokens survive process restarts.
// Without a store, tokens live only in memory.
func WithStore(store tokenstore.Store) Option {
	return func(m *TokenManager) {
		m.store = store
	}
}

// WithHTTPClient sets the resty client used for accounts server calls.
func WithHTTPClient(client *resty.Client) Option {
	return func(m *TokenManager) {
		m.http = client
	}
}

// WithLogger sets the logger for non-fatal events such as store write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *TokenManager) {
		m.logger = logger
	}
}

// WithDiscoveryURL overrides the region-discovery endpoint. Intended for tests
// and for deployments fronted by an internal accounts mirror.
func WithDiscoveryURL(discoveryURL string) Option {
	return func(m *TokenManager) {
		m.discoveryURL = discoveryURL
	}
}

// TokenManager obtains, caches, and transparently refreshes OAuth2 tokens for
// one SkyDesk client. Configuration is fixed at construction; only token state
// changes afterwards. Safe for concurrent use: callers racing on an expired
// token share a single refresh or exchange call.
type TokenManager struct {
	creds        Credentials
	region       Region
	scopes       []string
	redirectURL  string
	state        string
	offline      bool
	discoveryURL string

	http   *resty.Client
	store  tokenstore.Store // nil means tokens are not persisted
	logger *slog.Logger

	mu          sync.RWMutex
	grantCode   string
	token       oauth2.Token
	regions     map[Region]string
	regionOrder []Region

	group singleflight.Group
}

// New creates a TokenManager for the given client credentials.
func New(creds Credentials, opts ...Option) *TokenManager {
	m := &TokenManager{
		creds:        creds,
		region:       RegionUS,
		offline:      true,
		discoveryURL: DiscoveryURL,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.http == nil {
		m.http = resty.New()
	}
	if m.state == "" {
		m.state = uuid.NewString()
	}
	return m
}

// State returns the state value used in the consent redirect.
func (m *TokenManager) State() string { return m.state }

// RedirectURL returns the configured redirect URI.
func (m *TokenManager) RedirectURL() string { return m.redirectURL }

// Offline reports whether the offline flow is enabled.
func (m *TokenManager) Offline() bool { return m.offline }

// serverInfo is the region discovery response.
type serverInfo struct {
	Locations map[string]string `json:"locations"`
}

// AvailableRegions returns the mapping from region code to accounts base URL.
// The mapping is resolved on first use with one call to the discovery endpoint;
// a client-error response falls back to the static four-region table. The
// result is kept for the lifetime of the manager (see ReresolveRegions).
func (m *TokenManager) AvailableRegions(ctx context.Context) (map[Region]string, error) {
	m.mu.RLock()
	if m.regions != nil {
		regions := copyRegions(m.regions)
		m.mu.RUnlock()
		return regions, nil
	}
	m.mu.RUnlock()

	return m.resolveRegions(ctx)
}

// ReresolveRegions discards the cached region table and resolves it again.
func (m *TokenManager) ReresolveRegions(ctx context.Context) (map[Region]string, error) {
	m.mu.Lock()
	m.regions = nil
	m.regionOrder = nil
	m.mu.Unlock()

	return m.resolveRegions(ctx)
}

// resolveRegions performs region discovery. Concurrent callers share one call.
func (m *TokenManager) resolveRegions(ctx context.Context) (map[Region]string, error) {
	v, err, _ := m.group.Do("regions", func() (any, error) {
		resp, err := m.http.R().SetContext(ctx).Get(m.discoveryURL)
		if err != nil {
			return nil, fmt.Errorf("skydesk: region discovery: %w", err)
		}

		if resp.IsError() {
			if resp.StatusCode() < 500 {
				// The serverinfo endpoint does not exist on older deployments.
				m.logger.DebugContext(ctx, "region discovery unavailable, using static table",
					"status", resp.StatusCode())
				return m.storeRegions(copyRegions(fallbackRegions), append([]Region(nil), fallbackOrder...)), nil
			}
			return nil, &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
		}

		var info serverInfo
		if err := json.Unmarshal(resp.Body(), &info); err != nil {
			return nil, fmt.Errorf("skydesk: decoding server info: %w", err)
		}
		if len(info.Locations) == 0 {
			return m.storeRegions(copyRegions(fallbackRegions), append([]Region(nil), fallbackOrder...)), nil
		}

		regions := make(map[Region]string, len(info.Locations))
		order := make([]Region, 0, len(info.Locations))
		for code, base := range info.Locations {
			region := Region(strings.ToLower(code))
			regions[region] = strings.TrimSuffix(base, "/")
			order = append(order, region)
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		return m.storeRegions(regions, order), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[Region]string), nil
}

// storeRegions memoizes a resolved region table and returns a caller-owned copy.
func (m *TokenManager) storeRegions(regions map[Region]string, order []Region) map[Region]string {
	m.mu.Lock()
	m.regions = regions
	m.regionOrder = order
	m.mu.Unlock()
	return copyRegions(regions)
}

func copyRegions(regions map[Region]string) map[Region]string {
	out := make(map[Region]string, len(regions))
	for k, v := range regions {
		out[k] = v
	}
	return out
}

// accountsBaseURL resolves the accounts server for the configured region,
// falling back to the table's first entry for unknown regions.
func (m *TokenManager) accountsBaseURL(ctx context.Context) (string, error) {
	if _, err := m.AvailableRegions(ctx); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if base, ok := m.regions[m.region]; ok {
		return base, nil
	}
	return m.regions[m.regionOrder[0]], nil
}

// BaseURL returns the OAuth base URL for the configured region.
func (m *TokenManager) BaseURL(ctx context.Context) (string, error) {
	base, err := m.accountsBaseURL(ctx)
	if err != nil {
		return "", err
	}
	return base + oauthPath, nil
}

// OAuthAPIURL returns the token endpoint for the configured region.
func (m *TokenManager) OAuthAPIURL(ctx context.Context) (string, error) {
	base, err := m.BaseURL(ctx)
	if err != nil {
		return "", err
	}
	return base + tokenPath, nil
}

// OAuthGrantURL returns the authorization endpoint for the configured region.
func (m *TokenManager) OAuthGrantURL(ctx context.Context) (string, error) {
	base, err := m.BaseURL(ctx)
	if err != nil {
		return "", err
	}
	return base + authPath, nil
}

// ConsentURL builds the URL the end user must visit in a browser to approve
// the requested scopes. No call is made beyond region resolution.
func (m *TokenManager) ConsentURL(ctx context.Context) (string, error) {
	grantURL, err := m.OAuthGrantURL(ctx)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("access_type", m.accessType())
	q.Set("client_id", m.creds.ClientID)
	q.Set("state", m.state)
	q.Set("redirect_uri", m.redirectURL)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(m.scopes, ","))

	return grantURL + "?" + q.Encode(), nil
}

func (m *TokenManager) accessType() string {
	if m.offline {
		return "offline"
	}
	return "online"
}

// ParseGrantCode extracts the grant code from a consent redirect callback URL.
// The second return value is false when the URL carries no code.
func ParseGrantCode(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	code := u.Query().Get("code")
	return code, code != ""
}

// ExchangeCode records the grant code and exchanges it for tokens.
func (m *TokenManager) ExchangeCode(ctx context.Context, code string) error {
	if code == "" {
		return ErrGrantCodeNotSet
	}
	m.mu.Lock()
	m.grantCode = code
	m.mu.Unlock()

	return m.GenerateTokens(ctx)
}

// tokenResponse is the accounts server's answer to exchange and refresh calls.
// Older deployments report the expiry as expires_in_sec, newer ones as
// expires_in; both are honored, in that order.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInSec *int64 `json:"expires_in_sec"`
	ExpiresIn    *int64 `json:"expires_in"`
	Error        string `json:"error"`
}

func (r *tokenResponse) ttl() time.Duration {
	switch {
	case r.ExpiresInSec != nil:
		return time.Duration(*r.ExpiresInSec) * time.Second
	case r.ExpiresIn != nil:
		return time.Duration(*r.ExpiresIn) * time.Second
	default:
		return DefaultTokenTTL
	}
}

// GenerateTokens exchanges the recorded grant code for an access token (and a
// refresh token in offline mode). Token state is replaced on success and left
// untouched on failure. Concurrent callers share one exchange call.
func (m *TokenManager) GenerateTokens(ctx context.Context) error {
	m.mu.RLock()
	code := m.grantCode
	m.mu.RUnlock()

	if code == "" {
		return ErrGrantCodeNotSet
	}

	_, err, _ := m.group.Do("generate", func() (any, error) {
		return nil, m.generateTokens(ctx, code)
	})
	return err
}

func (m *TokenManager) generateTokens(ctx context.Context, code string) error {
	tokenURL, err := m.OAuthAPIURL(ctx)
	if err != nil {
		return err
	}

	resp, err := m.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"code":          code,
			"client_id":     m.creds.ClientID,
			"client_secret": m.creds.ClientSecret,
			"state":         m.state,
			"grant_type":    "authorization_code",
			"scope":         strings.Join(m.scopes, ","),
			"redirect_uri":  m.redirectURL,
		}).
		Post(tokenURL)
	if err != nil {
		return fmt.Errorf("skydesk: token exchange: %w", err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return fmt.Errorf("skydesk: decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return &APIError{Message: "Cannot generate an access token", StatusCode: resp.StatusCode()}
	}

	ttl := tr.ttl()
	m.SetAccessToken(ctx, tr.AccessToken, ttl)
	if tr.RefreshToken != "" {
		m.SetRefreshToken(ctx, tr.RefreshToken, ttl)
	}

	m.logger.DebugContext(ctx, "exchanged grant code for tokens",
		"client_id", m.creds.ClientID, "offline", m.offline, "ttl", ttl)
	return nil
}

// RefreshAccessToken exchanges the refresh token for a new access token and
// returns it. Concurrent callers share one refresh call.
func (m *TokenManager) RefreshAccessToken(ctx context.Context) (string, error) {
	refresh, err := m.RefreshToken(ctx)
	if err != nil {
		return "", err
	}
	if refresh == "" {
		return "", &APIError{Message: "no refresh token available"}
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refreshAccessToken(ctx, refresh)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) refreshAccessToken(ctx context.Context, refresh string) (string, error) {
	tokenURL, err := m.OAuthAPIURL(ctx)
	if err != nil {
		return "", err
	}

	resp, err := m.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"refresh_token": refresh,
			"client_id":     m.creds.ClientID,
			"client_secret": m.creds.ClientSecret,
			"grant_type":    "refresh_token",
		}).
		Post(tokenURL)
	if err != nil {
		return "", fmt.Errorf("skydesk: token refresh: %w", err)
	}
	if resp.IsError() {
		return "", &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return "", fmt.Errorf("skydesk: decoding refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		message := tr.Error
		if message == "" {
			message = "no access token in refresh response"
		}
		return "", &APIError{Message: message, StatusCode: resp.StatusCode()}
	}

	m.SetAccessToken(ctx, tr.AccessToken, tr.ttl())

	m.logger.DebugContext(ctx, "refreshed access token",
		"client_id", m.creds.ClientID, "ttl", tr.ttl())
	return tr.AccessToken, nil
}

// AccessToken returns a valid access token. Precedence: refresh an expired
// token when a refresh token is held in offline mode, then the in-memory
// token, then the attached store, then a fresh grant-code exchange. An expired
// in-memory token is never served; without a usable refresh token it falls
// through to regeneration.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	access := m.token.AccessToken
	refresh := m.token.RefreshToken
	expired := m.expiredLocked()
	m.mu.RUnlock()

	switch {
	case expired && refresh != "" && m.offline:
		return m.RefreshAccessToken(ctx)
	case access != "" && !expired:
		return access, nil
	}

	if m.store != nil {
		cached, err := m.store.Get(ctx, m.accessTokenKey())
		if err == nil && cached != "" {
			return cached, nil
		}
		m.logStoreMiss(ctx, m.accessTokenKey(), err)
	}

	if err := m.GenerateTokens(ctx); err != nil {
		return "", err
	}

	m.mu.RLock()
	access = m.token.AccessToken
	m.mu.RUnlock()

	if access == "" {
		return "", &APIError{Message: "Cannot generate an access token"}
	}
	return access, nil
}

// RefreshToken returns the current refresh token. Precedence: in-memory value,
// then the attached store, then a fresh grant-code exchange. The returned
// value is empty when the exchange ran in online mode.
func (m *TokenManager) RefreshToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	refresh := m.token.RefreshToken
	m.mu.RUnlock()

	if refresh != "" {
		return refresh, nil
	}

	if m.store != nil {
		cached, err := m.store.Get(ctx, m.refreshTokenKey())
		if err == nil && cached != "" {
			return cached, nil
		}
		m.logStoreMiss(ctx, m.refreshTokenKey(), err)
	}

	if err := m.GenerateTokens(ctx); err != nil {
		return "", err
	}

	m.mu.RLock()
	refresh = m.token.RefreshToken
	m.mu.RUnlock()

	return refresh, nil
}

// AccessTokenExpired reports whether the in-memory access token has expired.
// A token whose expiry was never set counts as not expired.
func (m *TokenManager) AccessTokenExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredLocked()
}

func (m *TokenManager) expiredLocked() bool {
	return !m.token.Expiry.IsZero() && time.Now().After(m.token.Expiry)
}

// SetAccessToken replaces the in-memory access token, computing its absolute
// expiry from ttl (DefaultTokenTTL when non-positive), and writes it through
// to the attached store. Store failures are logged, not returned: persistence
// is best-effort and the in-memory token remains usable.
func (m *TokenManager) SetAccessToken(ctx context.Context, token string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	m.mu.Lock()
	m.token.AccessToken = token
	m.token.Expiry = time.Now().Add(ttl)
	m.mu.Unlock()

	m.writeThrough(ctx, m.accessTokenKey(), token, ttl)
}

// SetRefreshToken replaces the in-memory refresh token and writes it through
// to the attached store with the given time-to-live.
func (m *TokenManager) SetRefreshToken(ctx context.Context, token string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	m.mu.Lock()
	m.token.RefreshToken = token
	m.mu.Unlock()

	m.writeThrough(ctx, m.refreshTokenKey(), token, ttl)
}

// RevokeRefreshToken revokes the given refresh token, defaulting to the
// currently held one (in memory, then the store). Token state is not cleared
// on success; the caller decides when to discard the dead credential.
func (m *TokenManager) RevokeRefreshToken(ctx context.Context, token string) error {
	if token == "" {
		m.mu.RLock()
		token = m.token.RefreshToken
		m.mu.RUnlock()
	}
	if token == "" && m.store != nil {
		cached, err := m.store.Get(ctx, m.refreshTokenKey())
		if err == nil {
			token = cached
		} else {
			m.logStoreMiss(ctx, m.refreshTokenKey(), err)
		}
	}
	if token == "" {
		return &APIError{Message: "no refresh token to revoke"}
	}

	base, err := m.BaseURL(ctx)
	if err != nil {
		return err
	}

	resp, err := m.http.R().
		SetContext(ctx).
		SetQueryParam("token", token).
		Post(base + revokePath)
	if err != nil {
		return fmt.Errorf("skydesk: token revoke: %w", err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

// Store keys are namespaced by client id so managers for different clients can
// share one store.
func (m *TokenManager) accessTokenKey() string {
	return "access_token." + m.creds.ClientID
}

func (m *TokenManager) refreshTokenKey() string {
	return "refresh_token." + m.creds.ClientID
}

// writeThrough persists a token to the store. Failures are logged, not fatal.
func (m *TokenManager) writeThrough(ctx context.Context, key, value string, ttl time.Duration) {
	if m.store == nil {
		return
	}
	if err := m.store.Set(ctx, key, value, ttl); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist token", "key", key, "error", err)
	}
}

// logStoreMiss records a store lookup failure. Misses and invalid keys are the
// expected fall-through to live generation and log at debug; anything else
// (I/O failures, corrupt entries) is surfaced at warn but still treated as a
// miss so a broken store never blocks token acquisition.
func (m *TokenManager) logStoreMiss(ctx context.Context, key string, err error) {
	switch {
	case err == nil:
		m.logger.DebugContext(ctx, "empty token in store", "key", key)
	case errors.Is(err, tokenstore.ErrNotFound) || errors.Is(err, tokenstore.ErrInvalidKey):
		m.logger.DebugContext(ctx, "token store miss", "key", key)
	default:
		m.logger.WarnContext(ctx, "token store read failed", "key", key, "error", err)
	}
}
