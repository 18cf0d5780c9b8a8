package skydesk_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/hllvc/skydesk-auth/internal/skydesk"
	"github.com/hllvc/skydesk-auth/internal/tokenstore"
)

// fakeAccounts is a stub SkyDesk accounts server. The default handlers answer
// a successful exchange, refresh, and revoke; tests override them per case.
type fakeAccounts struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	discovery  int
	exchanges  int
	refreshes  int
	revokes    int
	lastQuery  url.Values
	onDiscover http.HandlerFunc
	onExchange http.HandlerFunc
	onRefresh  http.HandlerFunc
	onRevoke   http.HandlerFunc
}

func newFakeAccounts(t *testing.T) *fakeAccounts {
	t.Helper()
	f := &fakeAccounts{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/serverinfo", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.discovery++
		h := f.onDiscover
		f.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"locations": map[string]string{"us": f.srv.URL},
		})
	})
	mux.HandleFunc("POST /oauth/v2/token", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mu.Lock()
		f.lastQuery = q
		var h http.HandlerFunc
		switch q.Get("grant_type") {
		case "authorization_code":
			f.exchanges++
			h = f.onExchange
		case "refresh_token":
			f.refreshes++
			h = f.onRefresh
		}
		f.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		switch q.Get("grant_type") {
		case "authorization_code":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "AT1", "refresh_token": "RT1", "expires_in": 3600,
			})
		case "refresh_token":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "AT2", "expires_in": 3600,
			})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		}
	})
	mux.HandleFunc("POST /oauth/v2/token/revoke", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.revokes++
		f.lastQuery = r.URL.Query()
		h := f.onRevoke
		f.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// manager builds a TokenManager pointed at the fake accounts server.
func (f *fakeAccounts) manager(opts ...skydesk.Option) *skydesk.TokenManager {
	base := []skydesk.Option{
		skydesk.WithDiscoveryURL(f.srv.URL + "/oauth/serverinfo"),
		skydesk.WithScopes("desk.tickets.READ", "desk.tickets.CREATE"),
		skydesk.WithRedirectURL("http://127.0.0.1:8649/callback"),
		skydesk.WithState("st-1"),
	}
	creds := skydesk.Credentials{ClientID: "cid", ClientSecret: "sec"}
	return skydesk.New(creds, append(base, opts...)...)
}

func (f *fakeAccounts) counts() (discovery, exchanges, refreshes, revokes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovery, f.exchanges, f.refreshes, f.revokes
}

func (f *fakeAccounts) query() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

func TestBaseURLFallbackTable(t *testing.T) {
	f := newFakeAccounts(t)
	f.onDiscover = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}

	tests := []struct {
		region skydesk.Region
		want   string
	}{
		{skydesk.RegionUS, "https://accounts.skydesk.com/oauth/v2"},
		{skydesk.RegionEU, "https://accounts.skydesk.eu/oauth/v2"},
		{skydesk.RegionIN, "https://accounts.skydesk.in/oauth/v2"},
		{skydesk.RegionCN, "https://accounts.skydesk.com.cn/oauth/v2"},
		// Unknown region resolves to the table's first entry.
		{skydesk.Region("mars"), "https://accounts.skydesk.com/oauth/v2"},
		// Region codes are case-normalized.
		{skydesk.Region("EU"), "https://accounts.skydesk.eu/oauth/v2"},
	}
	for _, tc := range tests {
		t.Run(string(tc.region), func(t *testing.T) {
			m := f.manager(skydesk.WithRegion(tc.region))
			got, err := m.BaseURL(context.Background())
			if err != nil {
				t.Fatalf("BaseURL: %v", err)
			}
			if got != tc.want {
				t.Errorf("BaseURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEndpointURLSuffixes(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager()
	ctx := context.Background()

	apiURL, err := m.OAuthAPIURL(ctx)
	if err != nil {
		t.Fatalf("OAuthAPIURL: %v", err)
	}
	if want := f.srv.URL + "/oauth/v2/token"; apiURL != want {
		t.Errorf("OAuthAPIURL = %q, want %q", apiURL, want)
	}

	grantURL, err := m.OAuthGrantURL(ctx)
	if err != nil {
		t.Fatalf("OAuthGrantURL: %v", err)
	}
	if want := f.srv.URL + "/oauth/v2/auth"; grantURL != want {
		t.Errorf("OAuthGrantURL = %q, want %q", grantURL, want)
	}

	// The discovery endpoint must have been hit exactly once for both calls.
	if discovery, _, _, _ := f.counts(); discovery != 1 {
		t.Errorf("discovery calls = %d, want 1", discovery)
	}
}

func TestReresolveRegions(t *testing.T) {
	f := newFakeAccounts(t)
	ctx := context.Background()
	m := f.manager()

	first, err := m.AvailableRegions(ctx)
	if err != nil {
		t.Fatalf("AvailableRegions: %v", err)
	}
	if first[skydesk.RegionUS] != f.srv.URL {
		t.Fatalf("regions[us] = %q, want %q", first[skydesk.RegionUS], f.srv.URL)
	}

	// Memoized: the second lookup must not hit the network.
	if _, err := m.AvailableRegions(ctx); err != nil {
		t.Fatalf("AvailableRegions (cached): %v", err)
	}
	if discovery, _, _, _ := f.counts(); discovery != 1 {
		t.Fatalf("discovery calls = %d, want 1", discovery)
	}

	f.mu.Lock()
	f.onDiscover = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"locations": map[string]string{"US": f.srv.URL, "JP": "https://accounts.skydesk.jp"},
		})
	}
	f.mu.Unlock()

	second, err := m.ReresolveRegions(ctx)
	if err != nil {
		t.Fatalf("ReresolveRegions: %v", err)
	}
	if second[skydesk.RegionJP] != "https://accounts.skydesk.jp" {
		t.Errorf("regions[jp] = %q, want the refreshed entry", second[skydesk.RegionJP])
	}
	if discovery, _, _, _ := f.counts(); discovery != 2 {
		t.Errorf("discovery calls = %d, want 2", discovery)
	}
}

func TestConsentURL(t *testing.T) {
	f := newFakeAccounts(t)

	tests := []struct {
		name       string
		offline    bool
		accessType string
	}{
		{"offline", true, "offline"},
		{"online", false, "online"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := f.manager(skydesk.WithOfflineMode(tc.offline))
			consentURL, err := m.ConsentURL(context.Background())
			if err != nil {
				t.Fatalf("ConsentURL: %v", err)
			}

			u, err := url.Parse(consentURL)
			if err != nil {
				t.Fatalf("parsing consent URL: %v", err)
			}
			if u.Path != "/oauth/v2/auth" {
				t.Errorf("path = %q, want /oauth/v2/auth", u.Path)
			}

			q := u.Query()
			for key, want := range map[string]string{
				"response_type": "code",
				"access_type":   tc.accessType,
				"client_id":     "cid",
				"state":         "st-1",
				"redirect_uri":  "http://127.0.0.1:8649/callback",
				"scope":         "desk.tickets.READ,desk.tickets.CREATE",
			} {
				if got := q.Get(key); got != want {
					t.Errorf("query %s = %q, want %q", key, got, want)
				}
			}
		})
	}
}

func TestParseGrantCode(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		code   string
		ok     bool
	}{
		{"plain", "http://127.0.0.1:8649/callback?code=abc123&state=st-1", "abc123", true},
		{"encoded", "http://127.0.0.1:8649/callback?code=a%2Fb%3Dc", "a/b=c", true},
		{"missing", "http://127.0.0.1:8649/callback?state=st-1", "", false},
		{"empty", "http://127.0.0.1:8649/callback?code=", "", false},
		{"garbage", "://not a url", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, ok := skydesk.ParseGrantCode(tc.rawURL)
			if code != tc.code || ok != tc.ok {
				t.Errorf("ParseGrantCode(%q) = (%q, %v), want (%q, %v)", tc.rawURL, code, ok, tc.code, tc.ok)
			}
		})
	}
}

func TestGenerateTokensWithoutGrantCode(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager()
	ctx := context.Background()

	if err := m.GenerateTokens(ctx); !errors.Is(err, skydesk.ErrGrantCodeNotSet) {
		t.Fatalf("GenerateTokens = %v, want ErrGrantCodeNotSet", err)
	}
	if _, exchanges, _, _ := f.counts(); exchanges != 0 {
		t.Errorf("exchange calls = %d, want 0", exchanges)
	}
	if m.AccessTokenExpired() {
		t.Error("token state changed by a failed precondition check")
	}
}

func TestExchangeCode(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager()
	ctx := context.Background()

	if err := m.ExchangeCode(ctx, "grant-1"); err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	q := f.query()
	for key, want := range map[string]string{
		"code":          "grant-1",
		"client_id":     "cid",
		"client_secret": "sec",
		"state":         "st-1",
		"grant_type":    "authorization_code",
		"scope":         "desk.tickets.READ,desk.tickets.CREATE",
		"redirect_uri":  "http://127.0.0.1:8649/callback",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("exchange param %s = %q, want %q", key, got, want)
		}
	}

	access, err := m.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if access != "AT1" {
		t.Errorf("AccessToken = %q, want AT1", access)
	}
	if m.AccessTokenExpired() {
		t.Error("fresh token reported as expired")
	}

	refresh, err := m.RefreshToken(ctx)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if refresh != "RT1" {
		t.Errorf("RefreshToken = %q, want RT1", refresh)
	}

	// Serving from memory must not have produced extra exchanges.
	if _, exchanges, _, _ := f.counts(); exchanges != 1 {
		t.Errorf("exchange calls = %d, want 1", exchanges)
	}
}

func TestExchangeExpiresInSecPreferred(t *testing.T) {
	f := newFakeAccounts(t)
	f.onExchange = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "AT1", "expires_in_sec": 1, "expires_in": 7200,
		})
	}
	m := f.manager()

	if err := m.ExchangeCode(context.Background(), "grant-1"); err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	// expires_in_sec=1 wins over expires_in=7200, so the token expires quickly.
	time.Sleep(1100 * time.Millisecond)
	if !m.AccessTokenExpired() {
		t.Error("token should honor expires_in_sec over expires_in")
	}
}

func TestExchangeMissingAccessToken(t *testing.T) {
	f := newFakeAccounts(t)
	f.onExchange = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	}
	m := f.manager(skydesk.WithGrantCode("grant-1"))

	_, err := m.AccessToken(context.Background())
	var apiErr *skydesk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("AccessToken error = %v, want *APIError", err)
	}
	if apiErr.Message != "Cannot generate an access token" {
		t.Errorf("message = %q, want %q", apiErr.Message, "Cannot generate an access token")
	}
}

func TestExchangeProviderError(t *testing.T) {
	f := newFakeAccounts(t)
	f.onExchange = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_code"})
	}
	m := f.manager(skydesk.WithGrantCode("grant-bad"))

	err := m.GenerateTokens(context.Background())
	var apiErr *skydesk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GenerateTokens error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
	if apiErr.Body == "" {
		t.Error("error body not carried")
	}
}

func TestRefreshTokenNotOverwrittenByBlank(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager()
	ctx := context.Background()

	if err := m.ExchangeCode(ctx, "grant-1"); err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	// A second exchange whose response omits the refresh token.
	f.mu.Lock()
	f.onExchange = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "AT3", "expires_in": 3600})
	}
	f.mu.Unlock()
	if err := m.ExchangeCode(ctx, "grant-2"); err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	refresh, err := m.RefreshToken(ctx)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if refresh != "RT1" {
		t.Errorf("RefreshToken = %q, want the original RT1", refresh)
	}
}

func TestAccessTokenRefreshesWhenExpired(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager(skydesk.WithOfflineMode(true))
	ctx := context.Background()

	m.SetRefreshToken(ctx, "RT1", time.Hour)
	m.SetAccessToken(ctx, "stale", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	access, err := m.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if access != "AT2" {
		t.Errorf("AccessToken = %q, want the refreshed AT2, not the stale one", access)
	}

	q := f.query()
	if got := q.Get("grant_type"); got != "refresh_token" {
		t.Errorf("grant_type = %q, want refresh_token", got)
	}
	if got := q.Get("refresh_token"); got != "RT1" {
		t.Errorf("refresh_token = %q, want RT1", got)
	}
	if _, exchanges, refreshes, _ := f.counts(); exchanges != 0 || refreshes != 1 {
		t.Errorf("calls = (%d exchanges, %d refreshes), want (0, 1)", exchanges, refreshes)
	}
}

func TestRefreshMissingAccessToken(t *testing.T) {
	f := newFakeAccounts(t)
	f.onRefresh = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"error": "invalid_token"})
	}
	m := f.manager()
	ctx := context.Background()

	m.SetRefreshToken(ctx, "RT-dead", time.Hour)

	_, err := m.RefreshAccessToken(ctx)
	var apiErr *skydesk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("RefreshAccessToken error = %v, want *APIError", err)
	}
	if apiErr.Message != "invalid_token" {
		t.Errorf("message = %q, want the provider's error field", apiErr.Message)
	}
}

func TestAccessTokenExpired(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager()
	ctx := context.Background()

	// Never-set expiry counts as not expired.
	if m.AccessTokenExpired() {
		t.Error("expired with no expiry set")
	}

	m.SetAccessToken(ctx, "T", time.Hour)
	if m.AccessTokenExpired() {
		t.Error("expired immediately after set")
	}

	m.SetAccessToken(ctx, "T", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	if !m.AccessTokenExpired() {
		t.Error("not expired after the TTL elapsed")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	f := newFakeAccounts(t)
	store := tokenstore.NewMemoryStore()
	ctx := context.Background()

	m1 := f.manager(skydesk.WithStore(store))
	m1.SetAccessToken(ctx, "T", time.Minute)

	// A fresh manager sharing the store serves the token without any network call.
	m2 := f.manager(skydesk.WithStore(store))
	access, err := m2.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if access != "T" {
		t.Errorf("AccessToken = %q, want the cached T", access)
	}
	if discovery, exchanges, refreshes, _ := f.counts(); discovery+exchanges+refreshes != 0 {
		t.Errorf("network calls = (%d, %d, %d), want none", discovery, exchanges, refreshes)
	}
}

func TestCacheMissFallsThroughToExchange(t *testing.T) {
	f := newFakeAccounts(t)
	store := tokenstore.NewMemoryStore()
	m := f.manager(skydesk.WithStore(store), skydesk.WithGrantCode("grant-1"))
	ctx := context.Background()

	access, err := m.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if access != "AT1" {
		t.Errorf("AccessToken = %q, want AT1", access)
	}
	if _, exchanges, _, _ := f.counts(); exchanges != 1 {
		t.Errorf("exchange calls = %d, want 1", exchanges)
	}

	// The exchange wrote through: a sibling manager reads it from the store.
	cached, err := store.Get(ctx, "access_token.cid")
	if err != nil || cached != "AT1" {
		t.Errorf("store.Get = (%q, %v), want (AT1, nil)", cached, err)
	}
}

// failingStore rejects every operation, standing in for a broken cache backend.
type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) (string, error) {
	return "", fmt.Errorf("backend down")
}

func (failingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return fmt.Errorf("backend down")
}

func TestBrokenStoreNeverBlocksTokens(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager(skydesk.WithStore(failingStore{}), skydesk.WithGrantCode("grant-1"))

	access, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken with broken store: %v", err)
	}
	if access != "AT1" {
		t.Errorf("AccessToken = %q, want AT1", access)
	}
}

func TestConcurrentRefreshIsShared(t *testing.T) {
	f := newFakeAccounts(t)
	f.onRefresh = func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "AT2", "expires_in": 3600})
	}
	m := f.manager()
	ctx := context.Background()

	m.SetRefreshToken(ctx, "RT1", time.Hour)
	m.SetAccessToken(ctx, "stale", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, callers)
	tokens := make([]string, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = m.AccessToken(ctx)
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "AT2" {
			t.Errorf("caller %d got %q, want AT2", i, tokens[i])
		}
	}
	if _, _, refreshes, _ := f.counts(); refreshes != 1 {
		t.Errorf("refresh calls = %d, want 1 (shared flight)", refreshes)
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager()
	ctx := context.Background()

	m.SetRefreshToken(ctx, "RT1", time.Hour)

	if err := m.RevokeRefreshToken(ctx, ""); err != nil {
		t.Fatalf("RevokeRefreshToken: %v", err)
	}
	if got := f.query().Get("token"); got != "RT1" {
		t.Errorf("revoked token = %q, want the held RT1", got)
	}

	// Token state is not cleared on success.
	refresh, err := m.RefreshToken(ctx)
	if err != nil || refresh != "RT1" {
		t.Errorf("RefreshToken after revoke = (%q, %v), want (RT1, nil)", refresh, err)
	}

	f.mu.Lock()
	f.onRevoke = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_token"})
	}
	f.mu.Unlock()

	err = m.RevokeRefreshToken(ctx, "RT-unknown")
	var apiErr *skydesk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("RevokeRefreshToken error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
}

func TestRevokeFallsBackToStoredToken(t *testing.T) {
	f := newFakeAccounts(t)
	ctx := context.Background()

	store := tokenstore.NewMemoryStore()
	if err := store.Set(ctx, "refresh_token.cid", "RT-stored", time.Hour); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	m := f.manager(skydesk.WithStore(store))
	if err := m.RevokeRefreshToken(ctx, ""); err != nil {
		t.Fatalf("RevokeRefreshToken: %v", err)
	}
	if got := f.query().Get("token"); got != "RT-stored" {
		t.Errorf("revoked token = %q, want the stored RT-stored", got)
	}
}

func TestRevokeWithoutToken(t *testing.T) {
	f := newFakeAccounts(t)
	m := f.manager()

	err := m.RevokeRefreshToken(context.Background(), "")
	var apiErr *skydesk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("RevokeRefreshToken error = %v, want *APIError", err)
	}
	if _, _, _, revokes := f.counts(); revokes != 0 {
		t.Errorf("revoke calls = %d, want 0", revokes)
	}
}
