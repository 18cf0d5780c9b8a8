package skydesk

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource adapts a TokenManager to the standard oauth2.TokenSource
// interface so it can drive oauth2.Transport and oauth2.NewClient.
type tokenSource struct {
	ctx     context.Context
	manager *TokenManager
}

// Compile-time check to ensure tokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*tokenSource)(nil)

// TokenSource returns an oauth2.TokenSource backed by the manager. The
// oauth2.TokenSource interface carries no context, so the given context is
// captured at construction time and applied to every Token call.
func (m *TokenManager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{
		ctx:     ctx,
		manager: m,
	}
}

// Token returns a valid token, refreshing or regenerating through the manager
// when necessary.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	access, err := ts.manager.AccessToken(ts.ctx)
	if err != nil {
		return nil, err
	}

	ts.manager.mu.RLock()
	defer ts.manager.mu.RUnlock()

	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: ts.manager.token.RefreshToken,
		Expiry:       ts.manager.token.Expiry,
	}, nil
}
