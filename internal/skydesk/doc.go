// Package skydesk implements the OAuth2 authorization-code flow for the
// SkyDesk cloud suite.
//
// SkyDesk's OAuth implementation deviates from the standard in ways that
// require custom handling:
//   - Token endpoint parameters travel as query parameters, including on POST
//   - Scopes are comma-joined rather than space-joined
//   - The expiry field is expires_in_sec on older deployments, expires_in on
//     newer ones
//   - Endpoints are region-scoped, discovered through /oauth/serverinfo
//
// # Token lifecycle
//
// Construct a TokenManager with the client credentials, exchange a grant code
// once, then call AccessToken whenever a credential is needed:
//
//	mgr := skydesk.New(
//		skydesk.Credentials{ClientID: id, ClientSecret: secret},
//		skydesk.WithRegion(skydesk.RegionEU),
//		skydesk.WithScopes("desk.tickets.READ", "desk.tickets.CREATE"),
//		skydesk.WithRedirectURL("http://127.0.0.1:8649/callback"),
//		skydesk.WithStore(store),
//	)
//	if err := mgr.ExchangeCode(ctx, code); err != nil { ... }
//	token, err := mgr.AccessToken(ctx)
//
// Expired access tokens are refreshed transparently in offline mode. With a
// store attached, tokens survive process restarts.
//
// # Standard oauth2 integration
//
// TokenSource returns an oauth2.TokenSource, so the manager can authenticate
// any client built on oauth2.Transport:
//
//	client := oauth2.NewClient(ctx, mgr.TokenSource(ctx))
package skydesk
