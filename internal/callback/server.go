// Package callback runs a short-lived localhost HTTP server that catches the
// OAuth consent redirect and hands the grant code to the login flow.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Result is the outcome of one consent redirect.
type Result struct {
	Code string
	Err  error
}

// Server serves the registered redirect URI and delivers the first grant code
// it receives. Subsequent hits on the callback path get a plain error page.
type Server struct {
	mux     *http.ServeMux
	server  *http.Server
	state   string
	results chan Result
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a callback server for the given redirect URI path and expected
// state value. The state of every redirect is compared against it to reject
// responses that do not belong to this login attempt.
func New(path, state string) (*Server, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("redirect path must start with /: %q", path)
	}
	if state == "" {
		return nil, fmt.Errorf("state cannot be empty")
	}

	s := &Server{
		state:   state,
		results: make(chan Result, 1),
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+path, applyMiddlewares(http.HandlerFunc(s.handleRedirect),
		Logging(),
		Recovery,
	))
	s.mux = mux

	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleRedirect validates the consent redirect and delivers its grant code.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		s.deliver(Result{Err: fmt.Errorf("authorization denied: %s", errCode)})
		s.writePage(w, http.StatusBadRequest, "Authorization failed. You can close this window.")
		return
	}
	if state := q.Get("state"); state != s.state {
		// Redirect from another login attempt, or a forged request.
		s.writePage(w, http.StatusBadRequest, "State mismatch. Restart the login flow.")
		return
	}
	code := q.Get("code")
	if code == "" {
		s.deliver(Result{Err: errors.New("redirect carried no grant code")})
		s.writePage(w, http.StatusBadRequest, "Missing grant code. Restart the login flow.")
		return
	}

	s.deliver(Result{Code: code})
	s.writePage(w, http.StatusOK, "Login complete. You can close this window.")
}

// deliver hands a result to the waiter. Only the first redirect counts.
func (s *Server) deliver(res Result) {
	select {
	case s.results <- res:
	default:
	}
}

func (s *Server) writePage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html><html><body><p>%s</p></body></html>", message)
}

// Wait blocks until a redirect delivers a grant code or the context ends.
func (s *Server) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-s.results:
		return res.Code, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start binds the listen address and begins serving the redirect path in the
// background. Bind failures (port in use, permission denied) are returned
// synchronously so the login flow can report them before printing the consent
// URL; errors after that arrive on the returned channel. The caller stops the
// server with Shutdown once Wait has delivered a result.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		// ErrServerClosed is the normal end of a completed login.
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown stops the server gracefully, letting an in-flight redirect finish
// rendering its page. Force-closes when the context runs out first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// RedirectPath extracts the path component of a registered redirect URI.
func RedirectPath(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}
