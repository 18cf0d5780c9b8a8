package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hllvc/skydesk-auth/internal/callback"
	"github.com/hllvc/skydesk-auth/internal/skydesk"
)

// PromptFunc obtains a grant code interactively: it receives the consent URL
// to present to the user and returns the code the user pasted back.
type PromptFunc func(consentURL string) (string, error)

// App wires the token manager and the login flow for the CLI.
type App struct {
	cfg     *Config
	manager *skydesk.TokenManager
}

// New creates a new App instance.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	manager, err := cfg.NewTokenManager()
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	return &App{
		cfg:     cfg,
		manager: manager,
	}, nil
}

// Manager returns the configured token manager.
func (a *App) Manager() *skydesk.TokenManager {
	return a.manager
}

// Login runs the authorization-code flow end to end: it presents the consent
// URL, obtains a grant code, and exchanges it for tokens. With a nil prompt
// the grant code is caught by a local callback server on the configured listen
// address; otherwise prompt is called to collect the code manually.
func (a *App) Login(ctx context.Context, prompt PromptFunc) error {
	consentURL, err := a.manager.ConsentURL(ctx)
	if err != nil {
		return fmt.Errorf("building consent URL: %w", err)
	}

	var code string
	if prompt != nil {
		code, err = prompt(consentURL)
	} else {
		code, err = a.catchRedirect(ctx, consentURL)
	}
	if err != nil {
		return err
	}

	if err := a.manager.ExchangeCode(ctx, code); err != nil {
		return fmt.Errorf("exchanging grant code: %w", err)
	}

	slog.InfoContext(ctx, "login complete", "client_id", a.cfg.Provider.ClientID,
		"region", a.cfg.Provider.Region, "mode", a.cfg.Provider.Mode)
	return nil
}

// catchRedirect serves the redirect URI locally until the consent redirect
// delivers a grant code or the context ends.
func (a *App) catchRedirect(ctx context.Context, consentURL string) (string, error) {
	path, err := callback.RedirectPath(a.manager.RedirectURL())
	if err != nil {
		return "", err
	}

	srv, err := callback.New(path, a.manager.State())
	if err != nil {
		return "", fmt.Errorf("failed to create callback server: %w", err)
	}

	srvErrCh, err := srv.Start(ctx, a.cfg.Login.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("callback server startup failed: %w", err)
	}

	slog.InfoContext(ctx, "waiting for consent redirect", "address", a.cfg.Login.ListenAddress)
	fmt.Println("Visit this URL in your browser to authorize:")
	fmt.Println("  " + consentURL)

	// The monitor goroutine must unblock once the code arrives, hence the
	// dedicated cancel instead of relying on errgroup's context alone.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(waitCtx)

	var code string
	g.Go(func() error {
		c, err := srv.Wait(gCtx)
		if err != nil {
			return err
		}
		code = c
		cancel()
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-srvErrCh:
			if err != nil {
				return fmt.Errorf("callback server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	waitErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "callback server shutdown failed", "error", err)
	}

	if code == "" {
		if waitErr != nil {
			return "", waitErr
		}
		return "", fmt.Errorf("no grant code received")
	}
	return code, nil
}
