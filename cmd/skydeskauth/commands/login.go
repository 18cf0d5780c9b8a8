package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hllvc/skydesk-auth/internal/app"
	"github.com/hllvc/skydesk-auth/internal/skydesk"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authorize this client and store the resulting tokens",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "manual",
				Usage: "paste the redirect URL instead of running a local callback server",
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd, promptClientSecret)
	if err != nil {
		return err
	}

	var prompt app.PromptFunc
	if cmd.Bool("manual") {
		prompt = promptGrantCode
	}

	if err := application.Login(ctx, prompt); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Println("Login successful.")
	return nil
}

// promptClientSecret asks for the client secret on the terminal when the
// config carries none. Without a terminal the missing secret surfaces later
// as a provider error, which is more actionable than failing here.
func promptClientSecret(cfg *app.Config) error {
	if cfg.Provider.ClientSecret != "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	fmt.Fprintf(os.Stderr, "Client secret for %s: ", cfg.Provider.ClientID)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading client secret: %w", err)
	}

	cfg.Provider.ClientSecret = string(secret)
	return nil
}

// promptGrantCode implements the manual login path: the user authorizes in a
// browser and pastes the full redirect URL (or the bare code) back.
func promptGrantCode(consentURL string) (string, error) {
	fmt.Println("Visit this URL in your browser to authorize:")
	fmt.Println("  " + consentURL)
	fmt.Print("Paste the redirect URL you were sent to: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading redirect URL: %w", err)
	}
	line = strings.TrimSpace(line)

	if code, ok := skydesk.ParseGrantCode(line); ok {
		return code, nil
	}
	// Accept a bare grant code as well
	if line != "" && !strings.Contains(line, "://") {
		return line, nil
	}
	return "", fmt.Errorf("no grant code in %q", line)
}
