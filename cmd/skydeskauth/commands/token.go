package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/hllvc/skydesk-auth/internal/skydesk"
)

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:   "token",
		Usage:  "print a valid access token, refreshing or regenerating as needed",
		Action: tokenAction,
	}
}

func tokenAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	token, err := application.Manager().AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:   "refresh",
		Usage:  "force a refresh and print the new access token",
		Action: refreshAction,
	}
}

func refreshAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	token, err := application.Manager().RefreshAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh access token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func revokeCommand() *cli.Command {
	return &cli.Command{
		Name:  "revoke",
		Usage: "revoke the refresh token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "refresh token to revoke (defaults to the stored one)",
			},
		},
		Action: revokeAction,
	}
}

func revokeAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	if err := application.Manager().RevokeRefreshToken(ctx, cmd.String("token")); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	fmt.Println("Refresh token revoked. Stored tokens are left in place; run login to replace them.")
	return nil
}

func regionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "regions",
		Usage: "list SkyDesk regions and their accounts servers",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "refresh",
				Usage: "query the discovery endpoint again instead of the cached table",
			},
		},
		Action: regionsAction,
	}
}

func regionsAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	manager := application.Manager()

	resolve := manager.AvailableRegions
	if cmd.Bool("refresh") {
		resolve = manager.ReresolveRegions
	}
	regions, err := resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve regions: %w", err)
	}

	codes := make([]string, 0, len(regions))
	for code := range regions {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)

	for _, code := range codes {
		fmt.Printf("%-4s %s\n", code, regions[skydesk.Region(code)])
	}
	return nil
}
