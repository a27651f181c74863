package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mikey/remote-mail-filter/internal/adapters/oauth"
	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/di"
	"github.com/mikey/remote-mail-filter/internal/logging"
)

func newLoginCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize IMAP access with OAuth2 and store the token",
		Long: `Run the OAuth2 authorization code flow for the configured provider
(google or microsoft). Open the printed URL in a browser; the token is
written to oauth2.token_file once consent is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runLogin(cmd.Context(), globalOpts, stdout); err != nil {
				fmt.Fprintf(stderr, "remote-mail-filter login: %v\n", err) //nolint:errcheck // best-effort stderr
				return errExit
			}
			return nil
		},
	}
}

func runLogin(ctx context.Context, opts di.Options, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	container, err := di.BuildContainer(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to build dependency container: %w", err)
	}

	logger, err := logging.InitConsoleLogger(opts.Verbose, false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	return container.Invoke(func(cfg *config.Config) error {
		oauthCfg := cfg.GetOAuth2()
		conf, err := oauth.NewConfig(oauthCfg)
		if err != nil {
			return err
		}

		_, err = oauth.Login(ctx, conf, oauthCfg.TokenFile, func(authURL string) {
			fmt.Fprintf(stdout, "Open this URL in your browser to authorize access:\n\n  %s\n\n", authURL) //nolint:errcheck // best-effort stdout
		}, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Token saved to %s\n", oauthCfg.TokenFile) //nolint:errcheck // best-effort stdout
		return nil
	})
}
