package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrStateMismatch is returned when the callback does not carry our state
var ErrStateMismatch = errors.New("OAuth2 state mismatch")

// Login runs the authorization code flow with PKCE. It serves the redirect
// URL on loopback, hands the consent URL to prompt and stores the resulting
// token in tokenFile.
func Login(ctx context.Context, conf *oauth2.Config, tokenFile string, prompt func(authURL string), logger *zap.Logger) (*oauth2.Token, error) {
	redirect, err := url.Parse(conf.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}

	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	l, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)
	deliver := func(r result) {
		select {
		case results <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			deliver(result{err: fmt.Errorf("authorization failed: %s", q.Get("error"))})
		case q.Get("state") != state:
			http.Error(w, "Invalid state", http.StatusBadRequest)
			deliver(result{err: ErrStateMismatch})
		default:
			fmt.Fprintln(w, "Authorization complete, you can close this window.")
			deliver(result{code: q.Get("code")})
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(l)
	defer srv.Close()

	prompt(conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier)))
	logger.Info("Waiting for OAuth2 callback", zap.String("redirect_url", conf.RedirectURL))

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-results:
	}
	if res.err != nil {
		return nil, res.err
	}

	token, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := SaveToken(tokenFile, token); err != nil {
		return nil, err
	}

	logger.Info("OAuth2 token stored", zap.String("token_file", tokenFile), zap.Time("expiry", token.Expiry))
	return token, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
