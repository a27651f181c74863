// Package oauth provides OAuth2 tokens for IMAP SASL authentication.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/mikey/remote-mail-filter/internal/config"
)

var (
	// ErrUnknownProvider is returned for an unsupported oauth2.provider
	ErrUnknownProvider = errors.New("unknown OAuth2 provider")
	// ErrNoToken is returned when the token file does not exist yet
	ErrNoToken = errors.New("no OAuth2 token stored, run the login command first")
)

// NewConfig builds the OAuth2 client configuration for the provider
func NewConfig(cfg config.OAuth2Config) (*oauth2.Config, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
	}

	switch cfg.Provider {
	case "google":
		conf.Endpoint = google.Endpoint
		conf.Scopes = []string{"https://mail.google.com/"}
	case "microsoft":
		tenant := cfg.Tenant
		if tenant == "" {
			tenant = "common"
		}
		conf.Endpoint = microsoft.AzureADEndpoint(tenant)
		conf.Scopes = []string{"https://outlook.office.com/IMAP.AccessAsUser.All", "offline_access"}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
	return conf, nil
}

// NewTokenSource returns a token source starting from the stored token. Each
// refreshed token is written back to the file.
func NewTokenSource(ctx context.Context, cfg config.OAuth2Config, logger *zap.Logger) (oauth2.TokenSource, error) {
	conf, err := NewConfig(cfg)
	if err != nil {
		return nil, err
	}

	token, err := LoadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}

	return newFileTokenSource(cfg.TokenFile, conf.TokenSource(ctx, token), token, logger), nil
}

// fileTokenSource persists each new access token it sees
type fileTokenSource struct {
	path   string
	base   oauth2.TokenSource
	logger *zap.Logger

	mu   sync.Mutex
	last string
}

func newFileTokenSource(path string, base oauth2.TokenSource, initial *oauth2.Token, logger *zap.Logger) *fileTokenSource {
	s := &fileTokenSource{path: path, base: base, logger: logger}
	if initial != nil {
		s.last = initial.AccessToken
	}
	return s
}

func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh OAuth2 token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken == s.last {
		return token, nil
	}
	if err := SaveToken(s.path, token); err != nil {
		s.logger.Warn("Failed to store refreshed OAuth2 token", zap.Error(err))
	} else {
		s.logger.Debug("Stored refreshed OAuth2 token", zap.Time("expiry", token.Expiry))
	}
	s.last = token.AccessToken
	return token, nil
}

// LoadToken reads a token written by SaveToken
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token file: %w", err)
	}
	return &token, nil
}

// SaveToken writes token to path with owner-only permissions
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
