// Package auth provides access tokens for hub WebSocket connections.
//
// A TokenProvider is asked for a fresh token every time a socket opens; the
// token is sent as the first frame on the connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/devicehub/hubevents/internal/config"
)

// ErrNoTokenSource is returned when the auth config names no token source.
var ErrNoTokenSource = errors.New("no token source configured")

// TokenProvider returns an access token for the given audience.
type TokenProvider interface {
	Token(ctx context.Context, audience string) (string, error)
}

// TokenProviderFunc is a function adapter for TokenProvider.
type TokenProviderFunc func(ctx context.Context, audience string) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context, audience string) (string, error) {
	return f(ctx, audience)
}

// StaticToken always returns the same token, whatever the audience.
type StaticToken string

func (s StaticToken) Token(context.Context, string) (string, error) {
	return string(s), nil
}

// FileToken reads the token from a file on every call so that an external
// agent can rotate it in place.
type FileToken struct {
	Path string
}

// Token reads and trims the token file.
func (f FileToken) Token(context.Context, string) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.Path)
	}
	return token, nil
}

// NewProvider builds the provider selected by cfg. Precedence is
// token, then token_file, then token_url.
func NewProvider(cfg config.AuthConfig, logger *slog.Logger) (TokenProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case cfg.Token != "":
		logger.Debug("using static access token")
		return StaticToken(cfg.Token), nil
	case cfg.TokenFile != "":
		logger.Debug("using access token file", "path", cfg.TokenFile)
		return FileToken{Path: cfg.TokenFile}, nil
	case cfg.TokenURL != "":
		logger.Debug("using client credentials", "token_url", cfg.TokenURL, "client_id", cfg.ClientID)
		return NewClientCredentials(ClientCredentialsConfig{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			ExpirySkew:   cfg.ExpirySkew,
		},
			WithLogger(logger),
			WithTimeout(cfg.Timeout),
			WithRetries(cfg.MaxRetries, defaultRetryBackoff),
		), nil
	default:
		return nil, ErrNoTokenSource
	}
}
