package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config describes how to reach and authenticate against the registry
type Config struct {
	URL     string
	Token   string
	OAuth   *OAuthConfig
	Timeout time.Duration
}

// OAuthConfig configures the client credentials grant. TokenURL wins over
// Issuer; with only Issuer set the token endpoint is discovered.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Issuer       string
	Scopes       []string
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("registry URL is required")
	}
	if c.Token == "" && c.OAuth == nil {
		return errors.New("registry token or oauth credentials are required")
	}
	if c.Token == "" {
		if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
			return errors.New("oauth client id and secret are required")
		}
		if c.OAuth.TokenURL == "" && c.OAuth.Issuer == "" {
			return errors.New("oauth token url or issuer is required")
		}
	}
	return nil
}

func oauthClient(ctx context.Context, base *http.Client, cfg OAuthConfig) (*http.Client, error) {
	// token requests go through the traced base client too
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to discover token endpoint from %s: %w", cfg.Issuer, err)
		}
		tokenURL = provider.Endpoint().TokenURL
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       cfg.Scopes,
	}
	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return client, nil
}
