package credential

import (
	"context"
	"time"
)

// TokenGrant is a provider's successful refresh response.
// RefreshToken is empty when the provider does not rotate it.
type TokenGrant struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresIn    time.Duration `json:"expires_in"`
	Scope        []string      `json:"scope,omitempty"`
}

// ProviderFunc exchanges a refresh token for a fresh grant at one
// external identity provider.
//
// Implementations distinguish failure modes through the returned error:
// wrap errors.ErrInvalidGrant when the provider reports the refresh
// token itself is invalid (the credential is then marked revoked and
// never retried); any other error is treated as transient.
type ProviderFunc func(ctx context.Context, refreshToken string) (*TokenGrant, error)
