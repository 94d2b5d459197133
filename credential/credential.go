// Package credential manages OAuth credential lifecycle: durable
// per-(owner, provider) token storage, proactive refresh of expiring
// tokens, and terminal handling of revoked grants.
package credential

import (
	"time"

	"github.com/google/uuid"

	"github.com/emberworks/cadent/errors"
)

// Status represents the lifecycle state of a credential
type Status string

const (
	// StatusActive means the credential is usable; expires_at reflects
	// the last successful refresh or the initial grant.
	StatusActive Status = "active"

	// StatusExpiring means the credential is inside the expiry
	// threshold and a refresh attempt failed transiently. It is still
	// swept; the status surfaces a needs-attention state.
	StatusExpiring Status = "expiring"

	// StatusRevoked means the provider rejected the refresh token.
	// Terminal until the owner reauthorizes out-of-band.
	StatusRevoked Status = "revoked"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusExpiring, StatusRevoked:
		return true
	default:
		return false
	}
}

// Credential is one stored OAuth token set for an (owner, provider)
// pair. Mutated only by the refresh manager; never deleted by this
// subsystem, only marked revoked.
type Credential struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"` // secret, never serialized
	RefreshToken string    `json:"-"` // secret; empty once revoked or never granted
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        []string  `json:"scope,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New creates an active credential from an initial authorization grant
func New(ownerID, provider, accessToken, refreshToken string, expiresAt time.Time, scope []string) (*Credential, error) {
	if ownerID == "" || provider == "" {
		return nil, errors.New("ownerID and provider cannot be empty")
	}
	if accessToken == "" {
		return nil, errors.New("accessToken cannot be empty")
	}

	now := time.Now().UTC()
	return &Credential{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Provider:     provider,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UTC(),
		Scope:        scope,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Revoked reports whether the credential requires reauthorization
func (c *Credential) Revoked() bool {
	return c.Status == StatusRevoked
}

// ValidFor reports whether the access token is still usable at the
// given instant with the given safety margin remaining.
func (c *Credential) ValidFor(now time.Time, margin time.Duration) bool {
	return c.Status != StatusRevoked && c.ExpiresAt.Sub(now) > margin
}
