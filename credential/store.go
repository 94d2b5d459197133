package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberworks/cadent/errors"
)

// Store handles persistence of credentials.
//
// Pure storage: no network calls, no refresh decisions. Every write is
// a single statement, so concurrent readers never see a torn
// access_token/expires_at pair. Token columns pass through the
// configured TokenCipher.
type Store struct {
	db     *sql.DB
	cipher TokenCipher
}

// NewStore creates a credential store. A nil cipher stores tokens in
// plaintext.
func NewStore(db *sql.DB, cipher TokenCipher) *Store {
	if cipher == nil {
		cipher = noopCipher{}
	}
	return &Store{db: db, cipher: cipher}
}

const credentialSelectColumns = `id, owner_id, provider, access_token,
	refresh_token, expires_at, scope, status, created_at, updated_at`

// Get retrieves the credential for an (owner, provider) pair, returning
// errors.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, ownerID, provider string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialSelectColumns+`
		 FROM credentials WHERE owner_id = ? AND provider = ?`,
		ownerID, provider,
	)

	cred, err := s.scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("credential not found: %s/%s", ownerID, provider)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get credential")
	}
	return cred, nil
}

// Upsert writes the credential in a single atomic statement, inserting
// or replacing on the (owner_id, provider) unique key.
func (s *Store) Upsert(ctx context.Context, cred *Credential) error {
	accessToken, err := s.cipher.Seal(cred.AccessToken)
	if err != nil {
		return errors.Wrap(err, "failed to seal access token")
	}
	refreshToken, err := s.cipher.Seal(cred.RefreshToken)
	if err != nil {
		return errors.Wrap(err, "failed to seal refresh token")
	}

	scope, err := json.Marshal(cred.Scope)
	if err != nil {
		return errors.Wrap(err, "failed to marshal scope")
	}

	cred.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, owner_id, provider, access_token, refresh_token,
		                          expires_at, scope, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, provider) DO UPDATE SET
		     access_token = excluded.access_token,
		     refresh_token = excluded.refresh_token,
		     expires_at = excluded.expires_at,
		     scope = excluded.scope,
		     status = excluded.status,
		     updated_at = excluded.updated_at`,
		cred.ID, cred.OwnerID, cred.Provider, accessToken, refreshToken,
		cred.ExpiresAt.UTC(), string(scope), cred.Status,
		cred.CreatedAt.UTC(), cred.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to upsert credential")
		err = errors.WithDetail(err, fmt.Sprintf("Owner: %s", cred.OwnerID))
		err = errors.WithDetail(err, fmt.Sprintf("Provider: %s", cred.Provider))
		return err
	}
	return nil
}

// SetStatus updates only the lifecycle status of a credential
func (s *Store) SetStatus(ctx context.Context, ownerID, provider string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = ?, updated_at = ?
		 WHERE owner_id = ? AND provider = ?`,
		status, time.Now().UTC(), ownerID, provider,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set credential status %s/%s", ownerID, provider)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("credential not found: %s/%s", ownerID, provider)
	}
	return nil
}

// ListExpiring returns refreshable credentials whose expires_at falls
// within threshold of now. Revoked credentials and credentials without
// a refresh token are excluded; there is nothing a sweep can do with
// them.
func (s *Store) ListExpiring(ctx context.Context, now time.Time, threshold time.Duration) ([]*Credential, error) {
	cutoff := now.Add(threshold).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialSelectColumns+`
		 FROM credentials
		 WHERE status IN (?, ?)
		   AND expires_at <= ?
		   AND refresh_token IS NOT NULL AND refresh_token != ''
		 ORDER BY expires_at ASC`,
		StatusActive, StatusExpiring, cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expiring credentials")
	}
	defer rows.Close()

	return s.collectCredentials(rows, "expiring credentials")
}

// ListByOwner returns all of an owner's credentials
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialSelectColumns+`
		 FROM credentials WHERE owner_id = ? ORDER BY provider ASC`,
		ownerID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list credentials by owner")
	}
	defer rows.Close()

	return s.collectCredentials(rows, "credentials by owner")
}

// ListByProvider returns every credential for one provider
func (s *Store) ListByProvider(ctx context.Context, provider string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialSelectColumns+`
		 FROM credentials WHERE provider = ? ORDER BY owner_id ASC`,
		provider,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list credentials by provider")
	}
	defer rows.Close()

	return s.collectCredentials(rows, "credentials by provider")
}

// scanCredential reads one row through the cipher
func (s *Store) scanCredential(scan func(dest ...interface{}) error) (*Credential, error) {
	var cred Credential
	var accessToken string
	var refreshToken sql.NullString
	var scope string

	err := scan(
		&cred.ID, &cred.OwnerID, &cred.Provider,
		&accessToken, &refreshToken,
		&cred.ExpiresAt, &scope, &cred.Status,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.AccessToken, err = s.cipher.Open(accessToken)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open access token for %s/%s", cred.OwnerID, cred.Provider)
	}
	if refreshToken.Valid {
		cred.RefreshToken, err = s.cipher.Open(refreshToken.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open refresh token for %s/%s", cred.OwnerID, cred.Provider)
		}
	}
	if scope != "" {
		if err := json.Unmarshal([]byte(scope), &cred.Scope); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal scope for %s/%s", cred.OwnerID, cred.Provider)
		}
	}
	return &cred, nil
}

// collectCredentials drains a multi-row result
func (s *Store) collectCredentials(rows *sql.Rows, what string) ([]*Credential, error) {
	var creds []*Credential
	for rows.Next() {
		cred, err := s.scanCredential(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan credential")
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return creds, nil
}
