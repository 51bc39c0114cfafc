// Package credstore persists passkey credentials in PostgreSQL.
package credstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	_ "github.com/lib/pq"
)

// Store holds passkey credentials for the single account.
type Store struct {
	db *sql.DB
}

// Record is a stored credential with its persistence metadata.
type Record struct {
	CredentialID string
	Credential   webauthn.Credential
	CreatedAt    time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the credentials table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webauthn_credentials (
			credential_id TEXT PRIMARY KEY,
			credential    JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create credentials table: %w", err)
	}
	return nil
}

// EncodeID renders a raw credential ID in its stored base64url form.
func EncodeID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// Save inserts a newly registered credential.
func (s *Store) Save(ctx context.Context, cred *webauthn.Credential) error {
	blob, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webauthn_credentials (credential_id, credential) VALUES ($1, $2)`,
		EncodeID(cred.ID), blob)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Update rewrites a stored credential, typically after a sign-count bump.
func (s *Store) Update(ctx context.Context, cred *webauthn.Credential) error {
	blob, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webauthn_credentials SET credential = $2 WHERE credential_id = $1`,
		EncodeID(cred.ID), blob)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListAll returns every stored credential, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT credential_id, credential, created_at FROM webauthn_credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var blob []byte
		if err := rows.Scan(&rec.CredentialID, &blob, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if err := json.Unmarshal(blob, &rec.Credential); err != nil {
			return nil, fmt.Errorf("unmarshal credential %s: %w", rec.CredentialID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a credential by its stored ID.
func (s *Store) Delete(ctx context.Context, credentialID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webauthn_credentials WHERE credential_id = $1`, credentialID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Count returns the number of stored credentials.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webauthn_credentials`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}
