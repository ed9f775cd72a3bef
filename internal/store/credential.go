package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CredentialStore holds the per-user encrypted OAuth credential blobs. The
// store never sees plaintext; encryption lives in the vault.
type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Save writes or replaces the user's credential blob.
func (s *CredentialStore) Save(userID int64, ciphertext []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO credentials (user_id, ciphertext, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		userID, ciphertext, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Get returns the user's credential blob, or nil when none is stored.
func (s *CredentialStore) Get(userID int64) ([]byte, error) {
	var ciphertext []byte
	err := s.db.QueryRow(`SELECT ciphertext FROM credentials WHERE user_id = ?`, userID).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	return ciphertext, nil
}

// Delete drops the user's credentials. Called on disconnect.
func (s *CredentialStore) Delete(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
