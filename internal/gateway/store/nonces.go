package store

import (
	"fmt"
	"time"
)

// Record stores a nonce for replay protection, purging expired records first.
// Returns false when the nonce was already recorded inside the expiry window.
// Implements auth.NonceStore.
func (s *Store) Record(nonce string, now time.Time, expiry time.Duration) (bool, error) {
	// Lazy purge on every verification keeps the table bounded without a
	// background sweeper.
	if _, err := s.db.Exec(`DELETE FROM nonces WHERE created_at < ?`, now.Add(-expiry).UTC()); err != nil {
		return false, fmt.Errorf("purge nonces: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO nonces (nonce, created_at) VALUES (?, ?) ON CONFLICT(nonce) DO NOTHING`,
		nonce, now.UTC())
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
