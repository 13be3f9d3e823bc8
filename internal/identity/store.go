// Package identity persists resumable session ids keyed by the WebSocket
// endpoint host, guarded by a credential fingerprint. Scoping storage to the
// endpoint host (never the page origin) keeps a redirect to a rogue endpoint
// from reading ids persisted for a legitimate one.
package identity

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/termlink/internal/logging"
)

var idLog = logging.ForComponent(logging.CompIdentity)

// Purpose distinguishes the primary and secondary pane slots within one
// domain so the two panes never trade session ids.
const (
	PurposePrimary   = "primary"
	PurposeSecondary = "secondary"
)

// ComputeCredentialHash derives the stable one-way fingerprint for the
// current credentials. A NUL separator keeps (a,bc) and (ab,c) distinct.
func ComputeCredentialHash(apiKey, accessToken string) string {
	h := sha256.Sum256([]byte(apiKey + "\x00" + accessToken))
	return hex.EncodeToString(h[:])
}

// DomainForEndpoint extracts the storage domain (host, including port) from
// a WebSocket endpoint URL.
func DomainForEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("identity: parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("identity: endpoint %q has no host", endpoint)
	}
	return u.Host, nil
}

// Store wraps a SQLite database holding resumable session state.
// Safe for concurrent use within one process; WAL mode and a busy timeout
// make cross-process access safe too.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("identity: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("identity: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resume_sessions (
			domain          TEXT NOT NULL,
			purpose         TEXT NOT NULL,
			session_id      TEXT NOT NULL,
			credential_hash TEXT NOT NULL,
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (domain, purpose)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// TryResume returns the stored session id for (domain, purpose) when the
// stored credential hash matches credentialHash. On mismatch both the id and
// the hash are purged and "" is returned: stale credentials must never
// resurrect a session.
func (s *Store) TryResume(domain, purpose, credentialHash string) (string, error) {
	var sessionID, storedHash string
	err := s.db.QueryRow(`
		SELECT session_id, credential_hash FROM resume_sessions
		WHERE domain = ? AND purpose = ?
	`, domain, purpose).Scan(&sessionID, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: query resume: %w", err)
	}

	if storedHash != credentialHash {
		idLog.Info("credential_mismatch_purged",
			slog.String("domain", domain),
			slog.String("purpose", purpose))
		if err := s.Purge(domain, purpose); err != nil {
			return "", err
		}
		return "", nil
	}
	return sessionID, nil
}

// Persist stores a session id with its credential hash.
func (s *Store) Persist(domain, purpose, sessionID, credentialHash string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO resume_sessions
			(domain, purpose, session_id, credential_hash, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s','now'))
	`, domain, purpose, sessionID, credentialHash)
	if err != nil {
		return fmt.Errorf("identity: persist: %w", err)
	}
	return nil
}

// Purge removes the stored session id and hash for (domain, purpose).
func (s *Store) Purge(domain, purpose string) error {
	_, err := s.db.Exec(`
		DELETE FROM resume_sessions WHERE domain = ? AND purpose = ?
	`, domain, purpose)
	if err != nil {
		return fmt.Errorf("identity: purge: %w", err)
	}
	return nil
}

// PurgeDomain removes every entry for a domain (explicit logout).
func (s *Store) PurgeDomain(domain string) error {
	_, err := s.db.Exec(`DELETE FROM resume_sessions WHERE domain = ?`, domain)
	if err != nil {
		return fmt.Errorf("identity: purge domain: %w", err)
	}
	return nil
}
