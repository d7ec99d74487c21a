// Package store implements the shared state store: an encrypted SQLite
// database holding one value per key. It is the only communication channel
// between the main process and the enforcement agent, so it enforces the
// single-writer-per-key discipline at this boundary instead of leaving it
// to convention.
package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/mksalih/salahguard/internal/domain"
)

const (
	// DBName is the store database filename inside the data directory.
	DBName = "state.db"

	schemaVersion = 1
)

// Conceptual store keys. Prefixed keys carry a window id suffix.
const (
	KeyPlannedWindows   = "planned-windows"
	KeyMonitoredWindows = "currently-monitored-window-ids"
	KeySettings         = "settings"
	KeyMode             = "mode"
	KeyNeedsAuth        = "needs-authorization"

	KeyCurrentlyEnforced    = "currently-enforced"
	KeyAwaitingConfirmation = "awaiting-confirmation"
	KeyEnforcementStart     = "enforcement-start-time"
	KeyAppliedTokens        = "applied-tokens"
	KeyNoSelectionWarning   = "no-selection-warning"
	KeyLatestEnforcement    = "latest-enforcement"

	PrefixEnforcementRecord = "enforcement-record:"
	PrefixEarlyUnlockUsed   = "early-unlock-used:"
)

// keyOwners maps each exact key to the role allowed to write it.
var keyOwners = map[string]domain.WriterRole{
	KeyPlannedWindows:   domain.WriterApp,
	KeyMonitoredWindows: domain.WriterApp,
	KeySettings:         domain.WriterApp,
	KeyMode:             domain.WriterApp,
	KeyNeedsAuth:        domain.WriterApp,

	KeyCurrentlyEnforced:    domain.WriterAgent,
	KeyAwaitingConfirmation: domain.WriterAgent,
	KeyEnforcementStart:     domain.WriterAgent,
	KeyAppliedTokens:        domain.WriterAgent,
	KeyNoSelectionWarning:   domain.WriterAgent,
	KeyLatestEnforcement:    domain.WriterAgent,
}

// prefixOwners maps key prefixes to owning roles.
var prefixOwners = map[string]domain.WriterRole{
	PrefixEnforcementRecord: domain.WriterAgent,
	PrefixEarlyUnlockUsed:   domain.WriterAgent,
}

// ownerOf resolves the writer role for a key, or an error for unknown keys.
func ownerOf(key string) (domain.WriterRole, error) {
	if role, ok := keyOwners[key]; ok {
		return role, nil
	}
	for prefix, role := range prefixOwners {
		if strings.HasPrefix(key, prefix) {
			return role, nil
		}
	}
	return "", fmt.Errorf("unknown store key %q", key)
}

// Store implements domain.StateStore on a SQLCipher encrypted database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the encrypted store in dataDir. The key is used
// as the SQLCipher passphrase via PRAGMA key.
func Open(dataDir string, key []byte) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted store: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema and verifies the schema version.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facts (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		owner TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create store schema: %w", err)
	}

	var current string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&current)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", schemaVersion))
		return err
	}
	if err != nil {
		return err
	}
	if current != fmt.Sprintf("%d", schemaVersion) {
		return fmt.Errorf("store schema version mismatch: have %s, want %d", current, schemaVersion)
	}
	return nil
}

// Read returns the value for key, with ok=false if the key is unset.
func (s *Store) Read(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM facts WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Write stores value under key. A single INSERT OR REPLACE keeps per-key
// writes atomic: a concurrent reader sees the old value or the new one,
// never a torn write.
func (s *Store) Write(role domain.WriterRole, key string, value []byte) error {
	owner, err := ownerOf(key)
	if err != nil {
		return err
	}
	if owner != role {
		return fmt.Errorf("role %s may not write key %q (owned by %s)", role, key, owner)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO facts (key, value, owner, updated_at) VALUES (?, ?, ?, ?)`,
		key, value, string(owner), time.Now().Unix(),
	)
	return err
}

// Delete removes key. Fails if role does not own the key.
func (s *Store) Delete(role domain.WriterRole, key string) error {
	owner, err := ownerOf(key)
	if err != nil {
		return err
	}
	if owner != role {
		return fmt.Errorf("role %s may not delete key %q (owned by %s)", role, key, owner)
	}

	_, err = s.db.Exec(`DELETE FROM facts WHERE key = ?`, key)
	return err
}

// Keys returns all keys with the given prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM facts WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Path returns the database file path (for the store watcher and tests).
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure Store implements domain.StateStore.
var _ domain.StateStore = (*Store)(nil)
