// Package vaultstore provides the local credential store and password
// generator backing the bridge's command dispatcher. Credential records are
// CBOR-encoded and kept in SQLite alongside the columns needed for lookup.
package vaultstore

import (
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a credential id does not exist.
var ErrNotFound = fmt.Errorf("credential not found")

// Credential is a stored vault item.
type Credential struct {
	ID        string `cbor:"id"`
	UserID    string `cbor:"user_id"`
	Name      string `cbor:"name"`
	UserName  string `cbor:"user_name"`
	Password  string `cbor:"password"`
	URI       string `cbor:"uri"`
	CreatedAt int64  `cbor:"created_at"`
	UpdatedAt int64  `cbor:"updated_at"`
}

// Store is the SQLite-backed credential store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the store at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Credential records; the full record is CBOR in the record column,
	-- lookup columns are duplicated for indexed queries.
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		record BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id, host);

	-- Password generation history, newest first per user.
	CREATE TABLE IF NOT EXISTS generator_history (
		user_id TEXT NOT NULL,
		password TEXT NOT NULL,
		generated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_user ON generator_history(user_id, generated_at DESC);

	-- Per-user generator options, CBOR-encoded.
	CREATE TABLE IF NOT EXISTS generator_options (
		user_id TEXT PRIMARY KEY,
		options BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Create stores a new credential and returns its generated id.
func (s *Store) Create(c Credential) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now

	record, err := cbor.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO credentials (id, user_id, host, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, hostOf(c.URI), record, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to store credential: %w", err)
	}
	return c.ID, nil
}

// Update rewrites an existing credential. Returns ErrNotFound when the id
// is unknown for the given user.
func (s *Store) Update(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.get(c.ID)
	if err != nil {
		return err
	}
	if existing.UserID != c.UserID {
		return ErrNotFound
	}

	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UnixMilli()

	record, err := cbor.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE credentials SET host = ?, record = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, hostOf(c.URI), record, c.UpdatedAt, c.ID, c.UserID)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a credential by id.
func (s *Store) Get(id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *Store) get(id string) (*Credential, error) {
	var record []byte
	err := s.db.QueryRow(`SELECT record FROM credentials WHERE id = ?`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	var c Credential
	if err := cbor.Unmarshal(record, &c); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &c, nil
}

// FindByURI returns the user's credentials matching the URI, best match
// first: exact host, then registrable-domain match, then substring match.
// An empty URI yields an empty result.
func (s *Store) FindByURI(userID, uri string) ([]Credential, error) {
	if uri == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT record FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	target := hostOf(uri)
	type ranked struct {
		cred Credential
		rank int
	}
	var matches []ranked

	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		var c Credential
		if err := cbor.Unmarshal(record, &c); err != nil {
			return nil, fmt.Errorf("failed to decode credential: %w", err)
		}

		rank, ok := matchRank(target, hostOf(c.URI))
		if !ok {
			continue
		}
		matches = append(matches, ranked{cred: c, rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].cred.Name < matches[j].cred.Name
	})

	creds := make([]Credential, 0, len(matches))
	for _, m := range matches {
		creds = append(creds, m.cred)
	}
	return creds, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// hostOf normalizes a URI to its lowercase host, tolerating bare hostnames
// without a scheme.
func hostOf(uri string) string {
	if uri == "" {
		return ""
	}
	raw := uri
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(uri)
	}
	return strings.ToLower(u.Hostname())
}

// matchRank scores a stored host against the requested host.
// 0: exact match, 1: same registrable domain, 2: substring.
func matchRank(target, host string) (int, bool) {
	if target == "" || host == "" {
		return 0, false
	}
	if host == target {
		return 0, true
	}
	if registrableDomain(host) == registrableDomain(target) {
		return 1, true
	}
	if strings.Contains(host, target) || strings.Contains(target, host) {
		return 2, true
	}
	return 0, false
}

// registrableDomain approximates the eTLD+1 as the last two labels. Good
// enough for a local matcher; a full public-suffix list is out of scope.
func registrableDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
