package vaultstore

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// GeneratorOptions control password generation for one user.
type GeneratorOptions struct {
	Length     int  `cbor:"length"`
	Lowercase  bool `cbor:"lowercase"`
	Uppercase  bool `cbor:"uppercase"`
	Numbers    bool `cbor:"numbers"`
	Special    bool `cbor:"special"`
	MinNumbers int  `cbor:"min_numbers"`
	MinSpecial int  `cbor:"min_special"`
}

// DefaultGeneratorOptions are used for users that never configured the
// generator.
func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		Length:     16,
		Lowercase:  true,
		Uppercase:  true,
		Numbers:    true,
		Special:    false,
		MinNumbers: 1,
	}
}

const (
	charsLower   = "abcdefghijkmnopqrstuvwxyz"
	charsUpper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	charsNumber  = "23456789"
	charsSpecial = "!@#$%^&*"
)

// GeneratorHistoryEntry is one recorded generation.
type GeneratorHistoryEntry struct {
	Password    string
	GeneratedAt int64
}

// Options returns the user's generator options, falling back to defaults.
func (s *Store) Options(userID string) (GeneratorOptions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRow(`SELECT options FROM generator_options WHERE user_id = ?`, userID).Scan(&blob)
	if err != nil {
		return DefaultGeneratorOptions(), nil
	}

	var opts GeneratorOptions
	if err := cbor.Unmarshal(blob, &opts); err != nil {
		return GeneratorOptions{}, fmt.Errorf("failed to decode generator options: %w", err)
	}
	return opts, nil
}

// SetOptions stores the user's generator options.
func (s *Store) SetOptions(userID string, opts GeneratorOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := cbor.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode generator options: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO generator_options (user_id, options, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			options = excluded.options,
			updated_at = excluded.updated_at
	`, userID, blob, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store generator options: %w", err)
	}
	return nil
}

// GeneratePassword generates a password with the user's configured options
// and records it in the generation history.
func (s *Store) GeneratePassword(userID string) (string, error) {
	opts, err := s.Options(userID)
	if err != nil {
		return "", err
	}

	password, err := generate(opts)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO generator_history (user_id, password, generated_at)
		VALUES (?, ?, ?)
	`, userID, password, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to record generation history: %w", err)
	}
	return password, nil
}

// History returns the user's most recent generated passwords, newest first.
func (s *Store) History(userID string, limit int) ([]GeneratorHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT password, generated_at FROM generator_history
		WHERE user_id = ?
		ORDER BY generated_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation history: %w", err)
	}
	defer rows.Close()

	var entries []GeneratorHistoryEntry
	for rows.Next() {
		var e GeneratorHistoryEntry
		if err := rows.Scan(&e.Password, &e.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func generate(opts GeneratorOptions) (string, error) {
	if opts.Length < 4 {
		opts.Length = 4
	}

	var alphabet string
	var required []string
	if opts.Lowercase {
		alphabet += charsLower
		required = append(required, charsLower)
	}
	if opts.Uppercase {
		alphabet += charsUpper
		required = append(required, charsUpper)
	}
	if opts.Numbers {
		alphabet += charsNumber
		for i := 0; i < max(opts.MinNumbers, 1); i++ {
			required = append(required, charsNumber)
		}
	}
	if opts.Special {
		alphabet += charsSpecial
		for i := 0; i < max(opts.MinSpecial, 1); i++ {
			required = append(required, charsSpecial)
		}
	}
	if alphabet == "" {
		alphabet = charsLower
		required = append(required, charsLower)
	}
	if len(required) > opts.Length {
		required = required[:opts.Length]
	}

	out := make([]byte, opts.Length)
	for i := range out {
		c, err := randomChar(alphabet)
		if err != nil {
			return "", err
		}
		out[i] = c
	}

	// Guarantee each required class at a random distinct position.
	positions, err := randomPositions(len(out), len(required))
	if err != nil {
		return "", err
	}
	for i, set := range required {
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out[positions[i]] = c
	}

	return string(out), nil
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("failed to read randomness: %w", err)
	}
	return set[n.Int64()], nil
}

// randomPositions picks count distinct indices in [0, length).
func randomPositions(length, count int) ([]int, error) {
	perm := make([]int, length)
	for i := range perm {
		perm[i] = i
	}
	for i := length - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to read randomness: %w", err)
		}
		j := int(n.Int64())
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:count], nil
}
