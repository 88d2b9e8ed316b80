// Package storage implements the durable, per-meet filesystem state
// described in SPEC_FULL.md §4.1: an append-only JSON-lines update log plus
// an auth blob, with atomic create/finalize and corruption-tolerant replay.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned when a meet-id is not present under
	// current-meets/ (and, where relevant, not under finished-meets/ either).
	ErrNotFound = errors.New("meet not found")
	// ErrAlreadyExists is returned by Create when the meet-id collides with
	// an existing current or finished meet.
	ErrAlreadyExists = errors.New("meet already exists")
)

const (
	currentMeetsDir  = "current-meets"
	finishedMeetsDir = "finished-meets"
	updatesLogFile   = "updates.log"
	authBlobFile     = "auth.json"
	csvFile          = "opl.csv"
	emailFile        = "email.txt"
)

// AuthBlob is the persisted per-meet credential and location table. It
// never holds the plaintext password (invariant I6).
type AuthBlob struct {
	Algorithm string            `json:"algorithm"`
	Params    map[string]int    `json:"params"`
	Salt      string            `json:"salt"`
	Hash      string            `json:"hash"`
	Locations []LocationEntry   `json:"locations"`
	CreatedAt int64             `json:"created_at"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// LocationEntry is one row of the ordered location-priority table.
type LocationEntry struct {
	Name     string `json:"location_name"`
	Priority int    `json:"priority"`
}

// Store owns the on-disk layout rooted at dataDir.
type Store struct {
	dataDir string

	mu    sync.Mutex // guards create/finalize/exists-anywhere filesystem races
	open  map[string]*meetLog
	openM sync.Mutex
}

// New creates a Store rooted at dataDir, creating the current/finished
// top-level directories if they do not already exist.
func New(dataDir string) (*Store, error) {
	for _, dir := range []string{currentMeetsDir, finishedMeetsDir} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		dataDir: dataDir,
		open:    make(map[string]*meetLog),
	}, nil
}

func (s *Store) currentDir(meetID string) string  { return filepath.Join(s.dataDir, currentMeetsDir, meetID) }
func (s *Store) finishedDir(meetID string) string { return filepath.Join(s.dataDir, finishedMeetsDir, meetID) }

// ExistsAnywhere reports whether meetID is present under current-meets/ or
// finished-meets/, for meet-id generator collision avoidance (invariant I5).
func (s *Store) ExistsAnywhere(meetID string) bool {
	if _, err := os.Stat(s.currentDir(meetID)); err == nil {
		return true
	}
	if _, err := os.Stat(s.finishedDir(meetID)); err == nil {
		return true
	}
	return false
}

// Create atomically creates the meet's directory and auth.json. It fails
// with ErrAlreadyExists if meetID is already present anywhere.
func (s *Store) Create(meetID string, auth AuthBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ExistsAnywhere(meetID) {
		return ErrAlreadyExists
	}

	dir := s.currentDir(meetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir meet dir: %w", err)
	}

	if err := writeAuthBlob(dir, auth); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}

	log.Info().Str("meet_id", meetID).Msg("meet created")
	return nil
}

func writeAuthBlob(dir string, auth AuthBlob) error {
	data, err := json.MarshalIndent(auth, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth blob: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, authBlobFile), data)
}

// writeFileAtomic writes data to a temp file in the same directory as path
// then renames it into place, so a crash mid-write never leaves a partial
// file visible at path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// ReadAuthBlob loads the persisted auth.json for meetID, checking
// current-meets/ then finished-meets/.
func (s *Store) ReadAuthBlob(meetID string) (AuthBlob, error) {
	dir := s.currentDir(meetID)
	data, err := os.ReadFile(filepath.Join(dir, authBlobFile))
	if errors.Is(err, os.ErrNotExist) {
		dir = s.finishedDir(meetID)
		data, err = os.ReadFile(filepath.Join(dir, authBlobFile))
	}
	if errors.Is(err, os.ErrNotExist) {
		return AuthBlob{}, ErrNotFound
	}
	if err != nil {
		return AuthBlob{}, fmt.Errorf("read auth blob: %w", err)
	}

	var blob AuthBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return AuthBlob{}, fmt.Errorf("decode auth blob: %w", err)
	}
	return blob, nil
}

// WriteAuthBlob rewrites auth.json in place, e.g. with a grown location
// table; the server's handlers never call it, since locations are fixed at
// CreateMeet. The meet must currently live under current-meets/.
func (s *Store) WriteAuthBlob(meetID string, auth AuthBlob) error {
	return writeAuthBlob(s.currentDir(meetID), auth)
}

// Finalize renames the meet directory from current-meets/ to
// finished-meets/ and writes the publish artifacts. It fails if the
// destination already exists.
func (s *Store) Finalize(meetID string, csv []byte, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLog(meetID)

	src := s.currentDir(meetID)
	dst := s.finishedDir(meetID)

	if _, err := os.Stat(src); err != nil {
		return ErrNotFound
	}
	if _, err := os.Stat(dst); err == nil {
		return ErrAlreadyExists
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("finalize rename: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(dst, csvFile), csv); err != nil {
		return fmt.Errorf("write opl.csv: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dst, emailFile), []byte(email)); err != nil {
		return fmt.Errorf("write email.txt: %w", err)
	}

	log.Info().Str("meet_id", meetID).Msg("meet finalized")
	return nil
}
