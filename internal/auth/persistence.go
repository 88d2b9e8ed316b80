package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PersistenceKeySize is the required AES-256 key length for the session
// persistence file (spec.md §4.2's "sessions survive a restart" guarantee).
const PersistenceKeySize = 32

// LoadPersistenceKey reads a raw 32-byte key from path (configured via
// session.persistence_key_file).
func LoadPersistenceKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persistence key: %w", err)
	}
	if len(key) != PersistenceKeySize {
		return nil, fmt.Errorf("persistence key must be %d bytes, got %d", PersistenceKeySize, len(key))
	}
	return key, nil
}

// GeneratePersistenceKey creates a fresh random key, for first-run bootstrap.
func GeneratePersistenceKey() ([]byte, error) {
	key := make([]byte, PersistenceKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate persistence key: %w", err)
	}
	return key, nil
}

// SaveSessions encrypts the table's live sessions with AES-256-GCM under
// key and atomically writes them to path, so session state — and the
// bearer tokens active clients hold — survives a process restart without
// the file being readable by anyone with filesystem access to it alone.
func SaveSessions(table *SessionTable, key []byte, path string) error {
	plaintext, err := json.Marshal(table.All())
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename sessions file: %w", err)
	}
	return nil
}

// LoadSessions decrypts and returns the session snapshot at path. A missing
// file is not an error: it returns an empty snapshot, matching a fresh
// deployment with nothing to restore.
func LoadSessions(key []byte, path string) ([]Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions file: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("sessions file too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt sessions file: %w", err)
	}

	var sessions []Session
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", err)
	}
	return sessions, nil
}
