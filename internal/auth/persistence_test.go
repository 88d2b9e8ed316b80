package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadSessions(t *testing.T) {
	key, err := GeneratePersistenceKey()
	require.NoError(t, err)

	table := NewSessionTable()
	s1, err := NewSession("111222333", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	table.Create(s1)

	path := filepath.Join(t.TempDir(), "sessions.enc")
	require.NoError(t, SaveSessions(table, key, path))

	loaded, err := LoadSessions(key, path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, s1.Token, loaded[0].Token)

	restored := NewSessionTable()
	restored.Restore(loaded)
	got, err := restored.Get(s1.Token)
	require.NoError(t, err)
	require.Equal(t, "Platform", got.Location)
}

func TestLoadSessionsMissingFileIsEmpty(t *testing.T) {
	key, err := GeneratePersistenceKey()
	require.NoError(t, err)

	loaded, err := LoadSessions(key, filepath.Join(t.TempDir(), "missing.enc"))
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoadSessionsWrongKeyFails(t *testing.T) {
	key, err := GeneratePersistenceKey()
	require.NoError(t, err)
	wrongKey, err := GeneratePersistenceKey()
	require.NoError(t, err)

	table := NewSessionTable()
	path := filepath.Join(t.TempDir(), "sessions.enc")
	require.NoError(t, SaveSessions(table, key, path))

	_, err = LoadSessions(wrongKey, path)
	require.Error(t, err)
}

func TestLoadPersistenceKeyRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("too-short"), 0o600))

	_, err := LoadPersistenceKey(path)
	require.Error(t, err)
}
