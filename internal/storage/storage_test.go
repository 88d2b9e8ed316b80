package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func testAuth() AuthBlob {
	return AuthBlob{
		Algorithm: "argon2id",
		Params:    map[string]int{"time": 1, "memory": 19456, "threads": 1},
		Salt:      "c2FsdA==",
		Hash:      "aGFzaA==",
		Locations: []LocationEntry{{Name: "Platform", Priority: 10}},
	}
}

func TestStore_CreateAndExists(t *testing.T) {
	s := newTestStore(t)

	require.False(t, s.ExistsAnywhere("111222333"))
	require.NoError(t, s.Create("111222333", testAuth()))
	require.True(t, s.ExistsAnywhere("111222333"))

	err := s.Create("111222333", testAuth())
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_AppendAndReplay(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("222333444", testAuth()))
	_, err := s.Open("222333444")
	require.NoError(t, err)

	updates := []Update{
		{ServerSeq: 1, Location: "lifters.0.name", Value: json.RawMessage(`"John"`), OriginatingLocation: "Platform"},
		{ServerSeq: 2, Location: "lifters.0.attempts.0.weight", Value: json.RawMessage(`120.0`), OriginatingLocation: "Platform"},
	}
	require.NoError(t, s.Append("222333444", updates))
	require.EqualValues(t, 2, s.Length("222333444"))

	all, err := s.Replay("222333444", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "lifters.0.name", all[0].Location)

	tail, err := s.Replay("222333444", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.EqualValues(t, 2, tail[0].ServerSeq)
}

func TestStore_ReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create("333444555", testAuth()))
	_, err = s.Open("333444555")
	require.NoError(t, err)

	require.NoError(t, s.Append("333444555", []Update{
		{ServerSeq: 1, Location: "a", Value: json.RawMessage(`1`), OriginatingLocation: "Platform"},
	}))
	s.Close()

	s2, err := New(dir)
	require.NoError(t, err)
	corrupted, err := s2.Open("333444555")
	require.NoError(t, err)
	require.Zero(t, corrupted)
	require.EqualValues(t, 1, s2.Length("333444555"))
}

func TestStore_ReplaySkipsCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Create("444555666", testAuth()))
	_, err = s.Open("444555666")
	require.NoError(t, err)
	require.NoError(t, s.Append("444555666", []Update{
		{ServerSeq: 1, Location: "a", Value: json.RawMessage(`1`), OriginatingLocation: "Platform"},
	}))
	s.Close()

	logPath := filepath.Join(dir, currentMeetsDir, "444555666", updatesLogFile)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"server_seq":2,"location":"b"` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := New(dir)
	require.NoError(t, err)
	corrupted, err := s2.Open("444555666")
	require.NoError(t, err)
	require.Equal(t, 1, corrupted)
	require.EqualValues(t, 1, s2.Length("444555666"))
}

func TestStore_Finalize(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("555666777", testAuth()))
	_, err := s.Open("555666777")
	require.NoError(t, err)

	require.NoError(t, s.Finalize("555666777", []byte("csv,data\n"), "md@example.com"))
	require.False(t, func() bool {
		_, statErr := os.Stat(s.currentDir("555666777"))
		return statErr == nil
	}())

	data, err := os.ReadFile(filepath.Join(s.finishedDir("555666777"), csvFile))
	require.NoError(t, err)
	require.Equal(t, "csv,data\n", string(data))

	email, err := os.ReadFile(filepath.Join(s.finishedDir("555666777"), emailFile))
	require.NoError(t, err)
	require.Equal(t, "md@example.com", string(email))

	err = s.Finalize("555666777", nil, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_WriteAuthBlobGrowsLocations(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("666777888", testAuth()))

	blob, err := s.ReadAuthBlob("666777888")
	require.NoError(t, err)
	blob.Locations = append(blob.Locations, LocationEntry{Name: "Desk", Priority: 0})
	require.NoError(t, s.WriteAuthBlob("666777888", blob))

	reloaded, err := s.ReadAuthBlob("666777888")
	require.NoError(t, err)
	require.Len(t, reloaded.Locations, 2)
}
