package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionTable_CreateAndGet(t *testing.T) {
	table := NewSessionTable()
	session, err := NewSession("111222333", "Platform", time.Hour, 12*time.Hour)
	require.NoError(t, err)
	table.Create(session)

	got, err := table.Get(session.Token)
	require.NoError(t, err)
	require.Equal(t, session.MeetID, got.MeetID)
	require.Equal(t, session.Location, got.Location)
}

func TestSessionTable_GetMissing(t *testing.T) {
	table := NewSessionTable()
	_, err := table.Get("nonexistent")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionTable_IdleExpiry(t *testing.T) {
	table := NewSessionTable()
	session, err := NewSession("111222333", "Platform", time.Millisecond, time.Hour)
	require.NoError(t, err)
	table.Create(session)

	time.Sleep(5 * time.Millisecond)

	_, err = table.Get(session.Token)
	require.ErrorIs(t, err, ErrSessionExpired)

	_, err = table.Get(session.Token)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionTable_AbsoluteExpiryOutlivesSliding(t *testing.T) {
	table := NewSessionTable()
	session, err := NewSession("111222333", "Platform", time.Hour, time.Millisecond)
	require.NoError(t, err)
	table.Create(session)

	time.Sleep(5 * time.Millisecond)

	_, err = table.Get(session.Token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionTable_DeleteByLocationRevokesAll(t *testing.T) {
	table := NewSessionTable()
	s1, err := NewSession("111222333", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	s2, err := NewSession("111222333", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	s3, err := NewSession("111222333", "Desk", time.Hour, time.Hour)
	require.NoError(t, err)
	table.Create(s1)
	table.Create(s2)
	table.Create(s3)

	removed := table.DeleteByLocation("111222333", "Platform")
	require.Equal(t, 2, removed)

	_, err = table.Get(s1.Token)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = table.Get(s3.Token)
	require.NoError(t, err)
}

func TestSessionTable_DeleteByMeet(t *testing.T) {
	table := NewSessionTable()
	s1, err := NewSession("111222333", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	s2, err := NewSession("999888777", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	table.Create(s1)
	table.Create(s2)

	removed := table.DeleteByMeet("111222333")
	require.Equal(t, 1, removed)

	_, err = table.Get(s2.Token)
	require.NoError(t, err)
}

func TestSessionTable_DeleteExpired(t *testing.T) {
	table := NewSessionTable()
	expiring, err := NewSession("111222333", "Platform", time.Millisecond, time.Hour)
	require.NoError(t, err)
	fresh, err := NewSession("111222333", "Desk", time.Hour, time.Hour)
	require.NoError(t, err)
	table.Create(expiring)
	table.Create(fresh)

	time.Sleep(5 * time.Millisecond)

	removed := table.DeleteExpired()
	require.Equal(t, 1, removed)

	_, err = table.Get(fresh.Token)
	require.NoError(t, err)
}

func TestSessionTable_RotateIssuesNewTokenAndKeepsOldForGraceWindow(t *testing.T) {
	table := NewSessionTable()
	session, err := NewSession("111222333", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	table.Create(session)

	rotated, err := table.Rotate(session.Token, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, session.Token, rotated.Token)
	require.NotEqual(t, session.CSRFToken, rotated.CSRFToken)
	require.Equal(t, session.MeetID, rotated.MeetID)
	require.Equal(t, session.Location, rotated.Location)

	_, err = table.Get(rotated.Token)
	require.NoError(t, err)
	_, err = table.Get(session.Token)
	require.NoError(t, err, "old token remains valid within the grace window")
}

func TestSessionTable_RotateOldTokenExpiresAfterGraceWindow(t *testing.T) {
	table := NewSessionTable()
	session, err := NewSession("111222333", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	table.Create(session)

	_, err = table.Rotate(session.Token, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = table.Get(session.Token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionTable_RotateMissingToken(t *testing.T) {
	table := NewSessionTable()
	_, err := table.Rotate("nonexistent", time.Minute)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionTable_RestoreSkipsExpired(t *testing.T) {
	table := NewSessionTable()
	expired, err := NewSession("111222333", "Platform", time.Hour, time.Hour)
	require.NoError(t, err)
	expired.AbsoluteEnd = time.Now().Add(-time.Hour)
	live, err := NewSession("111222333", "Desk", time.Hour, time.Hour)
	require.NoError(t, err)

	table.Restore([]Session{*expired, *live})

	_, err = table.Get(expired.Token)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = table.Get(live.Token)
	require.NoError(t, err)
}
