package meet

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftsync/meetserver/internal/storage"
)

func TestRegistry_CreateAndGetReturnSameActor(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(store, 0)
	t.Cleanup(reg.ShutdownAll)

	actor, err := reg.Create("111222333", storage.AuthBlob{}, map[string]int{"Platform": 10})
	require.NoError(t, err)

	again, err := reg.Get("111222333", map[string]int{"Platform": 10})
	require.NoError(t, err)
	require.Same(t, actor, again)
}

func TestRegistry_CreateDuplicateFails(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(store, 0)
	t.Cleanup(reg.ShutdownAll)

	_, err = reg.Create("111222333", storage.AuthBlob{}, nil)
	require.NoError(t, err)

	_, err = reg.Create("111222333", storage.AuthBlob{}, nil)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestRegistry_GetUnknownMeetFails(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(store, 0)
	t.Cleanup(reg.ShutdownAll)

	_, err = reg.Get("999999999", nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistry_GetReloadsAfterActorUnloads(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry(store, 0)
	t.Cleanup(reg.ShutdownAll)

	locations := map[string]int{"Platform": 10}
	actor, err := reg.Create("111222333", storage.AuthBlob{}, locations)
	require.NoError(t, err)

	_, err = actor.ApplyUpdates("sessA", "Platform", []ProposedUpdate{
		{Location: "a", Value: json.RawMessage(`1`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)

	require.NoError(t, actor.Publish([]byte("csv"), "md@example.com"))
	require.NoError(t, actor.Unsubscribe("nobody-subscribed"))

	deadline := time.Now().Add(time.Second)
	for reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, reg.Len())

	reloaded, err := reg.Get("111222333", locations)
	require.NoError(t, err)
	require.NotSame(t, actor, reloaded)

	updates, err := reloaded.Pull(0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
}
