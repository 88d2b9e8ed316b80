package meet

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftsync/meetserver/internal/storage"
)

func newTestActor(t *testing.T, locations map[string]int) (*Actor, *storage.Store, string) {
	t.Helper()
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	meetID := "111222333"
	require.NoError(t, store.Create(meetID, storage.AuthBlob{Algorithm: "argon2id"}))

	actor := NewActor(meetID, store, locations, 0, nil)
	t.Cleanup(actor.Shutdown)
	return actor, store, meetID
}

func TestActor_ApplyUpdatesAssignsDenseServerSeq(t *testing.T) {
	actor, _, _ := newTestActor(t, map[string]int{"Platform": 10})

	result, err := actor.ApplyUpdates("sessA", "Platform", []ProposedUpdate{
		{Location: "lifters.0.name", Value: json.RawMessage(`"John"`), LocalSeq: 1, AfterServerSeq: 0},
		{Location: "lifters.1.name", Value: json.RawMessage(`"Jane"`), LocalSeq: 2, AfterServerSeq: 0},
	})
	require.NoError(t, err)
	require.Len(t, result.Acks, 2)
	require.Equal(t, int64(1), result.Acks[0].ServerSeq)
	require.Equal(t, int64(2), result.Acks[1].ServerSeq)
	require.Empty(t, result.Rejects)
}

func TestActor_IdempotentRetrySameServerSeq(t *testing.T) {
	actor, store, meetID := newTestActor(t, map[string]int{"Platform": 10})

	batch := []ProposedUpdate{
		{Location: "lifters.0.name", Value: json.RawMessage(`"John"`), LocalSeq: 1, AfterServerSeq: 0},
	}

	first, err := actor.ApplyUpdates("sessA", "Platform", batch)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Acks[0].ServerSeq)

	second, err := actor.ApplyUpdates("sessA", "Platform", batch)
	require.NoError(t, err)
	require.Equal(t, int64(1), second.Acks[0].ServerSeq)

	require.EqualValues(t, 1, store.Length(meetID))
}

func TestActor_ConflictHigherPriorityWins(t *testing.T) {
	actor, _, _ := newTestActor(t, map[string]int{"Platform": 10, "Desk": 5})

	// Desk writes first, establishing the baseline.
	_, err := actor.ApplyUpdates("sessDesk", "Desk", []ProposedUpdate{
		{Location: "lifters.0.attempts.0.weight", Value: json.RawMessage(`120.0`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)

	// Platform overwrites it with stale after_server_seq=0 — conflict, but
	// Platform has higher priority, so it wins.
	result, err := actor.ApplyUpdates("sessPlatform", "Platform", []ProposedUpdate{
		{Location: "lifters.0.attempts.0.weight", Value: json.RawMessage(`125.0`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)
	require.Len(t, result.Acks, 1)
	require.Empty(t, result.Rejects)

	// Desk tries again with the same stale baseline — now the lower-priority
	// side, rejected.
	result2, err := actor.ApplyUpdates("sessDesk", "Desk", []ProposedUpdate{
		{Location: "lifters.0.attempts.0.weight", Value: json.RawMessage(`130.0`), LocalSeq: 2, AfterServerSeq: 0},
	})
	require.NoError(t, err)
	require.Empty(t, result2.Acks)
	require.Len(t, result2.Rejects, 1)
	require.True(t, result2.Rejects[0].Conflict)
}

func TestActor_EqualPriorityLaterArrivalWins(t *testing.T) {
	actor, _, _ := newTestActor(t, map[string]int{"Platform": 10, "Overlay": 10})

	_, err := actor.ApplyUpdates("sessA", "Platform", []ProposedUpdate{
		{Location: "lifters.0.name", Value: json.RawMessage(`"John"`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)

	result, err := actor.ApplyUpdates("sessB", "Overlay", []ProposedUpdate{
		{Location: "lifters.0.name", Value: json.RawMessage(`"Jane"`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)
	require.Len(t, result.Acks, 1)
	require.Empty(t, result.Rejects)
}

func TestActor_UnknownLocationRejected(t *testing.T) {
	actor, _, _ := newTestActor(t, map[string]int{"Platform": 10})

	result, err := actor.ApplyUpdates("sessX", "Ghost", []ProposedUpdate{
		{Location: "lifters.0.name", Value: json.RawMessage(`"x"`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)
	require.Empty(t, result.Acks)
	require.Len(t, result.Rejects, 1)
}

func TestActor_FanOutExcludesSubmitter(t *testing.T) {
	actor, _, _ := newTestActor(t, map[string]int{"Platform": 10, "Overlay": 0})

	submitterCh := make(chan *Relay, 4)
	overlayCh := make(chan *Relay, 4)
	require.NoError(t, actor.Subscribe("sessA", submitterCh))
	require.NoError(t, actor.Subscribe("sessOverlay", overlayCh))

	_, err := actor.ApplyUpdates("sessA", "Platform", []ProposedUpdate{
		{Location: "lifters.0.name", Value: json.RawMessage(`"John"`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)

	select {
	case relay := <-overlayCh:
		require.Len(t, relay.Updates, 1)
		require.Equal(t, "lifters.0.name", relay.Updates[0].Location)
	case <-time.After(time.Second):
		t.Fatal("expected relay on overlay channel")
	}

	select {
	case <-submitterCh:
		t.Fatal("submitter should not receive its own update via relay")
	default:
	}
}

func TestActor_PullReturnsUpdatesAfterSeq(t *testing.T) {
	actor, _, _ := newTestActor(t, map[string]int{"Platform": 10})

	_, err := actor.ApplyUpdates("sessA", "Platform", []ProposedUpdate{
		{Location: "a", Value: json.RawMessage(`1`), LocalSeq: 1, AfterServerSeq: 0},
		{Location: "b", Value: json.RawMessage(`2`), LocalSeq: 2, AfterServerSeq: 0},
	})
	require.NoError(t, err)

	all, err := actor.Pull(0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	tail, err := actor.Pull(1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "b", tail[0].Location)

	_, err = actor.Pull(99)
	require.ErrorIs(t, err, ErrInvalidSyncState)
}

func TestActor_PublishFinalizesAndRejectsFurtherUpdates(t *testing.T) {
	actor, store, meetID := newTestActor(t, map[string]int{"Platform": 10})

	require.NoError(t, actor.Publish([]byte("csv"), "md@example.com"))

	result, err := actor.ApplyUpdates("sessA", "Platform", []ProposedUpdate{
		{Location: "a", Value: json.RawMessage(`1`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)
	require.Empty(t, result.Acks)
	require.Len(t, result.Rejects, 1)

	require.True(t, store.ExistsAnywhere(meetID))

	err = actor.Publish([]byte("csv"), "md@example.com")
	require.ErrorIs(t, err, ErrFinalized)
}

func TestActor_ReplaysFromStorageOnLoad(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	meetID := "444555666"
	require.NoError(t, store.Create(meetID, storage.AuthBlob{}))

	locations := map[string]int{"Platform": 10}
	actor := NewActor(meetID, store, locations, 0, nil)
	_, err = actor.ApplyUpdates("sessA", "Platform", []ProposedUpdate{
		{Location: "a", Value: json.RawMessage(`1`), LocalSeq: 1, AfterServerSeq: 0},
	})
	require.NoError(t, err)
	actor.Shutdown()

	reloaded := NewActor(meetID, store, locations, 0, nil)
	t.Cleanup(reloaded.Shutdown)

	updates, err := reloaded.Pull(0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "a", updates[0].Location)
}
