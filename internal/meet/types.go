// Package meet implements the per-meet actor: the single-writer state
// machine that owns one meet's update log, conflict resolution, durable
// storage, and fan-out to subscribers.
package meet

import (
	"encoding/json"
	"errors"
)

// ProposedUpdate is one client-authored mutation, not yet accepted.
type ProposedUpdate struct {
	Location       string
	Value          json.RawMessage
	LocalSeq       int64
	AfterServerSeq int64
}

// AcceptedUpdate is a ProposedUpdate that has been assigned a server-seq and
// committed to the log.
type AcceptedUpdate struct {
	ServerSeq           int64
	Location            string
	Value               json.RawMessage
	OriginatingLocation string
	TimestampUnixMilli  int64
}

// Ack pairs a client's local-seq with the server-seq it was assigned,
// including on an idempotent replay (spec.md §4.3 step 1/6, invariant I3).
// Replaced distinguishes an update that superseded an existing value at its
// location from a first-time write there (supplemented from
// original_source/'s Rust handler, which surfaces this same distinction).
type Ack struct {
	LocalSeq  int64
	ServerSeq int64
	Replaced  bool
}

// Reject explains why one proposed update in a batch was not accepted.
type Reject struct {
	LocalSeq int64
	Conflict bool
	Reason   string
}

// ApplyResult is the outcome of one ApplyUpdates call: a batch may contain
// a mix of accepts and rejects (spec.md §4.3).
type ApplyResult struct {
	Acks    []Ack
	Rejects []Reject
}

// Relay is what a subscriber's outbound channel carries: either a batch of
// newly accepted updates to fan out, or a terminal signal that the
// subscriber has been dropped for lagging and must Pull to resync.
type Relay struct {
	Updates []AcceptedUpdate
	Dropped bool
}

var (
	// ErrFinalized is returned by Publish once the actor has transitioned to
	// Finalized. ApplyUpdates on a finalized actor does not return it; it
	// rejects each proposed update instead.
	ErrFinalized = errors.New("meet is finalized")
	// ErrUnloaded is returned once the actor has shut down; callers must
	// re-touch the registry to reload it.
	ErrUnloaded = errors.New("meet is unloaded")
	// ErrInvalidSyncState signals a Pull/UpdateInit whose after-server-seq
	// is ahead of the actor's own next_server_seq — the client holds state
	// the server never produced (spec.md §4.3 "Sequence gap detection").
	ErrInvalidSyncState = errors.New("invalid sync state")
	// ErrUnknownLocation names a location that isn't in the meet's priority
	// table. No function in this package returns it: ApplyUpdates reports an
	// unknown originating location as a per-update Reject, and JoinMeet for
	// an unknown location is rejected by the wsapi handler.
	ErrUnknownLocation = errors.New("unknown location")
)
