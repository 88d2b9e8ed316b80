package meet

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liftsync/meetserver/internal/storage"
)

// state is the actor's position in the Loading -> Active -> Finalized ->
// Unloaded state machine (spec.md §4.3).
type state int

const (
	stateLoading state = iota
	stateActive
	stateFinalized
	stateUnloaded
)

// dedupKey identifies one (session, client local-seq) pair for I3's
// at-most-once commit guarantee.
type dedupKey struct {
	session  string
	localSeq int64
}

// Actor is the single-writer state machine for one meet: it owns the
// in-memory log, the per-location-path latest-write index, the dedup
// table, and the subscriber fan-out set, serializing all access through a
// single goroutine's inbox. Grounded on the select-loop shape of the
// teacher's asyncSender.sendLoop (internal/worker/wal/sender.go),
// generalized from a fixed set of channels to an inbox of arbitrary
// closures so each exported method can express its own request/reply
// contract.
type Actor struct {
	meetID string
	store  *storage.Store

	inbox    chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	onIdle   func(meetID string)

	idleUnloadAfter time.Duration

	// fields below are only ever touched from the run goroutine.
	st               state
	locations        map[string]int
	log              []AcceptedUpdate
	latestByLocation map[string]AcceptedUpdate
	dedup            map[dedupKey]int64
	subscribers      map[string]chan<- *Relay
	nextServerSeq    int64
	lastActivity     time.Time
}

// NewActor constructs an actor for meetID with its authoritative location
// priority table, and starts its run goroutine. onIdle is invoked (off the
// run goroutine) once the actor has fully shut down, so the registry can
// drop its handle.
func NewActor(meetID string, store *storage.Store, locations map[string]int, idleUnloadAfter time.Duration, onIdle func(meetID string)) *Actor {
	locCopy := make(map[string]int, len(locations))
	for k, v := range locations {
		locCopy[k] = v
	}

	a := &Actor{
		meetID:           meetID,
		store:            store,
		inbox:            make(chan func()),
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
		onIdle:           onIdle,
		idleUnloadAfter:  idleUnloadAfter,
		st:               stateLoading,
		locations:        locCopy,
		latestByLocation: make(map[string]AcceptedUpdate),
		dedup:            make(map[dedupKey]int64),
		subscribers:      make(map[string]chan<- *Relay),
	}

	go a.run()
	return a
}

// run is the actor's sole goroutine. It loads the log, then services the
// inbox until Shutdown or idle timeout.
func (a *Actor) run() {
	defer close(a.done)

	a.load()
	a.st = stateActive
	a.lastActivity = time.Now()

	var idleTicker *time.Ticker
	var idleC <-chan time.Time
	if a.idleUnloadAfter > 0 {
		idleTicker = time.NewTicker(a.idleUnloadAfter / 4)
		defer idleTicker.Stop()
		idleC = idleTicker.C
	}

	for {
		select {
		case cmd := <-a.inbox:
			cmd()
			a.lastActivity = time.Now()
			if a.st == stateUnloaded {
				return
			}

		case <-idleC:
			if a.st == stateActive && len(a.subscribers) == 0 && time.Since(a.lastActivity) >= a.idleUnloadAfter {
				log.Info().Str("meet_id", a.meetID).Msg("unloading idle meet actor")
				a.st = stateUnloaded
				if a.onIdle != nil {
					go a.onIdle(a.meetID)
				}
				return
			}

		case <-a.stopCh:
			return
		}
	}
}

// load replays the durable log into memory (Loading state). Commands sent
// before load completes queue on the unbuffered inbox channel because
// nothing reads it until run's select loop starts.
func (a *Actor) load() {
	corrupted, err := a.store.Open(a.meetID)
	if err != nil {
		log.Error().Err(err).Str("meet_id", a.meetID).Msg("failed to open meet log")
		return
	}
	if corrupted > 0 {
		log.Warn().Str("meet_id", a.meetID).Int("corrupted_records", corrupted).Msg("discarded trailing corrupt records on load")
	}

	updates, err := a.store.Replay(a.meetID, 0)
	if err != nil {
		log.Error().Err(err).Str("meet_id", a.meetID).Msg("failed to replay meet log")
		return
	}

	a.log = make([]AcceptedUpdate, 0, len(updates))
	for _, u := range updates {
		au := AcceptedUpdate{
			ServerSeq:           u.ServerSeq,
			Location:            u.Location,
			Value:               u.Value,
			OriginatingLocation: u.OriginatingLocation,
			TimestampUnixMilli:  u.TimestampUnixMilli,
		}
		a.log = append(a.log, au)
		a.latestByLocation[au.Location] = au
		if au.ServerSeq > a.nextServerSeq {
			a.nextServerSeq = au.ServerSeq
		}
	}
}

// call submits fn to the inbox and blocks until it has run, returning
// ErrUnloaded if the actor has already shut down.
func (a *Actor) call(fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case a.inbox <- wrapped:
	case <-a.done:
		return ErrUnloaded
	}
	<-finished
	return nil
}

// Subscribe registers outbound as the relay channel for session. Replacing
// an existing subscription for the same session closes the previous
// channel's registration (reconnection).
func (a *Actor) Subscribe(session string, outbound chan<- *Relay) error {
	return a.call(func() {
		a.subscribers[session] = outbound
	})
}

// Unsubscribe deregisters session's relay channel. If the actor is
// Finalized and this was the last subscriber, the actor shuts itself down.
func (a *Actor) Unsubscribe(session string) error {
	return a.call(func() {
		delete(a.subscribers, session)
		a.unloadIfFinalizedAndIdle()
	})
}

// unloadIfFinalizedAndIdle transitions a Finalized actor with no remaining
// subscribers to Unloaded (spec.md §4.3 "Publish": finalized meets keep
// serving Pull until every subscriber disconnects, then the registry drops
// the actor). Caller must be running on the actor's own goroutine.
func (a *Actor) unloadIfFinalizedAndIdle() {
	if a.st == stateFinalized && len(a.subscribers) == 0 {
		a.st = stateUnloaded
		if a.onIdle != nil {
			go a.onIdle(a.meetID)
		}
	}
}

// ApplyUpdates runs the acceptance algorithm (spec.md §4.3) for a batch of
// proposed updates authored by session at originatingLocation.
func (a *Actor) ApplyUpdates(session, originatingLocation string, proposed []ProposedUpdate) (ApplyResult, error) {
	var result ApplyResult
	err := a.call(func() {
		result = a.applyUpdatesLocked(session, originatingLocation, proposed)
	})
	return result, err
}

func (a *Actor) applyUpdatesLocked(session, originatingLocation string, proposed []ProposedUpdate) ApplyResult {
	var result ApplyResult

	if a.st == stateFinalized {
		for _, p := range proposed {
			result.Rejects = append(result.Rejects, Reject{LocalSeq: p.LocalSeq, Conflict: false, Reason: "meet is finalized"})
		}
		return result
	}

	proposerPriority, known := a.locations[originatingLocation]
	if !known {
		for _, p := range proposed {
			result.Rejects = append(result.Rejects, Reject{LocalSeq: p.LocalSeq, Conflict: false, Reason: "unknown location"})
		}
		return result
	}

	var toAppend []storage.Update
	var toRelay []AcceptedUpdate

	for _, p := range proposed {
		key := dedupKey{session: session, localSeq: p.LocalSeq}
		if existingSeq, ok := a.dedup[key]; ok {
			result.Acks = append(result.Acks, Ack{LocalSeq: p.LocalSeq, ServerSeq: existingSeq})
			continue
		}

		latest, hasLatest := a.latestByLocation[p.Location]
		conflict := hasLatest && latest.ServerSeq > p.AfterServerSeq

		if conflict {
			latestPriority := a.locations[latest.OriginatingLocation]
			if proposerPriority < latestPriority {
				result.Rejects = append(result.Rejects, Reject{
					LocalSeq: p.LocalSeq,
					Conflict: true,
					Reason:   "overridden by higher-priority location",
				})
				continue
			}
			// Strictly greater or equal priority: accept (equal priority breaks
			// the tie in favor of the later arrival, per spec.md §4.3 step 3).
		}

		a.nextServerSeq++
		seq := a.nextServerSeq
		accepted := AcceptedUpdate{
			ServerSeq:           seq,
			Location:            p.Location,
			Value:               p.Value,
			OriginatingLocation: originatingLocation,
			TimestampUnixMilli:  time.Now().UnixMilli(),
		}

		a.dedup[key] = seq
		a.latestByLocation[p.Location] = accepted
		a.log = append(a.log, accepted)
		toAppend = append(toAppend, storage.Update{
			ServerSeq:           accepted.ServerSeq,
			Location:            accepted.Location,
			Value:               accepted.Value,
			OriginatingLocation: accepted.OriginatingLocation,
			TimestampUnixMilli:  accepted.TimestampUnixMilli,
		})
		toRelay = append(toRelay, accepted)
		result.Acks = append(result.Acks, Ack{LocalSeq: p.LocalSeq, ServerSeq: seq, Replaced: hasLatest})
	}

	if len(toAppend) > 0 {
		if err := a.store.Append(a.meetID, toAppend); err != nil {
			// Durability must precede visibility (spec.md §4.3 step 5): on a
			// storage fault, none of this batch's accepts are acknowledged or
			// relayed. Roll the in-memory state back out.
			log.Error().Err(err).Str("meet_id", a.meetID).Msg("storage append failed, rolling back batch")
			a.rollback(toRelay)
			var rejects []Reject
			for _, p := range proposed {
				rejects = append(rejects, Reject{LocalSeq: p.LocalSeq, Conflict: false, Reason: "storage failure"})
			}
			return ApplyResult{Rejects: rejects}
		}
	}

	a.fanOut(session, toRelay)
	return result
}

// rollback undoes the in-memory effects of a batch whose durable append
// failed, so the actor's state matches what was actually persisted.
func (a *Actor) rollback(accepted []AcceptedUpdate) {
	for i := len(accepted) - 1; i >= 0; i-- {
		au := accepted[i]
		a.nextServerSeq--
		if len(a.log) > 0 && a.log[len(a.log)-1].ServerSeq == au.ServerSeq {
			a.log = a.log[:len(a.log)-1]
		}
		for k, v := range a.dedup {
			if v == au.ServerSeq {
				delete(a.dedup, k)
			}
		}
		delete(a.latestByLocation, au.Location)
		for j := len(a.log) - 1; j >= 0; j-- {
			if a.log[j].Location == au.Location {
				a.latestByLocation[au.Location] = a.log[j]
				break
			}
		}
	}
}

// fanOut relays newly accepted updates to every subscriber except the
// submitter (spec.md §4.3 step 7). A subscriber whose channel is full is
// dropped rather than allowed to block the actor.
func (a *Actor) fanOut(submitter string, accepted []AcceptedUpdate) {
	if len(accepted) == 0 {
		return
	}
	for session, ch := range a.subscribers {
		if session == submitter {
			continue
		}
		select {
		case ch <- &Relay{Updates: accepted}:
		default:
			log.Warn().Str("meet_id", a.meetID).Str("session", session).Msg("subscriber lagging, dropping")
			select {
			case ch <- &Relay{Dropped: true}:
			default:
			}
			delete(a.subscribers, session)
		}
	}
}

// Pull returns every accepted update strictly after afterServerSeq, or
// ErrInvalidSyncState if the caller claims to have seen more than the
// actor has ever produced.
func (a *Actor) Pull(afterServerSeq int64) ([]AcceptedUpdate, error) {
	var out []AcceptedUpdate
	var pullErr error
	err := a.call(func() {
		if afterServerSeq > a.nextServerSeq {
			pullErr = ErrInvalidSyncState
			return
		}
		if afterServerSeq >= int64(len(a.log)) {
			return
		}
		out = append(out, a.log[afterServerSeq:]...)
	})
	if err != nil {
		return nil, err
	}
	return out, pullErr
}

// Publish finalizes the meet: storage is moved to finished-meets/, and the
// actor transitions to Finalized (spec.md §4.3 "Publish").
func (a *Actor) Publish(csv []byte, email string) error {
	var publishErr error
	err := a.call(func() {
		if a.st == stateFinalized {
			publishErr = ErrFinalized
			return
		}
		if finalizeErr := a.store.Finalize(a.meetID, csv, email); finalizeErr != nil {
			publishErr = fmt.Errorf("finalize: %w", finalizeErr)
			return
		}
		a.st = stateFinalized
	})
	if err != nil {
		return err
	}
	return publishErr
}

// Shutdown stops the actor's run goroutine unconditionally (registry
// teardown on process exit).
func (a *Actor) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	<-a.done
}
