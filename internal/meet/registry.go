package meet

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liftsync/meetserver/internal/storage"
)

// Registry is the process-wide meet-id -> actor mapping (spec.md §4.4).
// Creation holds a short-lived lock across Storage.create and actor spawn
// so two concurrent CreateMeet calls can never produce two actors for the
// same id; lookup of an already-running actor never blocks on storage.
type Registry struct {
	mu    sync.Mutex
	store *storage.Store

	actors map[string]*Actor

	idleUnloadAfter time.Duration
}

// NewRegistry constructs an empty registry backed by store.
func NewRegistry(store *storage.Store, idleUnloadAfter time.Duration) *Registry {
	return &Registry{
		store:           store,
		actors:          make(map[string]*Actor),
		idleUnloadAfter: idleUnloadAfter,
	}
}

// Create atomically creates meetID's durable storage and spawns its actor.
// Returns storage.ErrAlreadyExists if the id collides.
func (r *Registry) Create(meetID string, auth storage.AuthBlob, locations map[string]int) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Create(meetID, auth); err != nil {
		return nil, fmt.Errorf("create meet storage: %w", err)
	}

	actor := NewActor(meetID, r.store, locations, r.idleUnloadAfter, r.handleIdle)
	r.actors[meetID] = actor
	return actor, nil
}

// Get returns the running actor for meetID, loading it from durable
// storage (Loading state) if it isn't already in memory. Returns
// storage.ErrNotFound if meetID doesn't exist anywhere.
func (r *Registry) Get(meetID string, locations map[string]int) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, ok := r.actors[meetID]; ok {
		return actor, nil
	}

	if !r.store.ExistsAnywhere(meetID) {
		return nil, storage.ErrNotFound
	}

	actor := NewActor(meetID, r.store, locations, r.idleUnloadAfter, r.handleIdle)
	r.actors[meetID] = actor
	return actor, nil
}

// handleIdle is the onIdle callback passed to every actor; it drops the
// actor's registry entry once it has unloaded itself. A subsequent Get
// reloads it from storage back into Loading, per spec.md §4.3's state
// machine.
func (r *Registry) handleIdle(meetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, meetID)
	log.Debug().Str("meet_id", meetID).Msg("dropped idle meet actor from registry")
}

// ShutdownAll stops every running actor (process shutdown).
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.Shutdown()
	}
}

// Len reports the number of actors currently loaded in memory (diagnostics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
