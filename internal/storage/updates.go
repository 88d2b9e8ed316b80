package storage

import (
	"fmt"
	"os"
)

// Open opens (or returns the cached handle for) meetID's updates.log,
// replaying it to report how many trailing corrupt records were discarded.
func (s *Store) Open(meetID string) (corruptedRecords int, err error) {
	s.openM.Lock()
	defer s.openM.Unlock()

	if _, ok := s.open[meetID]; ok {
		return 0, nil
	}

	dir := s.currentDir(meetID)
	if _, statErr := os.Stat(dir); statErr != nil {
		dir = s.finishedDir(meetID)
		if _, statErr := os.Stat(dir); statErr != nil {
			return 0, ErrNotFound
		}
	}

	ml, corrupted, err := openMeetLog(dir)
	if err != nil {
		return 0, fmt.Errorf("open meet log: %w", err)
	}
	s.open[meetID] = ml
	return corrupted, nil
}

// Append persists updates to meetID's log in order, fsyncing before
// returning.
func (s *Store) Append(meetID string, updates []Update) error {
	s.openM.Lock()
	ml, ok := s.open[meetID]
	s.openM.Unlock()
	if !ok {
		return fmt.Errorf("meet log %s not open", meetID)
	}
	return ml.append(updates)
}

// Replay returns every accepted update after afterSeq, in server-seq order.
func (s *Store) Replay(meetID string, afterSeq int64) ([]Update, error) {
	s.openM.Lock()
	ml, ok := s.open[meetID]
	s.openM.Unlock()
	if !ok {
		return nil, fmt.Errorf("meet log %s not open", meetID)
	}
	return ml.replay(afterSeq)
}

// Length returns the number of accepted updates persisted so far (the
// highest assigned server-seq).
func (s *Store) Length(meetID string) int64 {
	s.openM.Lock()
	ml, ok := s.open[meetID]
	s.openM.Unlock()
	if !ok {
		return 0
	}
	return ml.length()
}

// closeLog closes and evicts the cached handle for meetID, if open. Callers
// must hold s.mu.
func (s *Store) closeLog(meetID string) {
	s.openM.Lock()
	ml, ok := s.open[meetID]
	if ok {
		delete(s.open, meetID)
	}
	s.openM.Unlock()
	if ok {
		_ = ml.close()
	}
}

// Close releases all open log handles (process shutdown).
func (s *Store) Close() {
	s.openM.Lock()
	handles := s.open
	s.open = make(map[string]*meetLog)
	s.openM.Unlock()
	for _, ml := range handles {
		_ = ml.close()
	}
}
