package storage

import "sync"

// logIndex tracks the byte offset of each accepted update's line within
// updates.log, so Pull(after) can seek directly instead of rescanning the
// whole file. Grounded on the teacher's walIndex (internal/worker/wal/index.go).
type logIndex struct {
	mu           sync.RWMutex
	offsets      []int64 // offsets[i] = start of the line for server-seq i+1
	nextSeq      int64
}

func newLogIndex() *logIndex {
	return &logIndex{nextSeq: 1}
}

func (idx *logIndex) add(offset int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.offsets = append(idx.offsets, offset)
	idx.nextSeq = int64(len(idx.offsets)) + 1
}

func (idx *logIndex) count() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(len(idx.offsets))
}

// offsetFor returns the byte offset of the line for the given server-seq
// (1-based), or false if out of range.
func (idx *logIndex) offsetFor(serverSeq int64) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if serverSeq < 1 || serverSeq > int64(len(idx.offsets)) {
		return 0, false
	}
	return idx.offsets[serverSeq-1], true
}
