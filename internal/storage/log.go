package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// meetLog is the open updates.log handle for one meet: append-only,
// fsynced per batch, with an in-memory offset index for Pull. Grounded on
// the teacher's walImpl (internal/worker/wal/wal.go), reshaped from a
// binary+protobuf frame to newline-delimited checksummed JSON records.
type meetLog struct {
	mu    sync.Mutex
	file  *os.File
	index *logIndex
}

func openMeetLog(dir string) (*meetLog, int, error) {
	path := filepath.Join(dir, updatesLogFile)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open updates log: %w", err)
	}

	idx := newLogIndex()
	corrupted, err := loadIndex(f, idx)
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("seek to end: %w", err)
	}

	return &meetLog{file: f, index: idx}, corrupted, nil
}

// loadIndex scans the file from the start, indexing every well-formed,
// checksum-valid line. The first line that fails to parse or checksum is
// treated as a torn trailing write: the index stops there and the file is
// truncated to discard it, matching spec.md §4.1's "skip any trailing
// corrupt record" replay contract.
func loadIndex(f *os.File, idx *logIndex) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to start: %w", err)
	}

	reader := bufio.NewReader(f)
	var offset int64
	corrupted := 0

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}

		trimmed := trimNewline(line)
		if len(trimmed) == 0 {
			// Pure trailing newline/whitespace; nothing to index, nothing to
			// truncate.
			if err == io.EOF {
				break
			}
			offset += int64(len(line))
			continue
		}

		if _, ok := decodeLine(trimmed); !ok {
			log.Warn().Int64("offset", offset).Msg("truncating updates.log at corrupt trailing record")
			if truncErr := f.Truncate(offset); truncErr != nil {
				return corrupted, fmt.Errorf("truncate corrupt tail: %w", truncErr)
			}
			corrupted++
			break
		}

		idx.add(offset)
		offset += int64(len(line))

		if err == io.EOF {
			break
		}
		if err != nil {
			return corrupted, fmt.Errorf("read updates log: %w", err)
		}
	}

	return corrupted, nil
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}

// append writes updates in order as checksummed JSON lines, fsyncing once
// after the whole batch so durability precedes any acknowledgment
// (spec.md §4.3 step 5).
func (l *meetLog) append(updates []Update) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("updates log is closed")
	}

	var buf []byte
	offsets := make([]int64, 0, len(updates))

	startOffset, err := l.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("seek current: %w", err)
	}
	cursor := startOffset

	for _, u := range updates {
		line, err := encodeLine(u)
		if err != nil {
			return err
		}
		offsets = append(offsets, cursor)
		buf = append(buf, line...)
		buf = append(buf, '\n')
		cursor += int64(len(line)) + 1
	}

	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("write updates: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("fsync updates: %w", err)
	}

	for _, off := range offsets {
		l.index.add(off)
	}

	return nil
}

// replay reads every update after afterSeq (0 = from the start) in
// server-seq order.
func (l *meetLog) replay(afterSeq int64) ([]Update, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.index.count()
	if afterSeq >= total {
		return nil, nil
	}

	startOffset, ok := l.index.offsetFor(afterSeq + 1)
	if !ok {
		return nil, nil
	}

	if _, err := l.file.Seek(startOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek replay start: %w", err)
	}

	reader := bufio.NewReader(l.file)
	updates := make([]Update, 0, total-afterSeq)

	for int64(len(updates)) < total-afterSeq {
		line, err := reader.ReadBytes('\n')
		trimmed := trimNewline(line)
		if len(trimmed) > 0 {
			u, ok := decodeLine(trimmed)
			if !ok {
				break
			}
			updates = append(updates, u)
		}
		if err != nil {
			break
		}
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("seek back to end: %w", err)
	}

	return updates, nil
}

func (l *meetLog) length() int64 {
	return l.index.count()
}

func (l *meetLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
