package storage

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/minio/crc64nvme"
)

// Update is the durable, accepted form of a client-proposed update: it has
// been assigned a server-seq and is the unit persisted to updates.log and
// replayed on restart.
type Update struct {
	ServerSeq           int64           `json:"server_seq"`
	Location            string          `json:"location"`
	Value               json.RawMessage `json:"value"`
	OriginatingLocation string          `json:"originating_location"`
	TimestampUnixMilli  int64           `json:"ts"`
}

// record is the on-disk line format: an Update plus a checksum of the
// Update's own JSON encoding, so a torn write at the end of the file is
// detectable and skippable on replay (spec.md §4.1).
type record struct {
	Update
	Checksum string `json:"checksum"`
}

// encodeLine renders u as one checksummed JSON line (without trailing
// newline).
func encodeLine(u Update) ([]byte, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}

	sum := checksum(body)

	// Re-marshal with the checksum field appended so the line is a single
	// self-describing JSON object; the checksum covers the update's own
	// canonical encoding, not the line containing it.
	var rec record
	rec.Update = u
	rec.Checksum = sum
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return line, nil
}

// decodeLine parses one line and verifies its checksum. A checksum or JSON
// failure is reported as (_, false) so the caller can treat it as a
// truncated/corrupt trailing record rather than a hard error.
func decodeLine(line []byte) (Update, bool) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Update{}, false
	}

	body, err := json.Marshal(rec.Update)
	if err != nil {
		return Update{}, false
	}

	if rec.Checksum != checksum(body) {
		return Update{}, false
	}
	return rec.Update, true
}

func checksum(data []byte) string {
	h := crc64nvme.New()
	h.Write(data)
	sum := h.Sum(nil)
	var buf bytes.Buffer
	buf.Grow(hex.EncodedLen(len(sum)))
	enc := hex.NewEncoder(&buf)
	_, _ = enc.Write(sum)
	return buf.String()
}
