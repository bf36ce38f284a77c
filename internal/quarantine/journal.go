// Package quarantine keeps a durable journal of mutation events the
// maintainer refused to apply because the event itself was invalid.
package quarantine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arkilian/rollup/internal/logging"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/google/uuid"
)

const segmentPrefix = "quarantine_"

// Record is one quarantined event.
type Record struct {
	ID            string              `json:"id"`
	Event         types.MutationEvent `json:"event"`
	Code          string              `json:"code"`
	Reason        string              `json:"reason"`
	QuarantinedAt time.Time           `json:"quarantined_at"`
}

// Journal is an append-only, CRC-checked, segment-rotated log of Records.
// Segment layout is a sequence of [length:4][crc32:4][json payload].
type Journal struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	logger     *logging.Logger

	mu   sync.Mutex
	seen map[uint64]string // ledger sequence -> record ID
}

// Open opens the journal in dir, creating the directory if it doesn't exist.
func Open(dir string, maxSegSize int64, logger *logging.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("quarantine: failed to create directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = 16 * 1024 * 1024
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	j := &Journal{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     logger,
		seen:       make(map[uint64]string),
	}

	segments, err := j.segments()
	if err != nil {
		return nil, err
	}
	validEnd := int64(-1)
	for _, seg := range segments {
		records, end, err := j.readSegment(seg.path)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			j.seen[r.Event.Sequence] = r.ID
		}
		j.segmentID = seg.id
		validEnd = end
	}

	if err := j.openSegment(); err != nil {
		return nil, err
	}
	if validEnd >= 0 && j.offset > validEnd {
		if err := j.truncateTail(validEnd); err != nil {
			j.segment.Close()
			return nil, err
		}
	}
	return j, nil
}

// truncateTail drops a torn frame at the end of the current segment so new
// frames follow the last complete one.
func (j *Journal) truncateTail(end int64) error {
	j.logger.Warn("quarantine: truncating torn tail", "segment", j.segmentID, "from", j.offset, "to", end)
	if err := j.segment.Truncate(end); err != nil {
		return fmt.Errorf("quarantine: failed to truncate segment: %w", err)
	}
	if _, err := j.segment.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("quarantine: failed to seek segment: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("quarantine: failed to fsync: %w", err)
	}
	j.offset = end
	return nil
}

type segmentFile struct {
	id   uint64
	path string
}

// segments lists segment files in id order.
func (j *Journal) segments() ([]segmentFile, error) {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("quarantine: failed to read directory: %w", err)
	}

	var out []segmentFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(file.Name(), segmentPrefix+"%016x.log", &id); err != nil {
			continue
		}
		out = append(out, segmentFile{id: id, path: filepath.Join(j.dir, file.Name())})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out, nil
}

func (j *Journal) openSegment() error {
	segmentPath := filepath.Join(j.dir, fmt.Sprintf(segmentPrefix+"%016x.log", j.segmentID))

	file, err := os.OpenFile(segmentPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("quarantine: failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("quarantine: failed to seek segment: %w", err)
	}

	j.segment = file
	j.offset = offset
	return nil
}

// Append durably records rec. An event whose ledger sequence is already in
// the journal is not recorded again; Append then returns the existing
// record ID and false.
func (j *Journal) Append(rec Record) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment == nil {
		return "", false, fmt.Errorf("quarantine: journal is closed")
	}
	if id, ok := j.seen[rec.Event.Sequence]; ok {
		return id, false, nil
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.QuarantinedAt.IsZero() {
		rec.QuarantinedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("quarantine: failed to serialize record: %w", err)
	}
	if err := j.writeEntry(payload); err != nil {
		return "", false, err
	}

	j.seen[rec.Event.Sequence] = rec.ID
	return rec.ID, true, nil
}

// writeEntry writes one framed payload and fsyncs. Must be called with j.mu held.
func (j *Journal) writeEntry(payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := j.segment.Write(header[:]); err != nil {
		return fmt.Errorf("quarantine: failed to write header: %w", err)
	}
	if _, err := j.segment.Write(payload); err != nil {
		return fmt.Errorf("quarantine: failed to write payload: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("quarantine: failed to fsync: %w", err)
	}

	j.offset += int64(len(header) + len(payload))
	if j.offset >= j.maxSegSize {
		return j.rotate()
	}
	return nil
}

// rotate closes the current segment and opens the next one.
func (j *Journal) rotate() error {
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("quarantine: failed to close segment: %w", err)
	}
	j.segmentID++
	return j.openSegment()
}

// Contains reports whether the event at the given ledger sequence is quarantined.
func (j *Journal) Contains(sequence uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.seen[sequence]
	return ok
}

// Len returns the number of quarantined records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.seen)
}

// ReadAll returns every record in append order. Corrupt entries are skipped
// and logged; a truncated tail ends its segment.
func (j *Journal) ReadAll() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	segments, err := j.segments()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, seg := range segments {
		records, _, err := j.readSegment(seg.path)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// readSegment returns the decodable records of a segment and the offset just
// past its last complete frame.
func (j *Journal) readSegment(path string) ([]Record, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("quarantine: failed to open segment: %w", err)
	}
	defer file.Close()

	var records []Record
	var offset int64
	for {
		var header [8]byte
		if _, err := io.ReadFull(file, header[:]); err != nil {
			if err != io.EOF {
				j.logger.Warn("quarantine: truncated header", "segment", path, "offset", offset)
			}
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])
		if int64(length) > j.maxSegSize {
			j.logger.Warn("quarantine: implausible entry length", "segment", path, "offset", offset, "length", length)
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			j.logger.Warn("quarantine: truncated entry", "segment", path, "offset", offset)
			break
		}

		if crc32.ChecksumIEEE(payload) != crc {
			j.logger.Warn("quarantine: CRC mismatch, skipping entry", "segment", path, "offset", offset)
			offset += int64(len(header)) + int64(length)
			continue
		}
		offset += int64(len(header)) + int64(length)

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			j.logger.Warn("quarantine: undecodable entry, skipping", "segment", path, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, offset, nil
}

// Close fsyncs and closes the current segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment == nil {
		return nil
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("quarantine: failed to fsync on close: %w", err)
	}
	if err := j.segment.Close(); err != nil {
		return fmt.Errorf("quarantine: failed to close segment: %w", err)
	}
	j.segment = nil
	return nil
}
