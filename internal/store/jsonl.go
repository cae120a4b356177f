package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

var errNotOpen = errors.New("metadata log not initialized")

// JSONLStore implements Store as a newline-delimited JSON file. Line offsets
// are kept in memory so reads by ID are a single positioned read.
type JSONLStore struct {
	path       string
	syncWrites bool

	mu      sync.RWMutex
	f       *os.File
	offsets []int64
	size    int64
	// torn is set when a failed append could not be cut back to size.
	torn bool
}

// NewJSONLStore returns a store for the log at path. When syncWrites is set,
// every append is fsynced before it returns.
func NewJSONLStore(path string, syncWrites bool) *JSONLStore {
	return &JSONLStore{path: path, syncWrites: syncWrites}
}

// Path returns the log file path.
func (s *JSONLStore) Path() string { return s.path }

// Initialize opens the log, creating it if needed, and indexes its lines.
// A trailing line without a newline is a torn write and is dropped.
func (s *JSONLStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f != nil {
		return nil
	}
	return s.open()
}

func (s *JSONLStore) open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metadata log: %w", err)
	}

	offsets, size, err := scanLines(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to index metadata log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() > size {
		log.Warn("Dropping torn trailing line from metadata log",
			"path", s.path, "bytes", info.Size()-size)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return fmt.Errorf("failed to truncate torn line: %w", err)
		}
	}

	s.f = f
	s.offsets = offsets
	s.size = size
	s.torn = false

	log.Debug("Opened metadata log", "path", s.path, "records", len(offsets))
	return nil
}

// scanLines returns the start offset of every complete line and the offset
// just past the last newline.
func scanLines(r io.Reader) ([]int64, int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var offsets []int64
	var pos int64
	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// Long line: keep consuming until the newline.
			n := int64(len(line))
			for err == bufio.ErrBufferFull {
				line, err = br.ReadSlice('\n')
				n += int64(len(line))
			}
			if err == nil {
				offsets = append(offsets, pos)
				pos += n
				continue
			}
		}
		if err == io.EOF {
			return offsets, pos, nil
		}
		if err != nil {
			return nil, 0, err
		}
		offsets = append(offsets, pos)
		pos += int64(len(line))
	}
}

// Append writes r as one line and returns its ordinal.
func (s *JSONLStore) Append(r Record) (int, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return 0, errNotOpen
	}
	if s.torn {
		if err := s.rollback(); err != nil {
			return 0, fmt.Errorf("metadata log has a partial line past offset %d: %w", s.size, err)
		}
	}

	if _, err := s.f.WriteAt(data, s.size); err != nil {
		s.rollback()
		return 0, fmt.Errorf("failed to append record: %w", err)
	}
	if s.syncWrites {
		if err := s.f.Sync(); err != nil {
			s.rollback()
			return 0, fmt.Errorf("failed to sync metadata log: %w", err)
		}
	}

	id := len(s.offsets)
	s.offsets = append(s.offsets, s.size)
	s.size += int64(len(data))
	return id, nil
}

// rollback drops whatever part of a failed append reached the file. If the
// truncate fails the store stays torn and the next append retries it first.
func (s *JSONLStore) rollback() error {
	if err := s.f.Truncate(s.size); err != nil {
		s.torn = true
		log.Error("Failed to truncate metadata log after a failed append", "path", s.path, "size", s.size, "error", err)
		return err
	}
	s.torn = false
	return nil
}

// CountLines returns the number of records.
func (s *JSONLStore) CountLines() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.f == nil {
		return 0, errNotOpen
	}
	return len(s.offsets), nil
}

// ReadBatch returns the records for ids, in order. Any unknown ID fails the
// whole batch with ErrRecordNotFound.
func (s *JSONLStore) ReadBatch(ids []int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.f == nil {
		return nil, errNotOpen
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.read(id)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// ReadRange returns records with IDs in [from, to).
func (s *JSONLStore) ReadRange(from, to int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.f == nil {
		return nil, errNotOpen
	}
	if from < 0 || to < from || to > len(s.offsets) {
		return nil, fmt.Errorf("%w: range [%d, %d) of %d", ErrRecordNotFound, from, to, len(s.offsets))
	}

	records := make([]Record, 0, to-from)
	for id := from; id < to; id++ {
		r, err := s.read(id)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// read decodes one record. Callers hold s.mu.
func (s *JSONLStore) read(id int) (Record, error) {
	if id < 0 || id >= len(s.offsets) {
		return Record{}, fmt.Errorf("%w: id %d (have %d)", ErrRecordNotFound, id, len(s.offsets))
	}

	start := s.offsets[id]
	end := s.size
	if id+1 < len(s.offsets) {
		end = s.offsets[id+1]
	}

	buf := make([]byte, end-start)
	if _, err := s.f.ReadAt(buf, start); err != nil {
		return Record{}, fmt.Errorf("failed to read record %d: %w", id, err)
	}

	var r Record
	if err := json.Unmarshal(buf, &r); err != nil {
		return Record{}, fmt.Errorf("failed to decode record %d: %w", id, err)
	}
	return r, nil
}

// Truncate keeps the first n records and discards the rest.
func (s *JSONLStore) Truncate(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return errNotOpen
	}
	if n < 0 || n > len(s.offsets) {
		return fmt.Errorf("cannot truncate %d records to %d", len(s.offsets), n)
	}
	if n == len(s.offsets) {
		return nil
	}

	size := s.offsets[n]
	if err := s.f.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate metadata log: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync metadata log: %w", err)
	}

	log.Warn("Truncated metadata log", "path", s.path, "from", len(s.offsets), "to", n)
	s.offsets = s.offsets[:n]
	s.size = size
	s.torn = false
	return nil
}

// Replace writes records to a new file and renames it over the log.
func (s *JSONLStore) Replace(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	tmp := s.path + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create replacement log: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write replacement log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync replacement log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		if reopenErr := s.open(); reopenErr != nil {
			log.Error("Failed to reopen metadata log", "error", reopenErr)
		}
		return fmt.Errorf("failed to install replacement log: %w", err)
	}
	return s.open()
}

// Stats returns the record count and size of the log.
func (s *JSONLStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.f == nil {
		return nil, errNotOpen
	}
	return &Stats{Path: s.path, Records: len(s.offsets), Bytes: s.size}, nil
}

// Close closes the log file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.offsets = nil
	s.size = 0
	return err
}
