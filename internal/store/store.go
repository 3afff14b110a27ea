// Package store persists event records, one JSON file per record, under a
// single directory guarded by an advisory exclusive lock.
//
// Writes are atomic: each record is written to a temp file in the same
// directory and renamed into place, so a crash leaves either the old or
// the new record, never a torn one. The lock makes the directory a
// single-writer store; a second process opening it fails fast instead of
// racing the scheduler that already owns it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/sbrocket/failsafe/internal/event"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("event not found")

	// ErrVersionConflict signals a lost-update race: the stored version
	// differs from the version the caller based its write on. Callers
	// must re-read and retry, never overwrite.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyRunning means another process holds the store lock.
	ErrAlreadyRunning = errors.New("store is locked by another instance")

	// ErrUnavailable wraps structural failures opening or reading the
	// store directory.
	ErrUnavailable = errors.New("store unavailable")
)

const (
	lockFileName = "LOCK"
	recordSuffix = ".json"
)

type Store struct {
	dir  string
	lock *os.File
	log  zerolog.Logger

	mu sync.Mutex
}

// Open creates the store directory if needed and acquires its exclusive
// lock. It fails with ErrAlreadyRunning if another live process holds the
// lock; holding it is the precondition for running a scheduler against
// this directory.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrUnavailable, dir, err)
	}

	lf, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %v", ErrUnavailable, err)
	}
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lf.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, dir)
		}
		return nil, fmt.Errorf("%w: flock: %v", ErrUnavailable, err)
	}

	s := &Store{dir: dir, lock: lf, log: log}
	s.sweepTemp()
	return s, nil
}

// Close releases the advisory lock. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN)
	cerr := s.lock.Close()
	s.lock = nil
	if err != nil {
		return err
	}
	return cerr
}

// Put durably writes rec. expected is the version the caller read before
// mutating; 0 means the record must not exist yet. On mismatch the write
// is refused with ErrVersionConflict.
func (s *Store) Put(rec *event.Record, expected uint64) error {
	if rec.ID == "" {
		return fmt.Errorf("put: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(rec.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if expected != 0 {
			return fmt.Errorf("%w: %s gone (expected v%d)", ErrVersionConflict, rec.ID, expected)
		}
	case err != nil:
		return err
	default:
		if cur.Version != expected {
			return fmt.Errorf("%w: %s at v%d, expected v%d", ErrVersionConflict, rec.ID, cur.Version, expected)
		}
	}

	return s.writeAtomic(rec)
}

// Get returns a copy of the stored record.
func (s *Store) Get(id string) (*event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// Delete removes a record. Deleting an absent id is a no-op: deletion
// races with garbage collection are expected and harmless.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.recordPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// List scans every record in the store, sorted by id. Individual corrupt
// files are logged and skipped so one bad record can't take the rest of
// the store down with it.
func (s *Store) List() ([]*event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read dir: %v", ErrUnavailable, err)
	}

	var out []*event.Record
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(name, recordSuffix))
		if err != nil {
			s.log.Warn().Str("file", name).Err(err).Msg("skipping corrupt record")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActive returns all records in the Active state.
func (s *Store) ListActive() ([]*event.Record, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, rec := range all {
		if rec.Active() {
			active = append(active, rec)
		}
	}
	return active, nil
}

func (s *Store) read(id string) (*event.Record, error) {
	b, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, id, err)
	}
	var rec event.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("decode %s: file claims id %q", id, rec.ID)
	}
	return &rec, nil
}

func (s *Store) writeAtomic(rec *event.Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(b)
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		if werr == nil {
			werr = cerr
		}
		return fmt.Errorf("%w: write temp: %v", ErrUnavailable, werr)
	}

	if err := os.Rename(tmpName, s.recordPath(rec.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) recordPath(id string) string {
	// ids are uuids; base-name them anyway so a hostile id can't escape
	// the store directory.
	return filepath.Join(s.dir, filepath.Base(id)+recordSuffix)
}

// sweepTemp removes temp files left behind by a crash mid-write. Safe at
// open time: the lock is held, so no other writer is mid-flight.
func (s *Store) sweepTemp() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), ".tmp-") {
			_ = os.Remove(filepath.Join(s.dir, de.Name()))
			s.log.Debug().Str("file", de.Name()).Msg("removed stale temp file")
		}
	}
}
