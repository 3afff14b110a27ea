package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbrocket/failsafe/internal/event"
	"github.com/sbrocket/failsafe/internal/schedule"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "events")
	s, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open(%q): %v", dir, err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func testRecord(id string) *event.Record {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return &event.Record{
		ID:         id,
		Owner:      event.Owner{ChatID: 42},
		Local:      schedule.LocalTime{Hour: 9, Minute: 30},
		Timezone:   "America/New_York",
		Recurrence: schedule.Daily(),
		NextFire:   now.Add(time.Hour),
		Payload:    "stand up",
		Version:    1,
		State:      event.StateActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	rec := testRecord("a1")

	if err := s.Put(rec, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Payload != rec.Payload || got.Version != 1 || !got.NextFire.Equal(rec.NextFire) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Recurrence.Kind != schedule.RecurDaily {
		t.Fatalf("recurrence lost: %+v", got.Recurrence)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutVersionConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	rec := testRecord("a1")

	// Creating over an existing record must conflict.
	if err := s.Put(rec, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(rec, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("duplicate create err = %v, want ErrVersionConflict", err)
	}

	// Stale expected version must conflict and leave the record intact.
	upd := testRecord("a1")
	upd.Version = 2
	upd.Payload = "changed"
	if err := s.Put(upd, 5); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}
	got, _ := s.Get("a1")
	if got.Payload != "stand up" || got.Version != 1 {
		t.Fatalf("conflicting write mutated record: %+v", got)
	}

	// Correct expected version lands.
	if err := s.Put(upd, 1); err != nil {
		t.Fatalf("valid update: %v", err)
	}
	got, _ = s.Get("a1")
	if got.Payload != "changed" || got.Version != 2 {
		t.Fatalf("update lost: %+v", got)
	}

	// Updating a deleted record conflicts rather than resurrecting it.
	if err := s.Delete("a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(upd, 2); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("update of deleted err = %v, want ErrVersionConflict", err)
	}
}

func TestSecondOpenFails(t *testing.T) {
	_, dir := newTestStore(t)

	_, err := Open(dir, zerolog.Nop())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Open err = %v, want ErrAlreadyRunning", err)
	}
}

func TestLockReleasedOnClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	s, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen after Close: %v", err)
	}
	s2.Close()
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Delete("ghost"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestListSkipsCorruptRecords(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.Put(testRecord("good"), 0); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "good" {
		t.Fatalf("List = %+v, want just the good record", recs)
	}
}

func TestListActiveFiltersState(t *testing.T) {
	s, _ := newTestStore(t)
	a := testRecord("a")
	b := testRecord("b")
	b.State = event.StateCancelled
	c := testRecord("c")
	c.State = event.StateCompleted
	for _, r := range []*event.Record{a, b, c} {
		if err := s.Put(r, 0); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "a" {
		t.Fatalf("ListActive = %+v, want just a", active)
	}
}

func TestOpenSweepsStaleTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, ".tmp-123456")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(stale); err == nil {
		t.Fatal("stale temp file survived Open")
	}

	// And no temp files linger after a successful write either.
	if err := s.Put(testRecord("x"), 0); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", de.Name())
		}
	}
}
