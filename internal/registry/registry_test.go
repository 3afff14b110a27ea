package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbrocket/failsafe/internal/event"
	"github.com/sbrocket/failsafe/internal/schedule"
	"github.com/sbrocket/failsafe/internal/store"
)

// fakeSched records queue calls for assertions.
type fakeSched struct {
	mu          sync.Mutex
	scheduled   map[string]time.Time
	versions    map[string]uint64
	unscheduled []string
}

func newFakeSched() *fakeSched {
	return &fakeSched{scheduled: map[string]time.Time{}, versions: map[string]uint64{}}
}

func (f *fakeSched) Schedule(id string, at time.Time, version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[id] = at
	f.versions[id] = version
}

func (f *fakeSched) Unschedule(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, id)
	f.unscheduled = append(f.unscheduled, id)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSched) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "events"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	r := New(st, nil, zerolog.Nop())
	sched := newFakeSched()
	r.SetScheduler(sched)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	return r, sched
}

func dailySpec() Spec {
	return Spec{
		Owner:      event.Owner{ChatID: 42, UserID: 7},
		Local:      schedule.LocalTime{Hour: 9, Minute: 0},
		Timezone:   "America/New_York",
		Recurrence: schedule.Daily(),
		Payload:    "stand up",
	}
}

func TestCreatePersistsAndSchedules(t *testing.T) {
	r, sched := newTestRegistry(t)

	rec, err := r.Create(context.Background(), dailySpec())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Version != 1 || rec.State != event.StateActive {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.NextFire.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next fire in the past: %s", rec.NextFire)
	}

	at, ok := sched.scheduled[rec.ID]
	if !ok || !at.Equal(rec.NextFire) {
		t.Fatalf("not scheduled at next fire: %v vs %v", at, rec.NextFire)
	}

	got, ok := r.Get(rec.ID)
	if !ok || got.Payload != "stand up" {
		t.Fatalf("Get after Create = %+v, %v", got, ok)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	spec := dailySpec()
	spec.Timezone = "Nowhere/Void"
	if _, err := r.Create(ctx, spec); !errors.Is(err, schedule.ErrInvalidTimezone) {
		t.Fatalf("err = %v, want ErrInvalidTimezone", err)
	}

	spec = dailySpec()
	spec.Recurrence = schedule.Custom(-time.Minute)
	if _, err := r.Create(ctx, spec); !errors.Is(err, schedule.ErrInvalidRecurrence) {
		t.Fatalf("err = %v, want ErrInvalidRecurrence", err)
	}
}

func TestModifyBumpsVersionAndReschedules(t *testing.T) {
	r, sched := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}

	newLocal := schedule.LocalTime{Hour: 21, Minute: 15}
	got, err := r.Modify(ctx, rec.ID, Mutation{Local: &newLocal})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
	if got.Local != newLocal {
		t.Fatalf("local time not applied: %+v", got.Local)
	}
	if sched.versions[rec.ID] != 2 {
		t.Fatalf("queue version = %d, want 2", sched.versions[rec.ID])
	}
	if !sched.scheduled[rec.ID].Equal(got.NextFire) {
		t.Fatalf("queue time %v != record %v", sched.scheduled[rec.ID], got.NextFire)
	}
}

func TestModifyUnknownID(t *testing.T) {
	r, _ := newTestRegistry(t)
	p := "x"
	_, err := r.Modify(context.Background(), "missing", Mutation{Payload: &p})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelRemovesFromQueue(t *testing.T) {
	r, sched := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(ctx, rec.ID, 7); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, ok := sched.scheduled[rec.ID]; ok {
		t.Fatal("cancelled event still scheduled")
	}
	got, ok := r.Get(rec.ID)
	if !ok || got.State != event.StateCancelled || got.Version != 2 {
		t.Fatalf("cancelled record = %+v", got)
	}

	// Cancelling twice reports not found, not a crash.
	if err := r.Cancel(ctx, rec.ID, 7); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second cancel err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentModifySerializes(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	payloads := []string{"first", "second"}
	for i := range payloads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Modify(ctx, rec.ID, Mutation{Payload: &payloads[i]})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("modify %d: %v", i, err)
		}
	}
	got, _ := r.Get(rec.ID)
	// Both writers landed, one after the other: exactly one version bump each.
	if got.Version != 3 {
		t.Fatalf("version = %d, want 3", got.Version)
	}
	if got.Payload != "first" && got.Payload != "second" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestAdvanceAfterFire(t *testing.T) {
	r, sched := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}

	advanced, err := r.AdvanceAfterFire(ctx, rec.ID, rec.Version, rec.NextFire)
	if err != nil {
		t.Fatalf("AdvanceAfterFire: %v", err)
	}
	if !advanced {
		t.Fatal("expected advance")
	}
	got, _ := r.Get(rec.ID)
	if got.Version != 2 || !got.NextFire.After(rec.NextFire) {
		t.Fatalf("not advanced: %+v", got)
	}
	if !sched.scheduled[rec.ID].Equal(got.NextFire) {
		t.Fatal("queue not updated after advance")
	}

	// A stale fire decision (old version) must be dropped.
	advanced, err = r.AdvanceAfterFire(ctx, rec.ID, rec.Version, rec.NextFire)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Fatal("stale advance accepted")
	}
}

func TestAdvanceAfterFireCompletesSingleShot(t *testing.T) {
	r, sched := newTestRegistry(t)
	ctx := context.Background()

	spec := dailySpec()
	spec.Recurrence = schedule.None()
	spec.Local = schedule.LocalTime{Year: 2027, Month: 1, Day: 1, Hour: 12}
	rec, err := r.Create(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.AdvanceAfterFire(ctx, rec.ID, rec.Version, rec.NextFire); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(rec.ID)
	if got.State != event.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if at, ok := sched.scheduled[rec.ID]; ok {
		t.Fatalf("completed event still scheduled at %v", at)
	}
}

func TestSkipMissed(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(48 * time.Hour)
	got, err := r.SkipMissed(ctx, rec.ID, future)
	if err != nil {
		t.Fatalf("SkipMissed: %v", err)
	}
	if !got.NextFire.After(future) {
		t.Fatalf("next fire %s not after %s", got.NextFire, future)
	}
	if got.Version != rec.Version+1 {
		t.Fatalf("version = %d, want %d", got.Version, rec.Version+1)
	}
}

func TestListScopesByChat(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a := dailySpec()
	b := dailySpec()
	b.Owner.ChatID = 99
	if _, err := r.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	got := r.List(event.Owner{ChatID: 42})
	if len(got) != 1 || got[0].Owner.ChatID != 42 {
		t.Fatalf("List = %+v", got)
	}
}

func TestFindByPrefix(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.FindByPrefix(rec.Owner, rec.ID[:8])
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("got %s, want %s", got.ID, rec.ID)
	}

	if _, err := r.FindByPrefix(rec.Owner, "zzzzzzzz"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// Empty prefix matches everything once a second event exists.
	if _, err := r.Create(ctx, dailySpec()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindByPrefix(rec.Owner, ""); !errors.Is(err, ErrAmbiguousID) {
		t.Fatalf("err = %v, want ErrAmbiguousID", err)
	}
}

func TestSweepExpired(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	keep, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}
	gone, err := r.Create(ctx, dailySpec())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(ctx, gone.ID, 7); err != nil {
		t.Fatal(err)
	}

	// Inside the retention window nothing is collected.
	n, err := r.SweepExpired(ctx, time.Hour, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v; want 0, nil", n, err)
	}

	// Past the window the cancelled record goes, the active one stays.
	n, err = r.SweepExpired(ctx, time.Hour, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1, nil", n, err)
	}
	if _, ok := r.Get(gone.ID); ok {
		t.Fatal("swept record still cached")
	}
	if _, ok := r.Get(keep.ID); !ok {
		t.Fatal("active record swept")
	}
}

func TestLoadRestoresFromStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	st, err := store.Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r := New(st, nil, zerolog.Nop())
	r.SetScheduler(newFakeSched())
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	rec, err := r.Create(context.Background(), dailySpec())
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	st2, err := store.Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	r2 := New(st2, nil, zerolog.Nop())
	if err := r2.Load(); err != nil {
		t.Fatal(err)
	}
	got, ok := r2.Get(rec.ID)
	if !ok || got.Payload != rec.Payload || got.Version != rec.Version {
		t.Fatalf("reloaded record = %+v, %v", got, ok)
	}
}
