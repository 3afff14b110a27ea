// Package registry is the in-memory authority over event records. Every
// mutation flows through here: it bumps the version, recomputes the next
// fire instant, writes the record durably, and only then touches the fire
// queue — so the durable record and the scheduling decision never diverge.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sbrocket/failsafe/internal/event"
	"github.com/sbrocket/failsafe/internal/journal"
	"github.com/sbrocket/failsafe/internal/schedule"
	"github.com/sbrocket/failsafe/internal/store"
)

// ErrAmbiguousID is returned when an id prefix matches more than one event.
var ErrAmbiguousID = errors.New("ambiguous event id")

// Scheduler is the fire-queue side of the engine. The registry calls it
// after a successful durable write, never before.
type Scheduler interface {
	Schedule(id string, at time.Time, version uint64)
	Unschedule(id string)
}

// Spec is the user-facing shape of a new event.
type Spec struct {
	Owner      event.Owner
	Local      schedule.LocalTime
	Timezone   string
	Recurrence schedule.Recurrence
	Payload    string
}

// Mutation is a partial update; nil fields keep their current value.
type Mutation struct {
	Local      *schedule.LocalTime
	Timezone   *string
	Recurrence *schedule.Recurrence
	Payload    *string
	ActorID    int64
}

type Registry struct {
	store *store.Store
	jrnl  *journal.Journal
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	records map[string]*event.Record
	sched   Scheduler
}

func New(st *store.Store, jrnl *journal.Journal, log zerolog.Logger) *Registry {
	return &Registry{
		store:   st,
		jrnl:    jrnl,
		log:     log,
		now:     time.Now,
		records: map[string]*event.Record{},
	}
}

// SetScheduler wires the engine in. Must be called before any mutation.
func (r *Registry) SetScheduler(s Scheduler) {
	r.mu.Lock()
	r.sched = s
	r.mu.Unlock()
}

// Load populates the cache from the store. Called once at startup, before
// recovery; corrupt records were already skipped by the store scan.
func (r *Registry) Load() error {
	recs, err := r.store.List()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*event.Record, len(recs))
	for _, rec := range recs {
		r.records[rec.ID] = rec
	}
	return nil
}

// Create validates, persists and schedules a new event, returning a copy
// of the stored record.
func (r *Registry) Create(ctx context.Context, spec Spec) (*event.Record, error) {
	now := r.now()
	next, err := schedule.Resolve(spec.Local, spec.Timezone, spec.Recurrence, now)
	if err != nil {
		return nil, err
	}

	rec := &event.Record{
		ID:         uuid.NewString(),
		Owner:      spec.Owner,
		Local:      spec.Local,
		Timezone:   spec.Timezone,
		Recurrence: spec.Recurrence,
		NextFire:   next,
		Payload:    spec.Payload,
		Version:    1,
		State:      event.StateActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Put(rec, 0); err != nil {
		return nil, err
	}
	r.records[rec.ID] = rec
	r.scheduleLocked(rec)

	r.jrnl.RecordAudit(ctx, journal.Audit{
		Action: journal.ActionCreate, EventID: rec.ID, ActorID: spec.Owner.UserID,
		Detail: fmt.Sprintf("%s %s %s", rec.Local, rec.Timezone, rec.Recurrence),
	})
	r.log.Info().Str("id", rec.ID).Time("next_fire", rec.NextFire).
		Str("recurrence", rec.Recurrence.String()).Msg("event created")
	return rec.Clone(), nil
}

// Modify applies a partial update. Version conflicts from the store are
// resolved by re-reading and reapplying the mutation; they are an internal
// concurrency detail, never surfaced to the caller.
func (r *Registry) Modify(ctx context.Context, id string, mut Mutation) (*event.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; ; attempt++ {
		cur, err := r.getLocked(id)
		if err != nil {
			return nil, err
		}
		if !cur.Active() {
			return nil, fmt.Errorf("%w: %s is %s", store.ErrNotFound, id, cur.State)
		}

		next := cur.Clone()
		if mut.Local != nil {
			next.Local = *mut.Local
		}
		if mut.Timezone != nil {
			next.Timezone = *mut.Timezone
		}
		if mut.Recurrence != nil {
			next.Recurrence = *mut.Recurrence
		}
		if mut.Payload != nil {
			next.Payload = *mut.Payload
		}

		now := r.now()
		fire, err := schedule.Resolve(next.Local, next.Timezone, next.Recurrence, now)
		if err != nil {
			return nil, err
		}
		next.NextFire = fire
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		if err := r.putLocked(next, cur.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) && attempt < 2 {
				continue
			}
			return nil, err
		}
		r.scheduleLocked(next)

		r.jrnl.RecordAudit(ctx, journal.Audit{
			Action: journal.ActionModify, EventID: id, ActorID: mut.ActorID,
			Detail: fmt.Sprintf("%s %s %s", next.Local, next.Timezone, next.Recurrence),
		})
		r.log.Info().Str("id", id).Uint64("version", next.Version).
			Time("next_fire", next.NextFire).Msg("event modified")
		return next.Clone(), nil
	}
}

// Cancel marks an event cancelled and removes it from the fire queue. The
// record itself stays in the store until the retention sweep collects it.
func (r *Registry) Cancel(ctx context.Context, id string, actorID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; ; attempt++ {
		cur, err := r.getLocked(id)
		if err != nil {
			return err
		}
		if !cur.Active() {
			return fmt.Errorf("%w: %s is %s", store.ErrNotFound, id, cur.State)
		}

		next := cur.Clone()
		next.State = event.StateCancelled
		next.Version = cur.Version + 1
		next.UpdatedAt = r.now()

		if err := r.putLocked(next, cur.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) && attempt < 2 {
				continue
			}
			return err
		}
		if r.sched != nil {
			r.sched.Unschedule(id)
		}

		r.jrnl.RecordAudit(ctx, journal.Audit{Action: journal.ActionCancel, EventID: id, ActorID: actorID})
		r.log.Info().Str("id", id).Msg("event cancelled")
		return nil
	}
}

// Get returns a copy of a record in any state.
func (r *Registry) Get(id string) (*event.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns the active events of a chat scope, soonest first.
func (r *Registry) List(owner event.Owner) []*event.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*event.Record
	for _, rec := range r.records {
		if rec.Active() && rec.Owner.SameChat(owner) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextFire.Before(out[j].NextFire)
	})
	return out
}

// Snapshot returns every active record, for recovery.
func (r *Registry) Snapshot() []*event.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*event.Record
	for _, rec := range r.records {
		if rec.Active() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByPrefix resolves a user-typed id prefix to a single active event
// within a chat scope.
func (r *Registry) FindByPrefix(owner event.Owner, prefix string) (*event.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *event.Record
	for _, rec := range r.records {
		if !rec.Active() || !rec.Owner.SameChat(owner) || !strings.HasPrefix(rec.ID, prefix) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %q", ErrAmbiguousID, prefix)
		}
		found = rec
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, prefix)
	}
	return found.Clone(), nil
}

// AdvanceAfterFire moves an event past a completed fire. The caller passes
// the version its fire decision was based on; if the record has moved on
// since, the advance is dropped — whoever mutated it already rescheduled.
// Returns true if the record advanced.
func (r *Registry) AdvanceAfterFire(ctx context.Context, id string, firedVersion uint64, firedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.getLocked(id)
	if err != nil {
		return false, err
	}
	if !cur.Active() || cur.Version != firedVersion {
		return false, nil
	}

	next := cur.Clone()
	now := r.now()
	if !next.Recurrence.Recurring() {
		next.State = event.StateCompleted
	} else {
		after := now
		if firedAt.After(after) {
			after = firedAt
		}
		fire, err := schedule.Resolve(next.Local, next.Timezone, next.Recurrence, after)
		if err != nil {
			// Timezone data was valid when the record was written;
			// refuse to guess a new time if it no longer is.
			return false, fmt.Errorf("advance %s: %w", id, err)
		}
		next.NextFire = fire
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	if err := r.putLocked(next, cur.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}
	if next.Active() {
		r.scheduleLocked(next)
	} else if r.sched != nil {
		r.sched.Unschedule(id)
	}
	return true, nil
}

// SkipMissed reschedules an event whose fire was missed beyond the grace
// window: recurring events jump to their next future occurrence without
// firing, single-shots complete unfired.
func (r *Registry) SkipMissed(ctx context.Context, id string, now time.Time) (*event.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if !cur.Active() {
		return cur.Clone(), nil
	}

	next := cur.Clone()
	if !next.Recurrence.Recurring() {
		next.State = event.StateCompleted
	} else {
		fire, err := schedule.Resolve(next.Local, next.Timezone, next.Recurrence, now)
		if err != nil {
			return nil, fmt.Errorf("skip %s: %w", id, err)
		}
		next.NextFire = fire
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	if err := r.putLocked(next, cur.Version); err != nil {
		return nil, err
	}
	if next.Active() {
		r.scheduleLocked(next)
	} else if r.sched != nil {
		r.sched.Unschedule(id)
	}
	return next.Clone(), nil
}

// SweepExpired deletes cancelled and completed records whose last update
// is older than the retention window. Returns how many were removed.
func (r *Registry) SweepExpired(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.records {
		if rec.Active() || now.Sub(rec.UpdatedAt) < retention {
			continue
		}
		if err := r.store.Delete(id); err != nil {
			return removed, err
		}
		delete(r.records, id)
		removed++
	}
	return removed, nil
}

func (r *Registry) getLocked(id string) (*event.Record, error) {
	if rec, ok := r.records[id]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
}

// putLocked writes through to the store and refreshes the cache. On a
// version conflict it re-reads the durable record so the caller's retry
// sees the winner's state.
func (r *Registry) putLocked(rec *event.Record, expected uint64) error {
	err := r.store.Put(rec, expected)
	if err == nil {
		r.records[rec.ID] = rec
		return nil
	}
	if errors.Is(err, store.ErrVersionConflict) {
		r.log.Debug().Str("id", rec.ID).Msg("version conflict, re-reading")
		fresh, gerr := r.store.Get(rec.ID)
		if gerr != nil {
			delete(r.records, rec.ID)
			return fmt.Errorf("%w: %s", store.ErrNotFound, rec.ID)
		}
		r.records[rec.ID] = fresh
	}
	return err
}

func (r *Registry) scheduleLocked(rec *event.Record) {
	if r.sched != nil {
		r.sched.Schedule(rec.ID, rec.NextFire, rec.Version)
	}
}
