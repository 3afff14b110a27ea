package engine

import (
	"context"

	"github.com/sbrocket/failsafe/internal/journal"
)

// Recover seeds the queue from durable state after a restart. Future
// fires are queued as-is. Fires overdue by at most the grace window are
// queued for immediate delivery, once. Anything older is skipped: the
// registry moves it to its next future occurrence, or completes it, and
// the miss is journaled.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	grace := e.policy.GraceWindow
	e.mu.Unlock()

	now := e.now()
	queued, caught, skipped := 0, 0, 0
	for _, rec := range e.reg.Snapshot() {
		if !rec.Active() {
			continue
		}
		overdue := now.Sub(rec.NextFire)
		switch {
		case overdue <= 0:
			e.Schedule(rec.ID, rec.NextFire, rec.Version)
			queued++
		case overdue <= grace:
			// Still inside the grace window: fire late rather than
			// not at all.
			e.Schedule(rec.ID, rec.NextFire, rec.Version)
			caught++
			e.log.Info().
				Str("id", rec.ID).
				Dur("overdue", overdue).
				Msg("overdue fire queued for catch-up")
		default:
			if _, err := e.reg.SkipMissed(ctx, rec.ID, now); err != nil {
				// One bad record must not abort recovery of the rest.
				e.log.Error().Err(err).
					Str("id", rec.ID).
					Msg("skipping missed fire failed, event left unscheduled")
				continue
			}
			skipped++
			e.jrnl.RecordFire(ctx, journal.Fire{
				EventID:     rec.ID,
				Owner:       rec.Owner,
				ScheduledAt: rec.NextFire,
				RecordedAt:  now,
				Status:      journal.StatusMissed,
			})
			e.log.Warn().
				Str("id", rec.ID).
				Dur("overdue", overdue).
				Msg("missed fire skipped")
		}
	}

	e.log.Info().
		Int("queued", queued).
		Int("caught_up", caught).
		Int("skipped", skipped).
		Msg("recovery complete")
	return nil
}
