package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sbrocket/failsafe/internal/event"
	"github.com/sbrocket/failsafe/internal/journal"
	"github.com/sbrocket/failsafe/internal/registry"
)

// Sink delivers a fired notification to its destination.
type Sink interface {
	Deliver(ctx context.Context, owner event.Owner, payload string) error
}

// Policy tunes fire-time behavior. Zero values are replaced by defaults.
type Policy struct {
	// GraceWindow bounds how late a fire may be and still go out. Fires
	// missed by more than this are skipped on recovery.
	GraceWindow time.Duration
	// DeliveryTimeout caps a single delivery attempt.
	DeliveryTimeout time.Duration
	// RetryMax is the number of redelivery attempts after the first.
	RetryMax int
	// BackoffBase and BackoffCap shape the exponential retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Rate and Burst bound outbound deliveries across all events.
	Rate  rate.Limit
	Burst int
}

// DefaultPolicy matches the shipped config defaults.
func DefaultPolicy() Policy {
	return Policy{
		GraceWindow:     5 * time.Minute,
		DeliveryTimeout: 10 * time.Second,
		RetryMax:        3,
		BackoffBase:     2 * time.Second,
		BackoffCap:      30 * time.Second,
		Rate:            1,
		Burst:           5,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.GraceWindow <= 0 {
		p.GraceWindow = def.GraceWindow
	}
	if p.DeliveryTimeout <= 0 {
		p.DeliveryTimeout = def.DeliveryTimeout
	}
	if p.RetryMax < 0 {
		p.RetryMax = def.RetryMax
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = def.BackoffCap
	}
	if p.Rate <= 0 {
		p.Rate = def.Rate
	}
	if p.Burst <= 0 {
		p.Burst = def.Burst
	}
	return p
}

// idleWait bounds how long the loop sleeps with an empty queue, so a
// missed wake can never wedge it for good.
const idleWait = time.Minute

// Engine owns the fire queue and the delivery loop. It is the
// registry's scheduler: mutations land in the queue through Schedule
// and Unschedule, and the loop fires entries as they come due.
type Engine struct {
	reg  *registry.Registry
	sink Sink
	jrnl *journal.Journal
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	queue   *fireQueue
	policy  Policy
	limiter *rate.Limiter

	wake chan struct{}
}

func New(reg *registry.Registry, sink Sink, jrnl *journal.Journal, pol Policy, log zerolog.Logger) *Engine {
	pol = pol.withDefaults()
	return &Engine{
		reg:     reg,
		sink:    sink,
		jrnl:    jrnl,
		log:     log.With().Str("component", "engine").Logger(),
		now:     time.Now,
		queue:   newFireQueue(),
		policy:  pol,
		limiter: rate.NewLimiter(pol.Rate, pol.Burst),
		wake:    make(chan struct{}, 1),
	}
}

// Schedule implements registry.Scheduler.
func (e *Engine) Schedule(id string, at time.Time, version uint64) {
	e.mu.Lock()
	e.queue.Set(id, at, version)
	e.mu.Unlock()
	e.nudge()
}

// Unschedule implements registry.Scheduler.
func (e *Engine) Unschedule(id string) {
	e.mu.Lock()
	e.queue.Remove(id)
	e.mu.Unlock()
	e.nudge()
}

// SetPolicy swaps the fire policy at runtime. In-flight deliveries
// keep the policy they started with.
func (e *Engine) SetPolicy(pol Policy) {
	pol = pol.withDefaults()
	e.mu.Lock()
	e.policy = pol
	e.limiter.SetLimit(pol.Rate)
	e.limiter.SetBurst(pol.Burst)
	e.mu.Unlock()
	e.log.Info().
		Dur("grace", pol.GraceWindow).
		Int("retry_max", pol.RetryMax).
		Msg("fire policy updated")
}

// Pending reports how many fires are queued.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// nudge wakes the loop after a queue change. The channel is buffered;
// a pending nudge absorbs further ones.
func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run fires due entries until ctx is cancelled. Pending entries are
// left unfired on shutdown; durable state makes them recoverable.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Msg("fire loop started")
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			e.log.Info().Int("pending", e.Pending()).Msg("fire loop stopping")
			return nil
		}

		now := e.now()
		e.mu.Lock()
		ent, due := e.queue.PopDue(now)
		e.mu.Unlock()
		if due {
			e.fire(ctx, ent)
			continue
		}

		wait := e.nextWait(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
		case <-e.wake:
		case <-timer.C:
		}
	}
}

func (e *Engine) nextWait(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	head, ok := e.queue.Peek()
	if !ok {
		return idleWait
	}
	wait := head.at.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if wait > idleWait {
		wait = idleWait
	}
	return wait
}

// fire delivers one popped entry. The record is re-read and its version
// compared against the queued one: a mismatch means the event changed
// after this fire was scheduled, and the decision is stale.
func (e *Engine) fire(ctx context.Context, ent *entry) {
	rec, ok := e.reg.Get(ent.id)
	if !ok || !rec.Active() || rec.Version != ent.version {
		e.log.Debug().Str("id", ent.id).Uint64("queued_version", ent.version).Msg("stale fire dropped")
		e.jrnl.RecordFire(ctx, journal.Fire{
			EventID:     ent.id,
			Owner:       ownerOf(rec),
			ScheduledAt: ent.at,
			Status:      journal.StatusStale,
		})
		return
	}

	e.mu.Lock()
	pol := e.policy
	e.mu.Unlock()

	if err := e.limiter.Wait(ctx); err != nil {
		// Shutdown mid-wait. Leave the entry for recovery.
		e.Schedule(ent.id, ent.at, ent.version)
		return
	}

	attempts, err := e.deliver(ctx, pol, rec)
	if err != nil && ctx.Err() != nil {
		// Shutdown raced the delivery. The occurrence was not consumed;
		// put it back so the next startup's recovery decides its fate.
		e.log.Warn().Str("id", ent.id).Int("attempts", attempts).
			Msg("delivery interrupted by shutdown, occurrence requeued")
		e.Schedule(ent.id, ent.at, ent.version)
		return
	}
	status := journal.StatusDelivered
	errMsg := ""
	if err != nil {
		status = journal.StatusFailed
		errMsg = err.Error()
		e.log.Error().Err(err).Str("id", ent.id).Int("attempts", attempts).Msg("delivery failed")
	} else {
		e.log.Info().Str("id", ent.id).Int64("chat_id", rec.Owner.ChatID).Msg("notification delivered")
	}
	e.jrnl.RecordFire(ctx, journal.Fire{
		EventID:     ent.id,
		Owner:       rec.Owner,
		ScheduledAt: ent.at,
		Attempts:    attempts,
		Status:      status,
		Error:       errMsg,
	})

	// Delivered or exhausted, the occurrence is consumed either way;
	// a failed fire must not wedge a recurring event.
	if _, aerr := e.reg.AdvanceAfterFire(ctx, ent.id, ent.version, ent.at); aerr != nil {
		e.log.Error().Err(aerr).Str("id", ent.id).Msg("advance after fire failed")
	}
}

// deliver runs the attempt/backoff cycle for one fire. Returns the
// number of attempts made and the last error, nil on success.
func (e *Engine) deliver(ctx context.Context, pol Policy, rec *event.Record) (int, error) {
	var last error
	for attempt := 0; attempt <= pol.RetryMax; attempt++ {
		if attempt > 0 {
			backoff := pol.BackoffBase << (attempt - 1)
			if backoff > pol.BackoffCap {
				backoff = pol.BackoffCap
			}
			backoff += time.Duration(rand.Int63n(int64(pol.BackoffBase)))
			select {
			case <-ctx.Done():
				return attempt, last
			case <-time.After(backoff):
			}
		}

		dctx, cancel := context.WithTimeout(ctx, pol.DeliveryTimeout)
		err := e.sink.Deliver(dctx, rec.Owner, rec.Payload)
		cancel()
		if err == nil {
			return attempt + 1, nil
		}
		last = err
		e.log.Warn().Err(err).Str("id", rec.ID).Int("attempt", attempt+1).Msg("delivery attempt failed")
		if ctx.Err() != nil {
			return attempt + 1, last
		}
	}
	return pol.RetryMax + 1, last
}

func ownerOf(rec *event.Record) event.Owner {
	if rec == nil {
		return event.Owner{}
	}
	return rec.Owner
}
