// Package event defines the durable unit of scheduling shared by the
// store, registry and engine.
package event

import (
	"fmt"
	"time"

	"github.com/sbrocket/failsafe/internal/schedule"
)

type State string

const (
	StateActive    State = "active"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
)

// Owner identifies the chat scope an event belongs to. Notifications are
// routed back to this scope, and listing is filtered by it.
type Owner struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
	UserID   int64 `json:"user_id,omitempty"`
}

func (o Owner) SameChat(other Owner) bool {
	return o.ChatID == other.ChatID && o.ThreadID == other.ThreadID
}

func (o Owner) String() string {
	if o.ThreadID != 0 {
		return fmt.Sprintf("%d/%d", o.ChatID, o.ThreadID)
	}
	return fmt.Sprintf("%d", o.ChatID)
}

// Record is the durable event record. The persisted form is the JSON
// encoding of this struct, one file per record.
type Record struct {
	ID         string              `json:"id"`
	Owner      Owner               `json:"owner"`
	Local      schedule.LocalTime  `json:"local_time"`
	Timezone   string              `json:"timezone"`
	Recurrence schedule.Recurrence `json:"recurrence"`
	// NextFire is the cached absolute instant of the next fire, always
	// recomputed from (Local, Timezone, Recurrence) when the record
	// changes. Stored in UTC.
	NextFire time.Time `json:"next_fire_utc"`
	Payload  string    `json:"payload"`
	// Version increments on every accepted mutation. A fire decision made
	// against version N is discarded if the record has since moved on.
	Version   uint64    `json:"version"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) Active() bool { return r.State == StateActive }

// Clone returns a deep copy. Records handed out of the registry are always
// clones so callers can't mutate cached state.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Recurrence.Days != nil {
		cp.Recurrence.Days = append(schedule.DaySet(nil), r.Recurrence.Days...)
	}
	return &cp
}
