// Package journal keeps a SQLite record of fire outcomes and accepted
// mutations. It is observability state, not scheduling state: the engine
// works fine with a nil journal, and journal failures never block a fire.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sbrocket/failsafe/internal/event"
)

// Fire statuses.
const (
	StatusDelivered = "delivered" // sink accepted the notification
	StatusFailed    = "failed"    // retries exhausted; event advanced anyway
	StatusMissed    = "missed"    // overdue past the grace window at recovery
	StatusStale     = "stale"     // queued decision rejected by version check
)

// Audit actions.
const (
	ActionCreate = "create"
	ActionModify = "modify"
	ActionCancel = "cancel"
)

type Fire struct {
	EventID     string
	Owner       event.Owner
	ScheduledAt time.Time
	RecordedAt  time.Time
	Attempts    int
	Status      string
	Error       string
}

type Audit struct {
	Action     string
	EventID    string
	ActorID    int64
	Detail     string
	RecordedAt time.Time
}

type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the journal database in WAL mode.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(2)

	j := &Journal{db: db, log: log}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fires (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     TEXT NOT NULL,
		chat_id      INTEGER NOT NULL,
		thread_id    INTEGER NOT NULL DEFAULT 0,
		scheduled_at TEXT NOT NULL,
		recorded_at  TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		error        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_fires_chat ON fires(chat_id, id);
	CREATE INDEX IF NOT EXISTS idx_fires_recorded ON fires(recorded_at);

	CREATE TABLE IF NOT EXISTS audit (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action      TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		actor_id    INTEGER NOT NULL DEFAULT 0,
		detail      TEXT,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_event ON audit(event_id, id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordFire appends a fire outcome. Nil-safe and best-effort: errors are
// logged, never returned into the fire path.
func (j *Journal) RecordFire(ctx context.Context, f Fire) {
	if j == nil {
		return
	}
	if f.RecordedAt.IsZero() {
		f.RecordedAt = time.Now()
	}
	err := retryContention(func() error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO fires (event_id, chat_id, thread_id, scheduled_at, recorded_at, attempts, status, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.EventID, f.Owner.ChatID, f.Owner.ThreadID,
			f.ScheduledAt.UTC().Format(time.RFC3339Nano),
			f.RecordedAt.UTC().Format(time.RFC3339Nano),
			f.Attempts, f.Status, f.Error,
		)
		return err
	})
	if err != nil {
		j.log.Warn().Err(err).Str("event_id", f.EventID).Msg("journal fire write failed")
	}
}

// RecordAudit appends an accepted mutation. Same best-effort contract as
// RecordFire.
func (j *Journal) RecordAudit(ctx context.Context, a Audit) {
	if j == nil {
		return
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now()
	}
	err := retryContention(func() error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO audit (action, event_id, actor_id, detail, recorded_at)
			 VALUES (?, ?, ?, ?, ?)`,
			a.Action, a.EventID, a.ActorID, a.Detail,
			a.RecordedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		j.log.Warn().Err(err).Str("event_id", a.EventID).Msg("journal audit write failed")
	}
}

// RecentFires returns the latest fire outcomes for a chat, newest first.
func (j *Journal) RecentFires(ctx context.Context, chatID int64, limit int) ([]Fire, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT event_id, chat_id, thread_id, scheduled_at, recorded_at, attempts, status, COALESCE(error, '')
		 FROM fires WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fire
	for rows.Next() {
		var f Fire
		var sched, rec string
		if err := rows.Scan(&f.EventID, &f.Owner.ChatID, &f.Owner.ThreadID, &sched, &rec, &f.Attempts, &f.Status, &f.Error); err != nil {
			return nil, err
		}
		f.ScheduledAt, _ = time.Parse(time.RFC3339Nano, sched)
		f.RecordedAt, _ = time.Parse(time.RFC3339Nano, rec)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes journal rows recorded before the cutoff and returns how
// many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if j == nil {
		return 0, nil
	}
	var total int64
	for _, table := range []string{"fires", "audit"} {
		res, err := j.db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE recorded_at < ?",
			cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// retryContention retries writes that hit transient SQLite contention.
// WAL mode plus busy_timeout covers most of it; this catches the
// fallthrough cases.
func retryContention(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked", "database table is locked"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
