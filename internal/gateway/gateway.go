// Package gateway turns chat commands into registry operations. It is
// transport-neutral: adapters feed it inbound messages and send back
// whatever reply it returns.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbrocket/failsafe/internal/event"
	"github.com/sbrocket/failsafe/internal/journal"
	"github.com/sbrocket/failsafe/internal/registry"
	"github.com/sbrocket/failsafe/internal/schedule"
	"github.com/sbrocket/failsafe/internal/store"
)

const usage = `Commands:
/remind [YYYY-MM-DD] HH:MM [zone] [daily | weekly mon,thu | every 90m] message
/events — list your chat's reminders
/edit <id> [YYYY-MM-DD] HH:MM [zone] [recurrence] [message] — change a reminder
/cancel <id> — cancel a reminder
/history — recent deliveries in this chat

Times are wall-clock in the given IANA zone (default %s). Ids may be
abbreviated to any unique prefix.`

// Inbound is one chat message addressed to the bot, command included.
type Inbound struct {
	Owner event.Owner
	Text  string
}

type Gateway struct {
	reg       *registry.Registry
	jrnl      *journal.Journal
	defaultTZ string
	now       func() time.Time
	log       zerolog.Logger
}

func New(reg *registry.Registry, jrnl *journal.Journal, defaultTZ string, log zerolog.Logger) *Gateway {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &Gateway{
		reg:       reg,
		jrnl:      jrnl,
		defaultTZ: defaultTZ,
		now:       time.Now,
		log:       log.With().Str("component", "gateway").Logger(),
	}
}

// Handle routes one inbound message and returns the reply text. Unknown
// commands get the usage text; non-commands get nothing.
func (g *Gateway) Handle(ctx context.Context, in Inbound) string {
	text := strings.TrimSpace(in.Text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, rest, _ := strings.Cut(text, " ")
	// Telegram suffixes commands with the bot name in groups.
	cmd, _, _ = strings.Cut(cmd, "@")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/start", "/help":
		return fmt.Sprintf(usage, g.defaultTZ)
	case "/remind":
		return g.remind(ctx, in.Owner, rest)
	case "/events", "/list":
		return g.list(in.Owner)
	case "/edit":
		return g.edit(ctx, in.Owner, rest)
	case "/cancel":
		return g.cancel(ctx, in.Owner, rest)
	case "/history":
		return g.history(ctx, in.Owner)
	default:
		return fmt.Sprintf(usage, g.defaultTZ)
	}
}

func (g *Gateway) remind(ctx context.Context, owner event.Owner, raw string) string {
	args, err := parseRemind(raw)
	if err != nil {
		return friendly(err)
	}
	if args.Message == "" {
		return "What should I remind you about? Put the message after the schedule."
	}
	if args.Timezone == "" {
		args.Timezone = g.defaultTZ
	}
	// Interval schedules anchor on a date; without one they start today.
	if args.Recurrence.Kind == schedule.RecurCustom && !args.Local.HasDate() {
		g.fillToday(&args.Local, args.Timezone)
	}

	rec, err := g.reg.Create(ctx, registry.Spec{
		Owner:      owner,
		Local:      args.Local,
		Timezone:   args.Timezone,
		Recurrence: args.Recurrence,
		Payload:    args.Message,
	})
	if err != nil {
		return friendly(err)
	}
	return fmt.Sprintf("Scheduled %s — %s", shortID(rec.ID), describe(rec))
}

func (g *Gateway) list(owner event.Owner) string {
	recs := g.reg.List(owner)
	if len(recs) == 0 {
		return "No reminders in this chat."
	}
	var b strings.Builder
	for _, rec := range recs {
		fmt.Fprintf(&b, "%s — %s\n", shortID(rec.ID), describe(rec))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (g *Gateway) edit(ctx context.Context, owner event.Owner, raw string) string {
	prefix, rest, _ := strings.Cut(raw, " ")
	if prefix == "" {
		return "Which reminder? /edit <id> <changes>"
	}
	target, err := g.reg.FindByPrefix(owner, prefix)
	if err != nil {
		return friendly(err)
	}

	mut, err := parseEdit(strings.TrimSpace(rest))
	if err != nil {
		return friendly(err)
	}
	if mut == (registry.Mutation{}) {
		return "Nothing to change. Give a new time, zone, recurrence or message."
	}
	mut.ActorID = owner.UserID

	rec, err := g.reg.Modify(ctx, target.ID, mut)
	if err != nil {
		return friendly(err)
	}
	return fmt.Sprintf("Updated %s — %s", shortID(rec.ID), describe(rec))
}

func (g *Gateway) cancel(ctx context.Context, owner event.Owner, raw string) string {
	prefix := strings.TrimSpace(raw)
	if prefix == "" {
		return "Which reminder? /cancel <id>"
	}
	target, err := g.reg.FindByPrefix(owner, prefix)
	if err != nil {
		return friendly(err)
	}
	if err := g.reg.Cancel(ctx, target.ID, owner.UserID); err != nil {
		return friendly(err)
	}
	return fmt.Sprintf("Cancelled %s — %s", shortID(target.ID), target.Payload)
}

func (g *Gateway) history(ctx context.Context, owner event.Owner) string {
	fires, err := g.jrnl.RecentFires(ctx, owner.ChatID, 10)
	if err != nil {
		g.log.Error().Err(err).Int64("chat_id", owner.ChatID).Msg("history query failed")
		return "History is unavailable right now."
	}
	if len(fires) == 0 {
		return "No deliveries recorded for this chat."
	}
	var b strings.Builder
	for _, f := range fires {
		fmt.Fprintf(&b, "%s %s %s", f.RecordedAt.UTC().Format("2006-01-02 15:04"), f.Status, shortID(f.EventID))
		if f.Error != "" {
			fmt.Fprintf(&b, " (%s)", f.Error)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseEdit reads the optional fields of an edit: any of date+time, zone,
// recurrence, and trailing message text.
func parseEdit(raw string) (registry.Mutation, error) {
	var mut registry.Mutation
	tokens := strings.Fields(raw)
	i := 0

	var lt schedule.LocalTime
	hasDate := false
	if i < len(tokens) {
		if y, m, d, ok := parseDate(tokens[i]); ok {
			lt.Year, lt.Month, lt.Day = y, m, d
			hasDate = true
			i++
		}
	}
	if i < len(tokens) {
		if h, min, ok := parseClock(tokens[i]); ok {
			lt.Hour, lt.Minute = h, min
			mut.Local = &lt
			i++
		} else if hasDate {
			return mut, fmt.Errorf("%w: a new date needs a time as well", ErrBadCommand)
		}
	} else if hasDate {
		return mut, fmt.Errorf("%w: a new date needs a time as well", ErrBadCommand)
	}

	if i < len(tokens) && looksLikeZone(tokens[i]) {
		tz := tokens[i]
		mut.Timezone = &tz
		i++
	}

	rec, n, err := parseRecurrence(tokens[i:])
	if err != nil {
		return mut, err
	}
	if n > 0 {
		mut.Recurrence = &rec
		i += n
	}

	if i < len(tokens) {
		msg := strings.Join(tokens[i:], " ")
		mut.Payload = &msg
	}
	return mut, nil
}

func (g *Gateway) fillToday(lt *schedule.LocalTime, tz string) {
	loc, err := schedule.LoadZone(tz)
	if err != nil {
		return
	}
	y, m, d := g.now().In(loc).Date()
	lt.Year, lt.Month, lt.Day = y, int(m), d
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// describe renders a record the way list and confirmations show it.
func describe(rec *event.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", rec.Local, rec.Timezone)
	if rec.Recurrence.Recurring() {
		fmt.Fprintf(&b, " %s", rec.Recurrence)
	}
	fmt.Fprintf(&b, ", next %s: %s", rec.NextFire.UTC().Format("Mon 2006-01-02 15:04 MST"), rec.Payload)
	return b.String()
}

// friendly maps internal errors to chat replies.
func friendly(err error) string {
	switch {
	case errors.Is(err, ErrBadCommand):
		return "I couldn't read that: " + trimPrefixErr(err, "gateway: bad command: ")
	case errors.Is(err, schedule.ErrInvalidTimezone):
		return "Unknown timezone. Use an IANA name like Europe/Berlin."
	case errors.Is(err, schedule.ErrPastTime):
		return "That moment is already in the past."
	case errors.Is(err, schedule.ErrInvalidLocalTime):
		return "That date and time doesn't exist."
	case errors.Is(err, schedule.ErrInvalidRecurrence):
		return "That repeat schedule isn't valid."
	case errors.Is(err, registry.ErrAmbiguousID):
		return "That id matches several reminders, use more characters."
	case errors.Is(err, store.ErrNotFound):
		return "No such reminder in this chat."
	default:
		return "Something went wrong, try again."
	}
}

func trimPrefixErr(err error, prefix string) string {
	return strings.TrimPrefix(err.Error(), prefix)
}
