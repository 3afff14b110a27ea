// Package telegram connects the command gateway and the fire engine to
// Telegram: long-polled updates go in, command replies and fired
// notifications go out.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"github.com/sbrocket/failsafe/internal/event"
	"github.com/sbrocket/failsafe/internal/gateway"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log zerolog.Logger
	bot *tele.Bot
	gw  *gateway.Gateway

	// replyErrs counts failed command replies; logged periodically
	// instead of per message.
	replyErrs uint64
}

func New(cfg Config, gw *gateway.Gateway, log zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg: cfg,
		log: log.With().Str("component", "telegram").Logger(),
		bot: b,
		gw:  gw,
	}, nil
}

var menuCommands = []tele.Command{
	{Text: "remind", Description: "schedule a reminder"},
	{Text: "events", Description: "list reminders in this chat"},
	{Text: "edit", Description: "change a reminder"},
	{Text: "cancel", Description: "cancel a reminder"},
	{Text: "history", Description: "recent deliveries"},
	{Text: "help", Description: "how to talk to me"},
}

// Run polls for updates until ctx is cancelled. Each text message goes
// through the gateway; non-empty replies are sent back to the chat.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.bot.SetCommands(menuCommands); err != nil {
		a.log.Warn().Err(err).Msg("setting menu commands failed")
	}

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		in := gateway.Inbound{
			Owner: event.Owner{
				ChatID:   m.Chat.ID,
				ThreadID: m.ThreadID,
				UserID:   m.Sender.ID,
			},
			Text: m.Text,
		}
		reply := a.gw.Handle(ctx, in)
		if reply == "" {
			return nil
		}
		if err := c.Send(reply, &tele.SendOptions{ThreadID: m.ThreadID}); err != nil {
			atomic.AddUint64(&a.replyErrs, 1)
			return err
		}
		return nil
	})

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.replyErrs, 0); n > 0 {
					a.log.Warn().Uint64("count", n).Msg("command replies failed")
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()

	a.log.Info().Msg("polling started")
	a.bot.Start() // blocks until Stop
	a.log.Info().Msg("polling stopped")
	return nil
}

// Deliver sends a fired notification to its chat. It implements the
// engine's sink.
func (a *Adapter) Deliver(ctx context.Context, owner event.Owner, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: owner.ChatID}
	_, err := a.bot.Send(chat, "⏰ "+payload, &tele.SendOptions{ThreadID: owner.ThreadID})
	return err
}
