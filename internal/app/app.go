// Package app assembles the bot: durable store, journal, registry, fire
// engine, command gateway and the Telegram adapter, supervised as one
// unit.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sbrocket/failsafe/internal/adapters/telegram"
	"github.com/sbrocket/failsafe/internal/config"
	"github.com/sbrocket/failsafe/internal/engine"
	"github.com/sbrocket/failsafe/internal/gateway"
	"github.com/sbrocket/failsafe/internal/journal"
	"github.com/sbrocket/failsafe/internal/logging"
	"github.com/sbrocket/failsafe/internal/registry"
	"github.com/sbrocket/failsafe/internal/store"
)

// Run wires everything up and blocks until ctx is cancelled or a task
// fails fatally.
func Run(ctx context.Context, configPath string) error {
	boot := config.NewManager(configPath, zerolog.Nop())
	cfg, err := boot.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	mgr := config.NewManager(configPath, log)
	if _, err := mgr.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, "events"), log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var jrnl *journal.Journal
	if cfg.Storage.JournalPath != "" {
		jrnl, err = journal.Open(cfg.Storage.JournalPath, log)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()
	}

	reg := registry.New(st, jrnl, log)
	gw := gateway.New(reg, jrnl, cfg.Timezone(), log)

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeout(),
	}, gw, log)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	eng := engine.New(reg, adapter, jrnl, policyFromConfig(cfg), log)
	reg.SetScheduler(eng)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	gc := cron.New()
	if _, err := gc.AddFunc(cfg.SweepCron(), func() {
		sweep(ctx, reg, jrnl, mgr.Get(), log)
	}); err != nil {
		return fmt.Errorf("retention cron %q: %w", cfg.SweepCron(), err)
	}
	gc.Start()
	defer gc.Stop()

	sup := newSupervisor(ctx, log)
	sup.Go("engine", eng.Run)
	sup.GoRestart("telegram", adapter.Run)
	sup.Go("config-watch", mgr.Watch)
	sup.Go("config-apply", func(ctx context.Context) error {
		applyReloads(ctx, mgr.Subscribe(), eng, log)
		return nil
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready failed")
	} else if sent {
		log.Debug().Msg("sd_notify ready")
	}
	log.Info().Str("config", configPath).Msg("failsafe running")

	err = sup.Wait()

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info().Msg("failsafe stopped")
	return err
}

// applyReloads pushes committed config changes into the running engine.
// Only the fire policy is hot-swappable; transport and storage changes
// need a restart.
func applyReloads(ctx context.Context, sub <-chan *config.Config, eng *engine.Engine, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			eng.SetPolicy(policyFromConfig(cfg))
			log.Info().Msg("fire policy reapplied from config")
		}
	}
}

func sweep(ctx context.Context, reg *registry.Registry, jrnl *journal.Journal, cfg *config.Config, log zerolog.Logger) {
	retention := config.DefaultRetention
	if cfg != nil {
		retention = cfg.RetentionWindow()
	}
	n, err := reg.SweepExpired(ctx, retention, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if _, err := jrnl.Prune(ctx, time.Now().Add(-retention)); err != nil {
		log.Error().Err(err).Msg("journal prune failed")
	}
	log.Info().Int("removed", n).Dur("retention", retention).Msg("retention sweep done")
}

func policyFromConfig(cfg *config.Config) engine.Policy {
	var pol engine.Policy
	// Zero values let the engine fill its own defaults.
	pol.GraceWindow = cfg.Policy.GraceWindow.Or(0)
	pol.DeliveryTimeout = cfg.Policy.DeliveryTimeout.Or(0)
	pol.BackoffBase = cfg.Policy.BackoffBase.Or(0)
	pol.BackoffCap = cfg.Policy.BackoffCap.Or(0)
	pol.RetryMax = config.DefaultRetryMax
	if cfg.Policy.RetryMax != nil {
		pol.RetryMax = *cfg.Policy.RetryMax
	}
	pol.Rate = rate.Limit(cfg.Policy.RatePerSec)
	pol.Burst = cfg.Policy.Burst
	return pol
}
