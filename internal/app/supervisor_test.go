package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sbrocket/failsafe/internal/config"
)

func TestSupervisorFirstErrorCancelsGroup(t *testing.T) {
	sup := newSupervisor(context.Background(), zerolog.Nop())

	stopped := make(chan struct{})
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	boom := errors.New("boom")
	sup.Go("failing", func(ctx context.Context) error { return boom })

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling task not cancelled after failure")
	}
	if err := sup.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
}

func TestSupervisorRecoversPanic(t *testing.T) {
	sup := newSupervisor(context.Background(), zerolog.Nop())
	sup.Go("panicky", func(ctx context.Context) error { panic("oops") })

	err := sup.Wait()
	if err == nil || !strings.Contains(err.Error(), "panic in panicky") {
		t.Fatalf("Wait = %v", err)
	}
}

func TestSupervisorCleanExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := newSupervisor(ctx, zerolog.Nop())
	sup.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	if err := sup.Wait(); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	sup := newSupervisor(context.Background(), zerolog.Nop())

	var runs int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err := sup.Wait(); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	retry := 1
	cfg := &config.Config{
		Policy: config.PolicyConfig{
			GraceWindow:     "2m",
			DeliveryTimeout: "3s",
			RetryMax:        &retry,
			BackoffBase:     "1s",
			BackoffCap:      "10s",
			RatePerSec:      4,
			Burst:           9,
		},
	}
	pol := policyFromConfig(cfg)
	if pol.GraceWindow != 2*time.Minute || pol.DeliveryTimeout != 3*time.Second {
		t.Fatalf("durations = %+v", pol)
	}
	if pol.RetryMax != 1 || pol.Rate != rate.Limit(4) || pol.Burst != 9 {
		t.Fatalf("policy = %+v", pol)
	}

	// Omitted fields keep the shipped defaults.
	pol = policyFromConfig(&config.Config{})
	if pol.RetryMax != config.DefaultRetryMax {
		t.Fatalf("retry max = %d", pol.RetryMax)
	}
}
