package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// supervisor runs named goroutines under a shared context with panic
// recovery. The first non-context error cancels the group, so a dead
// poller takes the process down instead of leaving it half-alive.
type supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

func newSupervisor(parent context.Context, log zerolog.Logger) *supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *supervisor) setErr(err error) {
	s.errOnce.Do(func() { s.err = err })
	s.cancel()
}

// Go runs fn until it returns. A panic or a non-context error is fatal
// to the whole group.
func (s *supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Str("task", name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("task panicked")
				s.setErr(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()
		s.log.Debug().Str("task", name).Msg("task started")
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.setErr(fmt.Errorf("%s: %w", name, err))
			return
		}
		s.log.Debug().Str("task", name).Msg("task stopped")
	}()
}

// GoRestart reruns fn after errors or panics with jittered exponential
// backoff. Meant for pollers whose transient failures should self-heal.
func (s *supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	const (
		minBackoff = 250 * time.Millisecond
		maxBackoff = 30 * time.Second
	)
	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := minBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			start := time.Now()
			err := runRecovered(ctx, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if err == nil {
				return nil
			}
			// A long healthy run earns a fresh backoff.
			if time.Since(start) >= 30*time.Second {
				backoff = minBackoff
			}
			wait := backoff + time.Duration(time.Now().UnixNano()%int64(backoff/4+1))
			s.log.Warn().Err(err).Str("task", name).Dur("backoff", wait).Msg("task restarting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Wait blocks until every task has exited and returns the first fatal
// error, if any.
func (s *supervisor) Wait() error {
	s.wg.Wait()
	return s.err
}
