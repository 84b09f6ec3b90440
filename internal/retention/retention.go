// Package retention removes conversations that have gone quiet. A cron
// schedule triggers the store sweep; the same sweep can also be invoked
// directly from the admin surface.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/finchley/autoreply/internal/events"
	"github.com/finchley/autoreply/internal/store"
)

const (
	DefaultSchedule    = "@daily"
	DefaultMaxInactive = 7 * 24 * time.Hour
)

type Sweeper struct {
	store       *store.Store
	bus         *events.Bus
	logger      *slog.Logger
	schedule    string
	maxInactive time.Duration

	cron *cron.Cron
}

type Option func(*Sweeper)

func WithSchedule(schedule string) Option {
	return func(s *Sweeper) {
		if schedule != "" {
			s.schedule = schedule
		}
	}
}

func WithMaxInactive(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.maxInactive = d
		}
	}
}

func WithBus(bus *events.Bus) Option {
	return func(s *Sweeper) {
		s.bus = bus
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSweeper(st *store.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:       st,
		logger:      slog.Default(),
		schedule:    DefaultSchedule,
		maxInactive: DefaultMaxInactive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) MaxInactive() time.Duration {
	return s.maxInactive
}

// Start registers the sweep on the cron schedule and begins firing it.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started", "schedule", s.schedule, "max_inactive", s.maxInactive)
	return nil
}

// Stop halts the schedule and waits briefly for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("retention sweeper stop timed out")
	}
}

// RunOnce sweeps immediately and reports how many conversations were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	removed, err := s.store.Sweep(ctx, s.maxInactive)
	if err != nil {
		return 0, fmt.Errorf("sweep conversations: %w", err)
	}
	s.logger.Info("retention sweep completed", "removed", removed, "max_inactive", s.maxInactive)

	if s.bus != nil && removed > 0 {
		_, err := s.bus.Push(ctx, events.EventInput{
			Stream: events.StreamRetention,
			Body:   fmt.Sprintf("removed %d inactive conversations", removed),
			Payload: map[string]any{
				"removed":      removed,
				"max_inactive": s.maxInactive.String(),
			},
		})
		if err != nil {
			s.logger.Warn("publish retention event", "error", err)
		}
	}
	return removed, nil
}
