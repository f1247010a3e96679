package convstate

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper evicts idle conversation state on a cron schedule. Explicit
// Close remains the primary lifecycle mechanism; the sweeper is a backstop
// for callers that abandon conversations without closing them.
type Sweeper struct {
	store   *Store
	ttl     time.Duration
	busy    func(id string) bool
	onEvict func(id string)
	logger  zerolog.Logger
	cron    *cron.Cron
}

// NewSweeper creates a sweeper for the store. The busy callback reports
// whether a conversation currently has a turn in flight.
func NewSweeper(store *Store, ttl time.Duration, busy func(id string) bool, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		ttl:    ttl,
		busy:   busy,
		logger: logger,
		cron:   cron.New(),
	}
}

// OnEvict registers a callback invoked for each evicted conversation,
// letting dependents drop per-conversation resources such as live
// provider bindings. Must be set before Start.
func (s *Sweeper) OnEvict(fn func(id string)) {
	s.onEvict = fn
}

// Start schedules the sweep. The schedule uses cron syntax, including
// descriptors such as "@every 10m".
func (s *Sweeper) Start(schedule string) error {
	if s.ttl <= 0 {
		s.logger.Debug().Msg("Idle TTL disabled, sweeper not started")
		return nil
	}

	_, err := s.cron.AddFunc(schedule, func() {
		evicted := s.store.Sweep(s.ttl, s.busy)
		if s.onEvict != nil {
			for _, id := range evicted {
				s.onEvict(id)
			}
		}
		if len(evicted) > 0 {
			s.logger.Info().Int("evicted", len(evicted)).Msg("Swept idle conversations")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Dur("idle_ttl", s.ttl).Msg("Conversation sweeper started")
	return nil
}

// Stop halts scheduled sweeps and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
