// Package reaper settles abandoned sessions.
//
// A session that stops receiving steps is never ended by its visitor, so a
// periodic sweep ends every active session that has been idle past the
// configured timeout. Ending goes through the tracker, which releases the
// session's provisional analytics counts the same way an explicit abandon
// does.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/flow"
	"github.com/geoffroyotegbeye/leadflow/internal/models"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/robfig/cron/v3"
)

// Defaults for the abandonment sweep.
const (
	// DefaultIdleTimeout is how long a session may go without ledger
	// activity before the sweep abandons it.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSchedule runs the sweep every five minutes.
	DefaultSchedule = "*/5 * * * *"
)

// Opts holds configuration for the reaper.
type Opts struct {
	IdleTimeout time.Duration
	Schedule    string
}

// Option configures the reaper.
type Option func(*Opts)

// WithIdleTimeout overrides the idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// WithSchedule overrides the sweep cron expression.
func WithSchedule(expr string) Option {
	return func(o *Opts) { o.Schedule = expr }
}

// Reaper periodically abandons idle sessions.
type Reaper struct {
	store       store.Store
	tracker     *flow.Tracker
	cron        *cron.Cron
	idleTimeout time.Duration
	schedule    string
	now         func() time.Time
}

// NewReaper creates a reaper over the given store and tracker.
func NewReaper(st store.Store, tracker *flow.Tracker, opts ...Option) *Reaper {
	cfg := Opts{IdleTimeout: DefaultIdleTimeout, Schedule: DefaultSchedule}
	for _, opt := range opts {
		opt(&cfg)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Reaper{
		store:       st,
		tracker:     tracker,
		cron:        c,
		idleTimeout: cfg.IdleTimeout,
		schedule:    cfg.Schedule,
		now:         time.Now,
	}
}

// Start schedules the sweep and starts the cron loop.
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.Sweep(context.Background()); err != nil {
			slog.Error("Reaper sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reaper sweep: %w", err)
	}
	r.cron.Start()
	slog.Info("Reaper started", "schedule", r.schedule, "idleTimeout", r.idleTimeout)
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	slog.Debug("Reaper stopped")
}

// Sweep ends every active session whose last ledger activity is older than
// the idle timeout. Sessions that fail to end are logged and skipped so one
// bad record never stalls the rest of the sweep.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.idleTimeout)
	idle, err := r.store.ListIdleActiveSessions(cutoff)
	if err != nil {
		return fmt.Errorf("failed to list idle sessions: %w", err)
	}
	if len(idle) == 0 {
		return nil
	}
	slog.Debug("Reaper sweep found idle sessions", "count", len(idle), "cutoff", cutoff)

	abandoned := 0
	for _, sess := range idle {
		_, err := r.tracker.EndSession(ctx, sess.ID, models.SessionEndRequest{Status: models.SessionStatusAbandoned})
		if err != nil {
			slog.Error("Reaper failed to abandon session", "error", err, "sessionID", sess.ID)
			continue
		}
		abandoned++
	}
	slog.Info("Reaper sweep completed", "abandoned", abandoned, "candidates", len(idle))
	return nil
}
