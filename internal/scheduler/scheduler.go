// Package scheduler provides the minute-gated cooperative loops. The
// gates are pure state machines over wall-clock minutes; the Loop wraps
// one task in a once-per-second poll with a settable run flag.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"affiliate-sentinel/internal/session"
)

const pollInterval = time.Second

// Action is what a broadcast gate tick asks the caller to do.
type Action int

const (
	// None means the current minute requires no work.
	None Action = iota
	// Collect means statistics must be gathered this minute.
	Collect
	// Alert means the collected report must be dispatched this minute.
	Alert
)

// BroadcastGate drives the hourly collect/alert rhythm: collect fires
// once when the minute reaches CollectMin, alert once at AlertMin, and
// both latches reset at ResetMin so the next hour can fire again.
type BroadcastGate struct {
	CollectMin int
	AlertMin   int
	ResetMin   int

	processed bool
	alertSent bool
}

// NewBroadcastGate builds a gate with the standard 59/0/1 minutes.
func NewBroadcastGate(collectMin, alertMin, resetMin int) *BroadcastGate {
	return &BroadcastGate{CollectMin: collectMin, AlertMin: alertMin, ResetMin: resetMin}
}

// Tick advances the gate for the given instant. Calling it any number of
// times within one qualifying minute yields the action exactly once.
func (g *BroadcastGate) Tick(now time.Time) Action {
	minute := now.Minute()

	if minute == g.ResetMin {
		g.processed = false
		g.alertSent = false
		return None
	}
	if minute == g.CollectMin && !g.processed {
		g.processed = true
		return Collect
	}
	if minute == g.AlertMin && !g.alertSent {
		g.alertSent = true
		return Alert
	}
	return None
}

// IntervalGate fires when the wall-clock minute is a multiple of the
// interval, then stays quiet until the modulo condition turns false.
type IntervalGate struct {
	interval int
	fired    bool
}

// NewIntervalGate builds a gate; non-positive intervals fall back to 60.
func NewIntervalGate(minutes int) *IntervalGate {
	g := &IntervalGate{}
	g.SetInterval(minutes)
	return g
}

// SetInterval changes the cycle length; the control surface updates it
// between cycles.
func (g *IntervalGate) SetInterval(minutes int) {
	if minutes <= 0 {
		minutes = 60
	}
	g.interval = minutes
}

// Interval returns the current cycle length in minutes.
func (g *IntervalGate) Interval() int {
	return g.interval
}

// Tick reports whether the cycle should run at the given instant.
func (g *IntervalGate) Tick(now time.Time) bool {
	if now.Minute()%g.interval != 0 {
		g.fired = false
		return false
	}
	if g.fired {
		return false
	}
	g.fired = true
	return true
}

// Task is one iteration of loop work.
type Task func(ctx context.Context, now time.Time) error

// Loop polls a task once per second while its run flag is set. Task
// errors are logged and never stop the loop; errors that look like proxy
// trouble trigger a proactive rotation before the next iteration.
type Loop struct {
	name    string
	task    Task
	rotate  func(ctx context.Context) error
	logger  zerolog.Logger
	running atomic.Bool
}

// NewLoop constructs a loop; it starts in the running state.
func NewLoop(name string, task Task, rotate func(ctx context.Context) error, logger zerolog.Logger) *Loop {
	l := &Loop{
		name:   name,
		task:   task,
		rotate: rotate,
		logger: logger.With().Str("component", "scheduler").Str("loop", name).Logger(),
	}
	l.running.Store(true)
	return l
}

// Start sets the run flag.
func (l *Loop) Start() {
	if !l.running.Swap(true) {
		l.logger.Info().Msg("loop resumed")
	}
}

// Stop clears the run flag; the loop idles after its current sleep.
func (l *Loop) Stop() {
	if l.running.Swap(false) {
		l.logger.Info().Msg("loop paused")
	}
}

// Running reports the run flag.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run blocks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Msg("loop started")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			if !l.running.Load() {
				continue
			}
			l.iterate(ctx, now)
		}
	}
}

func (l *Loop) iterate(ctx context.Context, now time.Time) {
	err := l.task(ctx, now)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	l.logger.Error().Err(err).Msg("loop iteration failed")
	if l.rotate != nil && session.LooksLikeProxyError(err) {
		l.logger.Warn().Msg("error looks connection-related, rotating proxy")
		if rerr := l.rotate(ctx); rerr != nil {
			l.logger.Error().Err(rerr).Msg("proactive rotation failed")
		}
	}
}
