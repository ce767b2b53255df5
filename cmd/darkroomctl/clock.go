package main

import "time"

// ============================================================================
// Drift-corrected countdown/count-up clock
// ============================================================================
// Remaining time is always derived from wall-clock deltas (now - startEpoch),
// never by decrementing a counter per tick. Decrementing drifts whenever the
// scheduler delivers ticks late (GC pauses, loaded host, throttled client);
// deriving from timestamps keeps the clock millisecond-accurate no matter how
// irregular the tick cadence is.
//
// The clock performs no I/O and holds no timers of its own: the daemon loop
// feeds it `now` on every tick, which also makes it fully deterministic in
// tests.
// ============================================================================

// ClockMode selects countdown (remaining goes to zero) or count-up (elapsed
// grows without bound).
type ClockMode int

const (
	ModeCountdown ClockMode = iota
	ModeCountUp
)

// DriftClock is the timer primitive behind the countdown gate, the exposure
// window and the safelight restore deadline. Owned by exactly one component;
// mutated only through Start/Pause/Resume/Reset/Tick.
type DriftClock struct {
	Mode     ClockMode
	Duration time.Duration

	startEpoch    time.Time // zero when not running
	pausedElapsed time.Duration
	running       bool
	completed     bool
}

// Start arms the clock at `now` for the given duration. Restarting a clock
// clears any prior pause/completion state.
func (c *DriftClock) Start(now time.Time, duration time.Duration) {
	c.Duration = duration
	c.startEpoch = now
	c.pausedElapsed = 0
	c.running = true
	c.completed = false
}

// StartAt arms the clock against an externally supplied zero-point, used when
// the relay transport reports a scheduled start timestamp so the local
// countdown display aligns with the hardware. A zero-point in the future
// simply yields elapsed <= 0 until it passes.
func (c *DriftClock) StartAt(zero time.Time, duration time.Duration) {
	c.Start(zero, duration)
}

// Pause freezes the clock by folding the running span into pausedElapsed.
// No-op if not running.
func (c *DriftClock) Pause(now time.Time) {
	if !c.running || c.startEpoch.IsZero() {
		return
	}
	if d := now.Sub(c.startEpoch); d > 0 {
		c.pausedElapsed += d
	}
	c.startEpoch = time.Time{}
	c.running = false
}

// Resume re-establishes the epoch after a Pause. No-op if already running or
// never started.
func (c *DriftClock) Resume(now time.Time) {
	if c.running || c.completed {
		return
	}
	if c.pausedElapsed == 0 && c.startEpoch.IsZero() && c.Duration == 0 {
		return
	}
	c.startEpoch = now
	c.running = true
}

// Reset clears all accumulated state. Safe to call from any state.
func (c *DriftClock) Reset() {
	c.startEpoch = time.Time{}
	c.pausedElapsed = 0
	c.running = false
	c.completed = false
}

// Running reports whether the clock is currently counting.
func (c *DriftClock) Running() bool { return c.running }

// Completed reports whether a countdown clock has already fired.
func (c *DriftClock) Completed() bool { return c.completed }

// Elapsed returns accumulated time at `now`, including paused spans.
func (c *DriftClock) Elapsed(now time.Time) time.Duration {
	elapsed := c.pausedElapsed
	if c.running && !c.startEpoch.IsZero() {
		if d := now.Sub(c.startEpoch); d > 0 {
			elapsed += d
		}
	}
	return elapsed
}

// Remaining returns max(0, duration-elapsed) for countdown clocks. For a
// count-up clock it returns the elapsed time instead.
func (c *DriftClock) Remaining(now time.Time) time.Duration {
	if c.Mode == ModeCountUp {
		return c.Elapsed(now)
	}
	remaining := c.Duration - c.Elapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Tick advances the clock to `now` and returns the remaining time plus a
// completion edge. The edge fires exactly once: the first tick at which a
// countdown clock reaches zero reports justCompleted=true, every later tick
// is a no-op reporting (0, false).
func (c *DriftClock) Tick(now time.Time) (remaining time.Duration, justCompleted bool) {
	if c.Mode == ModeCountUp {
		return c.Elapsed(now), false
	}
	remaining = c.Remaining(now)
	if !c.running || c.completed {
		return remaining, false
	}
	if remaining == 0 {
		// Fold the whole span so post-completion Elapsed/Remaining report the
		// terminal values instead of re-deriving from a cleared epoch.
		c.pausedElapsed = c.Duration
		c.startEpoch = time.Time{}
		c.completed = true
		c.running = false
		return 0, true
	}
	return remaining, false
}
