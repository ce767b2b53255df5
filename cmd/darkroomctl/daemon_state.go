package main

import (
	"fmt"
	"time"
)

// DaemonState is the top-level, daemon-owned state container.
//
// All reducer-owned state lives here so the reducer stays pure: it receives
// the state, returns the next state plus commands, and never mutates anything
// outside it. Exactly one goroutine (the daemon loop) owns an instance;
// servers and UI layers only ever see snapshots published through commands.
type DaemonState struct {
	// Relay caches what the hardware server last reported per channel.
	Relay RelayObservedState

	// Seq is the dodge/burn sequence bookkeeping.
	Seq SequenceState

	// Gate is the pre-exposure countdown.
	Gate GateState

	// Exposure is the active exposure window.
	Exposure ExposureState

	// Sync is the per-exposure safelight/enlarger synchronization state.
	// Never shared across concurrent exposures; cleared once restoration is
	// dispatched or abandoned.
	Sync RelaySyncState

	// PendingExposure holds one queued request under OverlapQueue.
	PendingExposure *ExposureRequest

	// LastSplit caches the most recent split-grade result for snapshots and
	// for StartSplitExposure.
	LastSplit *SplitGradeResult
}

// RelayObservedState is the daemon's cached view of the relay server.
// Updated only from successful transport responses.
type RelayObservedState struct {
	Channels map[int]RelayChannelState
	At       time.Time
	Known    bool
}

// RelayChannelState is one relay's last observed switch position.
type RelayChannelState struct {
	Name string
	On   bool
}

// SetObserved records a single channel observation.
func (r *RelayObservedState) SetObserved(channel int, on bool, now time.Time) {
	if r.Channels == nil {
		r.Channels = make(map[int]RelayChannelState)
	}
	ch := r.Channels[channel]
	ch.On = on
	r.Channels[channel] = ch
	r.At = now
	r.Known = true
}

// On reports the cached position of a channel.
func (r *RelayObservedState) On(channel int) bool {
	return r.Channels[channel].On
}

// SequencePhase is the dodge/burn sequencer lifecycle.
type SequencePhase string

const (
	SeqIdle      SequencePhase = "idle"
	SeqGating    SequencePhase = "gating"
	SeqRunning   SequencePhase = "running"
	SeqStopped   SequencePhase = "stopped"
	SeqCompleted SequencePhase = "completed"
)

// SequenceState tracks a multi-step exposure sequence within one printing
// session. Invariants: Step >= 1; Total == Accumulated + ThisStep after
// every completed step transition; Accumulated never decreases except on
// Reset.
type SequenceState struct {
	Phase SequencePhase

	// Step is 1-based.
	Step int

	// BaseSeconds is the base exposure the stop-increment policy builds on.
	BaseSeconds float64

	// StepStop is the fractional-stop increment added per step.
	StepStop float64

	ThisStep    time.Duration
	Accumulated time.Duration
	Total       time.Duration
}

// Reset returns the sequence to step 1 with no accumulation. The first
// step's time is the base exposure (cumulative target for step 1).
func (s *SequenceState) Reset() {
	s.Phase = SeqIdle
	s.Step = 1
	s.Accumulated = 0
	s.ThisStep = secondsToDuration(s.BaseSeconds)
	s.Total = s.ThisStep
}

// Advance folds the finished step into the accumulation and derives the next
// step's time from the stop-increment policy: the cumulative exposure after
// step n is TimeForStop(base, (n-1)×increment), so each step exposes the
// delta between successive cumulative targets. Valid from Completed or
// Stopped; a stopped step folds its full planned time, the unexposed
// remainder is abandoned.
func (s *SequenceState) Advance() error {
	if s.Phase != SeqCompleted && s.Phase != SeqStopped {
		return fmt.Errorf("%w: next step from phase %q", ErrSequenceState, s.Phase)
	}
	cumPrev, err := TimeForStop(s.BaseSeconds, float64(s.Step-1)*s.StepStop)
	if err != nil {
		return err
	}
	cumNext, err := TimeForStop(s.BaseSeconds, float64(s.Step)*s.StepStop)
	if err != nil {
		return err
	}
	s.Accumulated += s.ThisStep
	s.Step++
	stepSeconds := cumNext - cumPrev
	if s.StepStop == 0 {
		// Flat policy: every step repeats the base exposure.
		stepSeconds = s.BaseSeconds
	}
	s.ThisStep = secondsToDuration(stepSeconds)
	s.Total = s.Accumulated + s.ThisStep
	return nil
}

// BeepPattern selects the audible countdown feedback.
type BeepPattern string

const (
	BeepEverySecond BeepPattern = "every-second"
	BeepLastSeconds BeepPattern = "last-seconds"
	BeepNone        BeepPattern = "none"
)

// GateState is the cancellable pre-exposure countdown. While gating, whole
// seconds crossing emit beep commands per the configured pattern; cancelling
// before completion guarantees the gated exposure never starts.
type GateState struct {
	Clock DriftClock

	Pattern     BeepPattern
	LastSeconds int

	// lastBeepSecond is the last whole remaining second a beep was emitted
	// for, so one boundary never beeps twice.
	lastBeepSecond int

	// Request is the exposure waiting behind the gate.
	Request *ExposureRequest
}

// ExposureRequest is one exposure attempt as accepted by the reducer.
type ExposureRequest struct {
	Duration  time.Duration
	Countdown time.Duration

	// Origin tags where the request came from ("ipc", "sequence", "split").
	Origin string
}

// ExposureOutcome is how an exposure attempt ended.
type ExposureOutcome string

const (
	OutcomeCompleted ExposureOutcome = "completed"
	OutcomeCancelled ExposureOutcome = "cancelled"
	OutcomeFailed    ExposureOutcome = "failed"
)

// ExposureState is the active exposure window.
type ExposureState struct {
	Clock   DriftClock
	Request ExposureRequest

	// lastTickSecond throttles timer_tick broadcasts and drives the
	// exposure metronome.
	lastTickSecond int
}

// SyncPhase tracks the relay synchronizer through its strict protocol order.
type SyncPhase string

const (
	SyncIdle     SyncPhase = ""
	SyncQuery    SyncPhase = "query"    // safelight state requested
	SyncExposing SyncPhase = "exposing" // enlarger timed-ON dispatched
)

// RelaySyncState exists for the duration of one exposure attempt. The
// synchronizer is the sole writer of safelight transitions during the
// suppression window; a manual toggle cancels the pending auto-restore
// instead of being overwritten.
type RelaySyncState struct {
	Phase SyncPhase

	SafelightWasOn       bool
	SafelightSuppressed  bool
	RestoreCancelled     bool
	RestoreDispatched    bool
	AwaitingConfirmation bool

	// RestoreClock counts down exposure duration + the safety buffer; its
	// single completion edge fires the restore exactly once.
	RestoreClock DriftClock
}

// Active reports whether an exposure attempt currently owns the relays.
func (s *RelaySyncState) Active() bool { return s.Phase != SyncIdle }

// Clear destroys the per-exposure state once restoration has been issued or
// abandoned.
func (s *RelaySyncState) Clear() {
	*s = RelaySyncState{}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func durationToSeconds(d time.Duration) float64 {
	return d.Seconds()
}
