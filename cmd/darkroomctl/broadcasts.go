package main

import "time"

// ============================================================================
// State broadcasts and snapshots
// ============================================================================
// Broadcasts are the reducer's outbound notifications to UI clients. The
// daemon forwards them to the websocket broadcaster, which owns serialization
// and fan-out. StateSnapshot is the coherent point-in-time view sent to a
// client on connect and on request; it is a value copy, never a pointer into
// DaemonState.
// ============================================================================

// StateBroadcast is a reducer-emitted notification for websocket clients.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastTimerTick carries the once-per-second countdown/exposure progress.
type BroadcastTimerTick struct {
	Phase            string
	RemainingSeconds float64
	ElapsedSeconds   float64
	At               time.Time
}

func (BroadcastTimerTick) broadcastMarker() {}

// BroadcastExposureStarted fires when the enlarger timed-ON was accepted.
type BroadcastExposureStarted struct {
	DurationSeconds float64
	Origin          string
	At              time.Time
}

func (BroadcastExposureStarted) broadcastMarker() {}

// BroadcastExposureFinished fires once per exposure attempt.
type BroadcastExposureFinished struct {
	Outcome        ExposureOutcome
	ExposedSeconds float64
	At             time.Time
}

func (BroadcastExposureFinished) broadcastMarker() {}

// BroadcastSequenceChanged fires whenever sequencer bookkeeping changes.
type BroadcastSequenceChanged struct {
	Seq SequenceSnapshot
	At  time.Time
}

func (BroadcastSequenceChanged) broadcastMarker() {}

// BroadcastSafelightChanged fires when the safelight's observed or intended
// state flips, including the automatic suppress/restore transitions.
type BroadcastSafelightChanged struct {
	On bool
	// Cause is "manual", "suppressed" or "restored".
	Cause string
	At    time.Time
}

func (BroadcastSafelightChanged) broadcastMarker() {}

// BroadcastSplitResult carries a fresh split-grade calculation.
type BroadcastSplitResult struct {
	Result SplitGradeResult
	At     time.Time
}

func (BroadcastSplitResult) broadcastMarker() {}

// BroadcastWarning surfaces a non-fatal fault (relay unreachable, exposure
// aborted) so UIs can alert the operator.
type BroadcastWarning struct {
	Message string
	At      time.Time
}

func (BroadcastWarning) broadcastMarker() {}

// SequenceSnapshot is the externally visible sequencer state.
type SequenceSnapshot struct {
	Phase              SequencePhase `json:"phase"`
	Step               int           `json:"step"`
	BaseSeconds        float64       `json:"base_seconds"`
	StepStop           float64       `json:"step_stop"`
	StepLabel          string        `json:"step_label"`
	ThisStepSeconds    float64       `json:"this_step_seconds"`
	AccumulatedSeconds float64       `json:"accumulated_seconds"`
	TotalSeconds       float64       `json:"total_seconds"`
}

// StateSnapshot is the coherent state view for connecting clients.
type StateSnapshot struct {
	Seq SequenceSnapshot `json:"sequence"`

	ExposureRunning          bool    `json:"exposure_running"`
	ExposureRemainingSeconds float64 `json:"exposure_remaining_seconds"`
	ExposureOrigin           string  `json:"exposure_origin,omitempty"`

	GateActive           bool    `json:"gate_active"`
	GateRemainingSeconds float64 `json:"gate_remaining_seconds"`

	RelayKnown  bool `json:"relay_known"`
	EnlargerOn  bool `json:"enlarger_on"`
	SafelightOn bool `json:"safelight_on"`

	QueuedExposure bool `json:"queued_exposure"`

	LastSplit *SplitGradeResult `json:"last_split,omitempty"`

	At time.Time `json:"at"`
}

// sequenceSnapshot derives the external view from reducer state. The step
// label renders the cumulative stop position in the configured fraction
// notation for display units.
func sequenceSnapshot(s *SequenceState, denominator int) SequenceSnapshot {
	// Denominator is validated at config load; an invalid one here only
	// blanks the display label.
	label, err := FormatStop(float64(s.Step-1)*s.StepStop, denominator)
	if err != nil {
		label = ""
	}
	return SequenceSnapshot{
		Phase:              s.Phase,
		Step:               s.Step,
		BaseSeconds:        s.BaseSeconds,
		StepStop:           s.StepStop,
		StepLabel:          label,
		ThisStepSeconds:    durationToSeconds(s.ThisStep),
		AccumulatedSeconds: durationToSeconds(s.Accumulated),
		TotalSeconds:       durationToSeconds(s.Total),
	}
}

// buildSnapshot assembles a StateSnapshot from daemon-owned state. Called
// only from the reducer goroutine.
func buildSnapshot(s *DaemonState, rc ReducerConfig, now time.Time) StateSnapshot {
	snap := StateSnapshot{
		Seq: sequenceSnapshot(&s.Seq, rc.StopDenominator),

		ExposureRunning:          s.Exposure.Clock.Running(),
		ExposureRemainingSeconds: durationToSeconds(s.Exposure.Clock.Remaining(now)),
		ExposureOrigin:           s.Exposure.Request.Origin,

		GateActive:           s.Gate.Clock.Running(),
		GateRemainingSeconds: durationToSeconds(s.Gate.Clock.Remaining(now)),

		RelayKnown:  s.Relay.Known,
		EnlargerOn:  s.Relay.On(rc.EnlargerChannel),
		SafelightOn: s.Relay.On(rc.SafelightChannel),

		QueuedExposure: s.PendingExposure != nil,

		At: now,
	}
	if s.LastSplit != nil {
		ls := *s.LastSplit
		snap.LastSplit = &ls
	}
	return snap
}
