package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events
// ============================================================================
// Events are the only input to the reducer: user actions (IPC, UI), time
// ticks, relay transport observations and command failures. Actions double
// as events; TimedEvent attaches the arrival timestamp so the reducer never
// calls time.Now itself.
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Tick is emitted by the daemon loop at a fixed cadence. Dt is the measured
// wall-clock delta in seconds between ticks; the clocks never rely on it
// being regular.
type Tick struct {
	Now time.Time
	Dt  float64
}

func (Tick) eventMarker() {}

// TimedEvent wraps an action with its arrival time.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// ==============================
// Actions (user/system intent)
// ==============================

// StartExposure requests an exposure. DurationSeconds 0 means "use the
// sequencer's current step time"; CountdownSeconds < 0 means "use the
// configured default".
type StartExposure struct {
	DurationSeconds  float64 `json:"duration_seconds,omitempty"`
	CountdownSeconds float64 `json:"countdown_seconds,omitempty"`
	Origin           string  `json:"origin,omitempty"`
}

func (StartExposure) eventMarker() {}

// StopExposure cancels the countdown gate or stops a running exposure.
// Stopping mid-exposure keeps the current step's remaining time so a later
// StartExposure resumes rather than restarts.
type StopExposure struct{}

func (StopExposure) eventMarker() {}

// NextStep folds the finished step into the accumulated total and advances
// the sequencer. Only valid once the current step's exposure has finished.
type NextStep struct{}

func (NextStep) eventMarker() {}

// RepeatStep re-arms the just-finished step's exposure time without
// advancing the step counter (for re-taking a spoiled exposure).
type RepeatStep struct{}

func (RepeatStep) eventMarker() {}

// ResetSequence returns the sequencer to step 1 from any state.
type ResetSequence struct{}

func (ResetSequence) eventMarker() {}

// SetBaseTime sets the sequencer's base exposure in seconds.
type SetBaseTime struct {
	Seconds float64 `json:"seconds"`
}

func (SetBaseTime) eventMarker() {}

// AdjustStop sets the current step's time to base × 2^stop.
type AdjustStop struct {
	Stop float64 `json:"stop"`
}

func (AdjustStop) eventMarker() {}

// CalculateSplit runs the split-grade calculator on a measurement and
// broadcasts the result.
type CalculateSplit struct {
	Measurement SplitGradeMeasurement `json:"measurement"`
}

func (CalculateSplit) eventMarker() {}

// StartSplitExposure starts one pass of the last calculated split:
// Pass is "soft" or "hard".
type StartSplitExposure struct {
	Pass string `json:"pass"`
}

func (StartSplitExposure) eventMarker() {}

// ToggleSafelight flips the safelight relay. During an exposure's
// suppression window this is an explicit operator override: it cancels the
// pending auto-restore instead of fighting it.
type ToggleSafelight struct{}

func (ToggleSafelight) eventMarker() {}

// RequestRelayRefresh asks for a fresh relay status query, used to prime the
// relay cache on startup and to resync after connectivity loss.
type RequestRelayRefresh struct{}

func (RequestRelayRefresh) eventMarker() {}

// FootswitchPressed is emitted by the footswitch reader on a pedal press.
// The reducer resolves it against the current phase: idle starts the current
// step's exposure, anything active stops. Internal only, never on the wire.
type FootswitchPressed struct{}

func (FootswitchPressed) eventMarker() {}

// RequestSnapshot asks the reducer to publish a coherent state snapshot to
// the reply channel via the effects stage. Internal only, never on the wire.
type RequestSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestSnapshot) eventMarker() {}

// ==============================
// Relay transport observations
// ==============================

// RelayStatusObserved is emitted after a successful status query.
type RelayStatusObserved struct {
	States map[int]bool
	At     time.Time
}

func (RelayStatusObserved) eventMarker() {}

// RelaySetObserved is emitted after a successful set on/off.
type RelaySetObserved struct {
	Channel int
	On      bool
	At      time.Time
}

func (RelaySetObserved) eventMarker() {}

// RelayTimedStarted is emitted after a successful timed-ON. StartAt is the
// transport-reported scheduled zero-point; the reducer realigns the exposure
// countdown to it.
type RelayTimedStarted struct {
	Channel  int
	StartAt  time.Time
	Duration time.Duration
	At       time.Time
}

func (RelayTimedStarted) eventMarker() {}

// RelayCommandFailed is emitted when a relay command exhausts the transport.
type RelayCommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (RelayCommandFailed) eventMarker() {}

// ============================================================================
// JSON envelope for the IPC wire
// ============================================================================

// EventEnvelope wraps an action with a type discriminator for JSON.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON envelope into a concrete action.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	decode := func(v any) error {
		if len(env.Data) == 0 {
			return nil
		}
		return json.Unmarshal(env.Data, v)
	}

	switch env.Type {
	case "start_exposure":
		var a StartExposure
		if err := decode(&a); err != nil {
			return nil, fmt.Errorf("unmarshal StartExposure: %w", err)
		}
		return a, nil
	case "stop_exposure":
		return StopExposure{}, nil
	case "next_step":
		return NextStep{}, nil
	case "repeat_step":
		return RepeatStep{}, nil
	case "reset_sequence":
		return ResetSequence{}, nil
	case "set_base_time":
		var a SetBaseTime
		if err := decode(&a); err != nil {
			return nil, fmt.Errorf("unmarshal SetBaseTime: %w", err)
		}
		return a, nil
	case "adjust_stop":
		var a AdjustStop
		if err := decode(&a); err != nil {
			return nil, fmt.Errorf("unmarshal AdjustStop: %w", err)
		}
		return a, nil
	case "calculate_split":
		var a CalculateSplit
		if err := decode(&a); err != nil {
			return nil, fmt.Errorf("unmarshal CalculateSplit: %w", err)
		}
		return a, nil
	case "start_split_exposure":
		var a StartSplitExposure
		if err := decode(&a); err != nil {
			return nil, fmt.Errorf("unmarshal StartSplitExposure: %w", err)
		}
		return a, nil
	case "toggle_safelight":
		return ToggleSafelight{}, nil
	case "refresh_relays":
		return RequestRelayRefresh{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an action into a JSON envelope.
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	wrap := func(t string, v any) error {
		env.Type = t
		if v == nil {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", t, err)
		}
		env.Data = data
		return nil
	}

	var err error
	switch e := e.(type) {
	case StartExposure:
		err = wrap("start_exposure", e)
	case StopExposure:
		err = wrap("stop_exposure", nil)
	case NextStep:
		err = wrap("next_step", nil)
	case RepeatStep:
		err = wrap("repeat_step", nil)
	case ResetSequence:
		err = wrap("reset_sequence", nil)
	case SetBaseTime:
		err = wrap("set_base_time", e)
	case AdjustStop:
		err = wrap("adjust_stop", e)
	case CalculateSplit:
		err = wrap("calculate_split", e)
	case StartSplitExposure:
		err = wrap("start_split_exposure", e)
	case ToggleSafelight:
		err = wrap("toggle_safelight", nil)
	case RequestRelayRefresh:
		err = wrap("refresh_relays", nil)
	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(env)
}
