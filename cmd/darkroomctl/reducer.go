package main

import (
	"fmt"
	"math"
	"time"
)

// ============================================================================
// Reducer
// ============================================================================
// Reduce computes next state + commands + broadcasts from a single event,
// without performing I/O.
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate anything outside the returned state
// - Must not read the wall clock; time arrives inside events
//
// The daemon loop executes Commands, feeds relay responses back as Events,
// and forwards Broadcasts to the websocket broadcaster. Commands run in FIFO
// order, which the safelight protocol depends on: the safelight-off emitted
// ahead of the enlarger timed-ON in one reduction hits the wire first.
// ============================================================================

// OverlapPolicy decides what a StartExposure does while another exposure
// attempt still owns the relays.
type OverlapPolicy string

const (
	// OverlapReject refuses the new request.
	OverlapReject OverlapPolicy = "reject"
	// OverlapQueue holds one pending request and starts it after the active
	// attempt fully settles (safelight restored).
	OverlapQueue OverlapPolicy = "queue"
	// OverlapPreempt cancels the active attempt and runs the new request
	// once the relays settle.
	OverlapPreempt OverlapPolicy = "preempt"
)

// ReducerConfig is the static policy the reducer needs per reduction.
type ReducerConfig struct {
	EnlargerChannel  int
	SafelightChannel int

	StopDenominator  int
	DefaultCountdown time.Duration

	BeepPattern     BeepPattern
	BeepLastSeconds int

	// Metronome beeps during the exposure itself so the printer can count
	// dodge passes without watching a display.
	Metronome BeepPattern

	Overlap       OverlapPolicy
	RestoreBuffer time.Duration

	// SafelightControl enables automatic safelight suppression around
	// exposures. When false the synchronizer only drives the enlarger.
	SafelightControl bool

	// RequireConfirmation aborts the exposure clock when the enlarger
	// timed-ON is never confirmed by the transport. When false (the default)
	// a transport error only warns: the report may be a false negative with
	// the relay already burning paper, so the clock keeps running.
	RequireConfirmation bool

	Split SplitGradeParams
	Paper *PaperProfile
}

// ReduceResult is the output of Reduce(): next state, side effects to
// execute, and notifications for websocket clients.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer.
func Reduce(s *DaemonState, e Event, rc ReducerConfig) ReduceResult {
	if s == nil {
		s = &DaemonState{}
	}

	r := reduction{s: s, rc: rc}

	switch ev := e.(type) {
	case Tick:
		r.now = ev.Now
		r.tick()

	case TimedEvent:
		r.now = ev.At
		r.action(ev.Event)

	case RelayStatusObserved:
		r.now = ev.At
		r.relayStatus(ev)

	case RelaySetObserved:
		r.now = ev.At
		s.Relay.SetObserved(ev.Channel, ev.On, ev.At)

	case RelayTimedStarted:
		r.now = ev.At
		r.relayTimedStarted(ev)

	case RelayCommandFailed:
		r.now = ev.At
		r.relayFailed(ev)

	default:
		// Actions may arrive unwrapped (tests, internal senders).
		r.now = time.Time{}
		r.action(e)
	}

	return ReduceResult{State: s, Commands: r.cmds, Broadcasts: r.bcasts}
}

// reduction accumulates outputs for one Reduce call.
type reduction struct {
	s   *DaemonState
	rc  ReducerConfig
	now time.Time

	cmds   []Command
	bcasts []StateBroadcast
}

func (r *reduction) cmd(c Command)          { r.cmds = append(r.cmds, c) }
func (r *reduction) bcast(b StateBroadcast) { r.bcasts = append(r.bcasts, b) }

func (r *reduction) warn(f string, a ...any) {
	r.bcast(BroadcastWarning{Message: fmt.Sprintf(f, a...), At: r.now})
}

func (r *reduction) sequenceChanged() {
	r.bcast(BroadcastSequenceChanged{Seq: sequenceSnapshot(&r.s.Seq, r.rc.StopDenominator), At: r.now})
}

// busy reports whether an exposure attempt currently owns the relays or the
// gate. A queued pending request does not count as busy on its own.
func (r *reduction) busy() bool {
	return r.s.Sync.Active() || r.s.Gate.Clock.Running() || r.s.Exposure.Clock.Running()
}

// ==============================
// Actions
// ==============================

func (r *reduction) action(e Event) {
	s := r.s

	switch a := e.(type) {
	case StartExposure:
		r.startExposure(a)

	case StopExposure:
		r.stopExposure()

	case NextStep:
		if err := s.Seq.Advance(); err != nil {
			r.warn("next step: %v", err)
			return
		}
		// A stopped step abandons its unexposed remainder.
		s.Exposure.Clock.Reset()
		s.Seq.Phase = SeqIdle
		r.sequenceChanged()

	case RepeatStep:
		if s.Seq.Phase != SeqCompleted && s.Seq.Phase != SeqStopped {
			r.warn("repeat step: %v (phase %q)", ErrSequenceState, s.Seq.Phase)
			return
		}
		// Same step, same time; the finished or interrupted run is discarded.
		s.Exposure.Clock.Reset()
		s.Seq.Phase = SeqIdle
		r.sequenceChanged()

	case ResetSequence:
		if r.busy() {
			r.stopExposure()
		}
		s.PendingExposure = nil
		s.Seq.Reset()
		r.sequenceChanged()

	case SetBaseTime:
		if a.Seconds <= 0 {
			r.warn("base time must be > 0, got %g", a.Seconds)
			return
		}
		s.Seq.BaseSeconds = a.Seconds
		s.Seq.Reset()
		r.sequenceChanged()

	case AdjustStop:
		secs, err := TimeForStop(s.Seq.BaseSeconds, a.Stop)
		if err != nil {
			r.warn("adjust stop: %v", err)
			return
		}
		s.Seq.ThisStep = secondsToDuration(secs)
		s.Seq.Total = s.Seq.Accumulated + s.Seq.ThisStep
		r.sequenceChanged()

	case CalculateSplit:
		res, err := CalculateSplitGrade(a.Measurement, r.rc.Split, r.rc.Paper)
		if err != nil {
			r.warn("split grade: %v", err)
			return
		}
		s.LastSplit = &res
		r.bcast(BroadcastSplitResult{Result: res, At: r.now})

	case StartSplitExposure:
		if s.LastSplit == nil {
			r.warn("no split-grade result to expose")
			return
		}
		var secs float64
		switch a.Pass {
		case "soft":
			secs = s.LastSplit.SoftSeconds
		case "hard":
			secs = s.LastSplit.HardSeconds
		default:
			r.warn("unknown split pass %q", a.Pass)
			return
		}
		r.startExposure(StartExposure{DurationSeconds: secs, CountdownSeconds: -1, Origin: "split"})

	case ToggleSafelight:
		r.toggleSafelight()

	case FootswitchPressed:
		// One pedal, two meanings: start when idle, stop when anything runs.
		if r.busy() {
			r.stopExposure()
		} else {
			r.startExposure(StartExposure{CountdownSeconds: -1, Origin: "footswitch"})
		}

	case RequestRelayRefresh:
		// Skipped while an exposure owns the relays; the protocol's own
		// query/observation traffic keeps the cache current then.
		if !s.Sync.Active() {
			r.cmd(CmdRelayStatus{})
		}

	case RequestSnapshot:
		r.cmd(CmdPublishSnapshot{Reply: a.Reply, Snapshot: buildSnapshot(s, r.rc, r.now)})

	default:
		// Unknown action: no-op.
	}
}

// startExposure resolves the request and either gates it, starts it, or
// applies the overlap policy.
func (r *reduction) startExposure(a StartExposure) {
	s := r.s

	req := ExposureRequest{Origin: a.Origin}
	if req.Origin == "" {
		req.Origin = "sequence"
	}

	switch {
	case a.DurationSeconds > 0:
		req.Duration = secondsToDuration(a.DurationSeconds)
	case s.Seq.Phase == SeqStopped:
		// Resume: expose only what the interrupted run still owed.
		req.Duration = s.Exposure.Clock.Remaining(r.now)
	default:
		req.Duration = s.Seq.ThisStep
	}
	if req.Duration <= 0 {
		r.warn("exposure duration must be > 0")
		return
	}

	if a.CountdownSeconds >= 0 {
		req.Countdown = secondsToDuration(a.CountdownSeconds)
	} else {
		req.Countdown = r.rc.DefaultCountdown
	}

	if r.busy() {
		switch r.rc.Overlap {
		case OverlapQueue:
			if s.PendingExposure != nil {
				r.warn("exposure already queued; rejecting request from %s", req.Origin)
				return
			}
			s.PendingExposure = &req
		case OverlapPreempt:
			s.PendingExposure = &req
			r.stopExposure()
		default:
			r.warn("exposure in progress; rejecting request from %s", req.Origin)
		}
		return
	}

	r.beginAttempt(req)
}

// beginAttempt arms the gate (or goes straight to the relay protocol when no
// countdown was requested).
func (r *reduction) beginAttempt(req ExposureRequest) {
	s := r.s

	if req.Countdown > 0 {
		s.Gate.Clock = DriftClock{Mode: ModeCountdown}
		s.Gate.Clock.Start(r.now, req.Countdown)
		s.Gate.Pattern = r.rc.BeepPattern
		s.Gate.LastSeconds = r.rc.BeepLastSeconds
		s.Gate.lastBeepSecond = 0
		reqCopy := req
		s.Gate.Request = &reqCopy
		s.Seq.Phase = SeqGating
		r.sequenceChanged()
		return
	}

	r.beginSync(req)
}

// beginSync starts the relay protocol for an accepted exposure: query the
// safelight state first, everything else follows from the observation.
func (r *reduction) beginSync(req ExposureRequest) {
	s := r.s

	s.Exposure.Request = req
	s.Exposure.lastTickSecond = -1
	s.Sync.Clear()
	s.Sync.Phase = SyncQuery
	r.cmd(CmdRelayStatus{})
}

// stopExposure cancels the gate or interrupts a running exposure. A
// mid-exposure stop pauses the clock so the remaining time survives for a
// resume.
func (r *reduction) stopExposure() {
	s := r.s

	switch {
	case s.Gate.Clock.Running():
		// Gated: the enlarger was never switched on.
		s.Gate.Clock.Reset()
		s.Gate.Request = nil
		s.Seq.Phase = SeqIdle
		r.bcast(BroadcastExposureFinished{Outcome: OutcomeCancelled, At: r.now})
		r.sequenceChanged()
		r.startPendingIfAny()

	case s.Sync.Active():
		exposed := s.Exposure.Clock.Elapsed(r.now)
		r.cmd(CmdRelaySet{Channel: r.rc.EnlargerChannel, On: false})
		s.Exposure.Clock.Pause(r.now)
		r.restoreSafelightNow()
		s.Sync.Clear()
		s.Seq.Phase = SeqStopped
		r.bcast(BroadcastExposureFinished{
			Outcome:        OutcomeCancelled,
			ExposedSeconds: durationToSeconds(exposed),
			At:             r.now,
		})
		r.sequenceChanged()
		r.startPendingIfAny()

	default:
		// Nothing active; a stop while idle is harmless.
	}
}

// restoreSafelightNow dispatches an immediate restore if the synchronizer
// suppressed the safelight and no operator override cancelled it.
func (r *reduction) restoreSafelightNow() {
	s := r.s
	if !s.Sync.SafelightSuppressed || s.Sync.RestoreDispatched || s.Sync.RestoreCancelled {
		return
	}
	if s.Sync.SafelightWasOn {
		r.cmd(CmdRelaySet{Channel: r.rc.SafelightChannel, On: true})
		r.bcast(BroadcastSafelightChanged{On: true, Cause: "restored", At: r.now})
	}
	s.Sync.RestoreDispatched = true
}

// toggleSafelight flips the safelight. During the suppression window this is
// an operator override: the pending auto-restore is cancelled so the
// synchronizer never fights a deliberate manual change.
func (r *reduction) toggleSafelight() {
	s := r.s

	target := !s.Relay.On(r.rc.SafelightChannel)
	if s.Sync.Active() && s.Sync.SafelightSuppressed && !s.Sync.RestoreDispatched {
		s.Sync.RestoreCancelled = true
	}
	r.cmd(CmdRelaySet{Channel: r.rc.SafelightChannel, On: target})
	r.bcast(BroadcastSafelightChanged{On: target, Cause: "manual", At: r.now})
}

// startPendingIfAny promotes a queued request once the relays have settled.
func (r *reduction) startPendingIfAny() {
	s := r.s
	if s.PendingExposure == nil || r.busy() {
		return
	}
	req := *s.PendingExposure
	s.PendingExposure = nil
	r.beginAttempt(req)
}

// ==============================
// Relay observations
// ==============================

func (r *reduction) relayStatus(ev RelayStatusObserved) {
	s := r.s

	for ch, on := range ev.States {
		s.Relay.SetObserved(ch, on, ev.At)
	}

	if s.Sync.Phase != SyncQuery {
		return
	}

	// Query answered: suppress the safelight, then fire the enlarger. Both
	// commands queue in this order, so the hardware sees them in order.
	req := s.Exposure.Request
	s.Sync.SafelightWasOn = s.Relay.On(r.rc.SafelightChannel)

	if r.rc.SafelightControl && s.Sync.SafelightWasOn {
		r.cmd(CmdRelaySet{Channel: r.rc.SafelightChannel, On: false})
		s.Sync.SafelightSuppressed = true
		r.bcast(BroadcastSafelightChanged{On: false, Cause: "suppressed", At: r.now})
	}

	r.cmd(CmdRelayTimed{Channel: r.rc.EnlargerChannel, Seconds: durationToSeconds(req.Duration)})
	s.Sync.Phase = SyncExposing
	s.Sync.AwaitingConfirmation = true

	// Provisional zero-point: the server schedules the switch slightly in
	// the future. RelayTimedStarted realigns both clocks to the exact
	// server-reported instant.
	zero := r.now.Add(syncDelayMS * time.Millisecond)
	s.Exposure.Clock = DriftClock{Mode: ModeCountdown}
	s.Exposure.Clock.StartAt(zero, req.Duration)
	s.Sync.RestoreClock = DriftClock{Mode: ModeCountdown}
	s.Sync.RestoreClock.StartAt(zero, req.Duration+r.rc.RestoreBuffer)

	s.Seq.Phase = SeqRunning
	r.sequenceChanged()
}

func (r *reduction) relayTimedStarted(ev RelayTimedStarted) {
	s := r.s

	s.Relay.SetObserved(ev.Channel, true, ev.At)
	if s.Sync.Phase != SyncExposing || ev.Channel != r.rc.EnlargerChannel {
		return
	}

	s.Sync.AwaitingConfirmation = false

	zero := ev.StartAt
	if zero.IsZero() {
		zero = ev.At.Add(syncDelayMS * time.Millisecond)
	}
	s.Exposure.Clock.StartAt(zero, s.Exposure.Request.Duration)
	s.Sync.RestoreClock.StartAt(zero, s.Exposure.Request.Duration+r.rc.RestoreBuffer)

	r.bcast(BroadcastExposureStarted{
		DurationSeconds: durationToSeconds(s.Exposure.Request.Duration),
		Origin:          s.Exposure.Request.Origin,
		At:              r.now,
	})
}

func (r *reduction) relayFailed(ev RelayCommandFailed) {
	s := r.s

	switch cmd := ev.Command.(type) {
	case CmdRelayStatus:
		if s.Sync.Phase == SyncQuery {
			// Cannot verify the safelight; abort the attempt before any relay
			// was touched.
			s.Sync.Clear()
			s.Seq.Phase = SeqIdle
			r.warn("relay server unreachable: %v", ev.Err)
			r.bcast(BroadcastExposureFinished{Outcome: OutcomeFailed, At: r.now})
			r.sequenceChanged()
			r.startPendingIfAny()
		}

	case CmdRelayTimed:
		if s.Sync.Phase == SyncExposing {
			s.Sync.AwaitingConfirmation = false
			if r.rc.RequireConfirmation {
				// Unconfirmed start counts as no start: put the darkroom
				// back immediately.
				s.Exposure.Clock.Reset()
				r.restoreSafelightNow()
				s.Sync.Clear()
				s.Seq.Phase = SeqIdle
				r.warn("enlarger command failed: %v", ev.Err)
				r.bcast(BroadcastExposureFinished{Outcome: OutcomeFailed, At: r.now})
				r.sequenceChanged()
				r.startPendingIfAny()
				return
			}
			// The failure may be a lost response with the relay already
			// burning paper; keep the provisional clock and let the operator
			// decide. The restore clock still puts the safelight back.
			r.warn("enlarger command unconfirmed: %v", ev.Err)
		}

	case CmdRelaySet:
		if cmd.Channel == r.rc.SafelightChannel {
			r.warn("safelight command failed: %v", ev.Err)
		} else {
			r.warn("relay command failed: %s: %v", cmd.String(), ev.Err)
		}

	default:
		r.warn("relay command failed: %s: %v", ev.Command.String(), ev.Err)
	}
}

// ==============================
// Tick
// ==============================

func (r *reduction) tick() {
	r.tickGate()
	r.tickExposure()
	r.tickRestore()
}

func (r *reduction) tickGate() {
	s := r.s
	if !s.Gate.Clock.Running() {
		return
	}

	remaining, done := s.Gate.Clock.Tick(r.now)
	if done {
		r.cmd(CmdBeep{Tone: ToneEnd})
		req := *s.Gate.Request
		s.Gate.Request = nil
		r.beginSync(req)
		return
	}

	whole := int(math.Ceil(remaining.Seconds()))
	if whole != s.Gate.lastBeepSecond {
		s.Gate.lastBeepSecond = whole
		switch s.Gate.Pattern {
		case BeepEverySecond:
			r.cmd(CmdBeep{Tone: ToneTick})
		case BeepLastSeconds:
			if whole <= s.Gate.LastSeconds {
				r.cmd(CmdBeep{Tone: ToneTick})
			}
		}
		r.bcast(BroadcastTimerTick{
			Phase:            "countdown",
			RemainingSeconds: durationToSeconds(remaining),
			At:               r.now,
		})
	}
}

func (r *reduction) tickExposure() {
	s := r.s
	if !s.Exposure.Clock.Running() {
		return
	}

	remaining, done := s.Exposure.Clock.Tick(r.now)
	if done {
		exposed := durationToSeconds(s.Exposure.Clock.Duration)
		s.Seq.Phase = SeqCompleted
		r.cmd(CmdBeep{Tone: ToneEnd})
		r.bcast(BroadcastExposureFinished{
			Outcome:        OutcomeCompleted,
			ExposedSeconds: exposed,
			At:             r.now,
		})
		r.sequenceChanged()
		return
	}

	whole := int(remaining.Seconds())
	if whole != s.Exposure.lastTickSecond {
		s.Exposure.lastTickSecond = whole
		switch r.rc.Metronome {
		case BeepEverySecond:
			r.cmd(CmdBeep{Tone: ToneTick})
		case BeepLastSeconds:
			if whole > 0 && whole <= r.rc.BeepLastSeconds {
				r.cmd(CmdBeep{Tone: ToneTick})
			}
		}
		r.bcast(BroadcastTimerTick{
			Phase:            "exposure",
			RemainingSeconds: durationToSeconds(remaining),
			ElapsedSeconds:   durationToSeconds(s.Exposure.Clock.Elapsed(r.now)),
			At:               r.now,
		})
	}
}

func (r *reduction) tickRestore() {
	s := r.s
	if !s.Sync.Active() || !s.Sync.RestoreClock.Running() {
		return
	}

	if _, done := s.Sync.RestoreClock.Tick(r.now); !done {
		return
	}

	// The single completion edge of the restore clock fires the restore
	// exactly once per exposure attempt.
	r.restoreSafelightNow()
	s.Sync.Clear()
	r.startPendingIfAny()
}
