package main

import (
	"errors"
	"math"
	"testing"
	"time"
)

func testReducerConfig() ReducerConfig {
	return ReducerConfig{
		EnlargerChannel:  14,
		SafelightChannel: 17,
		StopDenominator:  2,
		DefaultCountdown: 3 * time.Second,
		BeepPattern:      BeepEverySecond,
		BeepLastSeconds:  3,
		Overlap:          OverlapReject,
		RestoreBuffer:    500 * time.Millisecond,
		SafelightControl: true,
	}
}

func newTestState() *DaemonState {
	s := &DaemonState{}
	s.Seq.BaseSeconds = 10
	s.Seq.StepStop = 0.5
	s.Seq.Reset()
	return s
}

func relayCommands(cmds []Command) []Command {
	var out []Command
	for _, c := range cmds {
		switch c.(type) {
		case CmdRelaySet, CmdRelayTimed, CmdRelayStatus:
			out = append(out, c)
		}
	}
	return out
}

func hasBeep(cmds []Command, tone BeepTone) bool {
	for _, c := range cmds {
		if b, ok := c.(CmdBeep); ok && b.Tone == tone {
			return true
		}
	}
	return false
}

func findFinished(bcasts []StateBroadcast) (BroadcastExposureFinished, bool) {
	for _, b := range bcasts {
		if f, ok := b.(BroadcastExposureFinished); ok {
			return f, true
		}
	}
	return BroadcastExposureFinished{}, false
}

func findSafelight(bcasts []StateBroadcast) (BroadcastSafelightChanged, bool) {
	for _, b := range bcasts {
		if sl, ok := b.(BroadcastSafelightChanged); ok {
			return sl, true
		}
	}
	return BroadcastSafelightChanged{}, false
}

func hasWarning(bcasts []StateBroadcast) bool {
	for _, b := range bcasts {
		if _, ok := b.(BroadcastWarning); ok {
			return true
		}
	}
	return false
}

// TestReducer_ExposureFlow_SafelightOrdering drives a full exposure through
// the relay protocol and checks the command order the hardware depends on.
func TestReducer_ExposureFlow_SafelightOrdering(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(1000, 0).UTC()

	// Start with no countdown so the relay protocol begins immediately.
	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 8, CountdownSeconds: 0, Origin: "ipc"},
		At:    t0,
	}, rc)

	if rr.State.Sync.Phase != SyncQuery {
		t.Fatalf("expected SyncQuery phase, got %q", rr.State.Sync.Phase)
	}
	if len(rr.Commands) != 1 {
		t.Fatalf("expected 1 command (status query), got %d", len(rr.Commands))
	}
	if _, ok := rr.Commands[0].(CmdRelayStatus); !ok {
		t.Fatalf("expected CmdRelayStatus first, got %T", rr.Commands[0])
	}

	// Safelight is on: the suppress command must queue before the enlarger
	// timed-ON so the FIFO effects stage hits the wire in that order.
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{14: false, 17: true}, At: t0}, rc)

	rcmds := relayCommands(rr.Commands)
	if len(rcmds) != 2 {
		t.Fatalf("expected 2 relay commands after status, got %d", len(rcmds))
	}
	set, ok := rcmds[0].(CmdRelaySet)
	if !ok || set.Channel != 17 || set.On {
		t.Fatalf("expected safelight-off first, got %v", rcmds[0])
	}
	timed, ok := rcmds[1].(CmdRelayTimed)
	if !ok || timed.Channel != 14 || timed.Seconds != 8 {
		t.Fatalf("expected enlarger timed-ON second, got %v", rcmds[1])
	}
	if rr.State.Sync.Phase != SyncExposing || !rr.State.Sync.SafelightSuppressed || !rr.State.Sync.SafelightWasOn {
		t.Fatalf("unexpected sync state: %+v", rr.State.Sync)
	}
	if rr.State.Seq.Phase != SeqRunning {
		t.Errorf("expected SeqRunning, got %q", rr.State.Seq.Phase)
	}
	if sl, ok := findSafelight(rr.Broadcasts); !ok || sl.On || sl.Cause != "suppressed" {
		t.Errorf("expected suppressed safelight broadcast, got %v (found=%v)", sl, ok)
	}

	// The transport confirms with the scheduled zero-point; clocks realign.
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 8 * time.Second, At: t0}, rc)

	started := false
	for _, b := range rr.Broadcasts {
		if es, ok := b.(BroadcastExposureStarted); ok {
			started = true
			if es.DurationSeconds != 8 || es.Origin != "ipc" {
				t.Errorf("unexpected exposure_started payload: %+v", es)
			}
		}
	}
	if !started {
		t.Fatal("expected exposure_started broadcast after timed-ON confirmation")
	}

	// Mid-exposure tick: progress only, no relay traffic.
	rr = Reduce(rr.State, Tick{Now: zero.Add(3 * time.Second)}, rc)
	if len(relayCommands(rr.Commands)) != 0 {
		t.Errorf("mid-exposure tick must not touch relays: %v", rr.Commands)
	}

	// Exposure completes on its clock edge.
	rr = Reduce(rr.State, Tick{Now: zero.Add(8 * time.Second)}, rc)
	fin, ok := findFinished(rr.Broadcasts)
	if !ok || fin.Outcome != OutcomeCompleted || fin.ExposedSeconds != 8 {
		t.Fatalf("expected completed exposure_finished(8s), got %+v (found=%v)", fin, ok)
	}
	if !hasBeep(rr.Commands, ToneEnd) {
		t.Error("expected end beep on completion")
	}
	if rr.State.Seq.Phase != SeqCompleted {
		t.Errorf("expected SeqCompleted, got %q", rr.State.Seq.Phase)
	}
	// The restore deadline (duration + buffer) has not elapsed yet.
	if !rr.State.Sync.Active() {
		t.Fatal("sync state must survive until the restore edge")
	}
	if len(relayCommands(rr.Commands)) != 0 {
		t.Errorf("completion tick must not emit relay commands yet: %v", rr.Commands)
	}

	// Restore edge: exactly one safelight-on, then the sync state is gone.
	rr = Reduce(rr.State, Tick{Now: zero.Add(8500 * time.Millisecond)}, rc)
	rcmds = relayCommands(rr.Commands)
	if len(rcmds) != 1 {
		t.Fatalf("expected exactly 1 restore command, got %v", rcmds)
	}
	set, ok = rcmds[0].(CmdRelaySet)
	if !ok || set.Channel != 17 || !set.On {
		t.Fatalf("expected safelight-on restore, got %v", rcmds[0])
	}
	if sl, ok := findSafelight(rr.Broadcasts); !ok || !sl.On || sl.Cause != "restored" {
		t.Errorf("expected restored safelight broadcast, got %v (found=%v)", sl, ok)
	}
	if rr.State.Sync.Active() {
		t.Error("sync state must clear after restore")
	}

	// Later ticks are inert.
	rr = Reduce(rr.State, Tick{Now: zero.Add(20 * time.Second)}, rc)
	if len(rr.Commands) != 0 {
		t.Errorf("post-restore tick emitted commands: %v", rr.Commands)
	}
}

// TestReducer_SafelightAlreadyOff_NoSuppressNoRestore checks that an exposure
// with the safelight already dark never switches it.
func TestReducer_SafelightAlreadyOff_NoSuppressNoRestore(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(2000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 4, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{14: false, 17: false}, At: t0}, rc)

	rcmds := relayCommands(rr.Commands)
	if len(rcmds) != 1 {
		t.Fatalf("expected only the timed-ON command, got %v", rcmds)
	}
	if _, ok := rcmds[0].(CmdRelayTimed); !ok {
		t.Fatalf("expected CmdRelayTimed, got %T", rcmds[0])
	}
	if rr.State.Sync.SafelightSuppressed || rr.State.Sync.SafelightWasOn {
		t.Errorf("no suppression expected: %+v", rr.State.Sync)
	}

	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, Tick{Now: zero.Add(4 * time.Second)}, rc)
	rr = Reduce(rr.State, Tick{Now: zero.Add(4500 * time.Millisecond)}, rc)
	if len(relayCommands(rr.Commands)) != 0 {
		t.Errorf("restore edge must not switch a safelight that was off: %v", rr.Commands)
	}
	if rr.State.Sync.Active() {
		t.Error("sync state must still clear on the restore edge")
	}
}

// TestReducer_GateCancel_NeverTouchesRelays runs a gated exposure and cancels
// during the countdown.
func TestReducer_GateCancel_NeverTouchesRelays(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(3000, 0).UTC()

	var all []Command
	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{CountdownSeconds: 2},
		At:    t0,
	}, rc)
	all = append(all, rr.Commands...)

	if rr.State.Seq.Phase != SeqGating || !rr.State.Gate.Clock.Running() {
		t.Fatalf("expected gating state, got phase %q running=%v", rr.State.Seq.Phase, rr.State.Gate.Clock.Running())
	}

	rr = Reduce(rr.State, Tick{Now: t0.Add(500 * time.Millisecond)}, rc)
	all = append(all, rr.Commands...)
	if !hasBeep(rr.Commands, ToneTick) {
		t.Error("expected countdown tick beep")
	}

	rr = Reduce(rr.State, TimedEvent{Event: StopExposure{}, At: t0.Add(1 * time.Second)}, rc)
	all = append(all, rr.Commands...)

	fin, ok := findFinished(rr.Broadcasts)
	if !ok || fin.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled exposure_finished, got %+v (found=%v)", fin, ok)
	}
	if rr.State.Seq.Phase != SeqIdle || rr.State.Gate.Clock.Running() {
		t.Errorf("expected idle after gate cancel, got phase %q", rr.State.Seq.Phase)
	}
	if len(relayCommands(all)) != 0 {
		t.Errorf("gate cancel must never touch relays, saw %v", relayCommands(all))
	}
}

// TestReducer_GateCompletion_StartsRelayProtocol lets the countdown run out.
func TestReducer_GateCompletion_StartsRelayProtocol(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(4000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 6, CountdownSeconds: 2},
		At:    t0,
	}, rc)

	rr = Reduce(rr.State, Tick{Now: t0.Add(2 * time.Second)}, rc)
	if !hasBeep(rr.Commands, ToneEnd) {
		t.Error("expected end beep when the gate opens")
	}
	found := false
	for _, c := range rr.Commands {
		if _, ok := c.(CmdRelayStatus); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("expected status query when the gate opens")
	}
	if rr.State.Sync.Phase != SyncQuery {
		t.Errorf("expected SyncQuery after gate, got %q", rr.State.Sync.Phase)
	}
	if rr.State.Exposure.Request.Duration != 6*time.Second {
		t.Errorf("gated request duration = %v, want 6s", rr.State.Exposure.Request.Duration)
	}
}

// TestReducer_StopMidExposure_ResumesRemaining interrupts an exposure and
// restarts it, expecting only the owed remainder.
func TestReducer_StopMidExposure_ResumesRemaining(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(5000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 10, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: true}, At: t0}, rc)
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 10 * time.Second, At: t0}, rc)

	// Stop 4s in: enlarger off, safelight restored immediately, remainder kept.
	rr = Reduce(rr.State, TimedEvent{Event: StopExposure{}, At: zero.Add(4 * time.Second)}, rc)

	rcmds := relayCommands(rr.Commands)
	if len(rcmds) != 2 {
		t.Fatalf("expected enlarger-off + safelight restore, got %v", rcmds)
	}
	off, ok := rcmds[0].(CmdRelaySet)
	if !ok || off.Channel != 14 || off.On {
		t.Fatalf("expected enlarger-off first, got %v", rcmds[0])
	}
	restore, ok := rcmds[1].(CmdRelaySet)
	if !ok || restore.Channel != 17 || !restore.On {
		t.Fatalf("expected safelight restore second, got %v", rcmds[1])
	}

	fin, ok := findFinished(rr.Broadcasts)
	if !ok || fin.Outcome != OutcomeCancelled || math.Abs(fin.ExposedSeconds-4) > 1e-6 {
		t.Fatalf("expected cancelled after 4s, got %+v (found=%v)", fin, ok)
	}
	if rr.State.Seq.Phase != SeqStopped {
		t.Fatalf("expected SeqStopped, got %q", rr.State.Seq.Phase)
	}
	if rr.State.Sync.Active() {
		t.Error("sync state must clear on stop")
	}

	// Restart later: only the remaining 6s are requested.
	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{CountdownSeconds: 0},
		At:    t0.Add(1 * time.Minute),
	}, rc)
	if rr.State.Sync.Phase != SyncQuery {
		t.Fatalf("expected new attempt, got sync phase %q", rr.State.Sync.Phase)
	}
	if got := rr.State.Exposure.Request.Duration; got != 6*time.Second {
		t.Errorf("resume duration = %v, want 6s", got)
	}
}

// TestReducer_OverlapReject rejects a second start while one is active.
func TestReducer_OverlapReject(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(6000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 5, CountdownSeconds: 0},
		At:    t0,
	}, rc)

	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{DurationSeconds: 3, CountdownSeconds: 0},
		At:    t0.Add(100 * time.Millisecond),
	}, rc)

	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning broadcast on rejected overlap")
	}
	if rr.State.PendingExposure != nil {
		t.Error("reject policy must not queue")
	}
	if len(rr.Commands) != 0 {
		t.Errorf("rejected start must emit no commands, got %v", rr.Commands)
	}
}

// TestReducer_OverlapQueue_PromotesAfterRestore queues a second exposure and
// expects it to start only after the first attempt fully settles.
func TestReducer_OverlapQueue_PromotesAfterRestore(t *testing.T) {
	rc := testReducerConfig()
	rc.Overlap = OverlapQueue
	t0 := time.Unix(7000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 5, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: true}, At: t0}, rc)
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 5 * time.Second, At: t0}, rc)

	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{DurationSeconds: 3, CountdownSeconds: 0, Origin: "queued"},
		At:    t0.Add(time.Second),
	}, rc)
	if rr.State.PendingExposure == nil {
		t.Fatal("expected the second request to queue")
	}
	if len(rr.Commands) != 0 {
		t.Errorf("queueing must emit no commands, got %v", rr.Commands)
	}

	// Only one slot: a third request is rejected.
	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{DurationSeconds: 2, CountdownSeconds: 0},
		At:    t0.Add(2 * time.Second),
	}, rc)
	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning when the queue slot is taken")
	}

	// First attempt completes; the queued one must wait for the restore edge.
	rr = Reduce(rr.State, Tick{Now: zero.Add(5 * time.Second)}, rc)
	if rr.State.PendingExposure == nil {
		t.Fatal("queued request must not start before the relays settle")
	}

	rr = Reduce(rr.State, Tick{Now: zero.Add(5500 * time.Millisecond)}, rc)
	if rr.State.PendingExposure != nil {
		t.Error("queued request should promote on the restore edge")
	}
	if rr.State.Sync.Phase != SyncQuery {
		t.Errorf("promoted request should be querying, got %q", rr.State.Sync.Phase)
	}
	if got := rr.State.Exposure.Request.Duration; got != 3*time.Second {
		t.Errorf("promoted duration = %v, want 3s", got)
	}
	if got := rr.State.Exposure.Request.Origin; got != "queued" {
		t.Errorf("promoted origin = %q, want queued", got)
	}
}

// TestReducer_OverlapPreempt cancels the active attempt and starts the new
// request in the same reduction.
func TestReducer_OverlapPreempt(t *testing.T) {
	rc := testReducerConfig()
	rc.Overlap = OverlapPreempt
	t0 := time.Unix(8000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 10, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: true}, At: t0}, rc)
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 10 * time.Second, At: t0}, rc)

	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{DurationSeconds: 4, CountdownSeconds: 0, Origin: "preempt"},
		At:    zero.Add(2 * time.Second),
	}, rc)

	rcmds := relayCommands(rr.Commands)
	if len(rcmds) != 3 {
		t.Fatalf("expected enlarger-off, restore, status query; got %v", rcmds)
	}
	if off, ok := rcmds[0].(CmdRelaySet); !ok || off.Channel != 14 || off.On {
		t.Fatalf("expected enlarger-off first, got %v", rcmds[0])
	}
	if restore, ok := rcmds[1].(CmdRelaySet); !ok || restore.Channel != 17 || !restore.On {
		t.Fatalf("expected safelight restore second, got %v", rcmds[1])
	}
	if _, ok := rcmds[2].(CmdRelayStatus); !ok {
		t.Fatalf("expected status query for the preempting attempt, got %v", rcmds[2])
	}
	if rr.State.PendingExposure != nil {
		t.Error("preempting request should have started, not stayed queued")
	}
	if got := rr.State.Exposure.Request.Duration; got != 4*time.Second {
		t.Errorf("preempting duration = %v, want 4s", got)
	}
}

// TestReducer_ManualToggleDuringSuppression_CancelsRestore verifies the
// operator override wins over the automatic restore.
func TestReducer_ManualToggleDuringSuppression_CancelsRestore(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(9000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 6, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: true}, At: t0}, rc)
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 6 * time.Second, At: t0}, rc)
	// Effects feedback: the suppress command landed.
	rr = Reduce(rr.State, RelaySetObserved{Channel: 17, On: false, At: t0}, rc)

	// Operator flips the safelight back on mid-exposure.
	rr = Reduce(rr.State, TimedEvent{Event: ToggleSafelight{}, At: zero.Add(2 * time.Second)}, rc)
	if !rr.State.Sync.RestoreCancelled {
		t.Fatal("manual toggle during suppression must cancel the auto-restore")
	}
	rcmds := relayCommands(rr.Commands)
	if len(rcmds) != 1 {
		t.Fatalf("expected one safelight command, got %v", rcmds)
	}
	if set, ok := rcmds[0].(CmdRelaySet); !ok || set.Channel != 17 || !set.On {
		t.Fatalf("expected safelight-on, got %v", rcmds[0])
	}
	if sl, ok := findSafelight(rr.Broadcasts); !ok || sl.Cause != "manual" {
		t.Errorf("expected manual safelight broadcast, got %v (found=%v)", sl, ok)
	}
	rr = Reduce(rr.State, RelaySetObserved{Channel: 17, On: true, At: zero.Add(2 * time.Second)}, rc)

	// Exposure completes, restore edge passes: no second safelight write.
	rr = Reduce(rr.State, Tick{Now: zero.Add(6 * time.Second)}, rc)
	rr = Reduce(rr.State, Tick{Now: zero.Add(6500 * time.Millisecond)}, rc)
	if len(relayCommands(rr.Commands)) != 0 {
		t.Errorf("cancelled restore must not write the safelight again: %v", rr.Commands)
	}
	if rr.State.Sync.Active() {
		t.Error("sync state must clear after the (cancelled) restore edge")
	}
}

// TestReducer_StatusQueryFailure_AbortsClean verifies an unreachable relay
// server aborts the attempt before any relay was touched.
func TestReducer_StatusQueryFailure_AbortsClean(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(10000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 5, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayCommandFailed{
		Command: CmdRelayStatus{},
		Err:     errors.New("connection refused"),
		At:      t0.Add(3 * time.Second),
	}, rc)

	if rr.State.Sync.Active() {
		t.Error("sync state must clear on query failure")
	}
	if rr.State.Seq.Phase != SeqIdle {
		t.Errorf("expected SeqIdle after abort, got %q", rr.State.Seq.Phase)
	}
	fin, ok := findFinished(rr.Broadcasts)
	if !ok || fin.Outcome != OutcomeFailed {
		t.Errorf("expected failed exposure_finished, got %+v (found=%v)", fin, ok)
	}
	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning broadcast")
	}
	if len(relayCommands(rr.Commands)) != 0 {
		t.Errorf("abort must not emit relay commands, got %v", rr.Commands)
	}
}

// TestReducer_TimedCommandFailure_RestoresImmediately verifies a failed
// enlarger timed-ON under require_confirmation puts the safelight back
// without waiting for any clock.
func TestReducer_TimedCommandFailure_RestoresImmediately(t *testing.T) {
	rc := testReducerConfig()
	rc.RequireConfirmation = true
	t0 := time.Unix(11000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 5, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: true}, At: t0}, rc)

	rr = Reduce(rr.State, RelayCommandFailed{
		Command: CmdRelayTimed{Channel: 14, Seconds: 5},
		Err:     errors.New("http 500"),
		At:      t0.Add(time.Second),
	}, rc)

	rcmds := relayCommands(rr.Commands)
	if len(rcmds) != 1 {
		t.Fatalf("expected one restore command, got %v", rcmds)
	}
	if set, ok := rcmds[0].(CmdRelaySet); !ok || set.Channel != 17 || !set.On {
		t.Fatalf("expected safelight restore, got %v", rcmds[0])
	}
	if rr.State.Sync.Active() {
		t.Error("sync state must clear on timed-ON failure")
	}
	fin, ok := findFinished(rr.Broadcasts)
	if !ok || fin.Outcome != OutcomeFailed {
		t.Errorf("expected failed exposure_finished, got %+v (found=%v)", fin, ok)
	}
}

// TestReducer_TimedCommandFailure_DefaultKeepsClock verifies that without
// require_confirmation an unconfirmed timed-ON only warns: the relay may
// already be burning paper, so the exposure clock keeps running and the
// restore clock still handles the safelight.
func TestReducer_TimedCommandFailure_DefaultKeepsClock(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(11500, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{DurationSeconds: 5, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: true}, At: t0}, rc)
	if !rr.State.Sync.AwaitingConfirmation {
		t.Fatal("expected AwaitingConfirmation after dispatching the timed-ON")
	}

	rr = Reduce(rr.State, RelayCommandFailed{
		Command: CmdRelayTimed{Channel: 14, Seconds: 5},
		Err:     errors.New("http 500"),
		At:      t0.Add(time.Second),
	}, rc)

	if len(relayCommands(rr.Commands)) != 0 {
		t.Errorf("default policy must not touch relays on an unconfirmed start, got %v", rr.Commands)
	}
	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning for the unconfirmed start")
	}
	if _, ok := findFinished(rr.Broadcasts); ok {
		t.Error("exposure must not be failed without require_confirmation")
	}
	if !rr.State.Sync.Active() {
		t.Error("sync must stay active; the restore clock still owns the safelight")
	}
	if rr.State.Sync.AwaitingConfirmation {
		t.Error("confirmation state must clear once the transport reported")
	}

	// The provisional clock keeps counting and completes normally.
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, Tick{Now: zero.Add(5 * time.Second)}, rc)
	fin, ok := findFinished(rr.Broadcasts)
	if !ok || fin.Outcome != OutcomeCompleted {
		t.Errorf("expected completed exposure, got %+v (found=%v)", fin, ok)
	}
}

// TestReducer_SequenceLifecycle walks the stop-increment sequencer.
func TestReducer_SequenceLifecycle(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(12000, 0).UTC()
	s := newTestState()

	// NextStep before completing a step is refused.
	rr := Reduce(s, TimedEvent{Event: NextStep{}, At: t0}, rc)
	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning for premature NextStep")
	}
	if rr.State.Seq.Step != 1 {
		t.Errorf("step advanced without completion: %d", rr.State.Seq.Step)
	}

	// Step 1 complete; advance. Cumulative targets: 10, 10*2^0.5, 10*2^1.
	rr.State.Seq.Phase = SeqCompleted
	rr = Reduce(rr.State, TimedEvent{Event: NextStep{}, At: t0}, rc)
	if rr.State.Seq.Step != 2 {
		t.Fatalf("step = %d, want 2", rr.State.Seq.Step)
	}
	if got := rr.State.Seq.Accumulated; got != 10*time.Second {
		t.Errorf("accumulated = %v, want 10s", got)
	}
	wantStep2 := 10*math.Sqrt2 - 10
	if got := rr.State.Seq.ThisStep.Seconds(); math.Abs(got-wantStep2) > 1e-6 {
		t.Errorf("step 2 time = %gs, want %gs", got, wantStep2)
	}
	if got := rr.State.Seq.Total.Seconds(); math.Abs(got-10*math.Sqrt2) > 1e-6 {
		t.Errorf("total = %gs, want %gs", got, 10*math.Sqrt2)
	}

	rr.State.Seq.Phase = SeqCompleted
	rr = Reduce(rr.State, TimedEvent{Event: NextStep{}, At: t0}, rc)
	wantStep3 := 20 - 10*math.Sqrt2
	if got := rr.State.Seq.ThisStep.Seconds(); math.Abs(got-wantStep3) > 1e-6 {
		t.Errorf("step 3 time = %gs, want %gs", got, wantStep3)
	}
	if got := rr.State.Seq.Total.Seconds(); math.Abs(got-20) > 1e-6 {
		t.Errorf("total after step 3 = %gs, want 20s", got)
	}

	// RepeatStep re-arms without advancing.
	rr.State.Seq.Phase = SeqCompleted
	before := rr.State.Seq.ThisStep
	rr = Reduce(rr.State, TimedEvent{Event: RepeatStep{}, At: t0}, rc)
	if rr.State.Seq.Step != 3 || rr.State.Seq.ThisStep != before {
		t.Errorf("repeat changed step bookkeeping: step=%d this=%v", rr.State.Seq.Step, rr.State.Seq.ThisStep)
	}
	if rr.State.Seq.Phase != SeqIdle {
		t.Errorf("repeat should re-arm to idle, got %q", rr.State.Seq.Phase)
	}

	// ResetSequence returns to step 1 at base time.
	rr = Reduce(rr.State, TimedEvent{Event: ResetSequence{}, At: t0}, rc)
	if rr.State.Seq.Step != 1 || rr.State.Seq.ThisStep != 10*time.Second || rr.State.Seq.Accumulated != 0 {
		t.Errorf("reset bookkeeping wrong: %+v", rr.State.Seq)
	}
}

func TestReducer_SetBaseTimeAndAdjustStop(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(13000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{Event: SetBaseTime{Seconds: 16}, At: t0}, rc)
	if rr.State.Seq.BaseSeconds != 16 || rr.State.Seq.ThisStep != 16*time.Second {
		t.Fatalf("base time not applied: %+v", rr.State.Seq)
	}

	rr = Reduce(rr.State, TimedEvent{Event: AdjustStop{Stop: 1}, At: t0}, rc)
	if rr.State.Seq.ThisStep != 32*time.Second {
		t.Errorf("adjust +1 stop: this step = %v, want 32s", rr.State.Seq.ThisStep)
	}

	rr = Reduce(rr.State, TimedEvent{Event: AdjustStop{Stop: -2}, At: t0}, rc)
	if rr.State.Seq.ThisStep != 4*time.Second {
		t.Errorf("adjust -2 stops: this step = %v, want 4s", rr.State.Seq.ThisStep)
	}

	// Invalid base time is refused with a warning.
	rr = Reduce(rr.State, TimedEvent{Event: SetBaseTime{Seconds: 0}, At: t0}, rc)
	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning for base time 0")
	}
	if rr.State.Seq.BaseSeconds != 16 {
		t.Errorf("base changed on invalid input: %g", rr.State.Seq.BaseSeconds)
	}
}

func TestReducer_FlatStepPolicy(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(14000, 0).UTC()

	s := &DaemonState{}
	s.Seq.BaseSeconds = 5
	s.Seq.StepStop = 0 // flat: every step repeats the base exposure
	s.Seq.Reset()

	s.Seq.Phase = SeqCompleted
	rr := Reduce(s, TimedEvent{Event: NextStep{}, At: t0}, rc)
	if rr.State.Seq.ThisStep != 5*time.Second {
		t.Errorf("flat step 2 = %v, want 5s", rr.State.Seq.ThisStep)
	}
	if rr.State.Seq.Total != 10*time.Second {
		t.Errorf("flat total = %v, want 10s", rr.State.Seq.Total)
	}
}

// TestReducer_NextStepFromStopped advances past an interrupted step. The
// full planned step time folds into the accumulation and the unexposed
// remainder is abandoned.
func TestReducer_NextStepFromStopped(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(14500, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: false}, At: t0}, rc)
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 10 * time.Second, At: t0}, rc)

	rr = Reduce(rr.State, TimedEvent{Event: StopExposure{}, At: zero.Add(4 * time.Second)}, rc)
	if rr.State.Seq.Phase != SeqStopped {
		t.Fatalf("expected SeqStopped, got %q", rr.State.Seq.Phase)
	}

	rr = Reduce(rr.State, TimedEvent{Event: NextStep{}, At: zero.Add(5 * time.Second)}, rc)
	if hasWarning(rr.Broadcasts) {
		t.Fatal("NextStep from a stopped step must be accepted")
	}
	if rr.State.Seq.Step != 2 {
		t.Fatalf("step = %d, want 2", rr.State.Seq.Step)
	}
	if got := rr.State.Seq.Accumulated; got != 10*time.Second {
		t.Errorf("accumulated = %v, want the full planned 10s", got)
	}

	// The next start runs step 2 in full, not the interrupted remainder.
	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{CountdownSeconds: 0},
		At:    zero.Add(10 * time.Second),
	}, rc)
	wantStep2 := 10*math.Sqrt2 - 10
	if got := rr.State.Exposure.Request.Duration.Seconds(); math.Abs(got-wantStep2) > 1e-6 {
		t.Errorf("restart duration = %gs, want %gs", got, wantStep2)
	}
}

// TestReducer_RepeatStepFromStopped discards an interrupted run and re-arms
// the same step at its full planned time.
func TestReducer_RepeatStepFromStopped(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(14700, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{
		Event: StartExposure{CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: false}, At: t0}, rc)
	zero := t0.Add(150 * time.Millisecond)
	rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 10 * time.Second, At: t0}, rc)
	rr = Reduce(rr.State, TimedEvent{Event: StopExposure{}, At: zero.Add(3 * time.Second)}, rc)

	rr = Reduce(rr.State, TimedEvent{Event: RepeatStep{}, At: zero.Add(4 * time.Second)}, rc)
	if hasWarning(rr.Broadcasts) {
		t.Fatal("RepeatStep from a stopped step must be accepted")
	}
	if rr.State.Seq.Step != 1 || rr.State.Seq.Phase != SeqIdle {
		t.Fatalf("repeat bookkeeping: step=%d phase=%q", rr.State.Seq.Step, rr.State.Seq.Phase)
	}

	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{CountdownSeconds: 0},
		At:    zero.Add(10 * time.Second),
	}, rc)
	if got := rr.State.Exposure.Request.Duration; got != 10*time.Second {
		t.Errorf("restart duration = %v, want the full 10s step", got)
	}
}

func TestSequenceState_AdvanceRefusesActivePhases(t *testing.T) {
	for _, phase := range []SequencePhase{SeqIdle, SeqGating, SeqRunning} {
		s := SequenceState{BaseSeconds: 10, StepStop: 0.5}
		s.Reset()
		s.Phase = phase
		if err := s.Advance(); !errors.Is(err, ErrSequenceState) {
			t.Errorf("Advance from %q: err = %v, want ErrSequenceState", phase, err)
		}
		if s.Step != 1 {
			t.Errorf("Advance from %q moved the step: %d", phase, s.Step)
		}
	}
}

// TestReducer_ExposureMetronome beeps whole-second boundaries during the
// exposure itself when configured.
func TestReducer_ExposureMetronome(t *testing.T) {
	run := func(t *testing.T, rc ReducerConfig) int {
		t.Helper()
		t0 := time.Unix(14900, 0).UTC()
		rr := Reduce(newTestState(), TimedEvent{
			Event: StartExposure{DurationSeconds: 5, CountdownSeconds: 0},
			At:    t0,
		}, rc)
		rr = Reduce(rr.State, RelayStatusObserved{States: map[int]bool{17: false}, At: t0}, rc)
		zero := t0.Add(150 * time.Millisecond)
		rr = Reduce(rr.State, RelayTimedStarted{Channel: 14, StartAt: zero, Duration: 5 * time.Second, At: t0}, rc)

		ticks := 0
		for ms := 100; ms < 5000; ms += 100 {
			rr = Reduce(rr.State, Tick{Now: zero.Add(time.Duration(ms) * time.Millisecond)}, rc)
			if hasBeep(rr.Commands, ToneTick) {
				ticks++
			}
		}
		return ticks
	}

	t.Run("every-second", func(t *testing.T) {
		rc := testReducerConfig()
		rc.Metronome = BeepEverySecond
		// 5s exposure crosses the 4..0 whole-second boundaries before the
		// completion edge.
		if got := run(t, rc); got != 5 {
			t.Errorf("metronome beeps = %d, want 5", got)
		}
	})

	t.Run("last-seconds", func(t *testing.T) {
		rc := testReducerConfig()
		rc.Metronome = BeepLastSeconds
		rc.BeepLastSeconds = 3
		if got := run(t, rc); got != 3 {
			t.Errorf("metronome beeps = %d, want 3", got)
		}
	})

	t.Run("default-silent", func(t *testing.T) {
		if got := run(t, testReducerConfig()); got != 0 {
			t.Errorf("metronome beeps = %d, want none by default", got)
		}
	})
}

func TestReducer_SplitCalculationAndExposure(t *testing.T) {
	rc := testReducerConfig()
	rc.Split = SplitGradeParams{
		Calibration: 1000,
		PairPolicy:  PairPolicyFixed,
		TotalPolicy: TotalPolicyAverage,
	}
	paper, err := DefaultPaperLibrary().Lookup(PaperIlfordMGIV)
	if err != nil {
		t.Fatal(err)
	}
	rc.Paper = paper
	t0 := time.Unix(15000, 0).UTC()

	// Exposing before calculating is refused.
	rr := Reduce(newTestState(), TimedEvent{Event: StartSplitExposure{Pass: "soft"}, At: t0}, rc)
	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning without a split result")
	}

	rr = Reduce(rr.State, TimedEvent{Event: CalculateSplit{
		Measurement: SplitGradeMeasurement{HighlightLux: 100, ShadowLux: 400},
	}, At: t0}, rc)
	if rr.State.LastSplit == nil {
		t.Fatal("expected split result cached in state")
	}
	found := false
	for _, b := range rr.Broadcasts {
		if sr, ok := b.(BroadcastSplitResult); ok {
			found = true
			if math.Abs(sr.Result.TotalSeconds-4.0) > 1e-9 {
				t.Errorf("broadcast total = %g, want 4.0", sr.Result.TotalSeconds)
			}
		}
	}
	if !found {
		t.Fatal("expected split_result broadcast")
	}

	// Exposing the soft pass starts a gated attempt with the soft time.
	rr = Reduce(rr.State, TimedEvent{Event: StartSplitExposure{Pass: "soft"}, At: t0}, rc)
	if rr.State.Seq.Phase != SeqGating {
		t.Fatalf("expected gating (default countdown), got %q", rr.State.Seq.Phase)
	}
	wantSoft := secondsToDuration(rr.State.LastSplit.SoftSeconds)
	if got := rr.State.Gate.Request.Duration; got != wantSoft {
		t.Errorf("soft pass duration = %v, want %v", got, wantSoft)
	}
	if got := rr.State.Gate.Request.Origin; got != "split" {
		t.Errorf("soft pass origin = %q, want split", got)
	}

	// Unknown pass name is refused.
	rr = Reduce(newTestState(), TimedEvent{Event: StartSplitExposure{Pass: "medium"}, At: t0}, rc)
	if !hasWarning(rr.Broadcasts) {
		t.Error("expected warning for unknown pass")
	}
}

func TestReducer_RelayRefreshSkippedDuringExposure(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(16000, 0).UTC()

	rr := Reduce(newTestState(), TimedEvent{Event: RequestRelayRefresh{}, At: t0}, rc)
	if len(rr.Commands) != 1 {
		t.Fatalf("expected status query when idle, got %v", rr.Commands)
	}
	if _, ok := rr.Commands[0].(CmdRelayStatus); !ok {
		t.Fatalf("expected CmdRelayStatus, got %T", rr.Commands[0])
	}

	rr = Reduce(rr.State, TimedEvent{
		Event: StartExposure{DurationSeconds: 5, CountdownSeconds: 0},
		At:    t0,
	}, rc)
	rr = Reduce(rr.State, TimedEvent{Event: RequestRelayRefresh{}, At: t0.Add(time.Second)}, rc)
	if len(rr.Commands) != 0 {
		t.Errorf("refresh during an attempt must be skipped, got %v", rr.Commands)
	}
}

func TestReducer_SnapshotRequest(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(17000, 0).UTC()
	reply := make(chan StateSnapshot, 1)

	s := newTestState()
	s.Relay.SetObserved(17, true, t0)

	rr := Reduce(s, TimedEvent{Event: RequestSnapshot{Reply: reply}, At: t0}, rc)
	if len(rr.Commands) != 1 {
		t.Fatalf("expected 1 publish command, got %d", len(rr.Commands))
	}
	pub, ok := rr.Commands[0].(CmdPublishSnapshot)
	if !ok {
		t.Fatalf("expected CmdPublishSnapshot, got %T", rr.Commands[0])
	}
	if pub.Reply != reply {
		t.Error("publish command must carry the caller's reply channel")
	}

	snap := pub.Snapshot
	if snap.Seq.Step != 1 || snap.Seq.BaseSeconds != 10 {
		t.Errorf("snapshot sequence wrong: %+v", snap.Seq)
	}
	if snap.Seq.StepLabel != "0.0" {
		t.Errorf("step label = %q, want 0.0", snap.Seq.StepLabel)
	}
	if !snap.RelayKnown || !snap.SafelightOn || snap.EnlargerOn {
		t.Errorf("snapshot relay view wrong: %+v", snap)
	}
	if snap.ExposureRunning || snap.GateActive || snap.QueuedExposure {
		t.Errorf("idle snapshot reports activity: %+v", snap)
	}
}

func TestReducer_FootswitchTogglesExposure(t *testing.T) {
	rc := testReducerConfig()
	t0 := time.Unix(18000, 0).UTC()

	// Idle press arms the gate for the current step with the default countdown.
	rr := Reduce(newTestState(), TimedEvent{Event: FootswitchPressed{}, At: t0}, rc)
	if rr.State.Seq.Phase != SeqGating {
		t.Fatalf("expected SeqGating after idle press, got %q", rr.State.Seq.Phase)
	}
	if rr.State.Gate.Request == nil {
		t.Fatal("gate carries no request")
	}
	if got := rr.State.Gate.Request.Duration; got != 10*time.Second {
		t.Errorf("gated duration = %v, want the current step's 10s", got)
	}
	if rr.State.Gate.Request.Origin != "footswitch" {
		t.Errorf("origin = %q, want footswitch", rr.State.Gate.Request.Origin)
	}

	// A second press during the countdown cancels, never touching relays.
	rr = Reduce(rr.State, TimedEvent{Event: FootswitchPressed{}, At: t0.Add(time.Second)}, rc)
	if rr.State.Seq.Phase != SeqIdle {
		t.Errorf("expected SeqIdle after cancel press, got %q", rr.State.Seq.Phase)
	}
	if got := relayCommands(rr.Commands); len(got) != 0 {
		t.Errorf("gate cancel must not touch relays, got %v", got)
	}
	fin, ok := findFinished(rr.Broadcasts)
	if !ok || fin.Outcome != OutcomeCancelled {
		t.Errorf("expected cancelled broadcast, got %v (found=%v)", fin, ok)
	}
}
