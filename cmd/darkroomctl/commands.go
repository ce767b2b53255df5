package main

import "fmt"

// ============================================================================
// Commands
// ============================================================================
// Commands are the reducer's only output besides the next state. They are
// descriptions of side effects; the effects stage performs them and feeds
// the outcomes back as events. The daemon drains the command queue in FIFO
// order, which is what guarantees safelight-off is on the wire before the
// enlarger timed-ON that follows it in the same reduction.
// ============================================================================

// Command describes a side effect requested by the reducer.
type Command interface {
	commandMarker()
	String() string
}

// CmdRelaySet switches one relay channel on or off.
type CmdRelaySet struct {
	Channel int
	On      bool
}

func (CmdRelaySet) commandMarker() {}

func (c CmdRelaySet) String() string {
	state := "off"
	if c.On {
		state = "on"
	}
	return fmt.Sprintf("RelaySet(gpio=%d %s)", c.Channel, state)
}

// CmdRelayTimed asks the relay server to switch a channel on for a fixed
// duration using its own hardware timer. The server answers with the
// scheduled start timestamp, delivered back as RelayTimedStarted.
type CmdRelayTimed struct {
	Channel int
	Seconds float64
}

func (CmdRelayTimed) commandMarker() {}

func (c CmdRelayTimed) String() string {
	return fmt.Sprintf("RelayTimed(gpio=%d %.3fs)", c.Channel, c.Seconds)
}

// CmdRelayStatus queries all channel states; the answer comes back as
// RelayStatusObserved.
type CmdRelayStatus struct{}

func (CmdRelayStatus) commandMarker() {}

func (CmdRelayStatus) String() string { return "RelayStatus" }

// BeepTone distinguishes the countdown tick from the terminal beep.
type BeepTone string

const (
	ToneTick BeepTone = "tick"
	ToneEnd  BeepTone = "end"
)

// CmdBeep emits one audible tone.
type CmdBeep struct {
	Tone BeepTone
}

func (CmdBeep) commandMarker() {}

func (c CmdBeep) String() string { return fmt.Sprintf("Beep(%s)", c.Tone) }

// CmdPublishSnapshot answers a RequestSnapshot on its private channel. The
// channel send lives in the effects layer so the reducer stays pure.
type CmdPublishSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishSnapshot) commandMarker() {}

func (CmdPublishSnapshot) String() string { return "PublishSnapshot" }
