package main

import (
	"context"
	"log/slog"
	"time"
)

// runEffect executes a single reducer-emitted Command against external
// systems (the relay server and the audio device) and emits observation
// Events via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced
//   by the daemon loop.
// - The daemon loop owns the sequencing: Reduce -> Commands -> runEffect ->
//   Events -> Reduce.
func runEffect(
	ctx context.Context,
	relay RelayTransport,
	beeper Beeper,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		return
	}

	now := time.Now()

	switch c := cmd.(type) {
	case CmdRelaySet:
		if relay == nil {
			onEvent(RelayCommandFailed{Command: cmd, Err: errNoRelay{}, At: now})
			return
		}
		if err := relay.SetRelay(ctx, c.Channel, c.On); err != nil {
			logger.Error("relay set failed", "gpio", c.Channel, "on", c.On, "error", err)
			onEvent(RelayCommandFailed{Command: cmd, Err: err, At: now})
			return
		}
		onEvent(RelaySetObserved{Channel: c.Channel, On: c.On, At: now})

	case CmdRelayTimed:
		if relay == nil {
			onEvent(RelayCommandFailed{Command: cmd, Err: errNoRelay{}, At: now})
			return
		}
		start, err := relay.StartTimed(ctx, c.Channel, c.Seconds)
		if err != nil {
			logger.Error("relay timed start failed", "gpio", c.Channel, "seconds", c.Seconds, "error", err)
			onEvent(RelayCommandFailed{Command: cmd, Err: err, At: now})
			return
		}
		onEvent(RelayTimedStarted{
			Channel:  c.Channel,
			StartAt:  start.StartAt,
			Duration: start.Duration,
			At:       now,
		})

	case CmdRelayStatus:
		if relay == nil {
			onEvent(RelayCommandFailed{Command: cmd, Err: errNoRelay{}, At: now})
			return
		}
		states, err := relay.Status(ctx)
		if err != nil {
			logger.Error("relay status failed", "error", err)
			onEvent(RelayCommandFailed{Command: cmd, Err: err, At: now})
			return
		}
		on := make(map[int]bool, len(states))
		for gpio, st := range states {
			on[gpio] = st.On
		}
		onEvent(RelayStatusObserved{States: on, At: now})

	case CmdBeep:
		// Fire-and-forget; a beeper never blocks the loop and has no
		// observation to report.
		if beeper != nil {
			beeper.Play(c.Tone)
		}

	case CmdPublishSnapshot:
		// Deliver the reducer-produced snapshot to the requester. The channel
		// send lives here to keep the reducer pure.
		if c.Reply == nil {
			logger.Warn("snapshot requested with nil reply channel")
			return
		}
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(RelayCommandFailed{
			Command: cmd,
			Err:     errUnknownCommand{cmd: cmd},
			At:      now,
		})
	}
}

// errNoRelay indicates a relay command was executed without a transport.
type errNoRelay struct{}

func (errNoRelay) Error() string { return "no relay transport" }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
