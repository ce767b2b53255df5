package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
// runDaemon is the single owner of DaemonState:
//   - Receives Events from IPC/websocket/internal sources
//   - Emits Tick events on a fixed cadence
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands against the relay server / beeper and feeds
//     observations back into the reducer
//   - Forwards broadcasts to the websocket broadcaster
//
// Explicit event and command queues keep execution non-reentrant: an
// observation produced by a command is reduced before the next command runs,
// and commands always execute in the order the reducer emitted them. The
// safelight suppress-before-expose ordering rests on that.
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
// ============================================================================

func runDaemon(
	ctx context.Context,
	events <-chan Event,
	relay RelayTransport,
	beeper Beeper,
	rc ReducerConfig,
	state *DaemonState,
	updateHz int,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}
	if updateHz <= 0 {
		updateHz = defaultUpdateHz
	}

	ticker := time.NewTicker(time.Second / time.Duration(updateHz))
	defer ticker.Stop()

	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}
	enqueueCommands := func(cmds []Command) {
		if len(cmds) == 0 {
			return
		}
		cmdQueue = append(cmdQueue, cmds...)
	}
	emitBroadcasts := func(bs []StateBroadcast) {
		if broadcasts == nil {
			return
		}
		for _, b := range bs {
			select {
			case broadcasts <- b:
			default:
				logger.Warn("broadcast queue full, dropping", "broadcast", b)
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, rc)
			if rr.State != nil {
				state = rr.State
			}
			enqueueCommands(rr.Commands)
			emitBroadcasts(rr.Broadcasts)
		}
	}

	// Execute all queued commands, reducing observations promptly so the
	// reducer can emit follow-up commands.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(ctx, relay, beeper, cmd, logger, func(obs Event) {
				enqueueEvent(obs)
			})

			flushEvents()
		}
	}

	// Prime the relay cache so the first exposure doesn't start blind.
	enqueueEvent(TimedEvent{Event: RequestRelayRefresh{}, At: time.Now()})
	flushEvents()
	flushCommands()

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			enqueueEvent(TimedEvent{Event: ev, At: time.Now()})
			flushEvents()
			flushCommands()

		case now := <-ticker.C:
			enqueueEvent(Tick{Now: now})
			flushEvents()
			flushCommands()
		}
	}
}
