package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen connects to the darkroomctl state WebSocket and prints the
// broadcast stream. Useful for debugging the daemon and for building
// timer display UIs against the live protocol.

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8091/ws/state", "darkroomctl state websocket URL")
		raw   = flag.Bool("raw", false, "Print raw JSON envelopes instead of formatted lines")
		quiet = flag.Bool("quiet", false, "Suppress timer_tick messages")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	// The server pings us; answer deadline resets come via the pong handler
	// on its side. We still ping to detect a dead server promptly.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	// Message reading loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				continue
			}
			handleEnvelope(message, *raw, *quiet)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

type stateEnvelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// handleEnvelope formats one broadcast envelope for the terminal.
func handleEnvelope(message []byte, raw, quiet bool) {
	var env stateEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	if quiet && env.Type == "timer_tick" {
		return
	}

	if raw {
		fmt.Printf("%s\n", string(message))
		return
	}

	switch env.Type {
	case "timer_tick":
		var tick struct {
			Phase            string  `json:"phase"`
			RemainingSeconds float64 `json:"remaining_seconds"`
			ElapsedSeconds   float64 `json:"elapsed_seconds"`
		}
		if err := json.Unmarshal(env.Data, &tick); err == nil {
			fmt.Printf("[TICK] %-9s remaining=%.1fs elapsed=%.1fs\n", tick.Phase, tick.RemainingSeconds, tick.ElapsedSeconds)
			return
		}

	case "exposure_started":
		var started struct {
			DurationSeconds float64 `json:"duration_seconds"`
			Origin          string  `json:"origin,omitempty"`
		}
		if err := json.Unmarshal(env.Data, &started); err == nil {
			fmt.Printf("[EXPOSURE] started %.2fs (origin=%s)\n", started.DurationSeconds, started.Origin)
			return
		}

	case "exposure_finished":
		var finished struct {
			Outcome        string  `json:"outcome"`
			ExposedSeconds float64 `json:"exposed_seconds"`
		}
		if err := json.Unmarshal(env.Data, &finished); err == nil {
			fmt.Printf("[EXPOSURE] %s after %.2fs\n", finished.Outcome, finished.ExposedSeconds)
			return
		}

	case "safelight_changed":
		var sl struct {
			On    bool   `json:"on"`
			Cause string `json:"cause"`
		}
		if err := json.Unmarshal(env.Data, &sl); err == nil {
			state := "OFF"
			if sl.On {
				state = "ON"
			}
			fmt.Printf("[SAFELIGHT] %s (%s)\n", state, sl.Cause)
			return
		}

	case "warning":
		var w struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &w); err == nil {
			fmt.Printf("[WARNING] %s\n", w.Message)
			return
		}
	}

	// Everything else pretty-printed (state_init, sequence_changed,
	// split_result and any future types).
	var jsonData map[string]any
	if env.Data != nil && json.Unmarshal(env.Data, &jsonData) == nil {
		prettyJSON, _ := json.MarshalIndent(jsonData, "", "  ")
		fmt.Printf("[%s]\n%s\n\n", env.Type, string(prettyJSON))
		return
	}
	fmt.Printf("[%s]\n", env.Type)
}
