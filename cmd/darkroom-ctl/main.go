package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
)

// ============================================================================
// darkroom-ctl - Command-line IPC Client
// ============================================================================
// Sends commands to the darkroomctl daemon via its Unix socket.
//
// Usage:
//   darkroom-ctl start [seconds]
//   darkroom-ctl stop
//   darkroom-ctl next
//   darkroom-ctl repeat
//   darkroom-ctl reset
//   darkroom-ctl base <seconds>
//   darkroom-ctl stop-adjust <stops>
//   darkroom-ctl split <highlight-lux> <shadow-lux>
//   darkroom-ctl expose-split soft|hard
//   darkroom-ctl safelight
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/darkroomctl.sock)
// ============================================================================

// Event envelope types, duplicated from the daemon for a standalone binary.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type startExposureData struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Origin          string  `json:"origin,omitempty"`
}

type setBaseTimeData struct {
	Seconds float64 `json:"seconds"`
}

type adjustStopData struct {
	Stop float64 `json:"stop"`
}

type calculateSplitData struct {
	Measurement measurementData `json:"measurement"`
}

type measurementData struct {
	HighlightLux float64 `json:"highlight_lux"`
	ShadowLux    float64 `json:"shadow_lux"`
	NeutralLux   float64 `json:"neutral_lux,omitempty"`
}

type startSplitExposureData struct {
	Pass string `json:"pass"`
}

func main() {
	socketPath := "/tmp/darkroomctl.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	env, err := buildEnvelope(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if env == nil {
		return
	}

	if err := sendEnvelope(socketPath, *env); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("ok")
}

func buildEnvelope(args []string) (*EventEnvelope, error) {
	wrap := func(t string, v any) (*EventEnvelope, error) {
		env := EventEnvelope{Type: t}
		if v != nil {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal %s: %w", t, err)
			}
			env.Data = data
		}
		return &env, nil
	}

	switch args[0] {
	case "start":
		data := startExposureData{Origin: "darkroom-ctl"}
		if len(args) > 1 {
			secs, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid seconds: %v", err)
			}
			data.DurationSeconds = secs
		}
		return wrap("start_exposure", data)

	case "stop", "cancel":
		return wrap("stop_exposure", nil)

	case "next":
		return wrap("next_step", nil)

	case "repeat":
		return wrap("repeat_step", nil)

	case "reset":
		return wrap("reset_sequence", nil)

	case "base":
		if len(args) < 2 {
			return nil, fmt.Errorf("base requires a seconds value")
		}
		secs, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seconds: %v", err)
		}
		return wrap("set_base_time", setBaseTimeData{Seconds: secs})

	case "stop-adjust", "adjust":
		if len(args) < 2 {
			return nil, fmt.Errorf("stop-adjust requires a stop value")
		}
		stop, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid stop value: %v", err)
		}
		return wrap("adjust_stop", adjustStopData{Stop: stop})

	case "split":
		if len(args) < 3 {
			return nil, fmt.Errorf("split requires highlight and shadow lux readings")
		}
		hi, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid highlight lux: %v", err)
		}
		sh, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shadow lux: %v", err)
		}
		m := measurementData{HighlightLux: hi, ShadowLux: sh}
		if len(args) > 3 {
			n, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid neutral lux: %v", err)
			}
			m.NeutralLux = n
		}
		return wrap("calculate_split", calculateSplitData{Measurement: m})

	case "expose-split":
		if len(args) < 2 || (args[1] != "soft" && args[1] != "hard") {
			return nil, fmt.Errorf("expose-split requires 'soft' or 'hard'")
		}
		return wrap("start_split_exposure", startSplitExposureData{Pass: args[1]})

	case "safelight":
		return wrap("toggle_safelight", nil)

	case "refresh":
		return wrap("refresh_relays", nil)

	case "help", "-h", "--help":
		printUsage()
		return nil, nil

	default:
		printUsage()
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func sendEnvelope(socketPath string, env EventEnvelope) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var response IPCResponse
	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if response.Status == "error" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}

	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `darkroom-ctl - Control the darkroomctl daemon via IPC

Usage:
  darkroom-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/darkroomctl.sock)

Commands:
  start [seconds]           Start an exposure (default: current step time)
  stop, cancel              Cancel the countdown or stop a running exposure
  next                      Advance to the next sequence step
  repeat                    Re-arm the finished step without advancing
  reset                     Reset the sequence to step 1
  base <seconds>            Set the base exposure time
  stop-adjust <stops>       Set the step time to base x 2^stops (e.g. 0.5, -1)
  split <hi> <sh> [neutral] Calculate a split-grade pair from lux readings
  expose-split soft|hard    Expose one pass of the last split calculation
  safelight                 Toggle the safelight relay
  refresh                   Re-query relay states
  help, -h, --help          Show this help message

Examples:
  darkroom-ctl base 10
  darkroom-ctl start
  darkroom-ctl split 100 400
  darkroom-ctl expose-split soft
  darkroom-ctl -socket /var/run/darkroomctl.sock stop
`)
}
