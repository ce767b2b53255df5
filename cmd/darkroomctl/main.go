package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("darkroomctl v%s\n", version)
	fmt.Println("F-stop enlarger timer and exposure calculation daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  darkroomctl [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that drives a GPIO relay server (enlarger + safelight) with")
	fmt.Println("  drift-corrected f-stop exposure timing, split-grade calculation and")
	fmt.Println("  automatic safelight synchronization. Control via Unix socket IPC")
	fmt.Println("  (darkroom-ctl) and a state WebSocket for timer UIs.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (optional; flags override it)")
	fmt.Println()
	fmt.Println("  -relay-url string")
	fmt.Println("        Relay server base URL (default \"http://darkroom-relay.local\")")
	fmt.Println()
	fmt.Println("  -relay-timeout-ms int")
	fmt.Printf("        Delivery budget per relay command in ms (default %d)\n", defaultRelayTimeoutMS)
	fmt.Println()
	fmt.Println("  -update-hz int")
	fmt.Printf("        Timing loop frequency in Hz (default %d)\n", defaultUpdateHz)
	fmt.Println()
	fmt.Println("  -base-seconds float")
	fmt.Printf("        Sequencer base exposure in seconds (default %.1f)\n", defaultBaseSeconds)
	fmt.Println()
	fmt.Println("  -countdown-seconds float")
	fmt.Printf("        Pre-exposure countdown in seconds (default %.1f)\n", defaultCountdownSeconds)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/darkroomctl.sock\")")
	fmt.Println()
	fmt.Println("  -state-ws-addr string")
	fmt.Println("        State WebSocket listen address (default \":8091\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with a config file")
	fmt.Println("  darkroomctl -config ~/.config/darkroomctl/config.yaml")
	fmt.Println()
	fmt.Println("  # Point at a relay server by IP")
	fmt.Println("  darkroomctl -relay-url http://192.168.4.1")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The relay server must expose /relay, /timer, /status and /ping")
	fmt.Println("  - Exposure countdowns align to the server-reported start instant")
	fmt.Println("  - Footswitch devices (footswitch.devices in the config file) need")
	fmt.Println("    read access to /dev/input (run as root or join the 'input' group)")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath       = flag.String("config", "", "Path to YAML config file")
		relayURL         = flag.String("relay-url", "", "Relay server base URL")
		relayTimeoutMS   = flag.Int("relay-timeout-ms", 0, "Delivery budget per relay command (ms)")
		updateHz         = flag.Int("update-hz", 0, "Timing loop frequency in Hz")
		baseSeconds      = flag.Float64("base-seconds", 0, "Sequencer base exposure in seconds")
		countdownSeconds = flag.Float64("countdown-seconds", -1, "Pre-exposure countdown in seconds")
		ipcSocketPath    = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		stateWSAddr      = flag.String("state-ws-addr", "", "State WebSocket listen address")
		logLevelStr      = flag.String("log-level", "", "Log level: error, warn, info, debug")
		showVersion      = flag.Bool("version", false, "Print version and exit")
		showHelp         = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Defaults, then file, then flags.
	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	overrides := FlagOverrides{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "relay-url":
			overrides.RelayBaseURL = relayURL
		case "relay-timeout-ms":
			overrides.RelayTimeoutMS = relayTimeoutMS
		case "update-hz":
			overrides.TimerUpdateHz = updateHz
		case "base-seconds":
			overrides.TimerBaseSeconds = baseSeconds
		case "countdown-seconds":
			overrides.CountdownSeconds = countdownSeconds
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocketPath
		case "state-ws-addr":
			overrides.StateWSAddr = stateWSAddr
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	// Paper profiles: built-ins plus optional user file.
	papers := DefaultPaperLibrary()
	if cfg.SplitGrade.PapersFile != "" {
		if err := papers.MergeFile(cfg.SplitGrade.PapersFile); err != nil {
			logger.Error("failed to load papers file", "path", cfg.SplitGrade.PapersFile, "error", err)
			os.Exit(1)
		}
	}
	paper, err := papers.Lookup(PaperBrand(cfg.SplitGrade.Paper))
	if err != nil {
		logger.Error("unknown paper", "paper", cfg.SplitGrade.Paper, "available", papers.Brands())
		os.Exit(1)
	}

	// Relay client.
	password, err := cfg.RelayPassword()
	if err != nil {
		logger.Error("relay credentials", "error", err)
		os.Exit(1)
	}
	relay, err := NewRelayClient(cfg.Relay.BaseURL, cfg.Relay.Username, password, cfg.Relay.TimeoutMS, logger)
	if err != nil {
		logger.Error("relay client", "error", err)
		os.Exit(1)
	}

	// Beeper: a failed audio device downgrades to silence, never to a dead
	// daemon.
	var beeper Beeper = NopBeeper{}
	if cfg.Countdown.Audio {
		sb := NewSpeakerBeeper(cfg.Countdown.Volume)
		if err := sb.Initialize(); err != nil {
			logger.Warn("audio device unavailable, beeps disabled", "error", err)
		} else {
			beeper = sb
			defer sb.Cleanup()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Liveness probe; informational only.
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	if err := relay.Ping(pingCtx); err != nil {
		logger.Warn("relay server not reachable yet", "url", cfg.Relay.BaseURL, "error", err)
	}
	cancelPing()

	// Central event bus.
	events := make(chan Event, 64)
	broadcasts := make(chan StateBroadcast, 128)

	state := &DaemonState{}
	state.Seq.BaseSeconds = cfg.Timer.BaseSeconds
	state.Seq.StepStop = cfg.Timer.StepStop
	state.Seq.Reset()

	rc := cfg.ToReducerConfig(paper)

	wsServer := NewServer(logger, events, ServerConfig{})
	mux := http.NewServeMux()
	wsServer.Register(mux, cfg.StateWS.Path)
	httpServer := &http.Server{Addr: cfg.StateWS.Addr, Handler: mux}

	logger.Info("listening",
		"ipc", cfg.IPC.SocketPath,
		"state_ws", cfg.StateWS.Addr+cfg.StateWS.Path,
		"relay", cfg.Relay.BaseURL,
		"update_hz", cfg.Timer.UpdateHz,
		"paper", cfg.SplitGrade.Paper)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runDaemon(ctx, events, relay, beeper, rc, state, cfg.Timer.UpdateHz, broadcasts, logger)
		return nil
	})

	g.Go(func() error {
		return runIPCServer(ctx, cfg.IPC.SocketPath, events, logger)
	})

	if cfg.Footswitch.Enabled() {
		g.Go(func() error {
			return runFootswitch(ctx, cfg.Footswitch, events, logger)
		})
	}

	g.Go(func() error {
		wsServer.Hub().Run(ctx)
		return nil
	})

	g.Go(func() error {
		RunBroadcaster(ctx, wsServer.Hub(), broadcasts, logger)
		return nil
	})

	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
