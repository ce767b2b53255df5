package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the darkroomctl daemon.
//
// The config file is the primary configuration surface; flags exist for
// small overrides and environments where a file is awkward. Defaults and
// validation are centralized here so the rest of the code can assume a
// well-formed config.
type Config struct {
	// Relay server (enlarger/safelight switching)
	Relay RelayConfig `yaml:"relay"`

	// Timing engine
	Timer TimerConfig `yaml:"timer"`

	// Pre-exposure countdown
	Countdown CountdownConfig `yaml:"countdown"`

	// Split-grade calculator
	SplitGrade SplitGradeConfig `yaml:"splitgrade"`

	// Footswitch / pedal input (optional)
	Footswitch FootswitchConfig `yaml:"footswitch"`

	// IPC socket
	IPC IPCConfig `yaml:"ipc"`

	// State websocket server
	StateWS StateWSConfig `yaml:"state_ws"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type RelayConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username,omitempty"`
	// PasswordFile keeps the credential out of the config file proper.
	PasswordFile string `yaml:"password_file,omitempty"`
	TimeoutMS    int    `yaml:"timeout_ms"`

	EnlargerGPIO  int `yaml:"enlarger_gpio"`
	SafelightGPIO int `yaml:"safelight_gpio"`

	// SafelightControl enables automatic safelight suppression around
	// exposures.
	SafelightControl bool `yaml:"safelight_control"`

	// RequireConfirmation aborts an exposure whose enlarger timed-ON was
	// never confirmed by the relay server. Off by default: an unconfirmed
	// command may still have fired, so the clock keeps running and only a
	// warning is raised.
	RequireConfirmation bool `yaml:"require_confirmation"`
}

type TimerConfig struct {
	UpdateHz        int     `yaml:"update_hz"`
	BaseSeconds     float64 `yaml:"base_seconds"`
	StepStop        float64 `yaml:"step_stop"`
	StopDenominator int     `yaml:"stop_denominator"`
	// Overlap is "reject", "queue" or "preempt".
	Overlap         string `yaml:"overlap"`
	RestoreBufferMS int    `yaml:"restore_buffer_ms"`
}

type CountdownConfig struct {
	Seconds float64 `yaml:"seconds"`
	// BeepPattern is "every-second", "last-seconds" or "none".
	BeepPattern     string `yaml:"beep_pattern"`
	BeepLastSeconds int    `yaml:"beep_last_seconds"`
	// Metronome beeps during the exposure itself, same pattern values as
	// beep_pattern.
	Metronome string  `yaml:"metronome"`
	Volume    float64 `yaml:"volume"`
	Audio     bool    `yaml:"audio"`
}

type SplitGradeConfig struct {
	Calibration float64 `yaml:"calibration"`
	Paper       string  `yaml:"paper"`
	// PairPolicy is "fixed" or "contrast".
	PairPolicy string `yaml:"pair_policy"`
	// TotalPolicy is "average" or "neutral".
	TotalPolicy string `yaml:"total_policy"`

	// PapersFile optionally overrides/extends the built-in paper profiles.
	PapersFile string `yaml:"papers_file,omitempty"`

	Limits ExposureLimits `yaml:"limits"`
}

// FootswitchConfig maps Linux input devices (USB footswitches enumerate as
// keyboards) to timer actions. Empty devices list disables the reader.
type FootswitchConfig struct {
	Devices []string `yaml:"devices,omitempty"`
	// ExposeKey starts the current step when idle and stops otherwise.
	ExposeKey int `yaml:"expose_key"`
	// SafelightKey toggles the safelight relay.
	SafelightKey int `yaml:"safelight_key"`
}

// Enabled reports whether any input device is configured.
func (f FootswitchConfig) Enabled() bool { return len(f.Devices) > 0 }

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StateWSConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Relay: RelayConfig{
			BaseURL:          "http://darkroom-relay.local",
			TimeoutMS:        defaultRelayTimeoutMS,
			EnlargerGPIO:     defaultEnlargerChannel,
			SafelightGPIO:    defaultSafelightChannel,
			SafelightControl: true,
		},
		Timer: TimerConfig{
			UpdateHz:        defaultUpdateHz,
			BaseSeconds:     defaultBaseSeconds,
			StepStop:        defaultStepStop,
			StopDenominator: defaultStopDenominator,
			Overlap:         string(OverlapReject),
			RestoreBufferMS: restoreBufferMS,
		},
		Countdown: CountdownConfig{
			Seconds:         defaultCountdownSeconds,
			BeepPattern:     string(BeepEverySecond),
			BeepLastSeconds: defaultBeepLastSeconds,
			Metronome:       string(BeepNone),
			Volume:          0.5,
			Audio:           true,
		},
		SplitGrade: SplitGradeConfig{
			Calibration: defaultCalibration,
			Paper:       string(defaultPaperBrand),
			PairPolicy:  string(PairPolicyContrast),
			TotalPolicy: string(TotalPolicyAverage),
			Limits: ExposureLimits{
				MinSeconds: defaultMinExposureSec,
				MaxSeconds: defaultMaxExposureSec,
				MaxRatio:   defaultMaxExposureRatio,
			},
		},
		Footswitch: FootswitchConfig{
			ExposeKey:    defaultFootswitchExposeKey,
			SafelightKey: defaultFootswitchSafelightKey,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/darkroomctl.sock",
		},
		StateWS: StateWSConfig{
			Addr: ":8091",
			Path: "/ws/state",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments may follow the document. Any second document
	// either decodes (err == nil) or trips strict decoding; io.EOF is the one
	// outcome that means the stream is clean.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies flag values on top of a loaded config. Each override
// is applied only when the pointer is non-nil; main.go decides which flags
// exist.
type FlagOverrides struct {
	RelayBaseURL   *string
	RelayTimeoutMS *int

	TimerUpdateHz    *int
	TimerBaseSeconds *float64

	CountdownSeconds *float64

	IPCSocketPath *string
	StateWSAddr   *string

	LogLevel *string
}

// Apply merges the overrides into cfg. Nil pointers are ignored.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.RelayBaseURL != nil {
		cfg.Relay.BaseURL = *o.RelayBaseURL
	}
	if o.RelayTimeoutMS != nil {
		cfg.Relay.TimeoutMS = *o.RelayTimeoutMS
	}
	if o.TimerUpdateHz != nil {
		cfg.Timer.UpdateHz = *o.TimerUpdateHz
	}
	if o.TimerBaseSeconds != nil {
		cfg.Timer.BaseSeconds = *o.TimerBaseSeconds
	}
	if o.CountdownSeconds != nil {
		cfg.Countdown.Seconds = *o.CountdownSeconds
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StateWSAddr != nil {
		cfg.StateWS.Addr = *o.StateWSAddr
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.Relay.BaseURL == "" {
		return errors.New("relay.base_url must not be empty")
	}
	if c.Relay.TimeoutMS <= 0 {
		return errors.New("relay.timeout_ms must be > 0")
	}
	if c.Relay.EnlargerGPIO < 0 || c.Relay.SafelightGPIO < 0 {
		return errors.New("relay gpio numbers must be >= 0")
	}
	if c.Relay.EnlargerGPIO == c.Relay.SafelightGPIO {
		return errors.New("relay.enlarger_gpio and relay.safelight_gpio must differ")
	}

	if c.Timer.UpdateHz <= 0 || c.Timer.UpdateHz > 1000 {
		return errors.New("timer.update_hz must be between 1 and 1000")
	}
	if c.Timer.BaseSeconds <= 0 {
		return errors.New("timer.base_seconds must be > 0")
	}
	switch c.Timer.StopDenominator {
	case 2, 3, 4:
	default:
		return errors.New("timer.stop_denominator must be 2, 3 or 4")
	}
	switch OverlapPolicy(c.Timer.Overlap) {
	case OverlapReject, OverlapQueue, OverlapPreempt:
	default:
		return fmt.Errorf("timer.overlap must be %q, %q or %q", OverlapReject, OverlapQueue, OverlapPreempt)
	}
	if c.Timer.RestoreBufferMS < 0 {
		return errors.New("timer.restore_buffer_ms must be >= 0")
	}

	if c.Countdown.Seconds < 0 {
		return errors.New("countdown.seconds must be >= 0")
	}
	switch BeepPattern(c.Countdown.BeepPattern) {
	case BeepEverySecond, BeepLastSeconds, BeepNone:
	default:
		return fmt.Errorf("countdown.beep_pattern must be %q, %q or %q", BeepEverySecond, BeepLastSeconds, BeepNone)
	}
	if c.Countdown.BeepLastSeconds < 0 {
		return errors.New("countdown.beep_last_seconds must be >= 0")
	}
	switch BeepPattern(c.Countdown.Metronome) {
	case BeepEverySecond, BeepLastSeconds, BeepNone:
	default:
		return fmt.Errorf("countdown.metronome must be %q, %q or %q", BeepEverySecond, BeepLastSeconds, BeepNone)
	}
	if c.Countdown.Volume < 0 || c.Countdown.Volume > 1 {
		return errors.New("countdown.volume must be between 0 and 1")
	}

	if c.SplitGrade.Calibration <= 0 {
		return errors.New("splitgrade.calibration must be > 0")
	}
	if c.SplitGrade.Paper == "" {
		return errors.New("splitgrade.paper must not be empty")
	}
	switch PairPolicy(c.SplitGrade.PairPolicy) {
	case PairPolicyFixed, PairPolicyContrast:
	default:
		return fmt.Errorf("splitgrade.pair_policy must be %q or %q", PairPolicyFixed, PairPolicyContrast)
	}
	switch TotalPolicy(c.SplitGrade.TotalPolicy) {
	case TotalPolicyAverage, TotalPolicyNeutral:
	default:
		return fmt.Errorf("splitgrade.total_policy must be %q or %q", TotalPolicyAverage, TotalPolicyNeutral)
	}
	if lim := c.SplitGrade.Limits; lim.MinSeconds < 0 || lim.MaxSeconds < 0 || lim.MaxRatio < 0 {
		return errors.New("splitgrade.limits values must be >= 0")
	}
	if lim := c.SplitGrade.Limits; lim.MinSeconds > 0 && lim.MaxSeconds > 0 && lim.MinSeconds > lim.MaxSeconds {
		return errors.New("splitgrade.limits.min_seconds must be <= max_seconds")
	}

	if c.Footswitch.Enabled() {
		if c.Footswitch.ExposeKey <= 0 || c.Footswitch.SafelightKey <= 0 {
			return errors.New("footswitch key codes must be > 0")
		}
		if c.Footswitch.ExposeKey == c.Footswitch.SafelightKey {
			return errors.New("footswitch.expose_key and footswitch.safelight_key must differ")
		}
		for _, dev := range c.Footswitch.Devices {
			if dev == "" {
				return errors.New("footswitch.devices entries must not be empty")
			}
		}
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.StateWS.Addr == "" {
		return errors.New("state_ws.addr must not be empty")
	}
	if c.StateWS.Path == "" {
		return errors.New("state_ws.path must not be empty")
	}
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

// ToReducerConfig assembles the reducer's static policy from the file
// config and the resolved paper profile.
func (c *Config) ToReducerConfig(paper *PaperProfile) ReducerConfig {
	return ReducerConfig{
		EnlargerChannel:  c.Relay.EnlargerGPIO,
		SafelightChannel: c.Relay.SafelightGPIO,

		StopDenominator:  c.Timer.StopDenominator,
		DefaultCountdown: secondsToDuration(c.Countdown.Seconds),

		BeepPattern:     BeepPattern(c.Countdown.BeepPattern),
		BeepLastSeconds: c.Countdown.BeepLastSeconds,
		Metronome:       BeepPattern(c.Countdown.Metronome),

		Overlap:       OverlapPolicy(c.Timer.Overlap),
		RestoreBuffer: time.Duration(c.Timer.RestoreBufferMS) * time.Millisecond,

		SafelightControl:    c.Relay.SafelightControl,
		RequireConfirmation: c.Relay.RequireConfirmation,

		Split: SplitGradeParams{
			Calibration: c.SplitGrade.Calibration,
			PairPolicy:  PairPolicy(c.SplitGrade.PairPolicy),
			TotalPolicy: TotalPolicy(c.SplitGrade.TotalPolicy),
			Limits:      c.SplitGrade.Limits,
		},
		Paper: paper,
	}
}

// RelayPassword resolves the relay credential from password_file, if set.
func (c *Config) RelayPassword() (string, error) {
	if c.Relay.PasswordFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(ExpandPath(c.Relay.PasswordFile))
	if err != nil {
		return "", fmt.Errorf("read relay password file: %w", err)
	}
	return string(bytes.TrimSpace(b)), nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
