package main

// Relay channel assignments (BCM GPIO numbers on the relay server).
const (
	defaultEnlargerChannel  = 14
	defaultSafelightChannel = 17
)

// Timing engine configuration
const (
	defaultUpdateHz = 10 // Tick loop frequency (Hz)

	// The relay server schedules timed exposures slightly in the future so
	// client countdowns and the hardware switch the same instant. Used as the
	// local fallback zero-point when the server omits start_at.
	syncDelayMS = 150

	// restoreBufferMS pads the safelight restore deadline past the nominal
	// exposure end, covering relay switching latency and timer jitter.
	restoreBufferMS = 500

	defaultRelayTimeoutMS = 3000 // Total delivery budget per relay command (ms)

	defaultCountdownSeconds = 3.0  // Pre-exposure countdown
	defaultBaseSeconds      = 10.0 // Sequencer base exposure
	defaultStepStop         = 0.5  // Sequencer per-step increment (stops)
	defaultStopDenominator  = 2    // Stop display fractions: 1/2, 1/3 or 1/4
	defaultBeepLastSeconds  = 3    // "last-seconds" pattern window
)

// Linux input event types and values (from <linux/input.h>). USB footswitches
// enumerate as keyboards; which key a pedal emits is vendor-programmable, so
// the codes are configurable and these are only defaults.
const (
	evKey = 0x01

	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2

	defaultFootswitchExposeKey    = 57 // KEY_SPACE
	defaultFootswitchSafelightKey = 30 // KEY_A
)

// Split-grade defaults. Calibration is lux-seconds for the attached meter;
// guardrails follow typical enlarger practice: under ~2s the shutter ramp
// dominates, over ~120s reciprocity failure does.
const (
	defaultCalibration      = 1000.0
	defaultMinExposureSec   = 2.0
	defaultMaxExposureSec   = 120.0
	defaultMaxExposureRatio = 10.0
)
