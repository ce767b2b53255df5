package main

import "errors"

// Error taxonomy for the exposure engine.
//
// Computation errors (invalid config, invalid measurement, unknown filter,
// missing calibration) are surfaced synchronously and never defaulted: a
// miscalculated exposure ruins a print, so the action is blocked instead.
// Relay errors are non-fatal warnings that trigger the safelight restore
// path. ErrSequenceState indicates a caller bug, not a recoverable condition.
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidMeasurement = errors.New("measurement must be greater than zero")
	ErrFilterNotFound     = errors.New("filter grade not available for paper")
	ErrNotCalibrated      = errors.New("calibration constant not configured")
	ErrRelayTimeout       = errors.New("relay transport exhausted all delivery strategies")
	ErrRelayRejected      = errors.New("relay device reported failure")
	ErrSequenceState      = errors.New("invalid sequence transition")
)
