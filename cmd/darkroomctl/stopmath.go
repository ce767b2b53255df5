package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// Fractional f-stop <-> time conversion
// ============================================================================
// Exposure adjustments in the darkroom are expressed in stops: +1 stop
// doubles the exposure time, -1 stop halves it. The UI works in fractional
// stops (halves, thirds or quarters depending on the configured denominator)
// and these helpers are the single source of truth for the conversion, so
// displayed and logged values re-derive bit-for-bit.
// ============================================================================

// Fraction glyphs keyed by denominator and numerator.
// Only denominators 2, 3 and 4 are supported (half/third/quarter stops).
var stopGlyphs = map[int]map[int]string{
	2: {1: "½"},
	3: {1: "⅓", 2: "⅔"},
	4: {1: "¼", 2: "½", 3: "¾"},
}

// TimeForStop computes base × 2^stop.
// base must be > 0; stop is unbounded (callers clamp to their slider range).
func TimeForStop(base, stop float64) (float64, error) {
	if base <= 0 {
		return 0, fmt.Errorf("%w: base time must be > 0, got %g", ErrInvalidConfig, base)
	}
	return base * math.Exp2(stop), nil
}

// StopForTime is the inverse of TimeForStop: log2(t/base).
func StopForTime(base, t float64) (float64, error) {
	if base <= 0 {
		return 0, fmt.Errorf("%w: base time must be > 0, got %g", ErrInvalidConfig, base)
	}
	if t <= 0 {
		return 0, fmt.Errorf("%w: time must be > 0, got %g", ErrInvalidConfig, t)
	}
	return math.Log2(t / base), nil
}

// FormatStop renders a stop value as integer part plus a fraction glyph,
// e.g. 1.333 with denominator 3 renders "1⅓" and -0.5 with denominator 2
// renders "-½". A zero fractional remainder renders as a plain decimal
// ("1.0"), matching how whole stops are displayed.
func FormatStop(stop float64, denominator int) (string, error) {
	if _, ok := stopGlyphs[denominator]; !ok {
		return "", fmt.Errorf("%w: stop denominator must be 2, 3 or 4, got %d", ErrInvalidConfig, denominator)
	}

	// Snap to the nearest representable fraction. Stops are always expressed
	// as signed multiples of 1/denominator.
	units := int(math.Round(stop * float64(denominator)))
	whole := units / denominator
	frac := units % denominator

	if frac == 0 {
		return strconv.FormatFloat(float64(whole), 'f', 1, 64), nil
	}

	neg := frac < 0
	if neg {
		frac = -frac
	}
	glyph := stopGlyphs[denominator][frac]

	var b strings.Builder
	if neg && whole == 0 {
		b.WriteByte('-')
	}
	if whole != 0 {
		b.WriteString(strconv.Itoa(whole))
	}
	b.WriteString(glyph)
	return b.String(), nil
}

// ParseStop is the inverse of FormatStop. It accepts plain decimals ("1.0",
// "-0.5") and glyph forms ("1⅓", "-¾") and returns the numeric stop value.
func ParseStop(s string, denominator int) (float64, error) {
	glyphs, ok := stopGlyphs[denominator]
	if !ok {
		return 0, fmt.Errorf("%w: stop denominator must be 2, 3 or 4, got %d", ErrInvalidConfig, denominator)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty stop value", ErrInvalidConfig)
	}

	// Find a trailing glyph, if any.
	for num, glyph := range glyphs {
		rest, found := strings.CutSuffix(s, glyph)
		if !found {
			continue
		}
		frac := float64(num) / float64(denominator)
		if rest == "" {
			return frac, nil
		}
		if rest == "-" {
			return -frac, nil
		}
		whole, err := strconv.Atoi(rest)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed stop %q", ErrInvalidConfig, s)
		}
		if whole < 0 || strings.HasPrefix(rest, "-") {
			return float64(whole) - frac, nil
		}
		return float64(whole) + frac, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed stop %q", ErrInvalidConfig, s)
	}
	return v, nil
}
