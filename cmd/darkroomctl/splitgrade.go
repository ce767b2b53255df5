package main

import (
	"fmt"
	"math"
)

// ============================================================================
// Split-grade exposure calculation
// ============================================================================
// Split-grade printing exposes the paper twice: once through a soft filter
// (controls highlight density) and once through a hard filter (controls
// shadow density). The critical invariant is exposure conservation: changing
// the filter pair redistributes exposure between the two passes but must not
// change the total, otherwise every contrast tweak also shifts print density.
// We therefore always normalize the raw pair so soft+hard equals the total
// that a single neutral exposure would have used.
// ============================================================================

// PairPolicy selects how the soft/hard filter pair is chosen.
type PairPolicy string

const (
	// PairPolicyFixed uses the paper system's extreme pair (softest+hardest).
	PairPolicyFixed PairPolicy = "fixed"
	// PairPolicyContrast picks the pair from the measured ΔEV through the
	// paper's contrast rule table.
	PairPolicyContrast PairPolicy = "contrast"
)

// TotalPolicy selects how the no-split target total is derived.
type TotalPolicy string

const (
	// TotalPolicyAverage derives the target from the mean of the two
	// readings: calibration / ((highlight+shadow)/2).
	TotalPolicyAverage TotalPolicy = "average"
	// TotalPolicyNeutral derives the target from a separate neutral reading.
	TotalPolicyNeutral TotalPolicy = "neutral"
)

// SplitGradeMeasurement is a pair of light readings off the easel.
// Shadow areas of the print are thin on the negative and usually read higher
// than highlights, but the math never assumes an ordering.
type SplitGradeMeasurement struct {
	HighlightLux float64 `json:"highlight_lux"`
	ShadowLux    float64 `json:"shadow_lux"`
	// NeutralLux is an optional mid-tone reading, required only by
	// TotalPolicyNeutral.
	NeutralLux float64 `json:"neutral_lux,omitempty"`
}

// ExposureLimits are the guardrails applied to the raw pair before
// normalization, after the Heiland-style optimizer: very short exposures are
// impossible to dodge, very long ones invite reciprocity failure, and a
// grossly lopsided pair means the chosen filters don't match the negative.
type ExposureLimits struct {
	MinSeconds float64 `yaml:"min_seconds"`
	MaxSeconds float64 `yaml:"max_seconds"`
	MaxRatio   float64 `yaml:"max_ratio"`
}

// SplitGradeParams configures one calculation.
type SplitGradeParams struct {
	// Calibration is the meter constant in lux-seconds; must be > 0.
	Calibration float64
	PairPolicy  PairPolicy
	TotalPolicy TotalPolicy
	// SoftOverride/HardOverride, when non-empty, bypass pair selection.
	SoftOverride FilterGrade
	HardOverride FilterGrade
	Limits       ExposureLimits
}

// SplitGradeResult is the computed exposure pair. TotalSeconds always equals
// SoftSeconds+HardSeconds and stays at the calibration-derived target no
// matter which filters were chosen.
type SplitGradeResult struct {
	SoftFilter FilterID `json:"soft_filter"`
	HardFilter FilterID `json:"hard_filter"`

	SoftSeconds  float64 `json:"soft_seconds"`
	HardSeconds  float64 `json:"hard_seconds"`
	TotalSeconds float64 `json:"total_seconds"`
	TargetTotal  float64 `json:"target_total"`

	DeltaEV            float64 `json:"delta_ev"`
	NormalizationScale float64 `json:"normalization_scale"`
	SoftPercent        float64 `json:"soft_percent"`
	HardPercent        float64 `json:"hard_percent"`
	RecommendedPercent float64 `json:"recommended_soft_percent"`

	ContrastLevel       string `json:"contrast_level"`
	OptimizationApplied bool   `json:"optimization_applied"`
}

// DeltaEV computes the contrast range between two readings as an absolute
// base-2 log ratio, so swapping the probe labels cannot flip the sign.
func DeltaEV(highlightLux, shadowLux float64) (float64, error) {
	if highlightLux <= 0 {
		return 0, fmt.Errorf("%w: highlight reading %g", ErrInvalidMeasurement, highlightLux)
	}
	if shadowLux <= 0 {
		return 0, fmt.Errorf("%w: shadow reading %g", ErrInvalidMeasurement, shadowLux)
	}
	return math.Abs(math.Log2(shadowLux / highlightLux)), nil
}

// CalculateSplitGrade computes a soft/hard exposure pair for the given
// measurement, paper and parameters.
func CalculateSplitGrade(m SplitGradeMeasurement, params SplitGradeParams, paper *PaperProfile) (SplitGradeResult, error) {
	var res SplitGradeResult

	deltaEV, err := DeltaEV(m.HighlightLux, m.ShadowLux)
	if err != nil {
		return res, err
	}
	if params.Calibration <= 0 {
		return res, fmt.Errorf("%w: calibration %g", ErrNotCalibrated, params.Calibration)
	}
	if paper == nil {
		return res, fmt.Errorf("%w: no paper profile", ErrFilterNotFound)
	}

	// Pair selection.
	var soft, hard FilterID
	level := "custom"
	switch {
	case params.SoftOverride != "" && params.HardOverride != "":
		soft = FilterID{paper.Brand, params.SoftOverride}
		hard = FilterID{paper.Brand, params.HardOverride}
	case params.PairPolicy == PairPolicyContrast:
		soft, hard, level = paper.PairForContrast(deltaEV)
	default:
		soft, hard = paper.FixedPair()
		level = "fixed"
	}

	softFactor, err := paper.FilterFactor(soft.Grade)
	if err != nil {
		return res, err
	}
	hardFactor, err := paper.FilterFactor(hard.Grade)
	if err != nil {
		return res, err
	}

	// Raw, un-normalized times: the soft pass is metered off the highlight
	// reading, the hard pass off the shadow reading.
	rawSoft := (params.Calibration / m.HighlightLux) * softFactor
	rawHard := (params.Calibration / m.ShadowLux) * hardFactor

	rawSoft, rawHard, optimized := applyExposureLimits(rawSoft, rawHard, params.Limits)

	// No-split target total: the exposure a single neutral pass would use.
	var targetTotal float64
	switch params.TotalPolicy {
	case TotalPolicyNeutral:
		if m.NeutralLux <= 0 {
			return res, fmt.Errorf("%w: neutral reading %g", ErrInvalidMeasurement, m.NeutralLux)
		}
		targetTotal = params.Calibration / m.NeutralLux
	default:
		targetTotal = params.Calibration / ((m.HighlightLux + m.ShadowLux) / 2)
	}

	scale := 1.0
	if rawTotal := rawSoft + rawHard; rawTotal > 0 {
		scale = targetTotal / rawTotal
	}

	res.SoftFilter = soft
	res.HardFilter = hard
	res.SoftSeconds = rawSoft * scale
	res.HardSeconds = rawHard * scale
	res.TotalSeconds = res.SoftSeconds + res.HardSeconds
	res.TargetTotal = targetTotal
	res.DeltaEV = deltaEV
	res.NormalizationScale = scale
	res.ContrastLevel = level
	res.OptimizationApplied = optimized
	res.RecommendedPercent = paper.SplitPercentForContrast(deltaEV)

	if res.TotalSeconds > 0 {
		res.SoftPercent = res.SoftSeconds / res.TotalSeconds * 100
		res.HardPercent = res.HardSeconds / res.TotalSeconds * 100
	} else {
		res.SoftPercent, res.HardPercent = 50, 50
	}

	return res, nil
}

// applyExposureLimits clamps the raw pair to the configured range and caps
// the soft/hard ratio by pulling the longer exposure in. Zero limits disable
// the corresponding guardrail.
func applyExposureLimits(soft, hard float64, lim ExposureLimits) (float64, float64, bool) {
	applied := false

	clamp := func(v float64) float64 {
		if lim.MinSeconds > 0 && v < lim.MinSeconds {
			applied = true
			return lim.MinSeconds
		}
		if lim.MaxSeconds > 0 && v > lim.MaxSeconds {
			applied = true
			return lim.MaxSeconds
		}
		return v
	}
	soft = clamp(soft)
	hard = clamp(hard)

	if lim.MaxRatio > 1 && soft > 0 && hard > 0 {
		longer, shorter := soft, hard
		if hard > soft {
			longer, shorter = hard, soft
		}
		if longer/shorter > lim.MaxRatio {
			applied = true
			longer = shorter * lim.MaxRatio
			if soft > hard {
				soft = longer
			} else {
				hard = longer
			}
		}
	}

	return soft, hard, applied
}
