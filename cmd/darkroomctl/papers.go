package main

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// Paper profiles and filter grades
// ============================================================================
// Variable-contrast papers are printed through contrast filters; each grade
// has an exposure factor (how much the filter eats) relative to unfiltered
// light. Grades used to float around as bare strings ("00", "2xM2"); here a
// filter is always a typed (brand, grade) pair resolved through the profile
// table, and an unknown grade is a typed ErrFilterNotFound, never a NaN.
//
// Built-in factors follow the Ilford Multigrade and FOMA datasheets. A user
// papers file can override or extend the table.
// ============================================================================

// PaperBrand identifies a paper/filter system.
type PaperBrand string

const (
	PaperIlfordMGIV   PaperBrand = "ilford_mg_iv"
	PaperFomaspeed    PaperBrand = "foma_fomaspeed"
	PaperFomatone     PaperBrand = "foma_fomatone"
	defaultPaperBrand            = PaperIlfordMGIV
)

// FilterGrade is a contrast filter designation within a brand's system
// (Ilford "00".."5", FOMA "2xY".."2xM2").
type FilterGrade string

// FilterID names one concrete filter: brand plus grade.
type FilterID struct {
	Brand PaperBrand  `json:"brand" yaml:"brand"`
	Grade FilterGrade `json:"grade" yaml:"grade"`
}

func (f FilterID) String() string { return string(f.Brand) + "/" + string(f.Grade) }

// FilterSpec describes one grade of a paper system.
type FilterSpec struct {
	// Factor is the exposure multiplier for this filter (>= 0, typically
	// 0.3..5.0): exposure time through the filter = unfiltered time × Factor.
	Factor float64 `yaml:"factor"`
	// ISOR is the manufacturer's ISO(R) contrast range figure, kept for
	// display.
	ISOR int `yaml:"iso_r"`
	// Description is the datasheet wording ("Very soft - highlights only").
	Description string `yaml:"description,omitempty"`
}

// ContrastRule maps a measured contrast band to a recommended filter pair.
// Rules are ordered by MaxEV; the first rule whose MaxEV exceeds the measured
// ΔEV applies. SoftPercent is the recommended share of total exposure given
// to the soft filter at the band's upper bound; it is interpolated linearly
// between neighbouring rules and clamped at the table boundary.
type ContrastRule struct {
	MaxEV       float64     `yaml:"max_ev"`
	Soft        FilterGrade `yaml:"soft"`
	Hard        FilterGrade `yaml:"hard"`
	SoftPercent float64     `yaml:"soft_percent"`
	Level       string      `yaml:"level"`
}

// PaperProfile is one paper's filter system: factor table, the extreme pair
// used by the fixed-pair policy, and the contrast-driven selection rules.
type PaperProfile struct {
	Brand        PaperBrand                 `yaml:"brand"`
	Manufacturer string                     `yaml:"manufacturer"`
	Name         string                     `yaml:"name"`
	Filters      map[FilterGrade]FilterSpec `yaml:"filters"`
	Softest      FilterGrade                `yaml:"softest"`
	Hardest      FilterGrade                `yaml:"hardest"`
	Rules        []ContrastRule             `yaml:"rules"`
}

// FilterFactor resolves the exposure factor for a grade.
func (p *PaperProfile) FilterFactor(grade FilterGrade) (float64, error) {
	spec, ok := p.Filters[grade]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no grade %q", ErrFilterNotFound, p.Brand, grade)
	}
	return spec.Factor, nil
}

// FixedPair returns the brand's standard extreme soft/hard pair.
func (p *PaperProfile) FixedPair() (soft, hard FilterID) {
	return FilterID{p.Brand, p.Softest}, FilterID{p.Brand, p.Hardest}
}

// PairForContrast selects a filter pair from the measured ΔEV via the rule
// table. ΔEV beyond the last rule clamps to it.
func (p *PaperProfile) PairForContrast(deltaEV float64) (soft, hard FilterID, level string) {
	rule := p.Rules[len(p.Rules)-1]
	for _, r := range p.Rules {
		if deltaEV < r.MaxEV {
			rule = r
			break
		}
	}
	return FilterID{p.Brand, rule.Soft}, FilterID{p.Brand, rule.Hard}, rule.Level
}

// SplitPercentForContrast interpolates the recommended soft-exposure share
// for a measured ΔEV. Outside the rule table's domain the boundary value is
// returned.
func (p *PaperProfile) SplitPercentForContrast(deltaEV float64) float64 {
	rules := p.Rules
	if len(rules) == 0 {
		return 50
	}
	if deltaEV <= rules[0].MaxEV {
		return rules[0].SoftPercent
	}
	for i := 1; i < len(rules); i++ {
		lo, hi := rules[i-1], rules[i]
		if deltaEV <= hi.MaxEV {
			span := hi.MaxEV - lo.MaxEV
			if span <= 0 {
				return hi.SoftPercent
			}
			t := (deltaEV - lo.MaxEV) / span
			return lo.SoftPercent + t*(hi.SoftPercent-lo.SoftPercent)
		}
	}
	return rules[len(rules)-1].SoftPercent
}

// PaperLibrary is the set of known paper profiles.
type PaperLibrary struct {
	papers map[PaperBrand]*PaperProfile
}

// Lookup returns the profile for a brand.
func (l *PaperLibrary) Lookup(brand PaperBrand) (*PaperProfile, error) {
	p, ok := l.papers[brand]
	if !ok {
		return nil, fmt.Errorf("%w: unknown paper %q", ErrFilterNotFound, brand)
	}
	return p, nil
}

// Brands lists the available papers, sorted for stable display.
func (l *PaperLibrary) Brands() []PaperBrand {
	out := make([]PaperBrand, 0, len(l.papers))
	for b := range l.papers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MergeFile loads additional paper profiles from a YAML file, overriding
// built-ins with the same brand.
func (l *PaperLibrary) MergeFile(path string) error {
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return fmt.Errorf("read papers file: %w", err)
	}
	var papers []PaperProfile
	if err := yaml.Unmarshal(b, &papers); err != nil {
		return fmt.Errorf("decode papers yaml: %w", err)
	}
	for i := range papers {
		p := papers[i]
		if p.Brand == "" || len(p.Filters) == 0 {
			return fmt.Errorf("%w: papers file entry %d needs brand and filters", ErrInvalidConfig, i)
		}
		l.papers[p.Brand] = &papers[i]
	}
	return nil
}

// DefaultPaperLibrary builds the built-in profiles.
func DefaultPaperLibrary() *PaperLibrary {
	lib := &PaperLibrary{papers: make(map[PaperBrand]*PaperProfile)}

	lib.papers[PaperIlfordMGIV] = &PaperProfile{
		Brand:        PaperIlfordMGIV,
		Manufacturer: "Ilford",
		Name:         "Multigrade IV RC",
		Filters: map[FilterGrade]FilterSpec{
			"00": {Factor: 1.6, ISOR: 180, Description: "Very soft - highlights only"},
			"0":  {Factor: 1.4, ISOR: 160, Description: "Soft"},
			"1":  {Factor: 1.3, ISOR: 130, Description: "Normal-soft"},
			"2":  {Factor: 1.1, ISOR: 110, Description: "Normal"},
			"3":  {Factor: 0.9, ISOR: 90, Description: "Normal-hard"},
			"4":  {Factor: 0.6, ISOR: 60, Description: "Hard"},
			"5":  {Factor: 0.4, ISOR: 40, Description: "Very hard - shadows only"},
		},
		Softest: "00",
		Hardest: "5",
		Rules: []ContrastRule{
			{MaxEV: 1.0, Soft: "1", Hard: "2", SoftPercent: 50, Level: "very_low"},
			{MaxEV: 1.5, Soft: "00", Hard: "2", SoftPercent: 54, Level: "low"},
			{MaxEV: 2.0, Soft: "00", Hard: "3", SoftPercent: 58, Level: "medium_low"},
			{MaxEV: 2.5, Soft: "00", Hard: "3", SoftPercent: 61, Level: "normal"},
			{MaxEV: 3.0, Soft: "00", Hard: "4", SoftPercent: 64, Level: "medium_high"},
			{MaxEV: 3.5, Soft: "00", Hard: "4", SoftPercent: 67, Level: "high"},
			{MaxEV: 4.0, Soft: "00", Hard: "5", SoftPercent: 70, Level: "very_high"},
			{MaxEV: 10.0, Soft: "00", Hard: "5", SoftPercent: 75, Level: "extreme"},
		},
	}

	fomaRules := []ContrastRule{
		{MaxEV: 1.0, Soft: "Y", Hard: "M1", SoftPercent: 50, Level: "very_low"},
		{MaxEV: 1.5, Soft: "2xY", Hard: "M1", SoftPercent: 54, Level: "low"},
		{MaxEV: 2.0, Soft: "2xY", Hard: "2xM1", SoftPercent: 58, Level: "medium_low"},
		{MaxEV: 2.5, Soft: "2xY", Hard: "2xM1", SoftPercent: 61, Level: "normal"},
		{MaxEV: 3.0, Soft: "2xY", Hard: "M2", SoftPercent: 64, Level: "medium_high"},
		{MaxEV: 3.5, Soft: "2xY", Hard: "2xM2", SoftPercent: 67, Level: "high"},
		{MaxEV: 4.0, Soft: "2xY", Hard: "2xM2", SoftPercent: 70, Level: "very_high"},
		{MaxEV: 10.0, Soft: "2xY", Hard: "2xM2", SoftPercent: 75, Level: "extreme"},
	}

	lib.papers[PaperFomaspeed] = &PaperProfile{
		Brand:        PaperFomaspeed,
		Manufacturer: "FOMA",
		Name:         "FOMASPEED Variant III",
		Filters: map[FilterGrade]FilterSpec{
			"2xY":  {Factor: 1.6, ISOR: 135, Description: "2xY (Very soft)"},
			"Y":    {Factor: 1.4, ISOR: 120, Description: "Y (Soft)"},
			"M1":   {Factor: 1.4, ISOR: 90, Description: "M1 (Normal-hard)"},
			"2xM1": {Factor: 2.1, ISOR: 80, Description: "2xM1 (Hard)"},
			"M2":   {Factor: 2.6, ISOR: 65, Description: "M2 (Very hard)"},
			"2xM2": {Factor: 4.6, ISOR: 55, Description: "2xM2 (Extreme)"},
		},
		Softest: "2xY",
		Hardest: "2xM2",
		Rules:   fomaRules,
	}

	lib.papers[PaperFomatone] = &PaperProfile{
		Brand:        PaperFomatone,
		Manufacturer: "FOMA",
		Name:         "FOMATONE MG",
		Filters: map[FilterGrade]FilterSpec{
			"2xY":  {Factor: 2.0, ISOR: 120, Description: "2xY (Very soft)"},
			"Y":    {Factor: 1.5, ISOR: 105, Description: "Y (Soft)"},
			"M1":   {Factor: 1.5, ISOR: 80, Description: "M1 (Normal-hard)"},
			"2xM1": {Factor: 1.8, ISOR: 75, Description: "2xM1 (Hard)"},
			"M2":   {Factor: 2.0, ISOR: 65, Description: "M2 (Very hard)"},
			"2xM2": {Factor: 3.0, ISOR: 55, Description: "2xM2 (Extreme)"},
		},
		Softest: "2xY",
		Hardest: "2xM2",
		Rules:   fomaRules,
	}

	return lib
}
