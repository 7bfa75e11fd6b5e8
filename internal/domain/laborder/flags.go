package laborder

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lims/lims/internal/domain/catalog"
)

// Flag is the clinical severity of a single result value.
type Flag uint8

const (
	FlagNormal Flag = iota
	FlagLow
	FlagHigh
	FlagCriticalLow
	FlagCriticalHigh
	FlagInvalid
)

var flagNames = [...]string{
	FlagNormal:       "Normal",
	FlagLow:          "Low",
	FlagHigh:         "High",
	FlagCriticalLow:  "Critical Low",
	FlagCriticalHigh: "Critical High",
	FlagInvalid:      "Invalid",
}

func (f Flag) String() string {
	if int(f) < len(flagNames) {
		return flagNames[f]
	}
	return fmt.Sprintf("Flag(%d)", uint8(f))
}

func (f Flag) MarshalText() ([]byte, error) {
	if int(f) >= len(flagNames) {
		return nil, fmt.Errorf("invalid flag %d", uint8(f))
	}
	return []byte(flagNames[f]), nil
}

func (f *Flag) UnmarshalText(b []byte) error {
	for i, n := range flagNames {
		if n == string(b) {
			*f = Flag(i)
			return nil
		}
	}
	return fmt.Errorf("unknown flag %q", string(b))
}

func (f Flag) IsCritical() bool {
	return f == FlagCriticalLow || f == FlagCriticalHigh
}

// IsAbnormal is true for every flag except Normal and Invalid.
func (f Flag) IsAbnormal() bool {
	return f != FlagNormal && f != FlagInvalid
}

// EvaluateFlag classifies raw against def. A missing definition, an empty
// value or a qualitative test is Normal; a value that is not a finite
// decimal number is Invalid. Critical bounds are inclusive and win over the reference range.
func EvaluateFlag(def *catalog.TestDefinition, raw string) Flag {
	raw = strings.TrimSpace(raw)
	if def == nil || raw == "" || def.IsQualitative() {
		return FlagNormal
	}
	// ParseFloat also accepts hex floats and digit separators.
	if strings.ContainsAny(raw, "xX_") {
		return FlagInvalid
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return FlagInvalid
	}
	switch {
	case def.CriticalLow != nil && v <= *def.CriticalLow:
		return FlagCriticalLow
	case def.CriticalHigh != nil && v >= *def.CriticalHigh:
		return FlagCriticalHigh
	case def.RefRangeLow != nil && v < *def.RefRangeLow:
		return FlagLow
	case def.RefRangeHigh != nil && v > *def.RefRangeHigh:
		return FlagHigh
	}
	return FlagNormal
}

// BuildResultEntries derives {value, unit, flag} for every submitted value.
// Result entry and amendment both go through here so their flags agree.
func BuildResultEntries(defs map[string]*catalog.TestDefinition, values map[string]string) map[string]ResultEntry {
	out := make(map[string]ResultEntry, len(values))
	for name, raw := range values {
		def := defs[name]
		e := ResultEntry{Value: strings.TrimSpace(raw), Flag: EvaluateFlag(def, raw)}
		if def != nil {
			e.Unit = def.Unit
		}
		out[name] = e
	}
	return out
}

// checkCompleteness requires exactly one non-empty value per ordered test.
func checkCompleteness(o *Order, values map[string]string) error {
	var missing, extra []string
	for _, t := range o.Tests {
		if strings.TrimSpace(values[t]) == "" {
			missing = append(missing, t)
		}
	}
	for name := range values {
		if !o.HasTest(name) {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing values for %s", ErrValidation, strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		return fmt.Errorf("%w: tests not on the order: %s", ErrValidation, strings.Join(extra, ", "))
	}
	return nil
}
