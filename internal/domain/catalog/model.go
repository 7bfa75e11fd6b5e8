package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrDuplicate  = errors.New("already exists")
)

// QualitativeUnit marks tests whose values are not numeric (e.g. "Reactive").
const QualitativeUnit = "Qualitative"

// TestDefinition is one orderable laboratory test. Orders and results refer
// to it by Name.
type TestDefinition struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Unit         string    `json:"unit"`
	RefRangeLow  *float64  `json:"refRangeLow,omitempty"`
	RefRangeHigh *float64  `json:"refRangeHigh,omitempty"`
	CriticalLow  *float64  `json:"criticalLow,omitempty"`
	CriticalHigh *float64  `json:"criticalHigh,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (d *TestDefinition) IsQualitative() bool {
	return d.Unit == QualitativeUnit
}

func (d *TestDefinition) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	d.Unit = strings.TrimSpace(d.Unit)
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if d.Unit == "" {
		return fmt.Errorf("%w: unit is required", ErrValidation)
	}
	if d.RefRangeLow != nil && d.RefRangeHigh != nil && *d.RefRangeLow > *d.RefRangeHigh {
		return fmt.Errorf("%w: refRangeLow must not exceed refRangeHigh", ErrValidation)
	}
	if d.CriticalLow != nil && d.CriticalHigh != nil && *d.CriticalLow > *d.CriticalHigh {
		return fmt.Errorf("%w: criticalLow must not exceed criticalHigh", ErrValidation)
	}
	if d.CriticalLow != nil && d.RefRangeLow != nil && *d.CriticalLow > *d.RefRangeLow {
		return fmt.Errorf("%w: criticalLow must not exceed refRangeLow", ErrValidation)
	}
	if d.CriticalHigh != nil && d.RefRangeHigh != nil && *d.CriticalHigh < *d.RefRangeHigh {
		return fmt.Errorf("%w: criticalHigh must not be below refRangeHigh", ErrValidation)
	}
	return nil
}

// Panel is a named bundle of test names selectable as a unit at
// registration.
type Panel struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Tests     []string  `json:"tests"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p *Panel) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(p.Tests) == 0 {
		return fmt.Errorf("%w: a panel needs at least one test", ErrValidation)
	}
	seen := make(map[string]bool, len(p.Tests))
	tests := p.Tests[:0]
	for _, t := range p.Tests {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tests = append(tests, t)
	}
	p.Tests = tests
	return nil
}

// Contains reports whether test is a member of the panel.
func (p Panel) Contains(test string) bool {
	for _, t := range p.Tests {
		if t == test {
			return true
		}
	}
	return false
}

// ToggleSelection applies a panel click to the current test selection. When
// every test of the panel is already selected the panel's tests are removed;
// otherwise the missing ones are appended in panel order. Tests outside the
// panel are left untouched.
func ToggleSelection(selected []string, panel Panel) []string {
	have := make(map[string]bool, len(selected))
	for _, s := range selected {
		have[s] = true
	}

	all := true
	for _, t := range panel.Tests {
		if !have[t] {
			all = false
			break
		}
	}

	out := make([]string, 0, len(selected)+len(panel.Tests))
	if all {
		for _, s := range selected {
			if !panel.Contains(s) {
				out = append(out, s)
			}
		}
		return out
	}

	out = append(out, selected...)
	for _, t := range panel.Tests {
		if !have[t] {
			have[t] = true
			out = append(out, t)
		}
	}
	return out
}
