package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/cache"
	"github.com/lims/lims/internal/platform/db"
)

// Service is the reference data store. Full-collection reads go through
// the cache; every write invalidates both collections for the tenant.
type Service struct {
	tests  TestRepository
	panels PanelRepository
	cache  cache.JSONCache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewService(tests TestRepository, panels PanelRepository, c cache.JSONCache, ttl time.Duration, logger zerolog.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{tests: tests, panels: panels, cache: c, ttl: ttl, logger: logger}
}

func tenantOf(ctx context.Context) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t
	}
	return "default"
}

func testsKey(ctx context.Context) string  { return cache.Key(tenantOf(ctx), "catalog", "tests") }
func panelsKey(ctx context.Context) string { return cache.Key(tenantOf(ctx), "catalog", "panels") }

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Delete(ctx, testsKey(ctx), panelsKey(ctx)); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenantOf(ctx)).Msg("catalog cache invalidation failed")
	}
}

// -- Tests --

// ListTests loads every test definition, ordered by name.
func (s *Service) ListTests(ctx context.Context) ([]*TestDefinition, error) {
	key := testsKey(ctx)
	var cached []*TestDefinition
	if ok, err := s.cache.GetJSON(ctx, key, &cached); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	} else if ok {
		return cached, nil
	}

	items, err := s.tests.List(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*TestDefinition{}
	}
	if err := s.cache.SetJSON(ctx, key, items, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return items, nil
}

// TestsByName returns the definitions for the given names, keyed by name.
// Unknown names are simply absent from the map.
func (s *Service) TestsByName(ctx context.Context, names []string) (map[string]*TestDefinition, error) {
	all, err := s.ListTests(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]*TestDefinition, len(names))
	for _, d := range all {
		if want[d.Name] {
			out[d.Name] = d
		}
	}
	return out, nil
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*TestDefinition, error) {
	return s.tests.GetByID(ctx, id)
}

func (s *Service) CreateTest(ctx context.Context, d *TestDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := s.tests.Create(ctx, d); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// UpdateTest edits units and thresholds. The name is the key orders and
// results use, so renaming is refused. Results already entered keep the
// flags computed at entry time.
func (s *Service) UpdateTest(ctx context.Context, d *TestDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	existing, err := s.tests.GetByID(ctx, d.ID)
	if err != nil {
		return err
	}
	if existing.Name != d.Name {
		return fmt.Errorf("%w: test name cannot be changed", ErrValidation)
	}
	d.CreatedAt = existing.CreatedAt
	if err := s.tests.Update(ctx, d); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// DeleteTest removes a definition that no panel references.
func (s *Service) DeleteTest(ctx context.Context, id uuid.UUID) error {
	existing, err := s.tests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	panels, err := s.panels.ListContaining(ctx, existing.Name)
	if err != nil {
		return err
	}
	if len(panels) > 0 {
		return fmt.Errorf("%w: test %s is used by panel %s", ErrValidation, existing.Name, panels[0].Name)
	}
	if err := s.tests.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// -- Panels --

func (s *Service) ListPanels(ctx context.Context) ([]*Panel, error) {
	key := panelsKey(ctx)
	var cached []*Panel
	if ok, err := s.cache.GetJSON(ctx, key, &cached); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	} else if ok {
		return cached, nil
	}

	items, err := s.panels.List(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Panel{}
	}
	if err := s.cache.SetJSON(ctx, key, items, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return items, nil
}

func (s *Service) GetPanel(ctx context.Context, id uuid.UUID) (*Panel, error) {
	return s.panels.GetByID(ctx, id)
}

// PanelsByName returns the named panels; an unknown name is a validation
// error.
func (s *Service) PanelsByName(ctx context.Context, names []string) ([]*Panel, error) {
	if len(names) == 0 {
		return nil, nil
	}
	all, err := s.ListPanels(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Panel, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}
	out := make([]*Panel, 0, len(names))
	for _, n := range names {
		p, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: unknown panel %q", ErrValidation, n)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) checkMembers(ctx context.Context, p *Panel) error {
	known, err := s.TestsByName(ctx, p.Tests)
	if err != nil {
		return err
	}
	for _, t := range p.Tests {
		if known[t] == nil {
			return fmt.Errorf("%w: unknown test %q in panel", ErrValidation, t)
		}
	}
	return nil
}

func (s *Service) CreatePanel(ctx context.Context, p *Panel) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.checkMembers(ctx, p); err != nil {
		return err
	}
	if err := s.panels.Create(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *Service) UpdatePanel(ctx context.Context, p *Panel) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.checkMembers(ctx, p); err != nil {
		return err
	}
	existing, err := s.panels.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	if err := s.panels.Update(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *Service) DeletePanel(ctx context.Context, id uuid.UUID) error {
	if err := s.panels.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Toggle applies ToggleSelection for the panel with the given id.
func (s *Service) Toggle(ctx context.Context, panelID uuid.UUID, selected []string) ([]string, error) {
	p, err := s.panels.GetByID(ctx, panelID)
	if err != nil {
		return nil, err
	}
	return ToggleSelection(selected, *p), nil
}

// -- Seed --

func f(v float64) *float64 { return &v }

// DefaultTests is the starter catalog written by Seed.
var DefaultTests = []TestDefinition{
	{Name: "Glucose", Unit: "mg/dL", RefRangeLow: f(70), RefRangeHigh: f(100), CriticalLow: f(40), CriticalHigh: f(400)},
	{Name: "Sodium", Unit: "mmol/L", RefRangeLow: f(135), RefRangeHigh: f(145), CriticalLow: f(120), CriticalHigh: f(160)},
	{Name: "Potassium", Unit: "mmol/L", RefRangeLow: f(3.5), RefRangeHigh: f(5.3), CriticalLow: f(2.5), CriticalHigh: f(6.5)},
	{Name: "Chloride", Unit: "mmol/L", RefRangeLow: f(98), RefRangeHigh: f(107)},
	{Name: "BUN", Unit: "mg/dL", RefRangeLow: f(7), RefRangeHigh: f(20)},
	{Name: "Creatinine", Unit: "mg/dL", RefRangeLow: f(0.6), RefRangeHigh: f(1.3), CriticalHigh: f(10)},
	{Name: "Hemoglobin", Unit: "g/dL", RefRangeLow: f(12), RefRangeHigh: f(17.5), CriticalLow: f(7), CriticalHigh: f(20)},
	{Name: "WBC", Unit: "10^3/uL", RefRangeLow: f(4.5), RefRangeHigh: f(11), CriticalLow: f(2), CriticalHigh: f(30)},
	{Name: "Platelets", Unit: "10^3/uL", RefRangeLow: f(150), RefRangeHigh: f(450), CriticalLow: f(50), CriticalHigh: f(1000)},
	{Name: "HIV Screen", Unit: QualitativeUnit},
}

// DefaultPanels is the starter panel set written by Seed.
var DefaultPanels = []Panel{
	{Name: "BMP", Tests: []string{"Glucose", "Sodium", "Potassium", "Chloride", "BUN", "Creatinine"}},
	{Name: "CBC", Tests: []string{"Hemoglobin", "WBC", "Platelets"}},
}

// Seed inserts the default tests and panels that do not exist yet and
// reports how many rows it created. Existing entries are left as they are.
func (s *Service) Seed(ctx context.Context) (int, error) {
	created := 0
	for _, tpl := range DefaultTests {
		_, err := s.tests.GetByName(ctx, tpl.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		d := tpl
		if err := d.Validate(); err != nil {
			return created, err
		}
		if err := s.tests.Create(ctx, &d); err != nil {
			return created, fmt.Errorf("seed test %s: %w", d.Name, err)
		}
		created++
	}
	for _, tpl := range DefaultPanels {
		_, err := s.panels.GetByName(ctx, tpl.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		p := Panel{Name: tpl.Name, Tests: append([]string(nil), tpl.Tests...)}
		if err := s.panels.Create(ctx, &p); err != nil {
			return created, fmt.Errorf("seed panel %s: %w", p.Name, err)
		}
		created++
	}
	if created > 0 {
		s.invalidate(ctx)
	}
	return created, nil
}
