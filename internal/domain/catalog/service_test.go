package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/platform/cache"
	"github.com/lims/lims/internal/platform/db"
)

// -- Mock Repositories --

type mockTestRepo struct {
	items     map[uuid.UUID]*TestDefinition
	listCalls int
}

func newMockTestRepo() *mockTestRepo {
	return &mockTestRepo{items: make(map[uuid.UUID]*TestDefinition)}
}

func (m *mockTestRepo) Create(_ context.Context, d *TestDefinition) error {
	for _, x := range m.items {
		if x.Name == d.Name {
			return fmt.Errorf("%w: test %s", ErrDuplicate, d.Name)
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *mockTestRepo) GetByID(_ context.Context, id uuid.UUID) (*TestDefinition, error) {
	d, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: test %s", ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (m *mockTestRepo) GetByName(_ context.Context, name string) (*TestDefinition, error) {
	for _, d := range m.items {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: test %s", ErrNotFound, name)
}

func (m *mockTestRepo) Update(_ context.Context, d *TestDefinition) error {
	if _, ok := m.items[d.ID]; !ok {
		return fmt.Errorf("%w: test %s", ErrNotFound, d.ID)
	}
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *mockTestRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("%w: test %s", ErrNotFound, id)
	}
	delete(m.items, id)
	return nil
}

func (m *mockTestRepo) List(_ context.Context) ([]*TestDefinition, error) {
	m.listCalls++
	var out []*TestDefinition
	for _, d := range m.items {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type mockPanelRepo struct {
	items map[uuid.UUID]*Panel
}

func newMockPanelRepo() *mockPanelRepo {
	return &mockPanelRepo{items: make(map[uuid.UUID]*Panel)}
}

func (m *mockPanelRepo) Create(_ context.Context, p *Panel) error {
	p.ID = uuid.New()
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *mockPanelRepo) GetByID(_ context.Context, id uuid.UUID) (*Panel, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: panel %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *mockPanelRepo) GetByName(_ context.Context, name string) (*Panel, error) {
	for _, p := range m.items {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: panel %s", ErrNotFound, name)
}

func (m *mockPanelRepo) Update(_ context.Context, p *Panel) error {
	if _, ok := m.items[p.ID]; !ok {
		return fmt.Errorf("%w: panel %s", ErrNotFound, p.ID)
	}
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *mockPanelRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("%w: panel %s", ErrNotFound, id)
	}
	delete(m.items, id)
	return nil
}

func (m *mockPanelRepo) List(_ context.Context) ([]*Panel, error) {
	var out []*Panel
	for _, p := range m.items {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockPanelRepo) ListContaining(_ context.Context, test string) ([]*Panel, error) {
	var out []*Panel
	for _, p := range m.items {
		if p.Contains(test) {
			out = append(out, p)
		}
	}
	return out, nil
}

func newTestService() (*Service, *mockTestRepo, *mockPanelRepo) {
	tr, pr := newMockTestRepo(), newMockPanelRepo()
	return NewService(tr, pr, nil, time.Minute, zerolog.Nop()), tr, pr
}

func seeded(t *testing.T) (*Service, *mockTestRepo, *mockPanelRepo) {
	t.Helper()
	svc, tr, pr := newTestService()
	if _, err := svc.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc, tr, pr
}

// -- Tests --

func TestSeed_Idempotent(t *testing.T) {
	svc, tr, pr := newTestService()
	ctx := context.Background()

	n, err := svc.Seed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(DefaultTests)+len(DefaultPanels) {
		t.Errorf("expected %d rows created, got %d", len(DefaultTests)+len(DefaultPanels), n)
	}

	n, err = svc.Seed(ctx)
	if err != nil {
		t.Fatalf("unexpected error on reseed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected reseed to create nothing, got %d", n)
	}
	if len(tr.items) != len(DefaultTests) || len(pr.items) != len(DefaultPanels) {
		t.Errorf("unexpected catalog size %d tests / %d panels", len(tr.items), len(pr.items))
	}
}

func TestTestsByName(t *testing.T) {
	svc, _, _ := seeded(t)

	got, err := svc.TestsByName(context.Background(), []string{"Glucose", "Potassium", "Unobtainium"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got["Glucose"] == nil || got["Potassium"] == nil {
		t.Errorf("unexpected lookup result %v", got)
	}
	if got["Glucose"].Unit != "mg/dL" {
		t.Errorf("expected Glucose unit mg/dL, got %s", got["Glucose"].Unit)
	}
}

func TestPanelsByName(t *testing.T) {
	svc, _, _ := seeded(t)
	ctx := context.Background()

	panels, err := svc.PanelsByName(ctx, []string{"CBC"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(panels) != 1 || panels[0].Name != "CBC" {
		t.Errorf("unexpected panels %v", panels)
	}

	if _, err := svc.PanelsByName(ctx, []string{"Lipid"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown panel, got %v", err)
	}
}

func TestCreatePanel_UnknownMember(t *testing.T) {
	svc, _, _ := seeded(t)

	err := svc.CreatePanel(context.Background(), &Panel{Name: "Liver", Tests: []string{"ALT", "Glucose"}})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestUpdateTest_RenameRefused(t *testing.T) {
	svc, tr, _ := seeded(t)
	ctx := context.Background()

	g, _ := tr.GetByName(ctx, "Glucose")
	g.Name = "Blood Sugar"
	if err := svc.UpdateTest(ctx, g); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation on rename, got %v", err)
	}

	g.Name = "Glucose"
	g.CriticalHigh = ptr(500)
	if err := svc.UpdateTest(ctx, g); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := tr.GetByName(ctx, "Glucose")
	if *got.CriticalHigh != 500 {
		t.Errorf("expected critical high 500, got %v", *got.CriticalHigh)
	}
}

func TestDeleteTest_InPanelRefused(t *testing.T) {
	svc, tr, _ := seeded(t)
	ctx := context.Background()

	k, _ := tr.GetByName(ctx, "Potassium")
	if err := svc.DeleteTest(ctx, k.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	hiv, _ := tr.GetByName(ctx, "HIV Screen")
	if err := svc.DeleteTest(ctx, hiv.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tr.GetByName(ctx, "HIV Screen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected test to be gone, got %v", err)
	}
}

func TestToggle(t *testing.T) {
	svc, _, pr := seeded(t)
	ctx := context.Background()

	cbc, _ := pr.GetByName(ctx, "CBC")
	got, err := svc.Toggle(ctx, cbc.ID, []string{"Hemoglobin", "WBC", "Platelets", "Glucose"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, []string{"Glucose"}, got)

	if _, err := svc.Toggle(ctx, uuid.New(), nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTests_CachedPerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tr, pr := newMockTestRepo(), newMockPanelRepo()
	svc := NewService(tr, pr, cache.NewRedisCache(client), time.Minute, zerolog.Nop())
	ctx := db.WithTenant(context.Background(), "acme")

	_, err := svc.Seed(ctx)
	require.NoError(t, err)

	first, err := svc.ListTests(ctx)
	require.NoError(t, err)
	second, err := svc.ListTests(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.listCalls, "second read should be served from cache")
	assert.Equal(t, len(first), len(second))
	assert.True(t, mr.Exists("lims:acme:catalog:tests"))

	require.NoError(t, svc.CreateTest(ctx, &TestDefinition{Name: "Magnesium", Unit: "mg/dL"}))
	assert.False(t, mr.Exists("lims:acme:catalog:tests"), "writes invalidate the cache")

	third, err := svc.ListTests(ctx)
	require.NoError(t, err)
	assert.Len(t, third, len(first)+1)
	assert.Equal(t, 2, tr.listCalls)
}

func TestListTests_CacheDownFallsBackToRepo(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	tr, pr := newMockTestRepo(), newMockPanelRepo()
	svc := NewService(tr, pr, cache.NewRedisCache(client), time.Minute, zerolog.Nop())
	ctx := context.Background()
	_, err := svc.Seed(ctx)
	require.NoError(t, err)

	mr.Close()

	items, err := svc.ListTests(ctx)
	require.NoError(t, err)
	assert.Len(t, items, len(DefaultTests))
}
