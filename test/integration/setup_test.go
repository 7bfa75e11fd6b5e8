//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/auditlog"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/laborder"
	"github.com/lims/lims/internal/domain/patient"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/cache"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/migrations"
)

// globalPool is shared by every test; each test works in its own tenant schema.
var (
	globalPool    *pgxpool.Pool
	globalConnStr string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// LIMS_TEST_DATABASE_URL points at an existing server; otherwise a
	// throwaway container is started.
	connStr := os.Getenv("LIMS_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 10, 1)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	globalPool, globalConnStr = pool, connStr
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// createTenantSchema creates a tenant schema and applies every migration.
func createTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	if err := db.CreateTenantSchema(ctx, globalPool, tenantID, migrations.FS); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
	t.Cleanup(func() { dropTenantSchema(t, tenantID) })
}

func dropTenantSchema(t *testing.T, tenantID string) {
	t.Helper()
	schema := db.SchemaName(tenantID)
	if _, err := globalPool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// withTenantConn runs fn with a connection scoped to the tenant schema, the
// same way a request sees it after the tenant middleware.
func withTenantConn(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	ctx, release, err := db.ScopeToTenant(ctx, globalPool, tenantID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// newTenant creates a migrated tenant with the default catalog seeded.
func newTenant(t *testing.T, ctx context.Context, prefix string) string {
	t.Helper()
	tenantID := uniqueTenantID(prefix)
	createTenantSchema(t, ctx, tenantID)
	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		_, err := newCatalog().Seed(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return tenantID
}

func newCatalog() *catalog.Service {
	return catalog.NewService(catalog.NewTestRepoPG(globalPool), catalog.NewPanelRepoPG(globalPool),
		cache.Nop{}, 0, zerolog.Nop())
}

// newController wires the order controller against Postgres with the real
// audit recorder.
func newController() *laborder.Controller {
	return laborder.NewController(
		laborder.NewOrderRepoPG(globalPool),
		laborder.NewResultRepoPG(globalPool),
		patient.NewRepoPG(globalPool),
		newCatalog(),
		db.NewTransactor(globalPool),
		auditlog.NewRecorder(auditlog.NewRepoPG(globalPool), zerolog.Nop()),
		events.Nop{},
		zerolog.Nop(),
	)
}

var (
	receptionist = auth.Actor{UserID: "rec-1", Email: "rec@lab.test", Roles: []string{auth.RoleReceptionist}}
	phlebotomist = auth.Actor{UserID: "phl-1", Email: "phl@lab.test", Roles: []string{auth.RolePhlebotomist}}
	technologist = auth.Actor{UserID: "tech-1", Email: "tech@lab.test", Roles: []string{auth.RoleTechnologist}}
	manager      = auth.Actor{UserID: "mgr-1", Email: "mgr@lab.test", Roles: []string{auth.RoleManager}}
)

func newPatient(name string) *patient.Patient {
	return &patient.Patient{Name: name, DateOfBirth: "1980-04-12", Gender: "female"}
}

// tenantTable qualifies table with the tenant schema for direct pool queries.
func tenantTable(tenantID, table string) string {
	return db.SchemaName(tenantID) + "." + table
}
