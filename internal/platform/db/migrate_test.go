package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_orders.sql":  {Data: []byte("CREATE TABLE lab_order (id UUID PRIMARY KEY);")},
		"001_catalog.sql": {Data: []byte("CREATE TABLE test_definition (id UUID PRIMARY KEY);")},
		"003_audit.sql":   {Data: []byte("CREATE TABLE audit_log (id UUID PRIMARY KEY);")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, want)
		}
	}
	if migrations[0].Name != "001_catalog.sql" {
		t.Errorf("expected 001_catalog.sql first, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE test_definition (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsUnversionedFiles(t *testing.T) {
	files := fstest.MapFS{
		"001_catalog.sql":   {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("docs")},
		"seed.sql":          {Data: []byte("SELECT 2;")},
		"abc_notes.sql":     {Data: []byte("SELECT 3;")},
		"sub/002_inner.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d: %+v", len(migrations), migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_catalog.sql": {Data: []byte("SELECT 1;")},
		"001_orders.sql":  {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	applied := map[int]time.Time{1: time.Now()}

	all := pending(migrations, applied, 0)
	if len(all) != 3 || all[0].Version != 2 {
		t.Fatalf("expected versions 2..4 pending, got %+v", all)
	}

	upTo := pending(migrations, applied, 3)
	if len(upTo) != 2 || upTo[1].Version != 3 {
		t.Fatalf("expected versions 2..3 pending, got %+v", upTo)
	}
}

func TestStatuses(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	migrations := []Migration{{Version: 1, Name: "001_catalog.sql"}, {Version: 2, Name: "002_orders.sql"}}

	got := statuses(migrations, map[int]time.Time{1: at})
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %s, got %+v", at, got[0])
	}
	if got[1].Applied || got[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", got[1])
	}
}
