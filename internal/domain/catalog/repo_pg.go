package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

// mapErr translates pgx errors to the package sentinels.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	}
	return err
}

// =========== TestDefinition Repository ===========

type testRepoPG struct{ pool *pgxpool.Pool }

func NewTestRepoPG(pool *pgxpool.Pool) TestRepository {
	return &testRepoPG{pool: pool}
}

const testCols = `id, name, unit, ref_range_low, ref_range_high, critical_low, critical_high, created_at, updated_at`

func scanTest(row pgx.Row) (*TestDefinition, error) {
	var d TestDefinition
	err := row.Scan(&d.ID, &d.Name, &d.Unit, &d.RefRangeLow, &d.RefRangeHigh,
		&d.CriticalLow, &d.CriticalHigh, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *testRepoPG) Create(ctx context.Context, d *TestDefinition) error {
	d.ID = uuid.New()
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO test_definition (`+testCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.Name, d.Unit, d.RefRangeLow, d.RefRangeHigh, d.CriticalLow, d.CriticalHigh, d.CreatedAt, d.UpdatedAt)
	return mapErr(err, "test "+d.Name)
}

func (r *testRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TestDefinition, error) {
	d, err := scanTest(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+testCols+` FROM test_definition WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "test "+id.String())
	}
	return d, nil
}

func (r *testRepoPG) GetByName(ctx context.Context, name string) (*TestDefinition, error) {
	d, err := scanTest(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+testCols+` FROM test_definition WHERE name = $1`, name))
	if err != nil {
		return nil, mapErr(err, "test "+name)
	}
	return d, nil
}

func (r *testRepoPG) Update(ctx context.Context, d *TestDefinition) error {
	d.UpdatedAt = time.Now().UTC()
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE test_definition SET name=$2, unit=$3, ref_range_low=$4, ref_range_high=$5,
			critical_low=$6, critical_high=$7, updated_at=$8
		WHERE id = $1`,
		d.ID, d.Name, d.Unit, d.RefRangeLow, d.RefRangeHigh, d.CriticalLow, d.CriticalHigh, d.UpdatedAt)
	if err != nil {
		return mapErr(err, "test "+d.Name)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: test %s", ErrNotFound, d.ID)
	}
	return nil
}

func (r *testRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM test_definition WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: test %s", ErrNotFound, id)
	}
	return nil
}

func (r *testRepoPG) List(ctx context.Context) ([]*TestDefinition, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+testCols+` FROM test_definition ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TestDefinition
	for rows.Next() {
		d, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// =========== Panel Repository ===========

type panelRepoPG struct{ pool *pgxpool.Pool }

func NewPanelRepoPG(pool *pgxpool.Pool) PanelRepository {
	return &panelRepoPG{pool: pool}
}

const panelCols = `id, name, tests, created_at, updated_at`

func scanPanel(row pgx.Row) (*Panel, error) {
	var p Panel
	err := row.Scan(&p.ID, &p.Name, &p.Tests, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *panelRepoPG) Create(ctx context.Context, p *Panel) error {
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO panel (`+panelCols+`) VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.Name, p.Tests, p.CreatedAt, p.UpdatedAt)
	return mapErr(err, "panel "+p.Name)
}

func (r *panelRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Panel, error) {
	p, err := scanPanel(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+panelCols+` FROM panel WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "panel "+id.String())
	}
	return p, nil
}

func (r *panelRepoPG) GetByName(ctx context.Context, name string) (*Panel, error) {
	p, err := scanPanel(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+panelCols+` FROM panel WHERE name = $1`, name))
	if err != nil {
		return nil, mapErr(err, "panel "+name)
	}
	return p, nil
}

func (r *panelRepoPG) Update(ctx context.Context, p *Panel) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE panel SET name=$2, tests=$3, updated_at=$4 WHERE id = $1`,
		p.ID, p.Name, p.Tests, p.UpdatedAt)
	if err != nil {
		return mapErr(err, "panel "+p.Name)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: panel %s", ErrNotFound, p.ID)
	}
	return nil
}

func (r *panelRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM panel WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: panel %s", ErrNotFound, id)
	}
	return nil
}

func (r *panelRepoPG) List(ctx context.Context) ([]*Panel, error) {
	return r.query(ctx, `SELECT `+panelCols+` FROM panel ORDER BY name`)
}

func (r *panelRepoPG) ListContaining(ctx context.Context, test string) ([]*Panel, error) {
	return r.query(ctx, `SELECT `+panelCols+` FROM panel WHERE $1 = ANY(tests) ORDER BY name`, test)
}

func (r *panelRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Panel, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Panel
	for rows.Next() {
		p, err := scanPanel(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
