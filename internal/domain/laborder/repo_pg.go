package laborder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

const orderCols = `id, patient_id, patient_name, tests, referring_doctor, priority, status,
	created_at, created_by, collected_at, collected_by, verified_at, verified_by,
	rejection_details, amendment_history, current_result_id, version, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                       Order
		priority, status        string
		collectedBy, verifiedBy *string
	)
	err := row.Scan(&o.ID, &o.PatientID, &o.PatientName, &o.Tests, &o.ReferringDoctor, &priority, &status,
		&o.CreatedAt, &o.CreatedBy, &o.CollectedAt, &collectedBy, &o.VerifiedAt, &verifiedBy,
		&o.RejectionDetails, &o.AmendmentHistory, &o.CurrentResultID, &o.Version, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.Priority, err = ParsePriority(priority); err != nil {
		return nil, err
	}
	if o.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if collectedBy != nil {
		o.CollectedBy = *collectedBy
	}
	if verifiedBy != nil {
		o.VerifiedBy = *verifiedBy
	}
	return &o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func history(o *Order) []AmendmentEntry {
	if o.AmendmentHistory == nil {
		return []AmendmentEntry{}
	}
	return o.AmendmentHistory
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.Version = 1
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_order (id, patient_id, patient_name, tests, referring_doctor, priority, status,
			created_at, created_by, amendment_history, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $8)`,
		o.ID, o.PatientID, o.PatientName, o.Tests, o.ReferringDoctor, o.Priority.String(), o.Status.String(),
		o.CreatedAt, o.CreatedBy, history(o), o.Version)
	if err == nil {
		o.UpdatedAt = o.CreatedAt
	}
	return err
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return o, err
}

func (r *orderRepoPG) Update(ctx context.Context, o *Order, expected int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_order SET status = $3, collected_at = $4, collected_by = $5, verified_at = $6,
			verified_by = $7, rejection_details = $8, amendment_history = $9, current_result_id = $10,
			updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $2`,
		o.ID, expected, o.Status.String(), o.CollectedAt, nullable(o.CollectedBy), o.VerifiedAt,
		nullable(o.VerifiedBy), o.RejectionDetails, history(o), o.CurrentResultID, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s is no longer at version %d", ErrConflict, o.ID, expected)
	}
	o.Version = expected + 1
	return nil
}

func statusNamesOf(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.String()
	}
	return out
}

func (r *orderRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Order, int, error) {
	conn := db.Conn(ctx, r.pool)

	var (
		conds []string
		args  []interface{}
	)
	if len(f.Statuses) > 0 {
		args = append(args, statusNamesOf(f.Statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Priority != 0 {
		args = append(args, f.Priority.String())
		conds = append(conds, fmt.Sprintf("priority = $%d", len(args)))
	}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		conds = append(conds, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	clause := ""
	if len(conds) > 0 {
		clause = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM lab_order`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT `+orderCols+` FROM lab_order%s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectOrders(rows)
	return items, total, err
}

func (r *orderRepoPG) ListByStatus(ctx context.Context, statuses []Status) ([]*Order, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+orderCols+` FROM lab_order
		WHERE status = ANY($1) ORDER BY created_at`, statusNamesOf(statuses))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

const resultCols = `id, order_id, patient_id, results, entered_at, entered_by, status,
	amended_from, amendment_reason, verified_at, verified_by, version`

func scanResult(row pgx.Row) (*Result, error) {
	var (
		res                Result
		status             string
		reason, verifiedBy *string
	)
	err := row.Scan(&res.ID, &res.OrderID, &res.PatientID, &res.Results, &res.EnteredAt, &res.EnteredBy,
		&status, &res.AmendedFrom, &reason, &res.VerifiedAt, &verifiedBy, &res.Version)
	if err != nil {
		return nil, err
	}
	if res.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if reason != nil {
		res.AmendmentReason = *reason
	}
	if verifiedBy != nil {
		res.VerifiedBy = *verifiedBy
	}
	return &res, nil
}

func (r *resultRepoPG) Create(ctx context.Context, res *Result) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.Version = 1
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_result (id, order_id, patient_id, results, entered_at, entered_by, status,
			amended_from, amendment_reason, verified_at, verified_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		res.ID, res.OrderID, res.PatientID, res.Results, res.EnteredAt, res.EnteredBy, res.Status.String(),
		res.AmendedFrom, nullable(res.AmendmentReason), res.VerifiedAt, nullable(res.VerifiedBy), res.Version)
	return err
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := scanResult(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+resultCols+` FROM lab_result WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: result %s", ErrNotFound, id)
	}
	return res, err
}

func (r *resultRepoPG) Update(ctx context.Context, res *Result) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_result SET results = $2, entered_at = $3, entered_by = $4, status = $5,
			verified_at = $6, verified_by = $7, version = version + 1
		WHERE id = $1`,
		res.ID, res.Results, res.EnteredAt, res.EnteredBy, res.Status.String(), res.VerifiedAt, nullable(res.VerifiedBy))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: result %s", ErrNotFound, res.ID)
	}
	res.Version++
	return nil
}

func (r *resultRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Result, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+resultCols+` FROM lab_result
		WHERE order_id = $1 ORDER BY entered_at DESC, version DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}
