package auditlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO audit_log (id, action, user_id, user_email, order_id, timestamp, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Action, e.UserID, e.UserEmail, e.OrderID, e.Timestamp, e.Details)
	return err
}

// where builds the WHERE clause for f with positional args.
func where(f Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrderID != nil {
		add("order_id = $%d", *f.OrderID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp < $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	conn := db.Conn(ctx, r.pool)
	clause, args := where(f)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT id, action, user_id, user_email, timestamp, order_id, details
		FROM audit_log%s ORDER BY timestamp DESC, id LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.UserEmail, &e.Timestamp, &e.OrderID, &e.Details); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
