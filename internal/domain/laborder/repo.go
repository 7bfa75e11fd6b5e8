package laborder

import (
	"context"

	"github.com/google/uuid"
)

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// Update writes o if the stored version still equals expected and bumps
	// o.Version. A stale version yields ErrConflict.
	Update(ctx context.Context, o *Order, expected int) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Order, int, error)
	// ListByStatus returns every order in one of statuses, oldest first.
	ListByStatus(ctx context.Context, statuses []Status) ([]*Order, error)
}

type ResultRepository interface {
	Create(ctx context.Context, r *Result) error
	GetByID(ctx context.Context, id uuid.UUID) (*Result, error)
	// Update overwrites r in place and bumps r.Version.
	Update(ctx context.Context, r *Result) error
	// ListByOrder returns all results ever stored for an order, newest first.
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Result, error)
}
