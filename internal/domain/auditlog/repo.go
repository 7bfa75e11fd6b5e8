package auditlog

import "context"

// Repository only appends; there is no update or delete.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
}
