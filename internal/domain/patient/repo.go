package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// Search matches name case-insensitively as a substring; an empty name
	// lists everyone, newest first.
	Search(ctx context.Context, name string, limit, offset int) ([]*Patient, int, error)
}
