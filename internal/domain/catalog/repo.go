package catalog

import (
	"context"

	"github.com/google/uuid"
)

type TestRepository interface {
	Create(ctx context.Context, d *TestDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (*TestDefinition, error)
	GetByName(ctx context.Context, name string) (*TestDefinition, error)
	Update(ctx context.Context, d *TestDefinition) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*TestDefinition, error)
}

type PanelRepository interface {
	Create(ctx context.Context, p *Panel) error
	GetByID(ctx context.Context, id uuid.UUID) (*Panel, error)
	GetByName(ctx context.Context, name string) (*Panel, error)
	Update(ctx context.Context, p *Panel) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*Panel, error)
	// ListContaining returns the panels that include the named test.
	ListContaining(ctx context.Context, test string) ([]*Panel, error)
}
