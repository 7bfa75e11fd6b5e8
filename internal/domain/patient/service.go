package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/auditlog"
	"github.com/lims/lims/internal/platform/auth"
)

// AuditSink receives one entry per registered patient.
type AuditSink interface {
	Record(ctx context.Context, e auditlog.Entry)
}

type Service struct {
	repo  Repository
	audit AuditSink
	now   func() time.Time
}

// NewService builds the patient service. audit may be nil.
func NewService(repo Repository, audit AuditSink) *Service {
	return &Service{repo: repo, audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

// Register validates and stores a new patient on behalf of actor.
func (s *Service) Register(ctx context.Context, actor auth.Actor, p *Patient) error {
	if err := p.Validate(s.now()); err != nil {
		return err
	}
	if !actor.Can(auth.CapRegisterPatient) {
		return fmt.Errorf("%w: %s may not register patients", ErrForbidden, actor.UserID)
	}
	p.ID = uuid.New()
	p.RegisteredAt = s.now()
	p.RegisteredBy = actor.UserID
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Record(ctx, auditlog.Entry{
			Action:    auditlog.ActionPatientRegistered,
			UserID:    actor.UserID,
			UserEmail: actor.Email,
			Details:   map[string]interface{}{"patientId": p.ID.String(), "patientName": p.Name},
		})
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, name string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.Search(ctx, name, limit, offset)
}
