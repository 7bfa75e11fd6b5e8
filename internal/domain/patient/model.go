package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("patient not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
)

const dateLayout = "2006-01-02"

var validGenders = map[string]bool{"male": true, "female": true, "other": true, "unknown": true}

// Patient is created once at registration and not edited by the order
// workflow afterwards.
type Patient struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	DateOfBirth  string    `json:"dateOfBirth"`
	Gender       string    `json:"gender"`
	RegisteredAt time.Time `json:"registeredAt"`
	RegisteredBy string    `json:"registeredBy"`
}

// Validate normalizes and checks a patient before insert. DateOfBirth must
// be YYYY-MM-DD and not in the future.
func (p *Patient) Validate(now time.Time) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Gender = strings.ToLower(strings.TrimSpace(p.Gender))
	if p.Name == "" {
		return fmt.Errorf("%w: patient name is required", ErrValidation)
	}
	dob, err := time.Parse(dateLayout, strings.TrimSpace(p.DateOfBirth))
	if err != nil {
		return fmt.Errorf("%w: dateOfBirth must be YYYY-MM-DD", ErrValidation)
	}
	if dob.After(now) {
		return fmt.Errorf("%w: dateOfBirth is in the future", ErrValidation)
	}
	p.DateOfBirth = dob.Format(dateLayout)
	if p.Gender == "" {
		p.Gender = "unknown"
	}
	if !validGenders[p.Gender] {
		return fmt.Errorf("%w: gender must be one of male, female, other, unknown", ErrValidation)
	}
	return nil
}
