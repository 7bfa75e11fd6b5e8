package laborder

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("version conflict")
	ErrForbidden         = errors.New("forbidden")
)

// Status is the lifecycle state of an order. Results reuse the
// pending_verification and verified values.
type Status uint8

const (
	StatusRegistered Status = iota + 1
	StatusSampleCollected
	StatusProcessing
	StatusPendingVerification
	StatusVerified
	StatusAmended
	StatusRejected
)

var statusNames = map[Status]string{
	StatusRegistered:          "registered",
	StatusSampleCollected:     "sample_collected",
	StatusProcessing:          "processing",
	StatusPendingVerification: "pending_verification",
	StatusVerified:            "verified",
	StatusAmended:             "amended",
	StatusRejected:            "rejected",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus accepts only the persisted status names.
func ParseStatus(v string) (Status, error) {
	for s, n := range statusNames {
		if n == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrValidation, v)
}

func (s Status) MarshalText() ([]byte, error) {
	n, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(n), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Priority uint8

const (
	PriorityRoutine Priority = iota + 1
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityRoutine:
		return "routine"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("Priority(%d)", uint8(p))
}

func ParsePriority(v string) (Priority, error) {
	switch v {
	case "routine":
		return PriorityRoutine, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, v)
}

func (p Priority) MarshalText() ([]byte, error) {
	if p != PriorityRoutine && p != PriorityUrgent {
		return nil, fmt.Errorf("invalid priority %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type RejectionDetails struct {
	Reason     string    `json:"reason"`
	Notes      string    `json:"notes"`
	RejectedBy string    `json:"rejectedBy"`
	RejectedAt time.Time `json:"rejectedAt"`
}

type AmendmentEntry struct {
	Reason           string    `json:"reason"`
	AmendedBy        string    `json:"amendedBy"`
	AmendedAt        time.Time `json:"amendedAt"`
	PreviousResultID uuid.UUID `json:"previousResultId"`
	NewResultID      uuid.UUID `json:"newResultId"`
}

// Order is the aggregate root of the workflow. Version increments on every
// write and is the optimistic concurrency token.
type Order struct {
	ID               uuid.UUID         `json:"id"`
	PatientID        uuid.UUID         `json:"patientId"`
	PatientName      string            `json:"patientName"`
	Tests            []string          `json:"tests"`
	ReferringDoctor  string            `json:"referringDoctor"`
	Priority         Priority          `json:"priority"`
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	CreatedBy        string            `json:"createdBy"`
	CollectedAt      *time.Time        `json:"collectedAt,omitempty"`
	CollectedBy      string            `json:"collectedBy,omitempty"`
	VerifiedAt       *time.Time        `json:"verifiedAt,omitempty"`
	VerifiedBy       string            `json:"verifiedBy,omitempty"`
	RejectionDetails *RejectionDetails `json:"rejectionDetails,omitempty"`
	AmendmentHistory []AmendmentEntry  `json:"amendmentHistory,omitempty"`
	CurrentResultID  *uuid.UUID        `json:"currentResultId,omitempty"`
	Version          int               `json:"version"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// HasTest reports whether name is one of the ordered tests.
func (o *Order) HasTest(name string) bool {
	for _, t := range o.Tests {
		if t == name {
			return true
		}
	}
	return false
}

type ResultEntry struct {
	Value string `json:"value"`
	Unit  string `json:"unit"`
	Flag  Flag   `json:"flag"`
}

// Result holds the submitted values for an order. An amendment creates a new
// Result pointing at the one it supersedes; the old one is kept.
type Result struct {
	ID              uuid.UUID              `json:"id"`
	OrderID         uuid.UUID              `json:"orderId"`
	PatientID       uuid.UUID              `json:"patientId"`
	Results         map[string]ResultEntry `json:"results"`
	EnteredAt       time.Time              `json:"enteredAt"`
	EnteredBy       string                 `json:"enteredBy"`
	Status          Status                 `json:"status"`
	AmendedFrom     *uuid.UUID             `json:"amendedFrom,omitempty"`
	AmendmentReason string                 `json:"amendmentReason,omitempty"`
	VerifiedAt      *time.Time             `json:"verifiedAt,omitempty"`
	VerifiedBy      string                 `json:"verifiedBy,omitempty"`
	Version         int                    `json:"version"`
}

// HasCritical reports whether any entry carries a critical flag.
func (r *Result) HasCritical() bool {
	for _, e := range r.Results {
		if e.Flag.IsCritical() {
			return true
		}
	}
	return false
}

// CriticalTests returns the sorted names of tests with a critical flag.
func (r *Result) CriticalTests() []string {
	return r.testsFlagged(Flag.IsCritical)
}

// AbnormalTests returns the sorted names of tests flagged outside their
// reference range, critical ones included.
func (r *Result) AbnormalTests() []string {
	return r.testsFlagged(Flag.IsAbnormal)
}

func (r *Result) testsFlagged(match func(Flag) bool) []string {
	out := []string{}
	for name, e := range r.Results {
		if match(e.Flag) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ResultValues maps test name to the raw entered value. JSON numbers are
// accepted as well as strings.
type ResultValues map[string]string

func (v *ResultValues) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(ResultValues, len(raw))
	for name, msg := range raw {
		var s string
		if err := json.Unmarshal(msg, &s); err == nil {
			out[name] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(msg, &n); err != nil {
			return fmt.Errorf("value for %q must be a string or number", name)
		}
		if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
			return fmt.Errorf("value for %q must be a string or number", name)
		}
		out[name] = n.String()
	}
	*v = out
	return nil
}

// OrderWithResult is the read model returned by GET /orders/:id.
type OrderWithResult struct {
	*Order
	Result *Result `json:"result,omitempty"`
}

// Filter narrows ListOrders. Zero fields match everything.
type Filter struct {
	Statuses  []Status
	Priority  Priority
	PatientID *uuid.UUID
}
