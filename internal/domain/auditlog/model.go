package auditlog

import (
	"time"

	"github.com/google/uuid"
)

// Actions written by the order workflow.
const (
	ActionPatientRegistered = "patient_registered"
	ActionOrderRegistered   = "order_registered"
	ActionSampleCollected   = "sample_collected"
	ActionSampleRecollected = "sample_recollected"
	ActionProcessingStarted = "processing_started"
	ActionResultsSubmitted  = "results_submitted"
	ActionSampleRejected    = "sample_rejected"
	ActionResultsVerified   = "results_verified"
	ActionResultsAmended    = "results_amended"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        uuid.UUID              `json:"id"`
	Action    string                 `json:"action"`
	UserID    string                 `json:"userId"`
	UserEmail string                 `json:"userEmail"`
	Timestamp time.Time              `json:"timestamp"`
	OrderID   *uuid.UUID             `json:"orderId,omitempty"`
	Details   map[string]interface{} `json:"details"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	OrderID *uuid.UUID
	Action  string
	UserID  string
	From    *time.Time
	To      *time.Time
}
