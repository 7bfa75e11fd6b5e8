package laborder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/auditlog"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/patient"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

// Catalog is the reference data the controller reads.
type Catalog interface {
	TestsByName(ctx context.Context, names []string) (map[string]*catalog.TestDefinition, error)
	PanelsByName(ctx context.Context, names []string) ([]*catalog.Panel, error)
}

// PatientStore looks up and creates patients. patient.Repository satisfies it.
type PatientStore interface {
	Create(ctx context.Context, p *patient.Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// AuditSink receives one entry per committed operation. It must not fail
// the caller.
type AuditSink interface {
	Record(ctx context.Context, e auditlog.Entry)
}

// Controller enforces the order lifecycle. Every operation checks, in
// order: input, the actor's capability, that the order exists, the expected
// version (when given) and the current status. Order and result writes of
// one operation share a transaction; the audit entry and the lifecycle
// event are emitted after commit.
type Controller struct {
	orders   OrderRepository
	results  ResultRepository
	patients PatientStore
	catalog  Catalog
	tx       db.Transactor
	audit    AuditSink
	events   events.Publisher
	logger   zerolog.Logger
	now      func() time.Time
}

func NewController(
	orders OrderRepository,
	results ResultRepository,
	patients PatientStore,
	cat Catalog,
	tx db.Transactor,
	audit AuditSink,
	pub events.Publisher,
	logger zerolog.Logger,
) *Controller {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Controller{
		orders:   orders,
		results:  results,
		patients: patients,
		catalog:  cat,
		tx:       tx,
		audit:    audit,
		events:   pub,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// -- Inputs --

type RegisterInput struct {
	PatientID       *uuid.UUID       `json:"patientId,omitempty"`
	Patient         *patient.Patient `json:"patient,omitempty"`
	Tests           []string         `json:"tests"`
	Panels          []string         `json:"panels"`
	ReferringDoctor string           `json:"referringDoctor"`
	Priority        Priority         `json:"priority"`
}

type RejectInput struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type SubmitInput struct {
	Results ResultValues `json:"results"`
}

type AmendInput struct {
	Reason  string       `json:"reason"`
	Results ResultValues `json:"results"`
}

// -- Register --

// Register creates an order in status registered. When in.Patient is set the
// patient is created in the same transaction. Panels are expanded into
// their tests; the combined list is deduplicated keeping first occurrence.
func (c *Controller) Register(ctx context.Context, actor auth.Actor, in RegisterInput) (*Order, error) {
	now := c.now()
	if (in.PatientID == nil) == (in.Patient == nil) {
		return nil, fmt.Errorf("%w: exactly one of patientId or patient is required", ErrValidation)
	}
	if len(in.Tests) == 0 && len(in.Panels) == 0 {
		return nil, fmt.Errorf("%w: at least one test or panel is required", ErrValidation)
	}
	if in.Priority == 0 {
		in.Priority = PriorityRoutine
	}
	if in.Patient != nil {
		if err := in.Patient.Validate(now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	if !actor.Can(auth.CapRegisterOrder) {
		return nil, fmt.Errorf("%w: %s lacks %s", ErrForbidden, actor.UserID, auth.CapRegisterOrder)
	}
	if in.Patient != nil && !actor.Can(auth.CapRegisterPatient) {
		return nil, fmt.Errorf("%w: %s lacks %s", ErrForbidden, actor.UserID, auth.CapRegisterPatient)
	}

	tests, err := c.expandTests(ctx, in.Tests, in.Panels)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:              uuid.New(),
		Tests:           tests,
		ReferringDoctor: strings.TrimSpace(in.ReferringDoctor),
		Priority:        in.Priority,
		Status:          StatusRegistered,
		CreatedAt:       now,
		CreatedBy:       actor.UserID,
	}
	newPatient := in.Patient != nil

	err = c.tx.RunInTx(ctx, func(ctx context.Context) error {
		p := in.Patient
		if newPatient {
			p.ID = uuid.New()
			p.RegisteredAt = now
			p.RegisteredBy = actor.UserID
			if err := c.patients.Create(ctx, p); err != nil {
				return err
			}
		} else {
			found, err := c.patients.GetByID(ctx, *in.PatientID)
			if errors.Is(err, patient.ErrNotFound) {
				return fmt.Errorf("%w: patient %s", ErrNotFound, *in.PatientID)
			}
			if err != nil {
				return err
			}
			p = found
		}
		o.PatientID = p.ID
		o.PatientName = p.Name
		return c.orders.Create(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	c.record(ctx, actor, auditlog.ActionOrderRegistered, o, map[string]interface{}{
		"patientName": o.PatientName,
		"tests":       o.Tests,
		"priority":    o.Priority.String(),
		"newPatient":  newPatient,
	})
	c.publish(ctx, events.Event{
		Type: events.TypeTransition, OrderID: o.ID.String(), To: o.Status.String(),
		Actor: actor.UserID, At: now,
	})
	return o, nil
}

func (c *Controller) expandTests(ctx context.Context, tests, panels []string) ([]string, error) {
	var names []string
	seen := map[string]bool{}
	add := func(n string) {
		n = strings.TrimSpace(n)
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, t := range tests {
		add(t)
	}
	if len(panels) > 0 {
		ps, err := c.catalog.PanelsByName(ctx, panels)
		if errors.Is(err, catalog.ErrValidation) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			for _, t := range p.Tests {
				add(t)
			}
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one test is required", ErrValidation)
	}

	defs, err := c.catalog.TestsByName(ctx, names)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, n := range names {
		if defs[n] == nil {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown tests: %s", ErrValidation, strings.Join(unknown, ", "))
	}
	return names, nil
}

// -- Transitions --

// apply mutates o (already moved to its new status) inside the transaction
// and returns audit details. It may also write results.
type applyFunc func(ctx context.Context, o *Order, from Status, now time.Time) (map[string]interface{}, error)

// transition runs the shared check-then-write sequence for e. expected is
// the caller's version (0 when not given).
func (c *Controller) transition(ctx context.Context, actor auth.Actor, id uuid.UUID, expected int, e Event, apply applyFunc) (*Order, error) {
	if err := authorize(actor, e); err != nil {
		return nil, err
	}

	now := c.now()
	var (
		o       *Order
		from    Status
		details map[string]interface{}
	)
	err := c.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		o, err = c.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if expected > 0 && o.Version != expected {
			return fmt.Errorf("%w: order %s is at version %d, not %d", ErrConflict, id, o.Version, expected)
		}
		from = o.Status
		to, err := next(e, from)
		if err != nil {
			return err
		}
		read := o.Version
		o.Status = to
		o.UpdatedAt = now
		if apply != nil {
			if details, err = apply(ctx, o, from, now); err != nil {
				return err
			}
		}
		return c.orders.Update(ctx, o, read)
	})
	if err != nil {
		return nil, err
	}

	if details == nil {
		details = map[string]interface{}{}
	}
	details["patientName"] = o.PatientName
	details["from"] = from.String()
	details["to"] = o.Status.String()
	c.record(ctx, actor, auditAction(e, from), o, details)
	c.publish(ctx, events.Event{
		Type: events.TypeTransition, OrderID: o.ID.String(), From: from.String(), To: o.Status.String(),
		Actor: actor.UserID, At: now,
	})
	return o, nil
}

// CollectSample records sample collection. Collecting a rejected order is a
// recollection and clears its rejection details.
func (c *Controller) CollectSample(ctx context.Context, actor auth.Actor, id uuid.UUID, expected int) (*Order, error) {
	return c.transition(ctx, actor, id, expected, EventCollect,
		func(_ context.Context, o *Order, from Status, now time.Time) (map[string]interface{}, error) {
			details := map[string]interface{}{}
			if from == StatusRejected && o.RejectionDetails != nil {
				details["previousRejectionReason"] = o.RejectionDetails.Reason
			}
			o.CollectedAt = &now
			o.CollectedBy = actor.UserID
			o.RejectionDetails = nil
			return details, nil
		})
}

func (c *Controller) BeginProcessing(ctx context.Context, actor auth.Actor, id uuid.UUID, expected int) (*Order, error) {
	return c.transition(ctx, actor, id, expected, EventBeginProcessing, nil)
}

// SubmitResults stores a value for every ordered test and moves the order to
// pending_verification. The order's current result is updated in place if
// one exists, otherwise a new one is created.
func (c *Controller) SubmitResults(ctx context.Context, actor auth.Actor, id uuid.UUID, expected int, in SubmitInput) (*Order, *Result, error) {
	values := in.Results
	if len(values) == 0 {
		return nil, nil, fmt.Errorf("%w: results are required", ErrValidation)
	}
	var res *Result
	o, err := c.transition(ctx, actor, id, expected, EventSubmitResults,
		func(ctx context.Context, o *Order, _ Status, now time.Time) (map[string]interface{}, error) {
			if err := checkCompleteness(o, values); err != nil {
				return nil, err
			}
			entries, err := c.buildEntries(ctx, o, values)
			if err != nil {
				return nil, err
			}
			if res, err = c.upsertResult(ctx, o, entries, actor, now); err != nil {
				return nil, err
			}
			o.CurrentResultID = &res.ID
			return map[string]interface{}{
				"resultId": res.ID.String(),
				"critical": res.CriticalTests(),
				"abnormal": res.AbnormalTests(),
			}, nil
		})
	if err != nil {
		return nil, nil, err
	}
	c.publishCritical(ctx, actor, o, res)
	return o, res, nil
}

func (c *Controller) buildEntries(ctx context.Context, o *Order, values map[string]string) (map[string]ResultEntry, error) {
	defs, err := c.catalog.TestsByName(ctx, o.Tests)
	if err != nil {
		return nil, err
	}
	return BuildResultEntries(defs, values), nil
}

func (c *Controller) upsertResult(ctx context.Context, o *Order, entries map[string]ResultEntry, actor auth.Actor, now time.Time) (*Result, error) {
	if o.CurrentResultID != nil {
		res, err := c.results.GetByID(ctx, *o.CurrentResultID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if res != nil {
			res.Results = entries
			res.EnteredAt = now
			res.EnteredBy = actor.UserID
			res.Status = StatusPendingVerification
			res.VerifiedAt = nil
			res.VerifiedBy = ""
			return res, c.results.Update(ctx, res)
		}
	}
	res := &Result{
		ID:        uuid.New(),
		OrderID:   o.ID,
		PatientID: o.PatientID,
		Results:   entries,
		EnteredAt: now,
		EnteredBy: actor.UserID,
		Status:    StatusPendingVerification,
	}
	return res, c.results.Create(ctx, res)
}

// RejectSample marks the sample unusable. A non-empty reason is required.
func (c *Controller) RejectSample(ctx context.Context, actor auth.Actor, id uuid.UUID, expected int, in RejectInput) (*Order, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", ErrValidation)
	}
	notes := strings.TrimSpace(in.Notes)
	return c.transition(ctx, actor, id, expected, EventReject,
		func(_ context.Context, o *Order, _ Status, now time.Time) (map[string]interface{}, error) {
			o.RejectionDetails = &RejectionDetails{
				Reason:     reason,
				Notes:      notes,
				RejectedBy: actor.UserID,
				RejectedAt: now,
			}
			return map[string]interface{}{"reason": reason, "notes": notes}, nil
		})
}

// Verify signs off the current result. An order in pending_verification
// without a result is an orphan and reported as ErrNotFound.
func (c *Controller) Verify(ctx context.Context, actor auth.Actor, id uuid.UUID, expected int) (*Order, error) {
	return c.transition(ctx, actor, id, expected, EventVerify,
		func(ctx context.Context, o *Order, _ Status, now time.Time) (map[string]interface{}, error) {
			if o.CurrentResultID == nil {
				return nil, fmt.Errorf("%w: order %s has no result to verify", ErrNotFound, o.ID)
			}
			res, err := c.results.GetByID(ctx, *o.CurrentResultID)
			if err != nil {
				return nil, err
			}
			res.Status = StatusVerified
			res.VerifiedAt = &now
			res.VerifiedBy = actor.UserID
			if err := c.results.Update(ctx, res); err != nil {
				return nil, err
			}
			o.VerifiedAt = &now
			o.VerifiedBy = actor.UserID
			return map[string]interface{}{"resultId": res.ID.String()}, nil
		})
}

// Amend replaces a verified result with a corrected one. The previous result
// is kept; the new one points back to it and one amendment entry is
// appended to the order's history.
func (c *Controller) Amend(ctx context.Context, actor auth.Actor, id uuid.UUID, expected int, in AmendInput) (*Order, *Result, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, nil, fmt.Errorf("%w: an amendment reason is required", ErrValidation)
	}
	if len(in.Results) == 0 {
		return nil, nil, fmt.Errorf("%w: results are required", ErrValidation)
	}
	var res *Result
	o, err := c.transition(ctx, actor, id, expected, EventAmend,
		func(ctx context.Context, o *Order, _ Status, now time.Time) (map[string]interface{}, error) {
			if err := checkCompleteness(o, in.Results); err != nil {
				return nil, err
			}
			if o.CurrentResultID == nil {
				return nil, fmt.Errorf("%w: order %s has no result to amend", ErrNotFound, o.ID)
			}
			prev, err := c.results.GetByID(ctx, *o.CurrentResultID)
			if err != nil {
				return nil, err
			}
			entries, err := c.buildEntries(ctx, o, in.Results)
			if err != nil {
				return nil, err
			}
			prevID := prev.ID
			res = &Result{
				ID:              uuid.New(),
				OrderID:         o.ID,
				PatientID:       o.PatientID,
				Results:         entries,
				EnteredAt:       now,
				EnteredBy:       actor.UserID,
				Status:          StatusVerified,
				AmendedFrom:     &prevID,
				AmendmentReason: reason,
				VerifiedAt:      &now,
				VerifiedBy:      actor.UserID,
			}
			if err := c.results.Create(ctx, res); err != nil {
				return nil, err
			}
			o.AmendmentHistory = append(o.AmendmentHistory, AmendmentEntry{
				Reason:           reason,
				AmendedBy:        actor.UserID,
				AmendedAt:        now,
				PreviousResultID: prevID,
				NewResultID:      res.ID,
			})
			o.CurrentResultID = &res.ID
			return map[string]interface{}{
				"reason":           reason,
				"previousResultId": prevID.String(),
				"newResultId":      res.ID.String(),
				"abnormal":         res.AbnormalTests(),
			}, nil
		})
	if err != nil {
		return nil, nil, err
	}
	c.publishCritical(ctx, actor, o, res)
	return o, res, nil
}

// -- Queries --

func (c *Controller) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return c.orders.GetByID(ctx, id)
}

// GetOrderWithResult returns the order and its current result, if any.
func (c *Controller) GetOrderWithResult(ctx context.Context, id uuid.UUID) (*OrderWithResult, error) {
	o, err := c.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &OrderWithResult{Order: o}
	if o.CurrentResultID != nil {
		res, err := c.results.GetByID(ctx, *o.CurrentResultID)
		if err != nil {
			return nil, err
		}
		out.Result = res
	}
	return out, nil
}

func (c *Controller) ListOrders(ctx context.Context, f Filter, limit, offset int) ([]*Order, int, error) {
	return c.orders.List(ctx, f, limit, offset)
}

// ListResultHistory returns every result stored for an order, newest first.
func (c *Controller) ListResultHistory(ctx context.Context, id uuid.UUID) ([]*Result, error) {
	if _, err := c.orders.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return c.results.ListByOrder(ctx, id)
}

// Queue returns the named work queue in display order.
func (c *Controller) Queue(ctx context.Context, name string) ([]*Order, error) {
	statuses, ok := queueStatuses[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown queue %q", ErrValidation, name)
	}
	items, err := c.orders.ListByStatus(ctx, statuses)
	if err != nil {
		return nil, err
	}
	SortQueue(items)
	return items, nil
}

func (c *Controller) CollectionQueue(ctx context.Context) ([]*Order, error) {
	return c.Queue(ctx, QueueCollection)
}

func (c *Controller) Worklist(ctx context.Context) ([]*Order, error) {
	return c.Queue(ctx, QueueWorklist)
}

func (c *Controller) VerificationQueue(ctx context.Context) ([]*Order, error) {
	return c.Queue(ctx, QueueVerification)
}

// -- Side effects --

func (c *Controller) record(ctx context.Context, actor auth.Actor, action string, o *Order, details map[string]interface{}) {
	if c.audit == nil {
		return
	}
	id := o.ID
	c.audit.Record(ctx, auditlog.Entry{
		Action:    action,
		UserID:    actor.UserID,
		UserEmail: actor.Email,
		OrderID:   &id,
		Details:   details,
	})
}

func (c *Controller) publish(ctx context.Context, evt events.Event) {
	evt.Tenant = db.TenantFromContext(ctx)
	if err := c.events.Publish(ctx, evt); err != nil {
		c.logger.Error().Err(err).Str("order_id", evt.OrderID).Str("type", evt.Type).
			Msg("lifecycle event publish failed")
	}
}

func (c *Controller) publishCritical(ctx context.Context, actor auth.Actor, o *Order, res *Result) {
	if res == nil || !res.HasCritical() {
		return
	}
	c.publish(ctx, events.Event{
		Type:    events.TypeCriticalResult,
		OrderID: o.ID.String(),
		To:      o.Status.String(),
		Actor:   actor.UserID,
		At:      res.EnteredAt,
		Details: map[string]interface{}{
			"patientName": o.PatientName,
			"resultId":    res.ID.String(),
			"tests":       res.CriticalTests(),
			"abnormal":    res.AbnormalTests(),
			"priority":    o.Priority.String(),
		},
	})
}
