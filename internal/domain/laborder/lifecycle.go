package laborder

import (
	"fmt"

	"github.com/lims/lims/internal/domain/auditlog"
	"github.com/lims/lims/internal/platform/auth"
)

// Event is a user-triggered lifecycle transition.
type Event uint8

const (
	EventCollect Event = iota + 1
	EventBeginProcessing
	EventSubmitResults
	EventReject
	EventVerify
	EventAmend
)

type transition struct {
	name string
	from []Status
	to   Status
	cap  auth.Capability
}

var transitions = map[Event]transition{
	EventCollect: {
		name: "collect sample",
		from: []Status{StatusRegistered, StatusRejected},
		to:   StatusSampleCollected,
		cap:  auth.CapCollectSample,
	},
	EventBeginProcessing: {
		name: "begin processing",
		from: []Status{StatusSampleCollected},
		to:   StatusProcessing,
		cap:  auth.CapEnterResults,
	},
	EventSubmitResults: {
		name: "submit results",
		from: []Status{StatusProcessing},
		to:   StatusPendingVerification,
		cap:  auth.CapEnterResults,
	},
	EventReject: {
		name: "reject sample",
		from: []Status{StatusSampleCollected, StatusProcessing, StatusPendingVerification},
		to:   StatusRejected,
		cap:  auth.CapRejectSample,
	},
	EventVerify: {
		name: "verify",
		from: []Status{StatusPendingVerification},
		to:   StatusVerified,
		cap:  auth.CapVerifyResults,
	},
	EventAmend: {
		name: "amend",
		from: []Status{StatusVerified, StatusAmended},
		to:   StatusAmended,
		cap:  auth.CapAmendResults,
	},
}

func (e Event) String() string {
	if t, ok := transitions[e]; ok {
		return t.name
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// CanTransition reports whether e is legal from status from.
func CanTransition(e Event, from Status) bool {
	t, ok := transitions[e]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

// next returns the target status of e from the given status.
func next(e Event, from Status) (Status, error) {
	if !CanTransition(e, from) {
		return 0, fmt.Errorf("%w: cannot %s an order that is %s", ErrInvalidTransition, e, from)
	}
	return transitions[e].to, nil
}

func authorize(actor auth.Actor, e Event) error {
	t := transitions[e]
	if !actor.Can(t.cap) {
		return fmt.Errorf("%w: %s lacks %s", ErrForbidden, actor.UserID, t.cap)
	}
	return nil
}

// auditAction names the audit entry written for e. Collecting a previously
// rejected sample is recorded as a recollection.
func auditAction(e Event, from Status) string {
	switch e {
	case EventCollect:
		if from == StatusRejected {
			return auditlog.ActionSampleRecollected
		}
		return auditlog.ActionSampleCollected
	case EventBeginProcessing:
		return auditlog.ActionProcessingStarted
	case EventSubmitResults:
		return auditlog.ActionResultsSubmitted
	case EventReject:
		return auditlog.ActionSampleRejected
	case EventVerify:
		return auditlog.ActionResultsVerified
	case EventAmend:
		return auditlog.ActionResultsAmended
	}
	return ""
}
