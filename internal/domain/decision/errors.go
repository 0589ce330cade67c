package decision

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so operators can tell policy denials apart
// from backend trouble.
type Kind string

const (
	KindConfiguration     Kind = "configuration_error"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindEgressDeny        Kind = "egress_deny"
	KindCapabilityDeny    Kind = "capability_deny"
	KindModelDeny         Kind = "model_deny"
	KindPolicyDeny        Kind = "policy_deny"
	KindDestinationDeny   Kind = "destination_deny"
	KindApprovalRequired  Kind = "approval_required"
	KindBudgetSuspended   Kind = "budget_suspended"
	KindReplayDetected    Kind = "replay_detected"
	KindTransientBackend  Kind = "transient_backend"
)

// Transient reports whether the kind denotes backend unavailability rather
// than a policy verdict. Transient failures still deny the request.
func (k Kind) Transient() bool { return k == KindTransientBackend }

// HTTPStatus maps the kind to the gateway response code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindApprovalRequired:
		return http.StatusAccepted
	case KindReplayDetected:
		return http.StatusConflict
	case KindTransientBackend:
		return http.StatusServiceUnavailable
	case KindConfiguration, KindSignatureMismatch:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

// GateError is a denial carrying its kind, the gate that raised it, and the
// signals that motivated it. Gates never recover each other's errors; a
// denial is final for the request.
type GateError struct {
	Kind    Kind
	Gate    string
	Reason  string
	Signals []string
	Err     error
}

func (e *GateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Gate, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Gate, e.Reason)
}

func (e *GateError) Unwrap() error { return e.Err }

// NewGateError builds a denial without an underlying cause.
func NewGateError(kind Kind, gate, reason string, signals ...string) *GateError {
	return &GateError{Kind: kind, Gate: gate, Reason: reason, Signals: signals}
}

// WrapGateError builds a denial around an underlying cause, typically a
// backend error that forces a fail-closed deny.
func WrapGateError(kind Kind, gate, reason string, err error) *GateError {
	return &GateError{Kind: kind, Gate: gate, Reason: reason, Err: err}
}

// KindOf extracts the kind from err, or KindTransientBackend for unknown
// errors so unclassified failures stay fail-closed.
func KindOf(err error) Kind {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransientBackend
}
