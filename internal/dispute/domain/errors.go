package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("dispute_not_found")
	ErrInvalidTransition   = errors.New("invalid_phase_transition")
	ErrPhaseMismatch       = errors.New("phase_mismatch")
	ErrOpenDisputeExists   = errors.New("open_dispute_exists")
	ErrSettlementPending   = errors.New("settlement_pending")
	ErrDisputeClosed       = errors.New("dispute_closed")
	ErrNotParty            = errors.New("not_a_party")
	ErrNotCounterparty     = errors.New("not_counterparty")
	ErrStaleOffer          = errors.New("offer_superseded")
	ErrReviewWindowClosed  = errors.New("review_window_closed")
	ErrConfirmationMissing = errors.New("confirmation_required")
	ErrFeeMismatch         = errors.New("fee_acknowledgement_mismatch")
	ErrEvidenceLimit       = errors.New("evidence_limit_reached")
	ErrOptionsUnavailable  = errors.New("options_unavailable")
	ErrDecisionUnavailable = errors.New("decision_unavailable")
	ErrModelsUnavailable   = errors.New("models_unavailable")
	ErrGatewayFailed       = errors.New("escrow_gateway_failed")
	ErrDisputeBusy         = errors.New("dispute_busy")
)

const (
	ErrorTypeValidation         = "validation"
	ErrorTypeAuthorization      = "authorization"
	ErrorTypeConflict           = "conflict"
	ErrorTypeExternalDependency = "external_dependency"
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Fields []FieldError
	Err    error
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Err != nil {
			return "validation failed: " + e.Err.Error()
		}
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s %s", e.Fields[0].Field, e.Fields[0].Message)
}

func (e *ValidationError) Unwrap() error     { return e.Err }
func (e *ValidationError) ErrorType() string { return ErrorTypeValidation }

type AuthorizationError struct {
	Message string
	Err     error
}

func (e *AuthorizationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "not authorized for this dispute"
}

func (e *AuthorizationError) Unwrap() error     { return e.Err }
func (e *AuthorizationError) ErrorType() string { return ErrorTypeAuthorization }

// ConflictError reports a state precondition failure together with the
// state the caller should refresh to.
type ConflictError struct {
	Message      string
	CurrentPhase Phase
	Status       Status
	Err          error
}

func NewConflictError(err error, phase Phase, status Status, message string) *ConflictError {
	return &ConflictError{Message: message, CurrentPhase: phase, Status: status, Err: err}
}

func (e *ConflictError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.CurrentPhase != "" {
		return fmt.Sprintf("%s (current phase %s)", msg, e.CurrentPhase)
	}
	return msg
}

func (e *ConflictError) Unwrap() error     { return e.Err }
func (e *ConflictError) ErrorType() string { return ErrorTypeConflict }

type ExternalDependencyError struct {
	Dependency string
	Err        error
	// Unavailable marks a dependency that is down or unconfigured rather than failing a call.
	Unavailable bool
}

func (e *ExternalDependencyError) Error() string {
	if e.Err == nil {
		return e.Dependency + " unavailable"
	}
	return e.Dependency + ": " + e.Err.Error()
}

func (e *ExternalDependencyError) Unwrap() error     { return e.Err }
func (e *ExternalDependencyError) ErrorType() string { return ErrorTypeExternalDependency }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

func IsExternalDependency(err error) bool {
	var target *ExternalDependencyError
	return errors.As(err, &target)
}
