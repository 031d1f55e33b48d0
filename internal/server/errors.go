package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/arbiter/internal/authorization"
	"github.com/smallbiznis/arbiter/internal/booking"
	disputedomain "github.com/smallbiznis/arbiter/internal/dispute/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type         string              `json:"type"`
	Message      string              `json:"message"`
	Errors       []ValidationError   `json:"errors,omitempty"`
	CurrentPhase disputedomain.Phase `json:"current_phase,omitempty"`
	Status       string              `json:"status,omitempty"`
	Dependency   string              `json:"dependency,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		last := c.Errors.Last()
		if last == nil {
			return
		}
		status, payload := mapError(last.Err)
		if payload.CurrentPhase != "" {
			c.Set("dispute_phase", string(payload.CurrentPhase))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

type sentinel struct {
	errs    []error
	status  int
	kind    string
	message string
}

// sentinels map plain errors to a response after the typed dispute errors
// have had their turn.
var sentinels = []sentinel{
	{[]error{ErrInvalidRequest}, http.StatusBadRequest, "validation_error", "invalid request"},
	{[]error{ErrUnauthorized}, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{[]error{ErrForbidden, authorization.ErrForbidden}, http.StatusForbidden, "forbidden", "forbidden"},
	{[]error{ErrNotFound, disputedomain.ErrNotFound, booking.ErrNotFound, gorm.ErrRecordNotFound}, http.StatusNotFound, "not_found", "not found"},
	{[]error{ErrRateLimited}, http.StatusTooManyRequests, "rate_limited", "too many requests"},
	{[]error{ErrServiceUnavailable}, http.StatusServiceUnavailable, "service_unavailable", "service unavailable"},
}

var internalPayload = errorPayload{Type: "internal_error", Message: "internal server error"}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalPayload
	}
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	}

	var validation *disputedomain.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: validation.Error(),
			Errors:  domainFieldErrors(validation),
		}
	}
	var authz *disputedomain.AuthorizationError
	if errors.As(err, &authz) {
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: authz.Error()}
	}
	var conflict *disputedomain.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, errorPayload{
			Type:         "conflict",
			Message:      conflict.Error(),
			CurrentPhase: conflict.CurrentPhase,
			Status:       string(conflict.Status),
		}
	}
	var dependency *disputedomain.ExternalDependencyError
	if errors.As(err, &dependency) {
		status := http.StatusBadGateway
		if dependency.Unavailable {
			status = http.StatusServiceUnavailable
		}
		return status, errorPayload{Type: "external_dependency", Message: dependency.Error(), Dependency: dependency.Dependency}
	}

	for _, s := range sentinels {
		for _, target := range s.errs {
			if errors.Is(err, target) {
				return s.status, errorPayload{Type: s.kind, Message: s.message}
			}
		}
	}
	return http.StatusInternalServerError, internalPayload
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func domainFieldErrors(err *disputedomain.ValidationError) []ValidationError {
	code := ""
	if err.Err != nil {
		code = err.Err.Error()
	}
	out := make([]ValidationError, 0, len(err.Fields))
	for _, f := range err.Fields {
		fieldCode := code
		if fieldCode == "" {
			fieldCode = "invalid_" + f.Field
		}
		out = append(out, ValidationError{Field: f.Field, Code: fieldCode, Message: f.Message})
	}
	return out
}

// classifyErrorForLog returns the error type and code written to the access log.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	var conflict *disputedomain.ConflictError
	if errors.As(err, &conflict) && conflict.Err != nil {
		code = conflict.Err.Error()
	}
	return payload.Type, strings.TrimSpace(code)
}
