package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidScope  = errors.New("invalid_scope")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

// Scope is the casbin domain a request is evaluated in: one booking or one dispute.
type Scope struct {
	Kind string
	ID   string
}

const (
	ScopeBooking = "booking"
	ScopeDispute = "dispute"
)

func BookingScope(id string) Scope { return Scope{Kind: ScopeBooking, ID: id} }
func DisputeScope(id string) Scope { return Scope{Kind: ScopeDispute, ID: id} }

// Service decides whether an actor ("user:<id>" or "system") may act within a scope.
type Service interface {
	Authorize(ctx context.Context, actor string, scope Scope, object string, action string) error
	// RoleFor returns "customer" or "vendor" for a user within the scope.
	RoleFor(ctx context.Context, userID string, scope Scope) (string, error)
}
