// internal/services/errors.go
package services

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError is malformed input rejected before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidStateError means the operation is not legal in the entity's current status.
type InvalidStateError struct {
	Entity    string
	ID        uuid.UUID
	Current   string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Operation, e.Entity, e.ID, e.Current)
}

// ConflictError means a compare-and-set on status lost to a concurrent writer.
// Callers reload instead of retrying blindly.
type ConflictError struct {
	Entity   string
	ID       uuid.UUID
	Expected string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is no longer %s", e.Entity, e.ID, e.Expected)
}

// AuthenticityError is a webhook that could not be verified.
type AuthenticityError struct {
	Reason string
}

func (e *AuthenticityError) Error() string {
	return "webhook authenticity check failed: " + e.Reason
}

// AuthorizationError is an actor attempting an action outside their role.
type AuthorizationError struct {
	ActorID uuid.UUID
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s is not allowed to %s", e.ActorID, e.Action)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func validationErr(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func notFound(entity string, id uuid.UUID) error {
	return &NotFoundError{Entity: entity, ID: id.String()}
}
