package airlock

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when an item, session or revision does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InvalidStateError is returned when a lifecycle transition is not allowed
// from the item's current status.
type InvalidStateError struct {
	ItemID   string
	Action   string
	Current  Status
	Required Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s item %s in status %s (requires %s)", e.Action, e.ItemID, e.Current, e.Required)
}

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// StorageError wraps a persistence failure. The operation that produced it
// did not commit anything.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DeliveryError is a failed send to a single real-time connection.
type DeliveryError struct {
	ConnectionID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s: %v", e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func required(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

func invalidEnum(field string, value any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf("has unknown value %q", value)}
}
