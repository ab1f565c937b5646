package pinglane

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrDestinationNotLinked  = errors.New("destination not linked")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrMalformedBody         = errors.New("malformed body")
	ErrSchemaInvalid         = errors.New("schema invalid")
	ErrCategoryNotFound      = errors.New("category not found")
	ErrDeliveryFailed        = errors.New("delivery failed")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInvalidInput          = errors.New("invalid input")
	ErrStatusAlreadyTerminal = errors.New("delivery status already terminal")
)

// SchemaError carries the human-readable reason a payload failed validation.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "invalid event payload: " + e.Reason
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaInvalid
}

// CategoryNotFoundError reports the attempted category name so the response
// can echo it back to the caller.
type CategoryNotFoundError struct {
	Name string
}

func (e *CategoryNotFoundError) Error() string {
	return fmt.Sprintf("you don't have a category named %q", e.Name)
}

func (e *CategoryNotFoundError) Is(target error) bool {
	return target == ErrCategoryNotFound
}

// DeliveryError wraps the underlying transport failure from the destination
// platform. It is the only taxonomy error raised after a durable event record
// exists.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return "delivery failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}
