// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseLost is returned when a lease token no longer owns its job.
	ErrLeaseLost = errors.New("lease lost or expired")
	// ErrEventInProgress is returned while another delivery of the same event holds the claim.
	ErrEventInProgress = errors.New("event is being processed by another delivery")
	// ErrUpstream marks failures of an external API (payment, content, provider).
	ErrUpstream = errors.New("upstream service failure")
)

// ValidationError means nothing was mutated and the caller must fix the input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PreconditionFailed means the lead or campaign state refuses the operation.
type PreconditionFailed struct {
	Reason string
}

func (e *PreconditionFailed) Error() string {
	return "precondition failed: " + e.Reason
}

func NewPreconditionFailed(reason string) error {
	return &PreconditionFailed{Reason: reason}
}

// NotFoundError is returned by repositories and services for unknown ids.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// SignatureInvalid rejects a webhook outright.
type SignatureInvalid struct {
	Source string
}

func (e *SignatureInvalid) Error() string {
	return fmt.Sprintf("invalid webhook signature for source %q", e.Source)
}

// RejectedEvent is a webhook event recorded as rejected for manual reconciliation.
type RejectedEvent struct {
	EventID string
	Reason  string
}

func (e *RejectedEvent) Error() string {
	return fmt.Sprintf("event %s rejected: %s", e.EventID, e.Reason)
}

// TransientDeliveryError is retried with backoff up to the attempt ceiling.
type TransientDeliveryError struct {
	Cause error
}

func (e *TransientDeliveryError) Error() string {
	return "transient delivery failure: " + causeText(e.Cause)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Cause }

// PermanentDeliveryError is dead-lettered immediately.
type PermanentDeliveryError struct {
	Cause error
}

func (e *PermanentDeliveryError) Error() string {
	return "permanent delivery failure: " + causeText(e.Cause)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Cause }

func causeText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsPrecondition(err error) bool {
	var target *PreconditionFailed
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsSignatureInvalid(err error) bool {
	var target *SignatureInvalid
	return errors.As(err, &target)
}

func IsRejected(err error) bool {
	var target *RejectedEvent
	return errors.As(err, &target)
}
