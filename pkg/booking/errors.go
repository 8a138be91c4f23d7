package booking

import (
	"errors"
	"fmt"
)

// Business-rule and validation error values returned by the booking engine.
var (
	ErrOccurrenceNotFound       = errors.New("occurrence not found")
	ErrOccurrenceCancelled      = errors.New("occurrence cancelled")
	ErrOccurrencePast           = errors.New("occurrence already started")
	ErrOccurrenceFull           = errors.New("occurrence became full")
	ErrAlreadyRegistered        = errors.New("client already registered for occurrence")
	ErrRegistrationNotFound     = errors.New("registration not found")
	ErrNoActiveRegistration     = errors.New("no active registration")
	ErrCancellationWindowPassed = errors.New("cancellation window passed")
	ErrNoUsableCredit           = errors.New("no usable credit batch")
	ErrMissingSettlementEntry   = errors.New("missing settlement journal entry")
	ErrConflict                 = errors.New("concurrent update conflict")

	ErrInvalidOccurrenceID       = errors.New("invalid occurrence id")
	ErrInvalidClientID           = errors.New("invalid client id")
	ErrInvalidRegistrationID     = errors.New("invalid registration id")
	ErrInvalidBatchID            = errors.New("invalid batch id")
	ErrInvalidEntryID            = errors.New("invalid entry id")
	ErrInvalidCredits            = errors.New("invalid credits")
	ErrInvalidCapacity           = errors.New("invalid capacity")
	ErrInvalidSchedule           = errors.New("invalid schedule")
	ErrInvalidUnitPrice          = errors.New("invalid unit price")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidRegistrationStatus = errors.New("invalid registration status")
	ErrInvalidPaymentStatus      = errors.New("invalid payment status")
	ErrInvalidOccurrenceStatus   = errors.New("invalid occurrence status")
	ErrInvalidBatchStatus        = errors.New("invalid batch status")
	ErrInvalidEntryKind          = errors.New("invalid entry kind")
	ErrInvalidTransition         = errors.New("invalid registration transition")
	ErrInvalidCancellationPolicy = errors.New("invalid cancellation policy")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
