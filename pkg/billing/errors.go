package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrConcurrentUpdate     = errors.New("subscription was modified concurrently")
	ErrUnknownPlan          = errors.New("unknown plan")
	ErrAlreadyActivated     = errors.New("subscription already activated")
	ErrAlreadyCanceled      = errors.New("subscription already canceled")
	// ErrGatewayCancel wraps gateway failures after a local cancellation was stored
	ErrGatewayCancel        = errors.New("gateway cancellation failed")
)

// FieldError is one violated field constraint
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invariant a subscription violates
type ValidationError struct {
	SubscriptionID string       `json:"subscription_id,omitempty"`
	Fields         []FieldError `json:"fields"`
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "invalid subscription: " + strings.Join(parts, "; ")
}

// Has reports whether field is among the violations
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// AlreadyActivatedError is returned by activation entry points
type AlreadyActivatedError struct {
	SubscriptionID string
	ActivatedAt    time.Time
}

func (e *AlreadyActivatedError) Error() string {
	return fmt.Sprintf("subscription %s already activated at %s", e.SubscriptionID, e.ActivatedAt.Format(time.RFC3339))
}

func (e *AlreadyActivatedError) Is(target error) bool {
	return target == ErrAlreadyActivated
}

// AlreadyCanceledError is returned by Cancel
type AlreadyCanceledError struct {
	SubscriptionID string
	CanceledAt     time.Time
}

func (e *AlreadyCanceledError) Error() string {
	return fmt.Sprintf("subscription %s already canceled at %s", e.SubscriptionID, e.CanceledAt.Format(time.RFC3339))
}

func (e *AlreadyCanceledError) Is(target error) bool {
	return target == ErrAlreadyCanceled
}

// CascadeFailure is one subscription whose cancellation could not be initiated
type CascadeFailure struct {
	SubscriptionID string
	Err            error
}

// CascadeError reports a partial cascade. The activation it belongs to stays
// recorded; the failed subscriptions are left for reconciliation.
type CascadeError struct {
	ActivationID string
	Failures     []CascadeFailure
}

func (e *CascadeError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.SubscriptionID, f.Err))
	}
	return fmt.Sprintf("cascade from activation %s failed for %d subscription(s): %s",
		e.ActivationID, len(e.Failures), strings.Join(parts, "; "))
}

func (e *CascadeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
