package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProfileStatus is the normalized state of a recurring billing profile
type ProfileStatus string

const (
	StatusComplete ProfileStatus = "complete"
	StatusPending  ProfileStatus = "pending"
	StatusInvalid  ProfileStatus = "invalid"
)

// NormalizeStatus maps a raw gateway status to a ProfileStatus. Profile
// creation reports "ActiveProfile"/"PendingProfile" while detail lookups
// report "Active"/"Pending"; anything else is invalid.
func NormalizeStatus(raw string) ProfileStatus {
	switch raw {
	case "ActiveProfile", "Active":
		return StatusComplete
	case "PendingProfile", "Pending":
		return StatusPending
	default:
		return StatusInvalid
	}
}

// Live reports whether a profile in this state may still bill
func (s ProfileStatus) Live() bool {
	return s == StatusComplete || s == StatusPending
}

var (
	// ErrProfileNotActive is returned when cancelling a profile the gateway
	// already considers canceled, suspended out or expired.
	ErrProfileNotActive = errors.New("recurring profile is not active")
	// ErrUnsupportedCurrency is returned by factories for unknown currencies
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// CheckoutRequest starts an interactive checkout
type CheckoutRequest struct {
	ReturnURL   string
	CancelURL   string
	Email       string
	Amount      int64 // minor units, tax included
	Description string
}

// CheckoutHandle identifies a started checkout and where to send the buyer
type CheckoutHandle struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// RecurringRequest exchanges a checkout token for a recurring profile
type RecurringRequest struct {
	Token       string
	StartsAt    time.Time
	Amount      int64 // minor units, tax excluded
	TaxAmount   int64
	Description string
}

// RecurringProfile is the result of creating a recurring profile
type RecurringProfile struct {
	ProfileID string        `json:"profile_id"`
	Status    ProfileStatus `json:"status"`
}

// RecurringDetails describes an existing recurring profile
type RecurringDetails struct {
	ProfileID       string        `json:"profile_id"`
	Status          ProfileStatus `json:"status"`
	RawStatus       string        `json:"raw_status,omitempty"`
	NextBillingDate *time.Time    `json:"next_billing_date,omitempty"`
	LastPaymentDate *time.Time    `json:"last_payment_date,omitempty"`
}

// Gateway is a recurring billing provider bound to a single currency
type Gateway interface {
	StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error)
	CreateRecurring(ctx context.Context, req RecurringRequest) (*RecurringProfile, error)
	RecurringDetails(ctx context.Context, profileID string) (*RecurringDetails, error)
	CancelRecurring(ctx context.Context, profileID, note string) error
}

// Invalidator is implemented by gateways that cache profile details
type Invalidator interface {
	Invalidate(ctx context.Context, profileID string) error
}

// Factory returns the gateway for a currency
type Factory interface {
	ForCurrency(currency string) (Gateway, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(currency string) (Gateway, error)

// ForCurrency calls f(currency)
func (f FactoryFunc) ForCurrency(currency string) (Gateway, error) {
	return f(currency)
}

// Error is a failure reported by the gateway itself, as opposed to a
// transport failure.
type Error struct {
	Operation    string
	Code         string
	ShortMessage string
	LongMessage  string
}

func (e *Error) Error() string {
	msg := e.LongMessage
	if msg == "" {
		msg = e.ShortMessage
	}
	return fmt.Sprintf("%s failed: [%s] %s", e.Operation, e.Code, msg)
}
