package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is what a transaction attempts
type Action string

const (
	ActionActivation   Action = "activation"
	ActionCancellation Action = "cancellation"
)

// Gateway is the billing path a transaction goes through
type Gateway string

const (
	// GatewayNone marks free or sponsored subscriptions that never reach a
	// payment gateway
	GatewayNone   Gateway = "none"
	GatewayPayPal Gateway = "paypal"
)

// Status is the processing state of a transaction
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid transaction status transition")
	ErrMissingTrigger      = errors.New("cancellation trigger must be an activation")
	ErrMissingSubscription = errors.New("transaction requires a subscription id")
)

// Transaction is one attempt to activate or cancel a subscription. Cancellations
// reference the activation that triggered them through RelatedTransactionID.
type Transaction struct {
	ID                   string    `json:"id"`
	SubscriptionID       string    `json:"subscription_id"`
	Action               Action    `json:"action"`
	Gateway              Gateway   `json:"gateway"`
	Status               Status    `json:"status"`
	InitiatorID          string    `json:"initiator_id,omitempty"`
	RelatedTransactionID string    `json:"related_transaction_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Initiated reports whether the transaction still awaits processing
func (t *Transaction) Initiated() bool {
	return t.Status == StatusInitiated
}

// Ledger is the append-only log of activation and cancellation attempts
type Ledger interface {
	CreateActivation(ctx context.Context, subscriptionID string, gw Gateway, initiatorID string) (*Transaction, error)
	CreateCancellation(ctx context.Context, subscriptionID, initiatorID string, trigger *Transaction) (*Transaction, error)
	Get(ctx context.Context, id string) (*Transaction, error)
	SetStatus(ctx context.Context, id string, status Status) (*Transaction, error)
	// ListRelated returns cancellations triggered by the given activation,
	// ordered by creation time then id
	ListRelated(ctx context.Context, triggerID string) ([]*Transaction, error)
	// ListStale returns transactions with the given action and status created
	// before the cutoff, oldest first
	ListStale(ctx context.Context, action Action, status Status, before time.Time, limit int) ([]*Transaction, error)
}

// NewActivation builds an initiated activation transaction
func NewActivation(subscriptionID string, gw Gateway, initiatorID string, now time.Time) (*Transaction, error) {
	if subscriptionID == "" {
		return nil, ErrMissingSubscription
	}
	if gw != GatewayNone && gw != GatewayPayPal {
		return nil, fmt.Errorf("unknown gateway %q", gw)
	}
	return &Transaction{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Action:         ActionActivation,
		Gateway:        gw,
		Status:         StatusInitiated,
		InitiatorID:    initiatorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// NewCancellation builds an initiated cancellation transaction. The trigger
// gateway is carried over; a cancellation never bills.
func NewCancellation(subscriptionID, initiatorID string, trigger *Transaction, now time.Time) (*Transaction, error) {
	if subscriptionID == "" {
		return nil, ErrMissingSubscription
	}
	if trigger == nil || trigger.Action != ActionActivation {
		return nil, ErrMissingTrigger
	}
	return &Transaction{
		ID:                   uuid.NewString(),
		SubscriptionID:       subscriptionID,
		Action:               ActionCancellation,
		Gateway:              trigger.Gateway,
		Status:               StatusInitiated,
		InitiatorID:          initiatorID,
		RelatedTransactionID: trigger.ID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// CanTransition reports whether a transaction may move from one status to
// another. Setting the current status again is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusInitiated && (to == StatusComplete || to == StatusFailed)
}

// CheckTransition returns ErrInvalidTransition when CanTransition is false
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
