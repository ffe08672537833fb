package billing

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/plans"
	"github.com/platinummonkey/subscriptionfu/pkg/subjects"
)

// CancelReason explains why a subscription ended
type CancelReason string

const (
	// CancelReasonUpdate marks a subscription superseded by a successor
	CancelReasonUpdate  CancelReason = "update"
	CancelReasonCancel  CancelReason = "cancel"
	CancelReasonTimeout CancelReason = "timeout"
	CancelReasonAdmin   CancelReason = "admin"
)

// CancelReasons lists every accepted reason
var CancelReasons = []CancelReason{CancelReasonUpdate, CancelReasonCancel, CancelReasonTimeout, CancelReasonAdmin}

// Valid reports whether r is one of CancelReasons
func (r CancelReason) Valid() bool {
	return slices.Contains(CancelReasons, r)
}

// ParseCancelReason converts a stored or user supplied value
func ParseCancelReason(s string) (CancelReason, error) {
	r := CancelReason(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid cancel reason %q", s)
	}
	return r, nil
}

// Subscription binds a plan to a subject for a period of time. It is created
// initializing, activates at most once and cancels at most once.
type Subscription struct {
	ID                 string       `json:"id"`
	Subject            subjects.Ref `json:"subject"`
	PlanKey            string       `json:"plan_key"`
	Sponsored          bool         `json:"sponsored"`
	PayPalProfileID    string       `json:"paypal_profile_id,omitempty"`
	PrevSubscriptionID string       `json:"prev_subscription_id,omitempty"`
	StartsAt           time.Time    `json:"starts_at"`
	BillingStartsAt    time.Time    `json:"billing_starts_at"`
	ActivatedAt        *time.Time   `json:"activated_at,omitempty"`
	CanceledAt         *time.Time   `json:"canceled_at,omitempty"`
	CancelReason       CancelReason `json:"cancel_reason,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Activated reports whether the subscription has been activated
func (s *Subscription) Activated() bool {
	return s.ActivatedAt != nil
}

// Canceled reports whether the subscription has been canceled
func (s *Subscription) Canceled() bool {
	return s.CanceledAt != nil
}

// Initializing reports whether the subscription has neither activated nor canceled
func (s *Subscription) Initializing() bool {
	return !s.Activated() && !s.Canceled()
}

// Paid reports whether the subscription is billed through a gateway
func (s *Subscription) Paid(plan plans.Plan) bool {
	return !plan.IsFree() && !s.Sponsored
}

// ActivatedPaid reports whether the subscription is activated and billed
func (s *Subscription) ActivatedPaid(plan plans.Plan) bool {
	return s.Activated() && s.Paid(plan)
}

// GatewayFor picks the billing path for activating s on plan
func (s *Subscription) GatewayFor(plan plans.Plan) ledger.Gateway {
	if s.Paid(plan) {
		return ledger.GatewayPayPal
	}
	return ledger.GatewayNone
}

// CurrentAt reports whether s is in effect at t: activated, started, and not
// canceled on or before t
func (s *Subscription) CurrentAt(t time.Time) bool {
	if !s.Activated() || s.StartsAt.After(t) {
		return false
	}
	return s.CanceledAt == nil || s.CanceledAt.After(t)
}

// Compare orders subscriptions by creation time, then id
func (s *Subscription) Compare(other *Subscription) int {
	if c := s.CreatedAt.Compare(other.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(s.ID, other.ID)
}

// Cursor is a position in creation order. The zero Cursor precedes every
// subscription.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of s
func CursorOf(s *Subscription) Cursor {
	return Cursor{CreatedAt: s.CreatedAt, ID: s.ID}
}

// Precedes reports whether s sorts after the cursor
func (c Cursor) Precedes(s *Subscription) bool {
	return s.Compare(&Subscription{CreatedAt: c.CreatedAt, ID: c.ID}) > 0
}

// SortSubscriptions sorts in place by creation time, then id
func SortSubscriptions(subs []*Subscription) {
	slices.SortFunc(subs, (*Subscription).Compare)
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.ActivatedAt != nil {
		t := *s.ActivatedAt
		c.ActivatedAt = &t
	}
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		c.CanceledAt = &t
	}
	return &c
}

// Validate checks the persistence invariants. onCreate additionally requires
// the plan key to exist in catalog; plans may be retired from the catalog
// later without invalidating existing subscriptions. When the plan cannot be
// found the subscription is treated as paid unless sponsored.
func (s *Subscription) Validate(catalog plans.Catalog, onCreate bool) error {
	v := &ValidationError{SubscriptionID: s.ID}

	if s.Subject.IsZero() {
		v.add("subject", "is required")
	}
	if s.StartsAt.IsZero() {
		v.add("starts_at", "is required")
	}
	if s.BillingStartsAt.IsZero() {
		v.add("billing_starts_at", "is required")
	}

	plan, known := plans.Plan{}, false
	if s.PlanKey == "" {
		v.add("plan_key", "is required")
	} else {
		plan, known = catalog.Lookup(s.PlanKey)
		if onCreate && !known {
			v.add("plan_key", fmt.Sprintf("%q is not an available plan", s.PlanKey))
		}
	}

	paid := !s.Sponsored
	if known {
		paid = s.Paid(plan)
	}
	if s.Activated() && paid && s.PayPalProfileID == "" {
		v.add("paypal_profile_id", "is required for activated paid subscriptions")
	}

	if s.Canceled() {
		if s.CancelReason == "" {
			v.add("cancel_reason", "is required")
		} else if !s.CancelReason.Valid() {
			v.add("cancel_reason", fmt.Sprintf("%q is not a valid reason", s.CancelReason))
		}
	}

	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

// BuildForInitializing creates a subscription in the initializing state. A
// zero billingStartsAt defaults to startsAt. prev links the new subscription
// as a successor.
func BuildForInitializing(subject subjects.Ref, planKey string, startsAt, billingStartsAt time.Time, prev *Subscription) *Subscription {
	if billingStartsAt.IsZero() {
		billingStartsAt = startsAt
	}
	sub := &Subscription{
		Subject:         subject,
		PlanKey:         planKey,
		StartsAt:        startsAt,
		BillingStartsAt: billingStartsAt,
	}
	if prev != nil {
		sub.PrevSubscriptionID = prev.ID
	}
	return sub
}

// Store persists subscriptions. Update must reject writes whose UpdatedAt no
// longer matches the stored row with ErrConcurrentUpdate and must refresh
// UpdatedAt on success; this serializes mutating operations per subscription.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	// NextSubscriptions returns successors of prevID ordered by creation time, then id
	NextSubscriptions(ctx context.Context, prevID string) ([]*Subscription, error)
	// Current returns the earliest subscription of subject in effect at t
	Current(ctx context.Context, subject subjects.Ref, at time.Time) (*Subscription, error)
	// ListCanceledWithProfile returns subscriptions canceled since the cutoff
	// that still carry a gateway profile id, in creation order after the cursor
	ListCanceledWithProfile(ctx context.Context, since time.Time, after Cursor, limit int) ([]*Subscription, error)
}
