package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/plans"
	"github.com/platinummonkey/subscriptionfu/pkg/subjects"
)

// Service drives the subscription lifecycle. Callers must not run two
// mutating operations on the same subscription concurrently; the store's
// optimistic update check rejects the loser with ErrConcurrentUpdate.
type Service struct {
	catalog     plans.Catalog
	gateways    gateway.Factory
	ledger      ledger.Ledger
	store       Store
	subjects    *subjects.Registry
	logger      *observability.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records operation metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOTelMetrics records activation and cancellation counters through OpenTelemetry
func WithOTelMetrics(m *observability.OTelMetrics) Option {
	return func(s *Service) { s.otelMetrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a lifecycle service
func NewService(catalog plans.Catalog, gateways gateway.Factory, l ledger.Ledger, store Store, registry *subjects.Registry, logger *observability.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Service{
		catalog:  catalog,
		gateways: gateways,
		ledger:   l,
		store:    store,
		subjects: registry,
		logger:   logger,
		tracer:   observability.Tracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) begin(ctx context.Context, operation string, sub *Subscription) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "billing."+operation, trace.WithAttributes(
		attribute.String("subscription.id", sub.ID),
		attribute.String("subscription.plan", sub.PlanKey),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.ObserveOperation(operation, start, err)
	}
}

func (s *Service) log(ctx context.Context) *observability.Logger {
	return observability.Enrich(ctx, s.logger)
}

// Plan returns the catalog plan of sub
func (s *Service) Plan(sub *Subscription) (plans.Plan, error) {
	plan, ok := s.catalog.Lookup(sub.PlanKey)
	if !ok {
		return plans.Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, sub.PlanKey)
	}
	return plan, nil
}

func (s *Service) gatewayFor(sub *Subscription) (gateway.Gateway, plans.Plan, error) {
	plan, err := s.Plan(sub)
	if err != nil {
		return nil, plan, err
	}
	gw, err := s.gateways.ForCurrency(plan.Currency)
	if err != nil {
		return nil, plan, fmt.Errorf("failed to get gateway for %s: %w", plan.Currency, err)
	}
	return gw, plan, nil
}

func (s *Service) invalidate(ctx context.Context, gw gateway.Gateway, profileID string) {
	inv, ok := gw.(gateway.Invalidator)
	if !ok || profileID == "" {
		return
	}
	if err := inv.Invalidate(ctx, profileID); err != nil {
		s.log(ctx).WithError(err).WithField("profile_id", profileID).Warn("failed to invalidate gateway details")
	}
}

// Get loads a subscription
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.store.Get(ctx, id)
}

// Current returns the subscription of subject in effect now
func (s *Service) Current(ctx context.Context, subject subjects.Ref) (*Subscription, error) {
	return s.store.Current(ctx, subject, s.now())
}

// Create validates and stores a new subscription, assigning an id when empty
func (s *Service) Create(ctx context.Context, sub *Subscription) (err error) {
	ctx, done := s.begin(ctx, "create", sub)
	defer func() { done(err) }()

	if sub.ActivatedAt != nil || sub.CanceledAt != nil {
		return fmt.Errorf("new subscriptions must be initializing")
	}
	if err := sub.Validate(s.catalog, true); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	if err := s.store.Create(ctx, sub); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	s.log(ctx).WithSubscription(sub.ID).WithFields(map[string]interface{}{
		"subject": sub.Subject.String(),
		"plan":    sub.PlanKey,
	}).Info("subscription created")
	return nil
}

// BuildSuccessor prepares an initializing successor of current on newPlanKey.
// Upgrades start now; other changes wait for the next billing boundary.
func (s *Service) BuildSuccessor(ctx context.Context, current *Subscription, newPlanKey string) (*Subscription, error) {
	startsAt, err := s.SuccessorStartDate(ctx, current, newPlanKey)
	if err != nil {
		return nil, err
	}
	billingStartsAt, err := s.SuccessorBillingStartDate(ctx, current)
	if err != nil {
		return nil, err
	}
	return BuildForInitializing(current.Subject, newPlanKey, startsAt, billingStartsAt, current), nil
}

// HumanDescription renders "<plan> for <subject> (<price>)"
func (s *Service) HumanDescription(ctx context.Context, sub *Subscription) (string, error) {
	plan, err := s.Plan(sub)
	if err != nil {
		return "", err
	}
	if s.subjects == nil {
		return "", fmt.Errorf("%w: %s", subjects.ErrUnknownSubjectType, sub.Subject.Type)
	}
	subject, err := s.subjects.Resolve(ctx, sub.Subject)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s for %s (%s)", plan.HumanName(), subject.HumanDescriptionForSubscription(), plan.HumanPrice()), nil
}

// InitiateActivation records an activation attempt. When sub succeeds another
// subscription, a cancellation is initiated for the predecessor and for every
// other successor candidate of it. Cascade failures do not undo the
// activation: the transaction is returned together with a *CascadeError.
func (s *Service) InitiateActivation(ctx context.Context, sub *Subscription, adminID string) (tx *ledger.Transaction, err error) {
	ctx, done := s.begin(ctx, "initiate_activation", sub)
	defer func() { done(err) }()

	plan, err := s.Plan(sub)
	if err != nil {
		return nil, err
	}
	gw := sub.GatewayFor(plan)
	tx, err = s.ledger.CreateActivation(ctx, sub.ID, gw, adminID)
	if err != nil {
		return nil, fmt.Errorf("failed to record activation: %w", err)
	}
	s.metrics.ObserveLedger(string(ledger.ActionActivation), string(gw))
	s.log(ctx).WithSubscription(sub.ID).WithFields(map[string]interface{}{
		"transaction_id": tx.ID,
		"gateway":        gw,
	}).Info("activation initiated")

	if sub.PrevSubscriptionID == "" {
		return tx, nil
	}
	if cascadeErr := s.cascade(ctx, sub, adminID, tx); cascadeErr != nil {
		return tx, cascadeErr
	}
	return tx, nil
}

// cascade snapshots the predecessor and its other successors, then initiates
// cancellation for each. Every target is attempted.
func (s *Service) cascade(ctx context.Context, sub *Subscription, adminID string, activation *ledger.Transaction) *CascadeError {
	cerr := &CascadeError{ActivationID: activation.ID}
	fail := func(id string, err error) {
		s.metrics.ObserveCascade(err)
		cerr.Failures = append(cerr.Failures, CascadeFailure{SubscriptionID: id, Err: err})
		s.log(ctx).WithSubscription(id).WithError(err).WithField("activation_id", activation.ID).
			Error("cascade cancellation failed")
	}

	var targets []*Subscription
	prev, err := s.store.Get(ctx, sub.PrevSubscriptionID)
	if err != nil {
		fail(sub.PrevSubscriptionID, err)
	} else {
		targets = append(targets, prev)
	}

	siblings, err := s.store.NextSubscriptions(ctx, sub.PrevSubscriptionID)
	if err != nil {
		fail(sub.PrevSubscriptionID, fmt.Errorf("failed to list successors: %w", err))
	}
	for _, sibling := range siblings {
		if sibling.ID != sub.ID {
			targets = append(targets, sibling)
		}
	}

	for _, target := range targets {
		if _, err := s.InitiateCancellation(ctx, target, adminID, activation); err != nil {
			fail(target.ID, err)
			continue
		}
		s.metrics.ObserveCascade(nil)
	}

	if len(cerr.Failures) == 0 {
		return nil
	}
	return cerr
}

// InitiateCancellation records the intent to cancel sub, triggered by an
// activation of sub itself or of a successor. It does not cancel anything.
func (s *Service) InitiateCancellation(ctx context.Context, sub *Subscription, adminID string, activation *ledger.Transaction) (tx *ledger.Transaction, err error) {
	ctx, done := s.begin(ctx, "initiate_cancellation", sub)
	defer func() { done(err) }()

	tx, err = s.ledger.CreateCancellation(ctx, sub.ID, adminID, activation)
	if err != nil {
		return nil, fmt.Errorf("failed to record cancellation: %w", err)
	}
	s.metrics.ObserveLedger(string(ledger.ActionCancellation), string(tx.Gateway))
	s.log(ctx).WithSubscription(sub.ID).WithFields(map[string]interface{}{
		"transaction_id": tx.ID,
		"activation_id":  activation.ID,
	}).Info("cancellation initiated")
	return tx, nil
}

func alreadyActivated(sub *Subscription) error {
	if !sub.Activated() {
		return nil
	}
	return &AlreadyActivatedError{SubscriptionID: sub.ID, ActivatedAt: *sub.ActivatedAt}
}

// StartCheckout begins an interactive gateway checkout for the plan's gross
// price. Only the transaction processor calls this.
func (s *Service) StartCheckout(ctx context.Context, sub *Subscription, returnURL, cancelURL, email string) (handle *gateway.CheckoutHandle, err error) {
	ctx, done := s.begin(ctx, "start_checkout", sub)
	defer func() { done(err) }()

	if err := alreadyActivated(sub); err != nil {
		return nil, err
	}
	gw, plan, err := s.gatewayFor(sub)
	if err != nil {
		return nil, err
	}
	desc, err := s.HumanDescription(ctx, sub)
	if err != nil {
		return nil, err
	}
	return gw.StartCheckout(ctx, gateway.CheckoutRequest{
		ReturnURL:   returnURL,
		CancelURL:   cancelURL,
		Email:       email,
		Amount:      plan.PriceWithTax(),
		Description: desc,
	})
}

// ActivateWithGateway exchanges a checkout token for a recurring profile
// starting at BillingStartsAt and activates sub. Nothing is stored when the
// gateway fails, so the call can be retried.
func (s *Service) ActivateWithGateway(ctx context.Context, sub *Subscription, token string) (err error) {
	ctx, done := s.begin(ctx, "activate_with_gateway", sub)
	defer func() { done(err) }()

	if err := alreadyActivated(sub); err != nil {
		return err
	}
	gw, plan, err := s.gatewayFor(sub)
	if err != nil {
		return err
	}
	desc, err := s.HumanDescription(ctx, sub)
	if err != nil {
		return err
	}
	profile, err := gw.CreateRecurring(ctx, gateway.RecurringRequest{
		Token:       token,
		StartsAt:    sub.BillingStartsAt,
		Amount:      plan.Price(),
		TaxAmount:   plan.PriceTax(),
		Description: desc,
	})
	if err != nil {
		return fmt.Errorf("failed to create recurring profile: %w", err)
	}

	updated := sub.Clone()
	now := s.now()
	updated.PayPalProfileID = profile.ProfileID
	updated.ActivatedAt = &now
	if err := s.save(ctx, updated); err != nil {
		s.log(ctx).WithSubscription(sub.ID).WithError(err).WithField("profile_id", profile.ProfileID).
			Error("recurring profile created but activation not stored")
		return err
	}
	*sub = *updated
	s.invalidate(ctx, gw, profile.ProfileID)

	s.otelMetrics.RecordActivation(ctx, string(ledger.GatewayPayPal))
	s.log(ctx).WithSubscription(sub.ID).WithFields(map[string]interface{}{
		"profile_id":     profile.ProfileID,
		"profile_status": profile.Status,
	}).Info("subscription activated with gateway")
	return nil
}

// ActivateOptions annotates an activation without billing
type ActivateOptions struct {
	InitiatorID string
}

// ActivateWithoutBilling activates free and sponsored subscriptions without
// contacting the gateway. A paid subscription fails validation here.
func (s *Service) ActivateWithoutBilling(ctx context.Context, sub *Subscription, opts ActivateOptions) (err error) {
	ctx, done := s.begin(ctx, "activate_without_billing", sub)
	defer func() { done(err) }()

	if err := alreadyActivated(sub); err != nil {
		return err
	}
	updated := sub.Clone()
	now := s.now()
	updated.ActivatedAt = &now
	if err := s.save(ctx, updated); err != nil {
		return err
	}
	*sub = *updated

	s.otelMetrics.RecordActivation(ctx, string(ledger.GatewayNone))
	s.log(ctx).WithSubscription(sub.ID).WithField("initiator_id", opts.InitiatorID).Info("subscription activated without billing")
	return nil
}

// Cancel stores the cancellation, then cancels the gateway profile if there
// is one. The local cancellation stands even when the gateway fails; a profile
// the gateway reports as no longer active counts as canceled.
func (s *Service) Cancel(ctx context.Context, sub *Subscription, at time.Time, reason CancelReason) (err error) {
	ctx, done := s.begin(ctx, "cancel", sub)
	defer func() { done(err) }()

	if sub.Canceled() {
		return &AlreadyCanceledError{SubscriptionID: sub.ID, CanceledAt: *sub.CanceledAt}
	}
	updated := sub.Clone()
	updated.CanceledAt = &at
	updated.CancelReason = reason
	if err := s.save(ctx, updated); err != nil {
		return err
	}
	*sub = *updated
	s.otelMetrics.RecordCancellation(ctx, string(reason))

	if sub.PayPalProfileID == "" {
		s.log(ctx).WithSubscription(sub.ID).WithField("reason", reason).Info("subscription canceled")
		return nil
	}
	return s.cancelProfile(ctx, sub)
}

// CancelGatewayProfile asks the gateway again to cancel the profile of an
// already canceled subscription. Used to reconcile profiles left active by a
// failed gateway call.
func (s *Service) CancelGatewayProfile(ctx context.Context, sub *Subscription) (err error) {
	ctx, done := s.begin(ctx, "cancel_gateway_profile", sub)
	defer func() { done(err) }()

	if !sub.Canceled() {
		return fmt.Errorf("subscription %s is not canceled", sub.ID)
	}
	if sub.PayPalProfileID == "" {
		return nil
	}
	return s.cancelProfile(ctx, sub)
}

func (s *Service) cancelProfile(ctx context.Context, sub *Subscription) error {
	log := s.log(ctx).WithSubscription(sub.ID).WithFields(map[string]interface{}{
		"reason":     sub.CancelReason,
		"profile_id": sub.PayPalProfileID,
	})
	gw, _, err := s.gatewayFor(sub)
	if err != nil {
		log.WithError(err).Error("subscription canceled locally, gateway unavailable")
		return fmt.Errorf("%w: profile %s: %w", ErrGatewayCancel, sub.PayPalProfileID, err)
	}
	err = gw.CancelRecurring(ctx, sub.PayPalProfileID, string(sub.CancelReason))
	s.invalidate(ctx, gw, sub.PayPalProfileID)
	switch {
	case errors.Is(err, gateway.ErrProfileNotActive):
		log.Info("subscription canceled, gateway profile was already inactive")
		return nil
	case err != nil:
		log.WithError(err).Error("subscription canceled locally, gateway cancellation failed")
		return fmt.Errorf("%w: profile %s: %w", ErrGatewayCancel, sub.PayPalProfileID, err)
	}
	log.Info("subscription canceled")
	return nil
}

func (s *Service) save(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(s.catalog, false); err != nil {
		return err
	}
	if err := s.store.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// RecurringDetails fetches gateway profile details. A subscription without a
// profile has none. Callers own invalidation through the gateway decorator.
func (s *Service) RecurringDetails(ctx context.Context, sub *Subscription) (*gateway.RecurringDetails, error) {
	if sub.PayPalProfileID == "" {
		return nil, nil
	}
	gw, _, err := s.gatewayFor(sub)
	if err != nil {
		return nil, err
	}
	return gw.RecurringDetails(ctx, sub.PayPalProfileID)
}

// BillingDates returns the gateway-reported billing dates of sub
func (s *Service) BillingDates(ctx context.Context, sub *Subscription) (BillingDates, error) {
	details, err := s.RecurringDetails(ctx, sub)
	if err != nil {
		return BillingDates{}, err
	}
	return BillingDatesFrom(details), nil
}

// NextBillingDate is the gateway's next billing date, nil without a profile
func (s *Service) NextBillingDate(ctx context.Context, sub *Subscription) (*time.Time, error) {
	dates, err := s.BillingDates(ctx, sub)
	return dates.Next, err
}

// LastBillingDate is the gateway's last payment date, nil without a profile
func (s *Service) LastBillingDate(ctx context.Context, sub *Subscription) (*time.Time, error) {
	dates, err := s.BillingDates(ctx, sub)
	return dates.Last, err
}

// EstimatedNextBillingDate is one calendar month after the last payment
func (s *Service) EstimatedNextBillingDate(ctx context.Context, sub *Subscription) (*time.Time, error) {
	dates, err := s.BillingDates(ctx, sub)
	if err != nil {
		return nil, err
	}
	return dates.EstimatedNext(), nil
}

// SuccessorBillingStartDate is when a successor of sub starts billing. A
// canceled subscription never asks the gateway.
func (s *Service) SuccessorBillingStartDate(ctx context.Context, sub *Subscription) (time.Time, error) {
	if sub.Canceled() {
		return *sub.CanceledAt, nil
	}
	dates, err := s.BillingDates(ctx, sub)
	if err != nil {
		return time.Time{}, err
	}
	return SuccessorBillingStart(sub, dates, s.now()), nil
}

// SuccessorStartDate is now for an upgrade, otherwise SuccessorBillingStartDate
func (s *Service) SuccessorStartDate(ctx context.Context, sub *Subscription, newPlanKey string) (time.Time, error) {
	current, err := s.Plan(sub)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := s.catalog.Lookup(newPlanKey)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownPlan, newPlanKey)
	}
	if next.GreaterThan(current) {
		return s.now(), nil
	}
	return s.SuccessorBillingStartDate(ctx, sub)
}
