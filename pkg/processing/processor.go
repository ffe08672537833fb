// Package processing carries ledger transactions through to the subscription
// lifecycle. It is the only caller of the checkout and activation entry points
// of billing.Service.
package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

var (
	ErrWrongAction        = errors.New("transaction has the wrong action")
	ErrTransactionFailed  = errors.New("transaction already failed")
	ErrTriggerNotComplete = errors.New("triggering activation is not complete")
)

// Processor completes activation and cancellation transactions
type Processor struct {
	svc    *billing.Service
	ledger ledger.Ledger
	logger *observability.Logger
	now    func() time.Time
}

// NewProcessor creates a processor
func NewProcessor(svc *billing.Service, l ledger.Ledger, logger *observability.Logger) *Processor {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Processor{svc: svc, ledger: l, logger: logger, now: time.Now}
}

// SetClock replaces time.Now
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// load returns the transaction and whether it still needs processing
func (p *Processor) load(ctx context.Context, id string, action ledger.Action) (*ledger.Transaction, bool, error) {
	tx, err := p.ledger.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if tx.Action != action {
		return nil, false, fmt.Errorf("%w: %s is %s, want %s", ErrWrongAction, tx.ID, tx.Action, action)
	}
	switch tx.Status {
	case ledger.StatusComplete:
		return tx, false, nil
	case ledger.StatusFailed:
		return nil, false, fmt.Errorf("%w: %s", ErrTransactionFailed, tx.ID)
	}
	return tx, true, nil
}

func (p *Processor) finish(ctx context.Context, tx *ledger.Transaction, status ledger.Status) error {
	if _, err := p.ledger.SetStatus(ctx, tx.ID, status); err != nil {
		return fmt.Errorf("failed to mark transaction %s %s: %w", tx.ID, status, err)
	}
	return nil
}

// BeginActivation starts the gateway checkout for a paid activation. Free and
// sponsored activations need no checkout and return a nil handle.
func (p *Processor) BeginActivation(ctx context.Context, txID, returnURL, cancelURL, email string) (*gateway.CheckoutHandle, error) {
	tx, pending, err := p.load(ctx, txID, ledger.ActionActivation)
	if err != nil {
		return nil, err
	}
	if !pending || tx.Gateway == ledger.GatewayNone {
		return nil, nil
	}
	sub, err := p.svc.Get(ctx, tx.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return p.svc.StartCheckout(ctx, sub, returnURL, cancelURL, email)
}

// CompleteActivation activates the subscription of an activation transaction
// (token is the checkout token for gateway activations) and then completes
// every cancellation the activation triggered. A failed activation marks the
// transaction failed; finding the subscription already activated completes
// it. Errors from the triggered cancellations are returned
// joined; they stay initiated for the reconciler.
func (p *Processor) CompleteActivation(ctx context.Context, txID, token string) error {
	tx, pending, err := p.load(ctx, txID, ledger.ActionActivation)
	if err != nil {
		return err
	}
	log := observability.Enrich(ctx, p.logger).WithSubscription(tx.SubscriptionID).WithField("transaction_id", tx.ID)

	if pending {
		sub, err := p.svc.Get(ctx, tx.SubscriptionID)
		if err != nil {
			return err
		}
		if tx.Gateway == ledger.GatewayPayPal {
			err = p.svc.ActivateWithGateway(ctx, sub, token)
		} else {
			err = p.svc.ActivateWithoutBilling(ctx, sub, billing.ActivateOptions{InitiatorID: tx.InitiatorID})
		}
		switch {
		case err == nil:
		case errors.Is(err, billing.ErrAlreadyActivated):
			// an earlier attempt activated it but could not record the outcome
			log.Info("subscription already activated")
		default:
			log.WithError(err).Warn("activation failed")
			if ferr := p.finish(ctx, tx, ledger.StatusFailed); ferr != nil {
				return errors.Join(err, ferr)
			}
			return err
		}
		if err := p.finish(ctx, tx, ledger.StatusComplete); err != nil {
			return err
		}
		log.Info("activation complete")
	}

	related, err := p.ledger.ListRelated(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("failed to list triggered cancellations: %w", err)
	}
	var errs []error
	for _, c := range related {
		if !c.Initiated() {
			continue
		}
		if err := p.CompleteCancellation(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancellation %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// CompleteCancellation cancels the subscription of a cancellation transaction
// once its triggering activation is complete. A successor's activation cancels
// with reason update, effective when the successor starts; the subscription's
// own activation cancels with reason cancel. Gateway failures after the local
// cancellation still complete the transaction.
func (p *Processor) CompleteCancellation(ctx context.Context, txID string) error {
	tx, pending, err := p.load(ctx, txID, ledger.ActionCancellation)
	if err != nil || !pending {
		return err
	}
	log := observability.Enrich(ctx, p.logger).WithSubscription(tx.SubscriptionID).WithField("transaction_id", tx.ID)

	now := p.now()
	at, reason := now, billing.CancelReasonAdmin
	if tx.RelatedTransactionID != "" {
		trigger, err := p.ledger.Get(ctx, tx.RelatedTransactionID)
		if err != nil {
			return fmt.Errorf("failed to load trigger: %w", err)
		}
		if trigger.Status == ledger.StatusFailed {
			// the superseding activation never happened
			return p.finish(ctx, tx, ledger.StatusFailed)
		}
		if trigger.Status != ledger.StatusComplete {
			return fmt.Errorf("%w: %s is %s", ErrTriggerNotComplete, trigger.ID, trigger.Status)
		}
		reason = billing.CancelReasonCancel
		if trigger.SubscriptionID != tx.SubscriptionID {
			reason = billing.CancelReasonUpdate
			successor, err := p.svc.Get(ctx, trigger.SubscriptionID)
			if err != nil {
				return fmt.Errorf("failed to load successor: %w", err)
			}
			if successor.StartsAt.After(at) {
				at = successor.StartsAt
			}
		}
	}

	sub, err := p.svc.Get(ctx, tx.SubscriptionID)
	if err != nil {
		return err
	}
	err = p.svc.Cancel(ctx, sub, at, reason)
	var verr *billing.ValidationError
	switch {
	case err == nil, errors.Is(err, billing.ErrAlreadyCanceled):
	case errors.Is(err, billing.ErrGatewayCancel):
		log.WithError(err).Warn("canceled locally, gateway profile left for reconciliation")
	case errors.As(err, &verr):
		log.WithError(err).Error("cancellation rejected")
		if ferr := p.finish(ctx, tx, ledger.StatusFailed); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	default:
		// transient; stays initiated for a retry
		return err
	}

	if err := p.finish(ctx, tx, ledger.StatusComplete); err != nil {
		return err
	}
	log.WithField("reason", reason).Info("cancellation complete")
	return nil
}
