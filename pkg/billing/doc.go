// Package billing implements the subscription lifecycle.
//
// A Subscription is created initializing, activates once and cancels once:
//
//	sub := billing.BuildForInitializing(ref, "pro", now, now, nil)
//	svc.Create(ctx, sub)
//	tx, err := svc.InitiateActivation(ctx, sub, adminID)
//
// Activation goes through the gateway for paid plans (StartCheckout, then
// ActivateWithGateway with the returned token) and skips it for free or
// sponsored subscriptions (ActivateWithoutBilling). The transaction processor
// in pkg/processing sequences these calls.
//
// # Succession
//
// A plan change creates a successor linked to the current subscription.
// Upgrades start immediately, other changes at the next billing boundary
// (see SuccessorStartDate). Activating a successor initiates cancellation of
// its predecessor and of every other successor candidate. A partial cascade
// is reported as *CascadeError without undoing the activation.
//
// # Cancellation
//
// Cancel stores the cancellation before contacting the gateway. A gateway
// failure is returned wrapped in ErrGatewayCancel and the local state stays;
// pkg/reconcile retries orphaned gateway profiles.
package billing
