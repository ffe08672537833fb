// Package ledger records activation and cancellation attempts for
// subscriptions.
//
// Every activation produces one transaction tagged with the billing gateway it
// goes through. Activating a successor subscription records a cancellation for
// each subscription it supersedes, linked back to the activation:
//
//	act, _ := l.CreateActivation(ctx, successor.ID, ledger.GatewayPayPal, adminID)
//	l.CreateCancellation(ctx, predecessor.ID, adminID, act)
//
// Transactions start initiated and move once to complete or failed.
// Implementations live in pkg/storage/memory and pkg/storage/postgres.
package ledger
