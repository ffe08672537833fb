package processing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
	"github.com/platinummonkey/subscriptionfu/pkg/gateway/gatewaytest"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/plans"
	"github.com/platinummonkey/subscriptionfu/pkg/processing"
	"github.com/platinummonkey/subscriptionfu/pkg/storage/memory"
	"github.com/platinummonkey/subscriptionfu/pkg/subjects"
)

var (
	now     = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	account = subjects.Ref{Type: "account", ID: "7"}
)

type env struct {
	svc    *billing.Service
	proc   *processing.Processor
	store  *memory.SubscriptionStore
	ledger *memory.Ledger
	gw     *gatewaytest.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	catalog := plans.MustStaticCatalog(
		plans.Plan{Key: "free", Tier: 0, Free: true},
		plans.Plan{Key: "basic", Name: "Basic", Tier: 1, PriceCents: 500, Currency: "USD"},
		plans.Plan{Key: "pro", Name: "Pro", Tier: 2, PriceCents: 1500, Currency: "USD"},
	)
	registry := subjects.NewRegistry()
	registry.Register("account", subjects.ResolverFunc(func(ctx context.Context, id string) (subjects.Subject, error) {
		return subjects.Static("account " + id), nil
	}))

	e := &env{
		store:  memory.NewSubscriptionStore(),
		ledger: memory.NewLedger(),
		gw:     &gatewaytest.Fake{},
	}
	e.svc = billing.NewService(catalog, e.gw.Factory(), e.ledger, e.store, registry, nil,
		billing.WithClock(func() time.Time { return now }))
	e.proc = processing.NewProcessor(e.svc, e.ledger, nil)
	e.proc.SetClock(func() time.Time { return now })
	return e
}

func (e *env) create(t *testing.T, planKey string, startsAt time.Time, prev *billing.Subscription) *billing.Subscription {
	t.Helper()
	sub := billing.BuildForInitializing(account, planKey, startsAt, startsAt, prev)
	require.NoError(t, e.svc.Create(context.Background(), sub))
	return sub
}

func (e *env) reload(t *testing.T, sub *billing.Subscription) *billing.Subscription {
	t.Helper()
	got, err := e.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	return got
}

func (e *env) status(t *testing.T, tx *ledger.Transaction) ledger.Status {
	t.Helper()
	got, err := e.ledger.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	return got.Status
}

func TestProcessor_PaidActivation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.create(t, "basic", now, nil)

	tx, err := e.svc.InitiateActivation(ctx, sub, "admin")
	require.NoError(t, err)

	handle, err := e.proc.BeginActivation(ctx, tx.ID, "https://app/ok", "https://app/cancel", "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, handle)

	require.NoError(t, e.proc.CompleteActivation(ctx, tx.ID, handle.Token))
	assert.Equal(t, ledger.StatusComplete, e.status(t, tx))

	stored := e.reload(t, sub)
	assert.True(t, stored.Activated())
	assert.NotEmpty(t, stored.PayPalProfileID)

	// completing again is a no-op
	require.NoError(t, e.proc.CompleteActivation(ctx, tx.ID, handle.Token))
	assert.Len(t, e.gw.CallsTo("CreateRecurring"), 1)
}

func TestProcessor_FreeActivationSkipsCheckout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.create(t, "free", now, nil)
	tx, err := e.svc.InitiateActivation(ctx, sub, "admin")
	require.NoError(t, err)

	handle, err := e.proc.BeginActivation(ctx, tx.ID, "", "", "")
	require.NoError(t, err)
	assert.Nil(t, handle)

	require.NoError(t, e.proc.CompleteActivation(ctx, tx.ID, ""))
	assert.True(t, e.reload(t, sub).Activated())
	assert.Empty(t, e.gw.Calls())
}

func TestProcessor_FailedActivation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.create(t, "pro", now, nil)
	tx, err := e.svc.InitiateActivation(ctx, sub, "admin")
	require.NoError(t, err)

	e.gw.CreateRecurringFunc = func(ctx context.Context, req gateway.RecurringRequest) (*gateway.RecurringProfile, error) {
		return nil, errors.New("token expired")
	}
	require.Error(t, e.proc.CompleteActivation(ctx, tx.ID, "EC-OLD"))
	assert.Equal(t, ledger.StatusFailed, e.status(t, tx))
	assert.True(t, e.reload(t, sub).Initializing())

	err = e.proc.CompleteActivation(ctx, tx.ID, "EC-NEW")
	assert.ErrorIs(t, err, processing.ErrTransactionFailed)
}

func TestProcessor_UpgradeCancelsPredecessorImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	current := e.create(t, "basic", now.AddDate(0, -1, 0), nil)
	act, err := e.svc.InitiateActivation(ctx, current, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, act.ID, "EC-1"))
	current = e.reload(t, current)

	succ, err := e.svc.BuildSuccessor(ctx, current, "pro")
	require.NoError(t, err)
	require.NoError(t, e.svc.Create(ctx, succ))
	sibling := e.create(t, "free", now, current)

	tx, err := e.svc.InitiateActivation(ctx, succ, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, tx.ID, "EC-2"))

	prev := e.reload(t, current)
	require.True(t, prev.Canceled())
	assert.Equal(t, billing.CancelReasonUpdate, prev.CancelReason)
	assert.Equal(t, now, *prev.CanceledAt)

	cancels := e.gw.CallsTo("CancelRecurring")
	require.Len(t, cancels, 1)
	assert.Equal(t, current.PayPalProfileID, cancels[0].ProfileID)
	assert.Equal(t, "update", cancels[0].Note)

	sib := e.reload(t, sibling)
	assert.True(t, sib.Canceled(), "sibling candidate superseded")

	related, err := e.ledger.ListRelated(ctx, tx.ID)
	require.NoError(t, err)
	for _, r := range related {
		assert.Equal(t, ledger.StatusComplete, r.Status)
	}
}

// timeoutLedger fails the next write that would complete a transaction
type timeoutLedger struct {
	ledger.Ledger
	failComplete bool
}

func (l *timeoutLedger) SetStatus(ctx context.Context, id string, status ledger.Status) (*ledger.Transaction, error) {
	if l.failComplete && status == ledger.StatusComplete {
		l.failComplete = false
		return nil, errors.New("ledger timeout")
	}
	return l.Ledger.SetStatus(ctx, id, status)
}

func TestProcessor_RetryAfterUnrecordedActivation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	current := e.create(t, "free", now.AddDate(0, -1, 0), nil)
	act, err := e.svc.InitiateActivation(ctx, current, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, act.ID, ""))
	current = e.reload(t, current)

	succ, err := e.svc.BuildSuccessor(ctx, current, "basic")
	require.NoError(t, err)
	require.NoError(t, e.svc.Create(ctx, succ))
	tx, err := e.svc.InitiateActivation(ctx, succ, "admin")
	require.NoError(t, err)

	flaky := &timeoutLedger{Ledger: e.ledger, failComplete: true}
	proc := processing.NewProcessor(e.svc, flaky, nil)
	proc.SetClock(func() time.Time { return now })

	err = proc.CompleteActivation(ctx, tx.ID, "EC-1")
	require.Error(t, err)
	assert.True(t, e.reload(t, succ).Activated(), "activation saved before the ledger write failed")
	assert.Equal(t, ledger.StatusInitiated, e.status(t, tx))

	require.NoError(t, proc.CompleteActivation(ctx, tx.ID, "EC-1"))
	assert.Equal(t, ledger.StatusComplete, e.status(t, tx))
	assert.Len(t, e.gw.CallsTo("CreateRecurring"), 1)

	prev := e.reload(t, current)
	require.True(t, prev.Canceled(), "predecessor superseded")
	assert.Equal(t, billing.CancelReasonUpdate, prev.CancelReason)
}

func TestProcessor_DowngradeCancelsAtSuccessorStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	current := e.create(t, "pro", now, nil)
	act, err := e.svc.InitiateActivation(ctx, current, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, act.ID, "EC-1"))

	start := now.AddDate(0, 0, 12)
	succ := e.create(t, "free", start, current)
	tx, err := e.svc.InitiateActivation(ctx, succ, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, tx.ID, ""))

	prev := e.reload(t, current)
	require.True(t, prev.Canceled())
	assert.Equal(t, start, *prev.CanceledAt)
	assert.True(t, prev.CurrentAt(start.Add(-time.Minute)), "still in effect until the successor starts")
}

func TestProcessor_CancellationWaitsForTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	current := e.create(t, "free", now, nil)
	succ := e.create(t, "free", now, current)

	tx, err := e.svc.InitiateActivation(ctx, succ, "admin")
	require.NoError(t, err)
	related, err := e.ledger.ListRelated(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, related, 1)

	err = e.proc.CompleteCancellation(ctx, related[0].ID)
	assert.ErrorIs(t, err, processing.ErrTriggerNotComplete)
	assert.Equal(t, ledger.StatusInitiated, e.status(t, related[0]))

	_, err = e.ledger.SetStatus(ctx, tx.ID, ledger.StatusFailed)
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteCancellation(ctx, related[0].ID))
	assert.Equal(t, ledger.StatusFailed, e.status(t, related[0]))
	assert.False(t, e.reload(t, current).Canceled())
}

func TestProcessor_SelfCancellation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.create(t, "basic", now, nil)
	act, err := e.svc.InitiateActivation(ctx, sub, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, act.ID, "EC-1"))

	cancel, err := e.svc.InitiateCancellation(ctx, e.reload(t, sub), "user", act)
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteCancellation(ctx, cancel.ID))

	stored := e.reload(t, sub)
	assert.Equal(t, billing.CancelReasonCancel, stored.CancelReason)
	assert.Equal(t, ledger.StatusComplete, e.status(t, cancel))
}

func TestProcessor_GatewayFailureCompletesCancellation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.create(t, "basic", now, nil)
	act, err := e.svc.InitiateActivation(ctx, sub, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, act.ID, "EC-1"))

	e.gw.CancelRecurringFunc = func(ctx context.Context, profileID, note string) error {
		return errors.New("gateway down")
	}
	cancel, err := e.svc.InitiateCancellation(ctx, e.reload(t, sub), "user", act)
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteCancellation(ctx, cancel.ID))

	assert.Equal(t, ledger.StatusComplete, e.status(t, cancel))
	assert.True(t, e.reload(t, sub).Canceled())
}

func TestProcessor_AlreadyCanceledCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.create(t, "free", now, nil)
	act, err := e.svc.InitiateActivation(ctx, sub, "admin")
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteActivation(ctx, act.ID, ""))

	loaded := e.reload(t, sub)
	require.NoError(t, e.svc.Cancel(ctx, loaded, now, billing.CancelReasonAdmin))

	cancel, err := e.svc.InitiateCancellation(ctx, loaded, "user", act)
	require.NoError(t, err)
	require.NoError(t, e.proc.CompleteCancellation(ctx, cancel.ID))
	assert.Equal(t, ledger.StatusComplete, e.status(t, cancel))
	assert.Equal(t, billing.CancelReasonAdmin, e.reload(t, sub).CancelReason)
}

func TestProcessor_WrongAction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.create(t, "free", now, nil)
	act, err := e.svc.InitiateActivation(ctx, sub, "admin")
	require.NoError(t, err)

	err = e.proc.CompleteCancellation(ctx, act.ID)
	assert.ErrorIs(t, err, processing.ErrWrongAction)

	_, err = e.proc.BeginActivation(ctx, "missing", "", "", "")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}
