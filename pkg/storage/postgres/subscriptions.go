package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/subjects"
)

const backendName = "postgres"

// pq.Error codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const subscriptionColumns = `id, subject_type, subject_id, plan_key, sponsored, paypal_profile_id,
	prev_subscription_id, starts_at, billing_starts_at, activated_at, canceled_at, cancel_reason,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// stamp returns the current time at the precision postgres stores
func stamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// nextStamp returns a timestamp strictly after prev
func nextStamp(prev time.Time) time.Time {
	now := stamp()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func limitArg(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// SubscriptionStore implements billing.Store on PostgreSQL
type SubscriptionStore struct {
	cm      *ConnectionManager
	metrics *observability.Metrics
}

// NewSubscriptionStore creates a store on the given connections
func NewSubscriptionStore(cm *ConnectionManager, metrics *observability.Metrics) *SubscriptionStore {
	return &SubscriptionStore{cm: cm, metrics: metrics}
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		sub                       billing.Subscription
		profileID, prevID, reason sql.NullString
		activatedAt, canceledAt   sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.Subject.Type, &sub.Subject.ID, &sub.PlanKey, &sub.Sponsored, &profileID,
		&prevID, &sub.StartsAt, &sub.BillingStartsAt, &activatedAt, &canceledAt, &reason,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.PayPalProfileID = profileID.String
	sub.PrevSubscriptionID = prevID.String
	sub.CancelReason = billing.CancelReason(reason.String)
	sub.ActivatedAt = timePtr(activatedAt)
	sub.CanceledAt = timePtr(canceledAt)
	return &sub, nil
}

func (s *SubscriptionStore) query(ctx context.Context, db *sql.DB, op, query string, args ...any) (subs []*billing.Subscription, err error) {
	defer func(start time.Time) { s.metrics.ObserveStorage(op, backendName, start, err) }(time.Now())

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *billing.Subscription) (err error) {
	defer func(start time.Time) { s.metrics.ObserveStorage("subscription_create", backendName, start, err) }(time.Now())

	if sub.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = stamp()
	}
	sub.CreatedAt = sub.CreatedAt.Truncate(time.Microsecond)
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	sub.UpdatedAt = sub.UpdatedAt.Truncate(time.Microsecond)

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.cm.Primary().ExecContext(ctx, query,
		sub.ID, sub.Subject.Type, sub.Subject.ID, sub.PlanKey, sub.Sponsored, nullString(sub.PayPalProfileID),
		nullString(sub.PrevSubscriptionID), sub.StartsAt, sub.BillingStartsAt, nullTime(sub.ActivatedAt),
		nullTime(sub.CanceledAt), nullString(string(sub.CancelReason)), sub.CreatedAt, sub.UpdatedAt,
	)
	switch pqCode(err) {
	case "":
	case uniqueViolation:
		return fmt.Errorf("subscription %s already exists: %w", sub.ID, err)
	case foreignKeyViolation:
		return fmt.Errorf("previous subscription %s: %w", sub.PrevSubscriptionID, billing.ErrSubscriptionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Update writes sub if the stored row still has sub.UpdatedAt and advances
// sub.UpdatedAt. Subject and predecessor never change after creation.
func (s *SubscriptionStore) Update(ctx context.Context, sub *billing.Subscription) (err error) {
	defer func(start time.Time) { s.metrics.ObserveStorage("subscription_update", backendName, start, err) }(time.Now())

	// subject, plan, start and predecessor are fixed at creation
	next := nextStamp(sub.UpdatedAt)
	query := `
		UPDATE subscriptions
		SET sponsored = $2, paypal_profile_id = $3, billing_starts_at = $4,
			activated_at = $5, canceled_at = $6, cancel_reason = $7, updated_at = $8
		WHERE id = $1 AND updated_at = $9
	`
	res, err := s.cm.Primary().ExecContext(ctx, query,
		sub.ID, sub.Sponsored, nullString(sub.PayPalProfileID), sub.BillingStartsAt,
		nullTime(sub.ActivatedAt), nullTime(sub.CanceledAt),
		nullString(string(sub.CancelReason)), next, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.cm.Primary().QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription: %w", err)
		}
		if !exists {
			return billing.ErrSubscriptionNotFound
		}
		return billing.ErrConcurrentUpdate
	}
	sub.UpdatedAt = next
	return nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (sub *billing.Subscription, err error) {
	defer func(start time.Time) { s.metrics.ObserveStorage("subscription_get", backendName, start, err) }(time.Now())

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err = scanSubscription(s.cm.Primary().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) NextSubscriptions(ctx context.Context, prevID string) ([]*billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE prev_subscription_id = $1
		ORDER BY created_at, id
	`
	return s.query(ctx, s.cm.Primary(), "subscription_next", query, prevID)
}

func (s *SubscriptionStore) Current(ctx context.Context, subject subjects.Ref, at time.Time) (*billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE subject_type = $1 AND subject_id = $2
			AND activated_at IS NOT NULL
			AND starts_at <= $3
			AND (canceled_at IS NULL OR canceled_at > $3)
		ORDER BY created_at, id
		LIMIT 1
	`
	subs, err := s.query(ctx, s.cm.Primary(), "subscription_current", query, subject.Type, subject.ID, at)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subs[0], nil
}

// ListCanceledWithProfile reads from a replica; reconciliation tolerates lag.
func (s *SubscriptionStore) ListCanceledWithProfile(ctx context.Context, since time.Time, after billing.Cursor, limit int) ([]*billing.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE canceled_at IS NOT NULL AND canceled_at >= $1
			AND paypal_profile_id IS NOT NULL
			AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4
	`
	return s.query(ctx, s.cm.Replica(), "subscription_canceled_with_profile", query,
		since, after.CreatedAt.UTC(), after.ID, limitArg(limit))
}
