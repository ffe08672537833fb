package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

const transactionColumns = `id, subscription_id, initiator_id, action, gateway, status,
	related_transaction_id, created_at, updated_at`

// LedgerStore implements ledger.Ledger on PostgreSQL
type LedgerStore struct {
	cm      *ConnectionManager
	metrics *observability.Metrics
}

// NewLedgerStore creates a ledger on the given connections
func NewLedgerStore(cm *ConnectionManager, metrics *observability.Metrics) *LedgerStore {
	return &LedgerStore{cm: cm, metrics: metrics}
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		tx      ledger.Transaction
		related sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.SubscriptionID, &tx.InitiatorID, &tx.Action, &tx.Gateway, &tx.Status,
		&related, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.RelatedTransactionID = related.String
	return &tx, nil
}

func (l *LedgerStore) insert(ctx context.Context, tx *ledger.Transaction) (err error) {
	defer func(start time.Time) { l.metrics.ObserveStorage("transaction_create", backendName, start, err) }(time.Now())

	query := `
		INSERT INTO subscription_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = l.cm.Primary().ExecContext(ctx, query,
		tx.ID, tx.SubscriptionID, tx.InitiatorID, tx.Action, tx.Gateway, tx.Status,
		nullString(tx.RelatedTransactionID), tx.CreatedAt, tx.UpdatedAt,
	)
	if pqCode(err) == foreignKeyViolation {
		return fmt.Errorf("failed to record %s: %w: %s", tx.Action, ledger.ErrMissingSubscription, tx.SubscriptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (l *LedgerStore) CreateActivation(ctx context.Context, subscriptionID string, gw ledger.Gateway, initiatorID string) (*ledger.Transaction, error) {
	tx, err := ledger.NewActivation(subscriptionID, gw, initiatorID, stamp())
	if err != nil {
		return nil, err
	}
	if err := l.insert(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (l *LedgerStore) CreateCancellation(ctx context.Context, subscriptionID, initiatorID string, trigger *ledger.Transaction) (*ledger.Transaction, error) {
	tx, err := ledger.NewCancellation(subscriptionID, initiatorID, trigger, stamp())
	if err != nil {
		return nil, err
	}
	if err := l.insert(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (l *LedgerStore) Get(ctx context.Context, id string) (tx *ledger.Transaction, err error) {
	defer func(start time.Time) { l.metrics.ObserveStorage("transaction_get", backendName, start, err) }(time.Now())

	query := `SELECT ` + transactionColumns + ` FROM subscription_transactions WHERE id = $1`
	tx, err = scanTransaction(l.cm.Primary().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// SetStatus moves an initiated transaction to status. The conditional update
// makes concurrent completions race safely: only one of them wins and the
// loser sees the winner's status.
func (l *LedgerStore) SetStatus(ctx context.Context, id string, status ledger.Status) (*ledger.Transaction, error) {
	if status != ledger.StatusInitiated {
		tx, err := l.transition(ctx, id, status)
		if err == nil || !errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
	}
	tx, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckTransition(tx.Status, status); err != nil {
		return nil, err
	}
	return tx, nil
}

func (l *LedgerStore) transition(ctx context.Context, id string, status ledger.Status) (tx *ledger.Transaction, err error) {
	defer func(start time.Time) {
		if errors.Is(err, sql.ErrNoRows) {
			l.metrics.ObserveStorage("transaction_set_status", backendName, start, nil)
			return
		}
		l.metrics.ObserveStorage("transaction_set_status", backendName, start, err)
	}(time.Now())

	query := `
		UPDATE subscription_transactions
		SET status = $2, updated_at = GREATEST($3, updated_at + INTERVAL '1 microsecond')
		WHERE id = $1 AND status = $4
		RETURNING ` + transactionColumns
	tx, err = scanTransaction(l.cm.Primary().QueryRowContext(ctx, query, id, status, stamp(), ledger.StatusInitiated))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to set transaction status: %w", err)
	}
	return tx, err
}

func (l *LedgerStore) list(ctx context.Context, db *sql.DB, op, query string, args ...any) (txs []*ledger.Transaction, err error) {
	defer func(start time.Time) { l.metrics.ObserveStorage(op, backendName, start, err) }(time.Now())

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func (l *LedgerStore) ListRelated(ctx context.Context, triggerID string) ([]*ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM subscription_transactions
		WHERE related_transaction_id = $1
		ORDER BY created_at, id
	`
	return l.list(ctx, l.cm.Primary(), "transaction_related", query, triggerID)
}

func (l *LedgerStore) ListStale(ctx context.Context, action ledger.Action, status ledger.Status, before time.Time, limit int) ([]*ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM subscription_transactions
		WHERE action = $1 AND status = $2 AND created_at < $3
		ORDER BY created_at, id
		LIMIT $4
	`
	return l.list(ctx, l.cm.Primary(), "transaction_stale", query, action, status, before, limitArg(limit))
}
