// Package memory implements the subscription store and ledger in process
// memory. Values are copied in and out so callers never share state with the
// store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/subjects"
)

// touch returns a timestamp strictly after prev
func touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// SubscriptionStore implements billing.Store
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]*billing.Subscription
}

// NewSubscriptionStore creates an empty store
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]*billing.Subscription)}
}

func (s *SubscriptionStore) Create(_ context.Context, sub *billing.Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *SubscriptionStore) Update(_ context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.subs[sub.ID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if !stored.UpdatedAt.Equal(sub.UpdatedAt) {
		return billing.ErrConcurrentUpdate
	}
	sub.UpdatedAt = touch(stored.UpdatedAt)
	next := sub.Clone()
	// fixed at creation
	next.Subject, next.PlanKey, next.StartsAt = stored.Subject, stored.PlanKey, stored.StartsAt
	next.PrevSubscriptionID, next.CreatedAt = stored.PrevSubscriptionID, stored.CreatedAt
	s.subs[sub.ID] = next
	return nil
}

func (s *SubscriptionStore) Get(_ context.Context, id string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *SubscriptionStore) collect(match func(*billing.Subscription) bool) []*billing.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.Subscription
	for _, sub := range s.subs {
		if match(sub) {
			out = append(out, sub.Clone())
		}
	}
	billing.SortSubscriptions(out)
	return out
}

func (s *SubscriptionStore) NextSubscriptions(_ context.Context, prevID string) ([]*billing.Subscription, error) {
	return s.collect(func(sub *billing.Subscription) bool {
		return sub.PrevSubscriptionID == prevID
	}), nil
}

func (s *SubscriptionStore) Current(_ context.Context, subject subjects.Ref, at time.Time) (*billing.Subscription, error) {
	subs := s.collect(func(sub *billing.Subscription) bool {
		return sub.Subject == subject && sub.CurrentAt(at)
	})
	if len(subs) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subs[0], nil
}

func (s *SubscriptionStore) ListCanceledWithProfile(_ context.Context, since time.Time, after billing.Cursor, limit int) ([]*billing.Subscription, error) {
	subs := s.collect(func(sub *billing.Subscription) bool {
		return sub.Canceled() && !sub.CanceledAt.Before(since) && sub.PayPalProfileID != "" && after.Precedes(sub)
	})
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}

// Ledger implements ledger.Ledger
type Ledger struct {
	mu  sync.RWMutex
	txs map[string]*ledger.Transaction
	now func() time.Time
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		txs: make(map[string]*ledger.Transaction),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) insert(tx *ledger.Transaction) *ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := *tx
	l.txs[tx.ID] = &stored
	return tx
}

func (l *Ledger) CreateActivation(_ context.Context, subscriptionID string, gw ledger.Gateway, initiatorID string) (*ledger.Transaction, error) {
	tx, err := ledger.NewActivation(subscriptionID, gw, initiatorID, l.now())
	if err != nil {
		return nil, err
	}
	return l.insert(tx), nil
}

func (l *Ledger) CreateCancellation(_ context.Context, subscriptionID, initiatorID string, trigger *ledger.Transaction) (*ledger.Transaction, error) {
	tx, err := ledger.NewCancellation(subscriptionID, initiatorID, trigger, l.now())
	if err != nil {
		return nil, err
	}
	return l.insert(tx), nil
}

func (l *Ledger) Get(_ context.Context, id string) (*ledger.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.txs[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	c := *tx
	return &c, nil
}

func (l *Ledger) SetStatus(_ context.Context, id string, status ledger.Status) (*ledger.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	if err := ledger.CheckTransition(tx.Status, status); err != nil {
		return nil, err
	}
	if tx.Status != status {
		tx.Status = status
		tx.UpdatedAt = touch(tx.UpdatedAt)
	}
	c := *tx
	return &c, nil
}

func (l *Ledger) list(match func(*ledger.Transaction) bool) []*ledger.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*ledger.Transaction
	for _, tx := range l.txs {
		if match(tx) {
			c := *tx
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *ledger.Transaction) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		} else if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (l *Ledger) ListRelated(_ context.Context, triggerID string) ([]*ledger.Transaction, error) {
	return l.list(func(tx *ledger.Transaction) bool {
		return tx.RelatedTransactionID == triggerID
	}), nil
}

func (l *Ledger) ListStale(_ context.Context, action ledger.Action, status ledger.Status, before time.Time, limit int) ([]*ledger.Transaction, error) {
	txs := l.list(func(tx *ledger.Transaction) bool {
		return tx.Action == action && tx.Status == status && tx.CreatedAt.Before(before)
	})
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

// Backend bundles a memory store and ledger
type Backend struct {
	subs   *SubscriptionStore
	ledger *Ledger
}

// NewBackend creates an empty memory backend
func NewBackend() *Backend {
	return &Backend{subs: NewSubscriptionStore(), ledger: NewLedger()}
}

func (b *Backend) Subscriptions() billing.Store { return b.subs }

func (b *Backend) Ledger() ledger.Ledger { return b.ledger }

func (b *Backend) HealthCheck(_ context.Context) error { return nil }

func (b *Backend) Close() error { return nil }
