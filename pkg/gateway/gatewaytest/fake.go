// Package gatewaytest provides an in-memory recurring billing gateway for
// tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
)

// Call records one invocation
type Call struct {
	Method    string
	ProfileID string
	Note      string
	Checkout  gateway.CheckoutRequest
	Recurring gateway.RecurringRequest
}

// Fake is a scriptable Gateway. Zero value is ready to use; function fields
// override the default behavior.
type Fake struct {
	StartCheckoutFunc    func(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutHandle, error)
	CreateRecurringFunc  func(ctx context.Context, req gateway.RecurringRequest) (*gateway.RecurringProfile, error)
	RecurringDetailsFunc func(ctx context.Context, profileID string) (*gateway.RecurringDetails, error)
	CancelRecurringFunc  func(ctx context.Context, profileID, note string) error

	mu          sync.Mutex
	calls       []Call
	seq         int
	invalidated []string
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Calls returns a copy of the recorded calls
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns recorded calls for one method
func (f *Fake) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Invalidated returns profile ids passed to Invalidate
func (f *Fake) Invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

func (f *Fake) StartCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutHandle, error) {
	f.record(Call{Method: "StartCheckout", Checkout: req})
	if f.StartCheckoutFunc != nil {
		return f.StartCheckoutFunc(ctx, req)
	}
	return &gateway.CheckoutHandle{Token: "EC-TOKEN", RedirectURL: "https://checkout.test/?token=EC-TOKEN"}, nil
}

func (f *Fake) CreateRecurring(ctx context.Context, req gateway.RecurringRequest) (*gateway.RecurringProfile, error) {
	f.record(Call{Method: "CreateRecurring", Recurring: req})
	if f.CreateRecurringFunc != nil {
		return f.CreateRecurringFunc(ctx, req)
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("I-PROFILE%d", f.seq)
	f.mu.Unlock()
	return &gateway.RecurringProfile{ProfileID: id, Status: gateway.StatusComplete}, nil
}

func (f *Fake) RecurringDetails(ctx context.Context, profileID string) (*gateway.RecurringDetails, error) {
	f.record(Call{Method: "RecurringDetails", ProfileID: profileID})
	if f.RecurringDetailsFunc != nil {
		return f.RecurringDetailsFunc(ctx, profileID)
	}
	return &gateway.RecurringDetails{ProfileID: profileID, Status: gateway.StatusComplete}, nil
}

func (f *Fake) CancelRecurring(ctx context.Context, profileID, note string) error {
	f.record(Call{Method: "CancelRecurring", ProfileID: profileID, Note: note})
	if f.CancelRecurringFunc != nil {
		return f.CancelRecurringFunc(ctx, profileID, note)
	}
	return nil
}

// Invalidate records the invalidation; Fake holds no cache
func (f *Fake) Invalidate(_ context.Context, profileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, profileID)
	return nil
}

// Factory returns a factory handing out f for every currency
func (f *Fake) Factory() gateway.Factory {
	return gateway.FactoryFunc(func(currency string) (gateway.Gateway, error) {
		return f, nil
	})
}
