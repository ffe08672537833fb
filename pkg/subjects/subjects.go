// Package subjects models the entity a subscription belongs to. A subject is
// referenced by type and id and resolved through a registry of per-type
// resolvers, so the subscription code never depends on concrete account or
// user types.
package subjects

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownSubjectType is returned when no resolver is registered for a type
var ErrUnknownSubjectType = errors.New("unknown subject type")

// ErrSubjectNotFound is returned by resolvers when the referenced entity does not exist
var ErrSubjectNotFound = errors.New("subject not found")

// Ref is a tagged reference to an owning entity
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// String renders the reference as "type:id"
func (r Ref) String() string {
	return r.Type + ":" + r.ID
}

// IsZero reports whether the reference is unset
func (r Ref) IsZero() bool {
	return r.Type == "" || r.ID == ""
}

// Subject is any entity that can own a subscription
type Subject interface {
	HumanDescriptionForSubscription() string
}

// Resolver loads subjects of a single entity type
type Resolver interface {
	Resolve(ctx context.Context, id string) (Subject, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, id string) (Subject, error)

// Resolve calls f(ctx, id)
func (f ResolverFunc) Resolve(ctx context.Context, id string) (Subject, error) {
	return f(ctx, id)
}

// Registry maps entity types to resolvers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Register installs the resolver for an entity type, replacing any previous one
func (r *Registry) Register(entityType string, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[entityType] = resolver
}

// Resolve loads the subject behind ref
func (r *Registry) Resolve(ctx context.Context, ref Ref) (Subject, error) {
	r.mu.RLock()
	resolver, ok := r.resolvers[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubjectType, ref.Type)
	}

	subject, err := resolver.Resolve(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject %s: %w", ref, err)
	}
	return subject, nil
}

// Static is a Subject with a fixed description
type Static string

// HumanDescriptionForSubscription returns the string itself
func (s Static) HumanDescriptionForSubscription() string {
	return string(s)
}
