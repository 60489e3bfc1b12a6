package alloy

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Phase is the lifecycle operation a provider must perform for one pass.
type Phase string

const (
	PhaseCreate Phase = "create"
	PhaseUpdate Phase = "update"
	PhaseDelete Phase = "delete"
)

// Resource is an identity-bearing handle for one declared infrastructure
// object. Constructing one has no side effect; it is a descriptor that a
// Scope resolves by invoking its provider operation. Identity is
// (scope path, ID) and must be unique within a scope at evaluation time.
type Resource struct {
	Type     string
	ID       string
	Provider Provider
	Inputs   []any
}

// NewResource declares a resource of the given type tag (e.g. "fs::File").
// Inputs may be raw values, Outputs, or other Resources.
func NewResource(typ, id string, p Provider, inputs ...any) *Resource {
	return &Resource{Type: typ, ID: id, Provider: p, Inputs: inputs}
}

// Map derives an Output from the resource's resolved provider output.
func (r *Resource) Map(fn func(any) (any, error)) *Output {
	return &Output{parent: r, fn: fn}
}

// Field derives an Output selecting one key from the resource's map-shaped output.
func (r *Resource) Field(key string) *Output {
	return r.Map(fieldFn(key))
}

// UpdateRequest carries everything a provider operation needs for one
// invocation: the resource's identity, the phase decided from persisted
// state, the fully evaluated inputs, and the prior record for diffing.
type UpdateRequest struct {
	Scope *Scope
	FQN   string // scope path + "/" + ID
	ID    string
	Type  string
	Phase Phase

	// Deps is the sorted set of resource FQNs the inputs depend on.
	Deps []string

	// Inputs are the declared inputs with every Output and Resource
	// resolved to its concrete value. Empty when Phase is PhaseDelete.
	Inputs []any

	// PriorOutput and PriorProps come from the last successful record;
	// both are nil on create.
	PriorOutput any
	PriorProps  any
}

// Provider performs the actual create/update/delete side effect for one or
// more resource types. Create and update must be idempotent under retry, and
// delete must treat "target already absent" as success.
type Provider interface {
	Update(ctx context.Context, req *UpdateRequest) (any, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req *UpdateRequest) (any, error)

func (f ProviderFunc) Update(ctx context.Context, req *UpdateRequest) (any, error) {
	return f(ctx, req)
}

// Registry maps resource type tags to providers. The reconciler needs it to
// drive deletes for orphans, which by definition have no live handle carrying
// a provider reference.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a type tag to a provider. Later registrations win.
func (r *Registry) Register(typ string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[typ] = p
}

// Get returns the provider registered for a type tag.
func (r *Registry) Get(typ string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[typ]
	if !ok {
		return nil, fmt.Errorf("no provider registered for resource type %q", typ)
	}
	return p, nil
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IDSet is a set of resource FQNs.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

func (s IDSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Merge adds every member of other to s.
func (s IDSet) Merge(other IDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Sorted returns the members as a sorted slice.
func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evaluated pairs a concrete value with the set of resource identities that
// transitively contributed to it.
type Evaluated struct {
	Value any
	Deps  IDSet
}
