package alloy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alloy-run/alloy/internal/logging"
	"github.com/alloy-run/alloy/state"
)

// ErrDuplicateID is returned when two distinct Resource handles claim the
// same id within one scope. Colliding ids are a configuration error, never a
// silent merge.
var ErrDuplicateID = errors.New("duplicate resource id in scope")

// ScopeOptions configures a root Scope.
type ScopeOptions struct {
	// Stage is the logical environment ("dev", "prod", ...). Defaults to "dev".
	Stage string

	// Store persists resource records across runs. Required.
	Store state.Store

	// Providers resolves type tags for orphan deletion. Optional; a fresh
	// registry is created when nil, and every provider the engine invokes is
	// registered as a side effect, so same-process finalization works without
	// explicit registration.
	Providers *Registry

	// Retry overrides the backoff policy wrapped around provider calls.
	Retry *RetryPolicy
}

// Scope is a namespace and state boundary for one deployment unit. Scopes
// form a tree; resource identities are namespaced by the full scope path, so
// two scopes never collide even with identical local ids. A scope also
// resolves the lifecycle phase for each resource it evaluates and owns the
// run's memoization cache (shared across the scope tree).
type Scope struct {
	name   string
	stage  string
	parent *Scope

	store     state.Store
	providers *Registry
	retry     *RetryPolicy

	run *runState
}

// runState is the only mutable structure shared within one run. The cache
// holds one entry per resource FQN; a rejected entry stays in place for the
// rest of the pass (fail fast, no retry within a pass).
type runState struct {
	mu      sync.Mutex
	cache   map[string]*inflight
	touched IDSet
	failed  bool
}

type inflight struct {
	res  *Resource
	done chan struct{}
	val  Evaluated
	err  error
}

// NewScope creates a root scope for the named app.
func NewScope(name string, opts ScopeOptions) *Scope {
	if opts.Stage == "" {
		opts.Stage = "dev"
	}
	if opts.Providers == nil {
		opts.Providers = NewRegistry()
	}
	return &Scope{
		name:      name,
		stage:     opts.Stage,
		store:     opts.Store,
		providers: opts.Providers,
		retry:     opts.Retry,
		run: &runState{
			cache:   make(map[string]*inflight),
			touched: make(IDSet),
		},
	}
}

// Child enters a nested deployment unit. The child shares the run's cache and
// registry but namespaces its resources under its own path, and is finalized
// independently of its parent.
func (s *Scope) Child(name string) *Scope {
	return &Scope{
		name:      name,
		stage:     s.stage,
		parent:    s,
		store:     s.store,
		providers: s.providers,
		retry:     s.retry,
		run:       s.run,
	}
}

// Path returns the full scope path, e.g. "myapp/dev/backend".
func (s *Scope) Path() string {
	if s.parent == nil {
		return s.name + "/" + s.stage
	}
	return s.parent.Path() + "/" + s.name
}

// Stage returns the scope's logical environment name.
func (s *Scope) Stage() string {
	return s.stage
}

// Store returns the scope's state store.
func (s *Scope) Store() state.Store {
	return s.store
}

func (s *Scope) fqn(id string) string {
	return s.Path() + "/" + id
}

// phaseFor decides the lifecycle phase for a resource from persisted state:
// no record means create, an existing record means update.
func (s *Scope) phaseFor(ctx context.Context, id string) (Phase, *state.Record, error) {
	rec, err := s.store.Get(ctx, s.Path(), id)
	if errors.Is(err, state.ErrNotFound) {
		return PhaseCreate, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return PhaseUpdate, rec, nil
}

// recordSuccess persists the record for a completed create or update.
func (s *Scope) recordSuccess(ctx context.Context, r *Resource, phase Phase, props []any, output any, deps []string) error {
	status := state.StatusCreated
	if phase == PhaseUpdate {
		status = state.StatusUpdated
	}
	rec := &state.Record{
		Type:      r.Type,
		Props:     props,
		Output:    output,
		Deps:      deps,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	return s.store.Put(ctx, s.Path(), r.ID, rec)
}

// recordFailure enforces the failed-create rule: a resource that errors
// during create leaves no record, so the next pass retries as create rather
// than treating a half-created resource as existing. A failed update keeps
// the prior record but downgrades it to StatusFailed.
func (s *Scope) recordFailure(ctx context.Context, r *Resource, phase Phase, prior *state.Record) {
	if phase == PhaseCreate {
		if err := s.store.Delete(ctx, s.Path(), r.ID); err != nil {
			logging.Warn("failed to clear record for failed create", "fqn", s.fqn(r.ID), "error", err)
		}
		return
	}
	if prior == nil {
		return
	}
	rec := *prior
	rec.Status = state.StatusFailed
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, s.Path(), r.ID, &rec); err != nil {
		logging.Warn("failed to mark record as failed", "fqn", s.fqn(r.ID), "error", err)
	}
}

func (r *runState) setFailed() {
	r.mu.Lock()
	r.failed = true
	r.mu.Unlock()
}

func (r *runState) hasFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *runState) touch(fqn string) {
	r.mu.Lock()
	r.touched.Add(fqn)
	r.mu.Unlock()
}

func (r *runState) isTouched(fqn string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touched.Contains(fqn)
}
