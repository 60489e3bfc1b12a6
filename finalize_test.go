package alloy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alloy-run/alloy/state"
)

func TestOrphanReconciliation(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	// Run 1 declares {a, b}.
	run1 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err := run1.Evaluate(ctx, Seq{prov.thing("a"), prov.thing("b")})
	require.NoError(t, err)
	require.NoError(t, run1.Finalize(ctx))

	// Run 2 only declares {a}; b is an orphan.
	run2 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err = run2.Evaluate(ctx, prov.thing("a"))
	require.NoError(t, err)
	require.NoError(t, run2.Finalize(ctx))

	assert.Equal(t, []Phase{PhaseCreate, PhaseUpdate}, prov.phases["myapp/test/a"])
	assert.Equal(t, []Phase{PhaseCreate, PhaseDelete}, prov.phases["myapp/test/b"])

	ids, err := store.List(ctx, "myapp/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestFinalizeDeletesInReverseDependencyOrder(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	// b depends on a, c depends on b.
	run1 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	a := prov.thing("a")
	b := prov.thing("b", a.Field("id"))
	c := prov.thing("c", b.Field("id"))
	_, err := run1.Evaluate(ctx, c)
	require.NoError(t, err)

	// Run 2 declares nothing; all three are orphans. Teardown proceeds
	// dependents-first: c, then b, then a.
	reg := NewRegistry()
	reg.Register("test::Thing", prov)
	run2 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store, Providers: reg})
	require.NoError(t, run2.Finalize(ctx))

	deletes := prov.order[len(prov.order)-3:]
	assert.Equal(t, []string{"myapp/test/c", "myapp/test/b", "myapp/test/a"}, deletes)

	ids, err := store.List(ctx, "myapp/test")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFinalizePartialFailure(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	run1 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err := run1.Evaluate(ctx, Seq{prov.thing("stuck"), prov.thing("fine")})
	require.NoError(t, err)

	prov.fail["stuck"] = errors.New("still in use")

	reg := NewRegistry()
	reg.Register("test::Thing", prov)
	run2 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store, Providers: reg})
	err = run2.Finalize(ctx)

	// One stuck orphan does not block cleanup of the other, but the run
	// reports that cleanup was incomplete.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still in use")

	ids, listErr := store.List(ctx, "myapp/test")
	require.NoError(t, listErr)
	assert.Equal(t, []string{"stuck"}, ids)
}

func TestFinalizeRefusesAfterFailedPass(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	run1 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err := run1.Evaluate(ctx, prov.thing("a"))
	require.NoError(t, err)
	require.NoError(t, run1.Finalize(ctx))

	// Run 2's desired state fails to compute; nothing may be deleted, or a
	// resource whose replacement never materialized would be lost.
	prov.fail["b"] = errors.New("bad day")
	run2 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err = run2.Evaluate(ctx, prov.thing("b"))
	require.Error(t, err)

	err = run2.Finalize(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to finalize")

	assert.Empty(t, prov.phases["myapp/test/a"][1:])
	ids, err := store.List(ctx, "myapp/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestFinalizeUnknownTypeKeepsRecord(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "myapp/test", "mystery", &state.Record{
		Type:   "vanished::Provider",
		Status: state.StatusCreated,
	}))

	scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	err := scope.Finalize(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider registered")

	ids, listErr := store.List(ctx, "myapp/test")
	require.NoError(t, listErr)
	assert.Equal(t, []string{"mystery"}, ids)
}

func TestDestroyRemovesEverything(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	a := prov.thing("a")
	_, err := scope.Evaluate(ctx, Seq{a, prov.thing("b", a.Field("id"))})
	require.NoError(t, err)

	// Destroy ignores the touched set: even freshly applied resources go.
	require.NoError(t, scope.Destroy(ctx))

	assert.Equal(t, []Phase{PhaseCreate, PhaseDelete}, prov.phases["myapp/test/a"])
	assert.Equal(t, []Phase{PhaseCreate, PhaseDelete}, prov.phases["myapp/test/b"])

	ids, err := store.List(ctx, "myapp/test")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIdempotentRerun(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	graph := func() any {
		a := prov.thing("a", "props-a")
		return Seq{a, prov.thing("b", a.Field("id"))}
	}

	for i := 0; i < 2; i++ {
		scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
		_, err := scope.Evaluate(ctx, graph())
		require.NoError(t, err)
		require.NoError(t, scope.Finalize(ctx))
	}

	// Exactly one invocation per resource per run, update on the rerun,
	// and no deletes anywhere.
	assert.Equal(t, []Phase{PhaseCreate, PhaseUpdate}, prov.phases["myapp/test/a"])
	assert.Equal(t, []Phase{PhaseCreate, PhaseUpdate}, prov.phases["myapp/test/b"])

	ids, err := store.List(ctx, "myapp/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestFinalizeEmptyScope(t *testing.T) {
	scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: state.NewMemStore()})
	require.NoError(t, scope.Finalize(context.Background()))
}

func TestChildScopeFinalizedIndependently(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	// Run 1 populates both the root and a child scope.
	run1 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err := run1.Evaluate(ctx, prov.thing("web"))
	require.NoError(t, err)
	child1 := run1.Child("jobs")
	_, err = child1.Evaluate(ctx, prov.thing("worker"))
	require.NoError(t, err)
	require.NoError(t, child1.Finalize(ctx))
	require.NoError(t, run1.Finalize(ctx))

	// Run 2 drops the child's resource but keeps the root's.
	reg := NewRegistry()
	reg.Register("test::Thing", prov)
	run2 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store, Providers: reg})
	_, err = run2.Evaluate(ctx, prov.thing("web"))
	require.NoError(t, err)
	child2 := run2.Child("jobs")
	require.NoError(t, child2.Finalize(ctx))
	require.NoError(t, run2.Finalize(ctx))

	rootIDs, err := store.List(ctx, "myapp/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, rootIDs)

	childIDs, err := store.List(ctx, "myapp/test/jobs")
	require.NoError(t, err)
	assert.Empty(t, childIDs)
}
