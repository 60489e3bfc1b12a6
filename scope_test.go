package alloy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alloy-run/alloy/state"
)

func TestScopePaths(t *testing.T) {
	root := NewScope("myapp", ScopeOptions{Stage: "prod", Store: state.NewMemStore()})
	assert.Equal(t, "myapp/prod", root.Path())
	assert.Equal(t, "prod", root.Stage())

	backend := root.Child("backend")
	assert.Equal(t, "myapp/prod/backend", backend.Path())

	db := backend.Child("db")
	assert.Equal(t, "myapp/prod/backend/db", db.Path())
}

func TestStageDefaultsToDev(t *testing.T) {
	scope := NewScope("myapp", ScopeOptions{Store: state.NewMemStore()})
	assert.Equal(t, "myapp/dev", scope.Path())
}

func TestChildScopesNamespaceIDs(t *testing.T) {
	store := state.NewMemStore()
	prov := newMockProvider()
	root := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	child := root.Child("backend")
	ctx := context.Background()

	// Identical local ids in different scopes are distinct resources.
	_, err := root.Evaluate(ctx, prov.thing("db"))
	require.NoError(t, err)
	_, err = child.Evaluate(ctx, prov.thing("db"))
	require.NoError(t, err)

	assert.Equal(t, 1, prov.countFor("myapp/test/db"))
	assert.Equal(t, 1, prov.countFor("myapp/test/backend/db"))

	rootIDs, err := store.List(ctx, "myapp/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, rootIDs)

	childIDs, err := store.List(ctx, "myapp/test/backend")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, childIDs)
}

func TestPhaseCreateThenUpdate(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()

	run := func(prov *mockProvider) *Scope {
		scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
		_, err := scope.Evaluate(ctx, prov.thing("db", "props"))
		require.NoError(t, err)
		return scope
	}

	prov := newMockProvider()
	run(prov)
	run(prov)

	assert.Equal(t, []Phase{PhaseCreate, PhaseUpdate}, prov.phases["myapp/test/db"])

	rec, err := store.Get(ctx, "myapp/test", "db")
	require.NoError(t, err)
	assert.Equal(t, state.StatusUpdated, rec.Status)
	assert.Equal(t, "test::Thing", rec.Type)
}

func TestUpdateSeesPriorOutput(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()

	var prior any
	prov := ProviderFunc(func(ctx context.Context, req *UpdateRequest) (any, error) {
		prior = req.PriorOutput
		return map[string]any{"rev": "r1"}, nil
	})

	for i := 0; i < 2; i++ {
		scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
		_, err := scope.Evaluate(ctx, NewResource("test::Thing", "db", prov))
		require.NoError(t, err)
	}

	// The second run diffs against the output persisted by the first.
	require.NotNil(t, prior)
	assert.Equal(t, map[string]any{"rev": "r1"}, prior)
}

func TestFailedCreateLeavesNoRecord(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()

	prov := newMockProvider()
	prov.fail["db"] = errors.New("create blew up")

	scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err := scope.Evaluate(ctx, prov.thing("db"))
	require.Error(t, err)

	_, err = store.Get(ctx, "myapp/test", "db")
	assert.ErrorIs(t, err, state.ErrNotFound)

	// The next pass must retry as a create, not mistake the half-created
	// resource for an existing one.
	delete(prov.fail, "db")
	scope2 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err = scope2.Evaluate(ctx, prov.thing("db"))
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseCreate, PhaseCreate}, prov.phases["myapp/test/db"])
}

func TestFailedUpdateMarksRecordFailed(t *testing.T) {
	store := state.NewMemStore()
	ctx := context.Background()
	prov := newMockProvider()

	scope := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err := scope.Evaluate(ctx, prov.thing("db"))
	require.NoError(t, err)

	prov.fail["db"] = errors.New("update blew up")
	scope2 := NewScope("myapp", ScopeOptions{Stage: "test", Store: store})
	_, err = scope2.Evaluate(ctx, prov.thing("db"))
	require.Error(t, err)

	// The record survives, downgraded, with the last good output intact.
	rec, err := store.Get(ctx, "myapp/test", "db")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, rec.Status)
	out, ok := rec.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "mock-db", out["id"])
}
