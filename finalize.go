package alloy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alloy-run/alloy/internal/logging"
	"github.com/alloy-run/alloy/state"
)

// Finalize reconciles the scope's persisted resource set against the set
// touched in this run: every recorded resource that no evaluation referenced
// is an orphan and gets deleted through its provider, in reverse dependency
// order. Orphan failures are collected and reported together; one stuck
// resource does not block cleanup of independent ones.
//
// Finalize refuses to run after a failed evaluation pass, so a failed
// desired-state computation never triggers deletion of resources whose
// replacements did not materialize.
func (s *Scope) Finalize(ctx context.Context) error {
	if s.run.hasFailed() {
		return fmt.Errorf("refusing to finalize %s: evaluation failed in this run", s.Path())
	}
	return s.sweep(ctx, true)
}

// Destroy deletes every resource recorded for the scope, whether or not it
// was touched in this run. Used for full teardown.
func (s *Scope) Destroy(ctx context.Context) error {
	return s.sweep(ctx, false)
}

// sweep deletes recorded resources in reverse dependency order. When
// keepTouched is set, resources referenced in this run survive.
func (s *Scope) sweep(ctx context.Context, keepTouched bool) error {
	path := s.Path()

	ids, err := s.store.List(ctx, path)
	if err != nil {
		return fmt.Errorf("listing records for %s: %w", path, err)
	}
	if len(ids) == 0 {
		return nil
	}

	records := make(map[string]*state.Record, len(ids))
	for _, id := range ids {
		rec, err := s.store.Get(ctx, path, id)
		if err != nil {
			return fmt.Errorf("reading record %s/%s: %w", path, id, err)
		}
		records[id] = rec
	}

	order := deletionOrder(path, ids, records)

	var errs []error
	deleted := 0
	for _, id := range order {
		fqn := path + "/" + id
		if keepTouched && s.run.isTouched(fqn) {
			continue
		}
		rec := records[id]

		prov, err := s.providers.Get(rec.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("orphan %s: %w", fqn, err))
			continue
		}

		// The orphan has no live handle; the persisted record supplies
		// everything the provider gets to see.
		req := &UpdateRequest{
			Scope:       s,
			FQN:         fqn,
			ID:          id,
			Type:        rec.Type,
			Phase:       PhaseDelete,
			Deps:        rec.Deps,
			PriorOutput: rec.Output,
			PriorProps:  rec.Props,
		}

		logging.Info("deleting orphan", "fqn", fqn, "type", rec.Type)
		err = RetryWithBackoff(ctx, s.retry, func() error {
			_, derr := prov.Update(ctx, req)
			return derr
		}, IsTransientError)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete of %s failed: %w", fqn, err))
			continue
		}

		if err := s.store.Delete(ctx, path, id); err != nil {
			errs = append(errs, fmt.Errorf("removing record for %s: %w", fqn, err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		logging.Info("scope reconciled", "scope", path, "deleted", deleted)
	}
	if len(errs) > 0 {
		return fmt.Errorf("finalize %s: %d resource(s) failed to delete: %w", path, len(errs), errors.Join(errs...))
	}
	return nil
}

// deletionOrder orders ids so that a resource is deleted before anything it
// depends on (reverse of creation order per recorded dependency edge).
// Kahn's algorithm over the dependency sets recorded at create time; on a
// cycle, which can only come from hand-edited state, it falls back to the
// listing order rather than blocking cleanup.
func deletionOrder(scopePath string, ids []string, records map[string]*state.Record) []string {
	// edges[id] = local-scope ids that id depends on
	edges := make(map[string][]string, len(ids))
	revEdges := make(map[string][]string, len(ids))
	for _, id := range ids {
		for _, dep := range records[id].Deps {
			depID, ok := strings.CutPrefix(dep, scopePath+"/")
			if !ok {
				continue // cross-scope dependency, ordered by that scope's own sweep
			}
			if _, exists := records[depID]; !exists {
				continue
			}
			edges[id] = append(edges[id], depID)
			revEdges[depID] = append(revEdges[depID], id)
		}
	}

	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = len(edges[id])
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var creation []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		creation = append(creation, id)

		for _, dependent := range revEdges[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(creation) != len(ids) {
		logging.Warn("dependency cycle in recorded state, using listing order", "scope", scopePath)
		return ids
	}

	order := make([]string, len(creation))
	for i, id := range creation {
		order[len(creation)-1-i] = id
	}
	return order
}
