package alloy

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/alloy-run/alloy/internal/logging"
)

// Apply evaluates v and returns its concrete value. It is Evaluate with the
// dependency set dropped.
func (s *Scope) Apply(ctx context.Context, v any) (any, error) {
	ev, err := s.Evaluate(ctx, v)
	if err != nil {
		return nil, err
	}
	return ev.Value, nil
}

// Evaluate forces v: every reachable Resource is applied through its provider
// (at most once per run, even when reachable via multiple paths), every
// Output transformation runs after its parent resolves, and the returned
// dependency set is the union over the whole subtree. A failed evaluation
// marks the run as failed, which blocks Finalize for this run.
func (s *Scope) Evaluate(ctx context.Context, v any) (Evaluated, error) {
	ev, err := s.eval(ctx, v)
	if err != nil {
		s.run.setFailed()
		return Evaluated{}, err
	}
	return ev, nil
}

// eval dispatches on the five structural cases. Dispatch is by declared tag
// (Seq, Dict, *Output, *Resource), never by runtime shape: a plain slice or
// map is opaque and returned unchanged.
func (s *Scope) eval(ctx context.Context, v any) (Evaluated, error) {
	switch val := v.(type) {
	case *Resource:
		return s.evalResource(ctx, val)
	case *Output:
		return s.evalOutput(ctx, val)
	case Seq:
		return s.evalSeq(ctx, val)
	case Dict:
		return s.evalDict(ctx, val)
	default:
		return Evaluated{Value: v, Deps: make(IDSet)}, nil
	}
}

// evalResource forces a resource handle. The pending cache entry is inserted
// before any work starts, so a second reference arriving while the provider
// is in flight awaits the same entry instead of racing a second invocation.
// Rejected entries are not evicted: later references within the pass observe
// the same failure.
func (s *Scope) evalResource(ctx context.Context, r *Resource) (Evaluated, error) {
	fqn := s.fqn(r.ID)

	s.run.mu.Lock()
	if entry, ok := s.run.cache[fqn]; ok {
		if entry.res != r {
			s.run.mu.Unlock()
			return Evaluated{}, fmt.Errorf("resource %q redeclared in scope %q: %w", r.ID, s.Path(), ErrDuplicateID)
		}
		s.run.mu.Unlock()
		select {
		case <-entry.done:
		case <-ctx.Done():
			return Evaluated{}, ctx.Err()
		}
		return entry.val, entry.err
	}
	entry := &inflight{res: r, done: make(chan struct{})}
	s.run.cache[fqn] = entry
	s.run.mu.Unlock()

	entry.val, entry.err = s.invoke(ctx, r, fqn)
	close(entry.done)
	return entry.val, entry.err
}

// invoke evaluates the resource's inputs concurrently, resolves the phase
// from persisted state, and runs the provider operation.
func (s *Scope) invoke(ctx context.Context, r *Resource, fqn string) (Evaluated, error) {
	// A plain group, not errgroup.WithContext: a failing input must not
	// cancel its siblings, whose results are simply discarded when the
	// subtree rejects.
	evs := make([]Evaluated, len(r.Inputs))
	var g errgroup.Group
	for i, in := range r.Inputs {
		g.Go(func() error {
			ev, err := s.eval(ctx, in)
			if err != nil {
				return err
			}
			evs[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Evaluated{}, fmt.Errorf("evaluating inputs of %s: %w", fqn, err)
	}

	inputDeps := make(IDSet)
	inputs := make([]any, len(evs))
	for i, ev := range evs {
		inputDeps.Merge(ev.Deps)
		inputs[i] = ev.Value
	}

	phase, prior, err := s.phaseFor(ctx, r.ID)
	if err != nil {
		return Evaluated{}, fmt.Errorf("resolving phase for %s: %w", fqn, err)
	}

	req := &UpdateRequest{
		Scope:  s,
		FQN:    fqn,
		ID:     r.ID,
		Type:   r.Type,
		Phase:  phase,
		Deps:   inputDeps.Sorted(),
		Inputs: inputs,
	}
	if prior != nil {
		req.PriorOutput = prior.Output
		req.PriorProps = prior.Props
	}

	logging.Debug("applying resource", "fqn", fqn, "type", r.Type, "phase", phase)

	var out any
	err = RetryWithBackoff(ctx, s.retry, func() error {
		var uerr error
		out, uerr = r.Provider.Update(ctx, req)
		return uerr
	}, IsTransientError)
	if err != nil {
		s.recordFailure(ctx, r, phase, prior)
		return Evaluated{}, fmt.Errorf("%s of %s failed: %w", phase, fqn, err)
	}

	// A provider may return deferred values of its own; resolve them so the
	// persisted output is concrete.
	oev, err := s.eval(ctx, out)
	if err != nil {
		s.recordFailure(ctx, r, phase, prior)
		return Evaluated{}, fmt.Errorf("resolving output of %s: %w", fqn, err)
	}

	deps := make(IDSet)
	deps.Merge(inputDeps)
	deps.Merge(oev.Deps)
	deps.Add(fqn)

	if err := s.recordSuccess(ctx, r, phase, inputs, oev.Value, inputDeps.Sorted()); err != nil {
		return Evaluated{}, fmt.Errorf("persisting record for %s: %w", fqn, err)
	}

	// Make the provider reachable by type tag for reconciliation.
	s.providers.Register(r.Type, r.Provider)
	s.run.touch(fqn)

	return Evaluated{Value: oev.Value, Deps: deps}, nil
}

// evalOutput resolves an Output chain with an explicit work stack rather than
// recursive descent, so long derivation chains do not grow the goroutine
// stack. Each transformation runs only after its parent fully resolved, and
// a transformation returning another Output splices that chain in before any
// outer transformation runs.
func (s *Scope) evalOutput(ctx context.Context, o *Output) (Evaluated, error) {
	deps := make(IDSet)
	var pending []func(any) (any, error)
	var cur any = o
	var val any

	for {
		if out, ok := cur.(*Output); ok {
			pending = append(pending, out.fn)
			cur = out.parent
			continue
		}

		ev, err := s.eval(ctx, cur)
		if err != nil {
			return Evaluated{}, err
		}
		deps.Merge(ev.Deps)
		val = ev.Value

		if len(pending) == 0 {
			break
		}
		fn := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		next, err := fn(val)
		if err != nil {
			return Evaluated{}, fmt.Errorf("output transformation failed: %w", err)
		}
		cur = next
	}

	return Evaluated{Value: val, Deps: deps}, nil
}

// evalSeq evaluates every element concurrently; positions in the result
// match positions in the input regardless of completion order.
func (s *Scope) evalSeq(ctx context.Context, seq Seq) (Evaluated, error) {
	evs := make([]Evaluated, len(seq))
	var g errgroup.Group
	for i, el := range seq {
		g.Go(func() error {
			ev, err := s.eval(ctx, el)
			if err != nil {
				return err
			}
			evs[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Evaluated{}, err
	}

	deps := make(IDSet)
	values := make([]any, len(evs))
	for i, ev := range evs {
		deps.Merge(ev.Deps)
		values[i] = ev.Value
	}
	return Evaluated{Value: values, Deps: deps}, nil
}

// evalDict evaluates every entry concurrently and returns a same-shape map.
func (s *Scope) evalDict(ctx context.Context, d Dict) (Evaluated, error) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}

	evs := make([]Evaluated, len(keys))
	var g errgroup.Group
	for i, k := range keys {
		g.Go(func() error {
			ev, err := s.eval(ctx, d[k])
			if err != nil {
				return err
			}
			evs[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Evaluated{}, err
	}

	deps := make(IDSet)
	values := make(map[string]any, len(keys))
	for i, k := range keys {
		deps.Merge(evs[i].Deps)
		values[k] = evs[i].Value
	}
	return Evaluated{Value: values, Deps: deps}, nil
}
