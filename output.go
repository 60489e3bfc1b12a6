// Package alloy is a resource dependency-graph evaluator: programs declare
// typed resources and derived values as ordinary Go values, and a Scope
// forces that graph into concrete results by invoking provider operations in
// dependency order, persisting per-resource state across runs and deleting
// resources that drop out of the graph.
package alloy

import "fmt"

// Output is a deferred value derived from a parent value through a pure
// transformation. Construction performs no I/O and is O(1) regardless of
// chain depth; only a Scope can force it. A transformation may return
// another Output or a Resource, which the evaluator flattens.
type Output struct {
	parent any
	fn     func(any) (any, error)
}

// Map returns an Output that applies fn to the resolved value of v.
// v may be a raw value, a Resource, or another Output.
func Map(v any, fn func(any) (any, error)) *Output {
	return &Output{parent: v, fn: fn}
}

// Map derives a new Output from o.
func (o *Output) Map(fn func(any) (any, error)) *Output {
	return &Output{parent: o, fn: fn}
}

// Field derives an Output selecting one key from o's map-shaped value.
func (o *Output) Field(key string) *Output {
	return o.Map(fieldFn(key))
}

func fieldFn(key string) func(any) (any, error) {
	return func(v any) (any, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot select field %q from %T", key, v)
		}
		return m[key], nil
	}
}

// Seq is an ordered list the evaluator recurses into. Plain []any values are
// treated as opaque; composites must opt in by using Seq.
type Seq []any

// Dict is a string-keyed mapping the evaluator recurses into. Plain
// map[string]any values are treated as opaque; composites must opt in by
// using Dict.
type Dict map[string]any
