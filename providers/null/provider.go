// Package null implements an inert provider whose resources have no external
// side effect. Useful for wiring triggers into a graph and for smoke tests.
package null

import (
	"context"
	"fmt"

	"github.com/alloy-run/alloy"
)

// TypeResource is the type tag for the null resource.
const TypeResource = "null::Resource"

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

// Resource declares a null resource. Its output echoes the evaluated inputs,
// so it can be used to join several upstream values into one handle.
func Resource(id string, inputs ...any) *alloy.Resource {
	return alloy.NewResource(TypeResource, id, New(), inputs...)
}

func (p *Provider) Update(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		return nil, nil
	}
	return map[string]any{
		"id":     fmt.Sprintf("null-%s", req.ID),
		"values": req.Inputs,
	}, nil
}
