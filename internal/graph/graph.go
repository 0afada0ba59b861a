// Package graph compiles step definitions into a validated DAG and resolves
// execution order.
package graph

import (
	"fmt"
	"strings"

	"artgen/internal/asset"
	"artgen/internal/expr"
	"artgen/internal/spec"
	"artgen/internal/template"
)

// Error reports a cyclic or otherwise invalid step graph.
type Error struct {
	Msg   string
	Cycle []string // step ids along the offending cycle, when one was found
}

func (e *Error) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("graph: %s: %s", e.Msg, strings.Join(e.Cycle, " -> "))
	}
	return "graph: " + e.Msg
}

// Graph is a compiled, validated pipeline DAG.
type Graph struct {
	pipeline *spec.Pipeline
	order    []string // global topological order, stable on declaration order
}

// Compile validates the step graph and template references and fixes a
// global topological order. Compilation failures abort the run before any
// capability call is made.
func Compile(p *spec.Pipeline) (*Graph, error) {
	if p == nil {
		return nil, &Error{Msg: "pipeline is nil"}
	}
	if cycle := findCycle(p); len(cycle) > 0 {
		return nil, &Error{Msg: "dependency cycle detected", Cycle: cycle}
	}
	order, err := topoOrder(p)
	if err != nil {
		return nil, err
	}
	if err := validateTemplates(p, order); err != nil {
		return nil, err
	}
	for i := range p.Steps {
		if c := p.Steps[i].Condition; c != "" {
			if err := expr.Validate(c); err != nil {
				return nil, err
			}
		}
	}
	return &Graph{pipeline: p, order: order}, nil
}

// Pipeline returns the underlying definition.
func (g *Graph) Pipeline() *spec.Pipeline { return g.pipeline }

// Order returns the global topological order of step ids.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Steps returns step definitions in topological order.
func (g *Graph) Steps() []*spec.StepDef {
	out := make([]*spec.StepDef, 0, len(g.order))
	for _, id := range g.order {
		step, _ := g.pipeline.Step(id)
		out = append(out, step)
	}
	return out
}

// Step returns one step definition by id.
func (g *Graph) Step(id string) (*spec.StepDef, bool) {
	return g.pipeline.Step(id)
}

// PerAssetSteps returns the per-asset steps in topological order; this is the
// shared path every asset walks.
func (g *Graph) PerAssetSteps() []*spec.StepDef {
	var out []*spec.StepDef
	for _, s := range g.Steps() {
		if s.PerAsset() {
			out = append(out, s)
		}
	}
	return out
}

// GlobalSteps returns non-per-asset steps in topological order.
func (g *Graph) GlobalSteps() []*spec.StepDef {
	var out []*spec.StepDef
	for _, s := range g.Steps() {
		if !s.PerAsset() {
			out = append(out, s)
		}
	}
	return out
}

// DepsSatisfied reports whether every requires edge of the step is satisfied
// for the given asset: per-asset dependencies must be done for this asset,
// global dependencies must have a recorded global result.
func (g *Graph) DepsSatisfied(step *spec.StepDef, a *asset.Asset, globalDone map[string]bool) bool {
	for _, req := range step.Requires {
		dep, ok := g.pipeline.Step(req)
		if !ok {
			return false
		}
		if dep.PerAsset() {
			if a == nil || !a.StepDone(req) {
				return false
			}
		} else if !globalDone[req] {
			return false
		}
	}
	return true
}

// findCycle runs DFS with a recursion stack and returns the cycle path when
// one exists.
func findCycle(p *spec.Pipeline) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		step, _ := p.Step(id)
		if step != nil {
			for _, req := range step.Requires {
				switch color[req] {
				case gray:
					// Close the loop for the error message.
					start := 0
					for i, s := range stack {
						if s == req {
							start = i
							break
						}
					}
					cycle = append(append([]string(nil), stack[start:]...), req)
					return true
				case white:
					if visit(req) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range p.StepIDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// topoOrder computes a Kahn topological order, stable on declaration order.
func topoOrder(p *spec.Pipeline) ([]string, error) {
	ids := p.StepIDs()
	indeg := map[string]int{}
	dependents := map[string][]string{}
	for _, id := range ids {
		step, _ := p.Step(id)
		indeg[id] = len(step.Requires)
		for _, req := range step.Requires {
			dependents[req] = append(dependents[req], id)
		}
	}

	var order []string
	remaining := len(ids)
	ready := map[string]bool{}
	for _, id := range ids {
		if indeg[id] == 0 {
			ready[id] = true
		}
	}
	for remaining > 0 {
		progressed := false
		for _, id := range ids {
			if !ready[id] {
				continue
			}
			ready[id] = false
			order = append(order, id)
			remaining--
			progressed = true
			for _, dep := range dependents[id] {
				indeg[dep]--
				if indeg[dep] == 0 {
					ready[dep] = true
				}
			}
		}
		if !progressed {
			return nil, &Error{Msg: "dependency cycle detected"}
		}
	}
	return order, nil
}

// validateTemplates checks every config reference against the namespaces
// visible to that step: the context section, the asset's declared fields
// (for per-asset steps on a typed asset), and steps earlier in the order.
func validateTemplates(p *spec.Pipeline, order []string) error {
	contextKeys := map[string]bool{}
	for k := range p.Context {
		contextKeys[k] = true
	}

	var assetFields map[string]bool
	if p.Assets != nil {
		if td, ok := p.Types[p.Assets.Type]; ok {
			assetFields = map[string]bool{"id": true, "name": true, "description": true}
			for f := range td.Fields {
				assetFields[f] = true
			}
		}
	}

	earlier := map[string]bool{}
	for _, id := range order {
		step, _ := p.Step(id)
		if err := template.Validate(step.Config, contextKeys, assetFields, earlier); err != nil {
			return fmt.Errorf("step %q: %w", id, err)
		}
		earlier[id] = true
	}
	return nil
}
