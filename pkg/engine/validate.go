package engine

import (
	"fmt"
	"strings"

	"github.com/friendsofgo/errors"
)

// FlowProblems lists everything wrong with a flow definition.
type FlowProblems []error

func (p FlowProblems) Error() string {
	msgs := make([]string, len(p))
	for i, err := range p {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (p FlowProblems) Unwrap() []error { return p }

// Strings returns one message per problem.
func (p FlowProblems) Strings() []string {
	out := make([]string, len(p))
	for i, err := range p {
		out[i] = fmt.Sprint(err)
	}
	return out
}

// ValidateFlow checks a flow against the registry before it is run: every node
// type must be registered, configs must satisfy their handler's config schema,
// edges must connect declared output handles to declared input handles, and
// the edges must not form a cycle. It returns nil or FlowProblems.
func ValidateFlow(registry *Registry, flow *Flow) error {
	g, err := NewGraph(flow)
	if err != nil {
		return FlowProblems{err}
	}

	var problems FlowProblems

	for _, node := range g.Nodes() {
		desc, ok := registry.FindByType(node.Type)
		if !ok {
			problems = append(problems, errors.Wrapf(ErrUnregisteredType, "node %s has type %q", node.ID, node.Type))
			continue
		}

		// Templated configs are only checked once rendered, at run time.
		if containsTemplate(node.Config) {
			continue
		}
		cfg := node.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		if valid, details := desc.ConfigSchema().Validate(cfg); !valid {
			problems = append(problems, errors.Wrapf(ErrValidationFailed, "config of node %s: %v", node.ID, details))
		}
	}

	for _, edge := range flow.Edges {
		problems = append(problems, checkEdge(g, registry, edge)...)
	}

	if cycle := findCycle(g); len(cycle) > 0 {
		problems = append(problems, errors.Wrapf(ErrCycle, "%s", strings.Join(cycle, " -> ")))
	}

	if len(problems) == 0 {
		return nil
	}
	return problems
}

func checkEdge(g *Graph, registry *Registry, edge Edge) []error {
	var problems []error

	source, _ := g.Node(edge.Source)
	if desc, ok := registry.FindByType(source.Type); ok {
		if _, ok := desc.Output(edge.SourceHandle); !ok {
			problems = append(problems, errors.Wrapf(ErrUnknownHandle,
				"edge %s: node %s (%s) has no output handle %q", edge.ID, source.ID, source.Type, edge.SourceHandle))
		}
	}

	target, _ := g.Node(edge.Target)
	if desc, ok := registry.FindByType(target.Type); ok {
		if _, ok := desc.Input(edge.TargetHandle); !ok {
			problems = append(problems, errors.Wrapf(ErrUnknownHandle,
				"edge %s: node %s (%s) has no input handle %q", edge.ID, target.ID, target.Type, edge.TargetHandle))
		}
	}

	return problems
}

// findCycle returns the node ids of the first cycle found, with the first node
// repeated at the end, or nil when the graph is acyclic.
func findCycle(g *Graph) []string {
	const (
		unvisited = iota
		inProgress
		done
	)

	color := make(map[string]int, len(g.Nodes()))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = inProgress
		stack = append(stack, id)

		for _, edge := range g.Outgoing(id) {
			switch color[edge.Target] {
			case inProgress:
				for i, n := range stack {
					if n == edge.Target {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, edge.Target)
					}
				}
				return nil
			case unvisited:
				if cycle := visit(edge.Target); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = done
		return nil
	}

	for _, node := range g.Nodes() {
		if color[node.ID] != unvisited {
			continue
		}
		if cycle := visit(node.ID); cycle != nil {
			return cycle
		}
	}
	return nil
}
