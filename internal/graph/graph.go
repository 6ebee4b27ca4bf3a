package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nholik/stackpilot/internal/service"
)

// ErrDependencyCycle is returned when service dependencies form a cycle.
var ErrDependencyCycle = errors.New("dependency cycle")

// CycleError names the services forming one dependency cycle.
type CycleError struct {
	// Cycle lists the members in dependency order; the first member is repeated at the end.
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDependencyCycle, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrDependencyCycle
}

// Members returns the distinct services in the cycle.
func (e *CycleError) Members() []string {
	if len(e.Cycle) <= 1 {
		return append([]string(nil), e.Cycle...)
	}
	return append([]string(nil), e.Cycle[:len(e.Cycle)-1]...)
}

// Graph is an immutable dependency graph with a cached topological order.
// It is safe for concurrent reads.
type Graph struct {
	dependencies map[string][]string
	dependents   map[string][]string
	order        []string
}

// Build constructs the graph for defs using Kahn's algorithm. Services that become
// eligible together are ordered by name so the result is reproducible.
func Build(defs []service.Definition) (*Graph, error) {
	g := &Graph{
		dependencies: make(map[string][]string, len(defs)),
		dependents:   make(map[string][]string, len(defs)),
	}
	for _, def := range defs {
		g.dependencies[def.Name] = nil
	}

	inDegree := make(map[string]int, len(defs))
	for _, def := range defs {
		deps := sortedUnique(def.DependsOn)
		for _, dep := range deps {
			if _, ok := g.dependencies[dep]; !ok {
				return nil, fmt.Errorf("service %q: %w: %q", def.Name, service.ErrUnknownDependency, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], def.Name)
		}
		g.dependencies[def.Name] = deps
		inDegree[def.Name] = len(deps)
	}
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	ready := make([]string, 0, len(defs))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(defs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		released := false
		for _, dependent := range g.dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(defs) {
		return nil, &CycleError{Cycle: findCycle(g.dependencies, inDegree)}
	}

	g.order = order
	return g, nil
}

// findCycle walks dependency back-pointers from the smallest unresolved service
// until a service repeats.
func findCycle(dependencies map[string][]string, inDegree map[string]int) []string {
	remaining := make([]string, 0)
	for name, degree := range inDegree {
		if degree > 0 {
			remaining = append(remaining, name)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	sort.Strings(remaining)

	position := make(map[string]int)
	path := make([]string, 0, len(remaining))
	current := remaining[0]
	for {
		if idx, ok := position[current]; ok {
			cycle := append([]string(nil), path[idx:]...)
			return append(cycle, current)
		}
		position[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range dependencies[current] {
			if inDegree[dep] > 0 {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		current = next
	}
}

// StartOrder returns services ordered so every dependency precedes its dependents.
func (g *Graph) StartOrder() []string {
	return append([]string(nil), g.order...)
}

// StopOrder returns the exact reverse of StartOrder.
func (g *Graph) StopOrder() []string {
	order := make([]string, len(g.order))
	for i, name := range g.order {
		order[len(g.order)-1-i] = name
	}
	return order
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.dependencies[name]...)
}

// Dependents returns the services that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// TransitiveDependents returns every service that depends on name directly or
// indirectly, in start order.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := map[string]bool{}
	queue := g.Dependents(name)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	result := make([]string, 0, len(seen))
	for _, candidate := range g.order {
		if seen[candidate] {
			result = append(result, candidate)
		}
	}
	return result
}

// Has reports whether name is a node of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.dependencies[name]
	return ok
}

// Len returns the number of services in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := append([]string(nil), values...)
	sort.Strings(result)
	out := result[:0]
	var last string
	for i, value := range result {
		if i > 0 && value == last {
			continue
		}
		out = append(out, value)
		last = value
	}
	return out
}
