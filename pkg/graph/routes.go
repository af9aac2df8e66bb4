package graph

import (
	"fmt"
	"sort"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// AddRoute attaches a route resolution entry (gate, label) -> destination.
// Destination is a sink name, "continue" or "fork".
func (g *ExecutionGraph) AddRoute(gateID, label, destination string) error {
	if label == "" {
		return fmt.Errorf("%w: gate %q has a route with an empty label", domain.ErrGraphValidation, gateID)
	}
	table, ok := g.routes[gateID]
	if !ok {
		table = make(map[string]domain.RouteDestination)
		g.routes[gateID] = table
	}
	if _, exists := table[label]; exists {
		return fmt.Errorf("%w: gate %q declares route %q twice", domain.ErrGraphValidation, gateID, label)
	}
	table[label] = domain.ParseRouteDestination(destination)
	return nil
}

// ResolveRoute maps a gate's evaluated label to its destination.
func (g *ExecutionGraph) ResolveRoute(gateID, label string) (domain.RouteDestination, error) {
	dest, ok := g.routes[gateID][label]
	if !ok {
		return domain.RouteDestination{}, fmt.Errorf("%w: gate %q has no route for label %q (declared: %v)",
			domain.ErrRouteNotFound, gateID, label, g.RouteLabels(gateID))
	}
	return dest, nil
}

// RouteLabels returns the labels declared for a gate in sorted order.
func (g *ExecutionGraph) RouteLabels(gateID string) []string {
	labels := make([]string, 0, len(g.routes[gateID]))
	for label := range g.routes[gateID] {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// SetForkBranches declares the branch labels a forking gate produces.
func (g *ExecutionGraph) SetForkBranches(gateID string, branches []string) {
	g.forks[gateID] = append([]string(nil), branches...)
}

// ForkBranches returns the branch labels declared for a gate.
func (g *ExecutionGraph) ForkBranches(gateID string) []string {
	return append([]string(nil), g.forks[gateID]...)
}

// SetCoalesceBranches declares the branches a coalesce node waits for.
func (g *ExecutionGraph) SetCoalesceBranches(nodeID string, branches []string) {
	g.coalesce[nodeID] = append([]string(nil), branches...)
}
