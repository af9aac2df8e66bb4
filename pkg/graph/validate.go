package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// Issue is one structural defect found by Validate.
type Issue struct {
	Rule    string
	Message string
	NodeID  string
}

// ValidationError aggregates every issue found in one pass. It matches
// domain.ErrGraphValidation under errors.Is.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Rule+": "+issue.Message)
	}
	return fmt.Sprintf("%v: %s", domain.ErrGraphValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return domain.ErrGraphValidation
}

// Validate checks the whole graph and reports every defect at once.
func (g *ExecutionGraph) Validate() error {
	var issues []Issue
	issues = append(issues, g.checkEdgeEndpoints()...)
	issues = append(issues, g.checkAcyclic()...)
	issues = append(issues, g.checkRoutes()...)
	issues = append(issues, g.checkForks()...)
	issues = append(issues, g.checkCoalesce()...)

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

func (g *ExecutionGraph) checkEdgeEndpoints() []Issue {
	var issues []Issue
	for _, e := range g.Edges() {
		if _, ok := g.nodes[e.From]; !ok {
			issues = append(issues, Issue{
				Rule:    "edge_endpoints",
				Message: fmt.Sprintf("edge %s references unknown node %q", e, e.From),
				NodeID:  e.From,
			})
		}
		if _, ok := g.nodes[e.To]; !ok {
			issues = append(issues, Issue{
				Rule:    "edge_endpoints",
				Message: fmt.Sprintf("edge %s references unknown node %q", e, e.To),
				NodeID:  e.To,
			})
		}
	}
	return issues
}

func (g *ExecutionGraph) checkAcyclic() []Issue {
	if g.IsAcyclic() {
		return nil
	}
	return []Issue{{Rule: "acyclic", Message: "graph contains a cycle"}}
}

func (g *ExecutionGraph) checkRoutes() []Issue {
	var issues []Issue
	for _, gateID := range sortedKeys(g.routes) {
		node, ok := g.nodes[gateID]
		if !ok || node.Type != domain.NodeGate {
			issues = append(issues, Issue{
				Rule:    "route_gate",
				Message: fmt.Sprintf("routes attached to %q, which is not a gate", gateID),
				NodeID:  gateID,
			})
			continue
		}
		for _, label := range g.RouteLabels(gateID) {
			dest := g.routes[gateID][label]
			if dest.Kind == domain.RouteToSink && !g.HasSink(dest.Sink) {
				issues = append(issues, Issue{
					Rule:    "route_sink",
					Message: fmt.Sprintf("gate %q routes %q to undeclared sink %q", gateID, label, dest.Sink),
					NodeID:  gateID,
				})
			}
		}
	}
	return issues
}

func (g *ExecutionGraph) checkForks() []Issue {
	var issues []Issue
	for _, gateID := range sortedKeys(g.routes) {
		forks := false
		for _, dest := range g.routes[gateID] {
			if dest.Kind == domain.RouteToFork {
				forks = true
			}
		}
		if forks && len(g.forks[gateID]) == 0 {
			issues = append(issues, Issue{
				Rule:    "fork_branches",
				Message: fmt.Sprintf("gate %q has a fork route but declares no branches", gateID),
				NodeID:  gateID,
			})
		}
		if !forks && len(g.forks[gateID]) > 0 {
			issues = append(issues, Issue{
				Rule:    "fork_branches",
				Message: fmt.Sprintf("gate %q declares branches but no fork route", gateID),
				NodeID:  gateID,
			})
		}
	}
	for _, gateID := range sortedKeys(g.forks) {
		if dup := firstDuplicate(g.forks[gateID]); dup != "" {
			issues = append(issues, Issue{
				Rule:    "fork_branches",
				Message: fmt.Sprintf("gate %q declares branch %q twice", gateID, dup),
				NodeID:  gateID,
			})
		}
	}
	return issues
}

// checkCoalesce requires every branch a coalesce node waits for to be
// produced by some forking gate upstream of it.
func (g *ExecutionGraph) checkCoalesce() []Issue {
	var issues []Issue
	for _, nodeID := range sortedKeys(g.coalesce) {
		expected := g.coalesce[nodeID]
		if len(expected) == 0 {
			issues = append(issues, Issue{
				Rule:    "coalesce_branches",
				Message: fmt.Sprintf("coalesce %q declares no branches", nodeID),
				NodeID:  nodeID,
			})
			continue
		}
		if dup := firstDuplicate(expected); dup != "" {
			issues = append(issues, Issue{
				Rule:    "coalesce_branches",
				Message: fmt.Sprintf("coalesce %q declares branch %q twice", nodeID, dup),
				NodeID:  nodeID,
			})
		}

		produced := make(map[string]bool)
		for gateID, branches := range g.forks {
			if gateID != nodeID && g.reachable(gateID, nodeID) {
				for _, b := range branches {
					produced[b] = true
				}
			}
		}
		for _, b := range expected {
			if !produced[b] {
				issues = append(issues, Issue{
					Rule:    "coalesce_branches",
					Message: fmt.Sprintf("coalesce %q waits for branch %q that no upstream fork produces", nodeID, b),
					NodeID:  nodeID,
				})
			}
		}
	}
	return issues
}

func firstDuplicate(values []string) string {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			return v
		}
		seen[v] = true
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
