package domain

import (
	"fmt"
	"strings"
	"time"
)

// NodeType enumerates the kinds of vertices in an execution graph.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeGate        NodeType = "gate"
	NodeTransform   NodeType = "transform"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeSource, NodeGate, NodeTransform, NodeAggregation, NodeCoalesce, NodeSink:
		return true
	default:
		return false
	}
}

// Node is an immutable graph vertex.
type Node struct {
	ID         string
	Type       NodeType
	PluginName string
	Config     map[string]any
}

// EdgeMode says whether a token moves along an edge or a copy of it does.
type EdgeMode string

const (
	// EdgeMove hands the token itself to the destination.
	EdgeMove EdgeMode = "move"
	// EdgeCopy hands an independent copy (fork child) to the destination.
	EdgeCopy EdgeMode = "copy"
)

// Edge is a directed, labelled connection. Two edges between the same pair of
// nodes are distinct when their labels differ.
type Edge struct {
	From  string
	To    string
	Label string
	Mode  EdgeMode
}

// Key returns the identity of the edge within a multigraph.
func (e Edge) Key() string {
	return e.From + "\x00" + e.To + "\x00" + e.Label
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -[%s/%s]-> %s", e.From, e.Label, e.Mode, e.To)
}

// Reserved route destinations.
const (
	RouteContinue = "continue"
	RouteFork     = "fork"
)

// RouteKind classifies a resolved gate destination.
type RouteKind int

const (
	RouteToSink RouteKind = iota + 1
	RouteToContinue
	RouteToFork
)

// RouteDestination is the resolved target of a (gate, label) pair.
type RouteDestination struct {
	Kind RouteKind
	Sink string
}

// ParseRouteDestination converts a configured destination string.
func ParseRouteDestination(raw string) RouteDestination {
	switch strings.TrimSpace(raw) {
	case RouteContinue:
		return RouteDestination{Kind: RouteToContinue}
	case RouteFork:
		return RouteDestination{Kind: RouteToFork}
	default:
		return RouteDestination{Kind: RouteToSink, Sink: strings.TrimSpace(raw)}
	}
}

func (d RouteDestination) String() string {
	switch d.Kind {
	case RouteToContinue:
		return RouteContinue
	case RouteToFork:
		return RouteFork
	default:
		return d.Sink
	}
}

// CoalescePolicy decides when a coalesce group is ready to merge.
type CoalescePolicy string

const (
	PolicyRequireAll CoalescePolicy = "require_all"
	PolicyBestEffort CoalescePolicy = "best_effort"
	PolicyQuorum     CoalescePolicy = "quorum"
	PolicyFirst      CoalescePolicy = "first"
)

// MergeStrategy decides how branch payloads are combined.
type MergeStrategy string

const (
	// MergeUnion flattens all branch payloads into one map.
	MergeUnion MergeStrategy = "union"
	// MergeNested keeps each branch payload under its branch name.
	MergeNested MergeStrategy = "nested"
)

// LateArrivalMode decides what happens to branches arriving after a
// first/quorum group already merged.
type LateArrivalMode string

const (
	LateArrivalDiscard LateArrivalMode = "discard"
	LateArrivalError   LateArrivalMode = "error"
)

// CoalesceSpec declares one coalesce point.
type CoalesceSpec struct {
	Name        string
	Branches    []string
	Policy      CoalescePolicy
	QuorumCount int
	Merge       MergeStrategy
	Timeout     time.Duration
}
