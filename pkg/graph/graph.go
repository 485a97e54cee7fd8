// Package graph drives a diagnostic run through the fixed stage graph:
// ingestion, a mandatory human review of the normalized context, hypothesis
// structuring, evidence-tool execution, and report synthesis, with a
// confidence-gated loop from execution back to structuring. The executor is
// single-threaded per run; all parallelism lives in the tool scheduler it
// calls.
package graph

import (
	"fmt"

	"dxpipe/pkg/config"
)

// Node names. Stage nodes reuse the config stage constants so handler
// wiring, state bookkeeping and events all speak the same names.
const (
	NodeIngestion       = config.StageIngestion
	NodeIngestionReview = "ingestion_review"
	NodeStructuring     = config.StageStructuring
	NodeExecution       = config.StageExecution
	NodeSynthesis       = config.StageSynthesis
	NodeCompleted       = "completed"
	NodeEscalated       = "escalated"
)

// NodeKind distinguishes how the executor treats a node.
type NodeKind int

const (
	// KindStage runs a handler and merges its output.
	KindStage NodeKind = iota
	// KindCheckpoint suspends the run for human review.
	KindCheckpoint
	// KindTerminal finalizes the run's status.
	KindTerminal
)

// Guard names the condition on an edge. Guards are evaluated against the
// run state by the executor; keeping them as data rather than closures makes
// the topology inspectable and testable on its own.
type Guard int

const (
	// GuardAlways is the default edge, unconditionally true. Every
	// non-terminal node lists exactly one, last, so edge evaluation is total.
	GuardAlways Guard = iota
	// GuardProceed holds when the confidence gate says proceed.
	GuardProceed
	// GuardLoopBack holds when the gate wants another refinement pass. At
	// the iteration cap the gate itself forces this false.
	GuardLoopBack
	// GuardEvidenceEmpty holds when the last tool batch produced nothing:
	// every task failed and no cached result was reused. Synthesizing from
	// empty evidence is worse than escalating.
	GuardEvidenceEmpty
)

// Edge is one directed transition. Edges are evaluated in slice order and
// the first true guard wins.
type Edge struct {
	To    string
	Guard Guard
	// LoopBack marks the edge that re-enters an earlier stage; taking it
	// increments the run's iteration counter first.
	LoopBack bool
}

// Node is one vertex of the stage graph.
type Node struct {
	Name  string
	Kind  NodeKind
	Edges []Edge
}

// Graph is the static topology the executor walks.
type Graph struct {
	Start string
	nodes map[string]Node
}

// Node looks up a vertex by name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// DefaultGraph returns the fixed diagnostic pipeline:
//
//	ingestion -> ingestion_review (checkpoint) -> structuring -> execution
//	execution -> synthesis   when the gate proceeds
//	execution -> structuring when the gate loops back (iteration++)
//	execution -> escalated   when evidence is empty or the budget is spent
//	synthesis -> completed
func DefaultGraph() *Graph {
	g := &Graph{
		Start: NodeIngestion,
		nodes: map[string]Node{
			NodeIngestion: {
				Name:  NodeIngestion,
				Kind:  KindStage,
				Edges: []Edge{{To: NodeIngestionReview, Guard: GuardAlways}},
			},
			NodeIngestionReview: {
				Name:  NodeIngestionReview,
				Kind:  KindCheckpoint,
				Edges: []Edge{{To: NodeStructuring, Guard: GuardAlways}},
			},
			NodeStructuring: {
				Name:  NodeStructuring,
				Kind:  KindStage,
				Edges: []Edge{{To: NodeExecution, Guard: GuardAlways}},
			},
			NodeExecution: {
				Name: NodeExecution,
				Kind: KindStage,
				Edges: []Edge{
					{To: NodeEscalated, Guard: GuardEvidenceEmpty},
					{To: NodeSynthesis, Guard: GuardProceed},
					{To: NodeStructuring, Guard: GuardLoopBack, LoopBack: true},
					{To: NodeEscalated, Guard: GuardAlways},
				},
			},
			NodeSynthesis: {
				Name:  NodeSynthesis,
				Kind:  KindStage,
				Edges: []Edge{{To: NodeCompleted, Guard: GuardAlways}},
			},
			NodeCompleted: {Name: NodeCompleted, Kind: KindTerminal},
			NodeEscalated: {Name: NodeEscalated, Kind: KindTerminal},
		},
	}
	return g
}

// RetargetLoopBacks points every loop-back edge at the configured re-entry
// stage. An empty stage keeps the graph as built.
func (g *Graph) RetargetLoopBacks(stage string) error {
	if stage == "" {
		return nil
	}
	target, ok := g.nodes[stage]
	if !ok {
		return fmt.Errorf("re-entry stage %q not in graph", stage)
	}
	if target.Kind != KindStage {
		return fmt.Errorf("re-entry stage %q is not a stage node", stage)
	}
	for name, node := range g.nodes {
		for i := range node.Edges {
			if node.Edges[i].LoopBack {
				node.Edges[i].To = stage
			}
		}
		g.nodes[name] = node
	}
	return nil
}

// Validate checks structural invariants: edges point at known nodes,
// non-terminal nodes end in a default edge, terminal nodes have none.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.Start]; !ok {
		return fmt.Errorf("start node %q not in graph", g.Start)
	}
	for name, node := range g.nodes {
		if node.Kind == KindTerminal {
			if len(node.Edges) != 0 {
				return fmt.Errorf("terminal node %q must have no edges", name)
			}
			continue
		}
		if len(node.Edges) == 0 {
			return fmt.Errorf("node %q has no edges", name)
		}
		for _, edge := range node.Edges {
			if _, ok := g.nodes[edge.To]; !ok {
				return fmt.Errorf("node %q has edge to unknown node %q", name, edge.To)
			}
		}
		if node.Edges[len(node.Edges)-1].Guard != GuardAlways {
			return fmt.Errorf("node %q must end with a default edge", name)
		}
	}
	return nil
}
