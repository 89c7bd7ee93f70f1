package sched

import (
	"fmt"
	"log/slog"

	"github.com/tensorlab/graphsched/ml"
)

// unassigned is the sentinel for a tensor with no backend yet.
const unassigned = -1

// assignBackends labels every leaf and node with a backend index. The result
// is an array indexed by tensor arena ID; view tensors carry the same label
// as their storage root.
//
// Five passes, in order: seed from existing residency and pinned tensors,
// forward expansion of contiguous backend regions, the mirror backward
// expansion, an upgrade pass correcting over-eager fallback placement, and a
// backfill of anything still unassigned onto the fallback.
func (s *Scheduler) assignBackends(g *ml.Graph) ([]int, error) {
	assign := make([]int, g.Len())
	for i := range assign {
		assign[i] = unassigned
	}

	s.seedPass(g, assign)

	// Fallback regions get lowest precedence: expand higher-priority
	// backends through unassigned runs first, in both directions, then let
	// the fallback claim what borders it.
	s.expandForward(g, assign, false)
	s.expandBackward(g, assign, false)
	s.expandForward(g, assign, true)
	s.expandBackward(g, assign, true)

	s.upgradePass(g, assign)

	if err := s.backfillPass(g, assign); err != nil {
		return nil, err
	}

	// Materialize labels for views so the assignment is total over the
	// arena.
	for _, t := range g.Leafs() {
		if t.ViewSrc != nil {
			assign[g.ID(t)] = assign[g.ID(t.Root())]
		}
	}

	for _, t := range g.Nodes() {
		if t.ViewSrc != nil {
			assign[g.ID(t)] = assign[g.ID(t.Root())]
		}
	}

	return assign, nil
}

// seedPass assigns tensors that already carry an affinity: a pinned backend,
// a bound buffer, or (through the storage root) a view source with either.
func (s *Scheduler) seedPass(g *ml.Graph, assign []int) {
	seed := func(t *ml.Tensor) {
		root := t.Root()
		id := g.ID(root)
		if assign[id] != unassigned {
			return
		}

		if b, ok := s.forced[t]; ok {
			assign[id] = b
			return
		}

		if b, ok := s.forced[root]; ok {
			assign[id] = b
			return
		}

		if root.Buffer != nil {
			if b := s.backendIndex(root.Buffer.Backend); b >= 0 {
				assign[id] = b
			}
		}
	}

	for _, t := range g.Leafs() {
		seed(t)
	}

	for _, t := range g.Nodes() {
		seed(t)
	}
}

// expandForward scans nodes in topological order, growing contiguous backend
// regions downward: an unassigned node joins the current region when its
// backend supports it. With includeFallback false, fallback-assigned nodes
// end the current region instead of starting their own.
func (s *Scheduler) expandForward(g *ml.Graph, assign []int, includeFallback bool) {
	current := unassigned
	for _, node := range g.Nodes() {
		id := g.ID(node.Root())
		if b := assign[id]; b != unassigned {
			if !includeFallback && b == s.fallback() {
				current = unassigned
			} else {
				current = b
			}
			continue
		}

		if current != unassigned && s.backends[current].Supports(node) {
			assign[id] = current
		}
	}
}

// expandBackward is the mirror pass: it propagates assignments from later
// nodes to earlier unassigned predecessors.
func (s *Scheduler) expandBackward(g *ml.Graph, assign []int, includeFallback bool) {
	nodes := g.Nodes()

	current := unassigned
	for i := len(nodes) - 1; i >= 0; i-- {
		node := nodes[i]
		id := g.ID(node.Root())
		if b := assign[id]; b != unassigned {
			if !includeFallback && b == s.fallback() {
				current = unassigned
			} else {
				current = b
			}
			continue
		}

		if current != unassigned && s.backends[current].Supports(node) {
			assign[id] = current
		}
	}
}

// upgradePass reassigns nodes stuck on a low-priority backend whose sources
// are all available to a higher-priority backend that supports the op.
// Priority order is the sole tie-break between eligible backends.
func (s *Scheduler) upgradePass(g *ml.Graph, assign []int) {
	for _, node := range g.Nodes() {
		id := g.ID(node.Root())
		current := assign[id]
		if current <= 0 {
			// unassigned, or already on the highest-priority backend
			continue
		}

		if _, ok := s.forced[node]; ok {
			continue
		}

		for b := 0; b < current; b++ {
			if s.backends[b].Supports(node) && s.sourcesAvailable(g, node, b, assign) {
				slog.Debug("upgrading node", "node", node.Name, "from", s.backends[current].Name(), "to", s.backends[b].Name())
				assign[id] = b
				break
			}
		}
	}
}

// sourcesAvailable reports whether every source of node is already on
// backend b or is a leaf, which can be copied in cheaply.
func (s *Scheduler) sourcesAvailable(g *ml.Graph, node *ml.Tensor, b int, assign []int) bool {
	for _, src := range node.Src {
		root := src.Root()
		if src.Op == ml.OpNone && src.ViewSrc == nil {
			continue
		}

		if assign[g.ID(root)] != b {
			return false
		}
	}

	return true
}

// backfillPass assigns anything still unassigned. Nodes prefer the backend
// already holding the majority of their sources when it supports them,
// otherwise the fallback. A node no backend supports is a fatal
// configuration error.
func (s *Scheduler) backfillPass(g *ml.Graph, assign []int) error {
	for _, node := range g.Nodes() {
		id := g.ID(node.Root())
		if assign[id] == unassigned {
			if b := s.majorityHolder(g, node, assign); b != unassigned && s.backends[b].Supports(node) {
				assign[id] = b
			} else {
				assign[id] = s.fallback()
			}
		}

		if !s.backends[assign[id]].Supports(node) {
			// A node should never land on a backend that rejects it, but if
			// it has, any backend that does support it wins over failing.
			supported := false
			for b := range s.backends {
				if s.backends[b].Supports(node) {
					assign[id] = b
					supported = true
					break
				}
			}

			if !supported {
				return fmt.Errorf("%w: %s (node %s)", ml.ErrUnsupportedOperation, node.Op, node.Name)
			}
		}
	}

	for _, leaf := range g.Leafs() {
		id := g.ID(leaf.Root())
		if assign[id] == unassigned {
			assign[id] = s.fallback()
		}
	}

	return nil
}

// majorityHolder returns the backend holding more than half of the node's
// assigned sources, or unassigned when there is none.
func (s *Scheduler) majorityHolder(g *ml.Graph, node *ml.Tensor, assign []int) int {
	counts := make(map[int]int, len(node.Src))

	var total int
	for _, src := range node.Src {
		if b := assign[g.ID(src.Root())]; b != unassigned {
			counts[b]++
			total++
		}
	}

	for b, n := range counts {
		if 2*n > total {
			return b
		}
	}

	return unassigned
}
