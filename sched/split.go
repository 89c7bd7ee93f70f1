package sched

import (
	"fmt"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/tensorlab/graphsched/ml"
)

// splitGraph partitions the labeled node list into maximal contiguous
// same-backend runs and registers each run's cross-backend inputs.
func (s *Scheduler) splitGraph(g *ml.Graph, assign []int) []Split {
	nodes := g.Nodes()
	if len(nodes) == 0 {
		return nil
	}

	var splits []Split

	current := assign[g.ID(nodes[0].Root())]
	start := 0
	for i := 1; i <= len(nodes); i++ {
		if i == len(nodes) || assign[g.ID(nodes[i].Root())] != current {
			splits = append(splits, Split{
				Backend: s.backends[current],
				Start:   start,
				End:     i,
				Nodes:   nodes[start:i],
				backend: current,
			})

			if i < len(nodes) {
				current = assign[g.ID(nodes[i].Root())]
				start = i
			}
		}
	}

	for i := range splits {
		splits[i].Inputs = s.splitInputs(g, &splits[i], assign)
	}

	return splits
}

// splitInputs collects the tensors a split consumes from other backends:
// sources whose producer is assigned elsewhere, with views resolved to their
// storage root. Order follows first use; duplicates are dropped.
func (s *Scheduler) splitInputs(g *ml.Graph, sp *Split, assign []int) []*ml.Tensor {
	set := linkedhashset.New()

	for _, node := range sp.Nodes {
		for _, src := range node.Src {
			root := src.Root()
			if assign[g.ID(root)] != sp.backend {
				set.Add(root)
			}
		}
	}

	if set.Size() == 0 {
		return nil
	}

	inputs := make([]*ml.Tensor, 0, set.Size())
	for _, v := range set.Values() {
		inputs = append(inputs, v.(*ml.Tensor))
	}

	return inputs
}

// buildCopies creates the shadow tensors that hold destination-resident
// copies of each split input, one per copy generation.
func (s *Scheduler) buildCopies(g *ml.Graph) {
	s.copies = make(map[copyKey]*ml.Tensor)

	for i := range s.splits {
		sp := &s.splits[i]
		for _, in := range sp.Inputs {
			for gen := 0; gen < s.generations; gen++ {
				key := copyKey{tensor: g.ID(in), backend: sp.backend, generation: gen}
				if _, ok := s.copies[key]; ok {
					continue
				}

				s.copies[key] = &ml.Tensor{
					Name:  fmt.Sprintf("%s (%s copy %d)", in.Name, sp.Backend.Name(), gen),
					DType: in.DType,
					Shape: append([]int64(nil), in.Shape...),
				}
			}
		}
	}
}

// copyOf returns the shadow of a split input for one backend and generation.
func (s *Scheduler) copyOf(in *ml.Tensor, backend, generation int) *ml.Tensor {
	return s.copies[copyKey{tensor: s.graph.ID(in), backend: backend, generation: generation}]
}
