package sched

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tensorlab/graphsched/logutil"
	"github.com/tensorlab/graphsched/ml"
)

// Execute drives the current plan: for each split in order it materializes
// cross-backend inputs into this generation's copy slots, submits the node
// range to the split's backend, and records a completion event for later
// splits to wait on. It returns once every split has been submitted, not
// completed; use Synchronize to await completion.
//
// After a full invocation the copy-generation cursor advances, so the next
// invocation fills a disjoint set of copy buffers while this one drains.
func (s *Scheduler) Execute() (Status, error) {
	if s.graph == nil {
		return StatusSuccess, fmt.Errorf("sched: no graph scheduled")
	}

	if err := s.ensureReserved(); err != nil {
		return StatusSuccess, err
	}

	invocation := uuid.New().String()
	generation := s.current

	for i := range s.splits {
		sp := &s.splits[i]

		slog.Debug("submitting split", "invocation", invocation, "split", i, "backend", sp.Backend.Name(), "nodes", len(sp.Nodes), "inputs", len(sp.Inputs), "generation", generation)

		if err := s.materializeInputs(sp, generation); err != nil {
			return StatusSuccess, err
		}

		cont, err := s.submitCompute(sp, generation, invocation)
		if err != nil {
			return StatusSuccess, err
		}

		s.events[sp.backend][generation] = sp.Backend.RecordEvent()

		if !cont {
			s.current = (generation + 1) % s.generations
			slog.Debug("stopped early", "invocation", invocation, "split", i)
			return StatusEarlyStop, nil
		}
	}

	s.current = (generation + 1) % s.generations
	return StatusSuccess, nil
}

// materializeInputs copies a split's cross-backend inputs into the copy
// slots for this generation. The original tensors are never written.
func (s *Scheduler) materializeInputs(sp *Split, generation int) error {
	for _, in := range sp.Inputs {
		cpy := s.copyOf(in, sp.backend, generation)

		if in.Input {
			// Caller-supplied tensor: the copy must be complete before we
			// return from submission, since the caller is free to reuse the
			// source buffer afterwards. Drain the queue first so a previous
			// invocation cannot still be reading this slot.
			if err := sp.Backend.Synchronize(); err != nil {
				return fmt.Errorf("%w: synchronizing %s before input copy: %v", ml.ErrSubmissionFailed, sp.Backend.Name(), err)
			}

			if err := sp.Backend.Copy(cpy, in); err != nil {
				return fmt.Errorf("%w: copying input %s to %s: %v", ml.ErrSubmissionFailed, in.Name, sp.Backend.Name(), err)
			}

			continue
		}

		producer := s.assign[s.graph.ID(in)]
		if ev := s.events[producer][generation]; ev != nil {
			sp.Backend.WaitEvent(ev)
		}

		if !sp.Backend.CopyAsync(cpy, in) {
			// No async copy on this backend: block until the producer has
			// drained, then copy through the destination queue.
			if err := s.backends[producer].Synchronize(); err != nil {
				return fmt.Errorf("%w: synchronizing %s: %v", ml.ErrSubmissionFailed, s.backends[producer].Name(), err)
			}

			if err := sp.Backend.Copy(cpy, in); err != nil {
				return fmt.Errorf("%w: copying %s to %s: %v", ml.ErrSubmissionFailed, in.Name, sp.Backend.Name(), err)
			}
		}
	}

	return nil
}

// submitCompute submits a split's node range. With no callback configured
// the whole range goes in one submission; otherwise nodes are submitted one
// at a time and the callback decides whether to continue. It returns false
// when the callback halted the invocation.
func (s *Scheduler) submitCompute(sp *Split, generation int, invocation string) (bool, error) {
	restore := s.redirectSources(sp, generation)
	defer restore()

	if s.callback == nil {
		if err := sp.Backend.ComputeAsync(sp.Nodes); err != nil {
			return false, fmt.Errorf("%w: split [%d, %d) on %s: %v", ml.ErrSubmissionFailed, sp.Start, sp.End, sp.Backend.Name(), err)
		}

		return true, nil
	}

	for j, node := range sp.Nodes {
		if err := sp.Backend.ComputeAsync(sp.Nodes[j : j+1]); err != nil {
			return false, fmt.Errorf("%w: node %s on %s: %v", ml.ErrSubmissionFailed, node.Name, sp.Backend.Name(), err)
		}

		logutil.Trace("submitted node", "invocation", invocation, "node", node.Name, "backend", sp.Backend.Name())

		if !s.callback(node, j == len(sp.Nodes)-1) {
			return false, nil
		}
	}

	return true, nil
}

// redirectSources rebinds node sources that are split inputs to this
// generation's copy slots for the duration of submission. Backends capture
// sources at submission time, so the originals can be restored as soon as
// submission returns.
func (s *Scheduler) redirectSources(sp *Split, generation int) func() {
	type slot struct {
		node *ml.Tensor
		i    int
		orig *ml.Tensor
	}

	var slots []slot
	for _, node := range sp.Nodes {
		for i, src := range node.Src {
			cpy := s.copyOf(src.Root(), sp.backend, generation)
			if cpy == nil {
				continue
			}

			slots = append(slots, slot{node: node, i: i, orig: src})
			if src == src.Root() {
				node.Src[i] = cpy
			} else {
				// the source is a view of the copied tensor: consume the
				// copy slot through an equivalent view
				node.Src[i] = viewOverCopy(src, cpy, sp.Backend.Name(), generation)
			}
		}
	}

	return func() {
		for _, sl := range slots {
			sl.node.Src[sl.i] = sl.orig
		}
	}
}

// viewOverCopy mirrors a view source on top of the copy slot holding its
// root storage, preserving the view's shape and cumulative byte offset.
func viewOverCopy(src, cpy *ml.Tensor, backend string, generation int) *ml.Tensor {
	var offset int64
	for v := src; v.ViewSrc != nil; v = v.ViewSrc {
		offset += v.ViewOffset
	}

	return &ml.Tensor{
		Name:       fmt.Sprintf("%s (%s copy %d)", src.Name, backend, generation),
		DType:      src.DType,
		Shape:      append([]int64(nil), src.Shape...),
		Op:         ml.OpView,
		ViewSrc:    cpy,
		ViewOffset: offset,
	}
}

// ensureReserved reserves and binds storage for every scheduler-managed
// tensor in the plan: node outputs, unbound leaves, and copy slots.
func (s *Scheduler) ensureReserved() error {
	if s.reserved {
		return nil
	}

	perBackend := make([][]*ml.Tensor, len(s.backends))

	seen := make(map[*ml.Tensor]bool)
	add := func(b int, t *ml.Tensor) {
		if t.ViewSrc != nil || t.Buffer != nil || seen[t] {
			return
		}

		seen[t] = true
		perBackend[b] = append(perBackend[b], t)
	}

	for _, leaf := range s.graph.Leafs() {
		add(s.assign[s.graph.ID(leaf.Root())], leaf.Root())
	}

	for i := range s.splits {
		sp := &s.splits[i]
		for _, node := range sp.Nodes {
			add(sp.backend, node)
		}
	}

	for key, cpy := range s.copies {
		add(key.backend, cpy)
	}

	for b, tensors := range perBackend {
		if len(tensors) == 0 {
			continue
		}

		if err := s.alloc.Reserve(s.backends[b], tensors); err != nil {
			return fmt.Errorf("%w: %v", ml.ErrAllocationFailed, err)
		}

		for _, t := range tensors {
			if err := s.alloc.Bind(t); err != nil {
				return fmt.Errorf("%w: binding %s: %v", ml.ErrAllocationFailed, t.Name, err)
			}
		}
	}

	s.reserved = true
	return nil
}
