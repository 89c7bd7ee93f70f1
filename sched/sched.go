// Package sched assigns compute-graph nodes to backends, partitions the
// graph into backend-homogeneous splits with the cross-backend copies they
// need, and drives asynchronous, pipelined execution of those splits.
package sched

import (
	"fmt"
	"hash/maphash"
	"log/slog"
	"slices"

	"github.com/tensorlab/graphsched/envconfig"
	"github.com/tensorlab/graphsched/ml"
)

// Status reports how an invocation ended.
type Status int

const (
	// StatusSuccess means every split was submitted. Completion is observed
	// by Synchronize or by awaiting the final split's backend.
	StatusSuccess Status = iota

	// StatusEarlyStop means the evaluation callback halted submission. It
	// is not an error.
	StatusEarlyStop
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEarlyStop:
		return "early stop"
	default:
		return "unknown"
	}
}

// EvalCallback is consulted between node submissions. Returning false halts
// submission for the remainder of the invocation.
type EvalCallback func(t *ml.Tensor, last bool) bool

// Split is a maximal contiguous run of graph nodes assigned to one backend,
// together with the tensors it consumes from other backends.
type Split struct {
	// Backend executes this split.
	Backend ml.Backend

	// Start and End delimit the half-open node range [Start, End).
	Start, End int

	// Nodes is the node range itself.
	Nodes []*ml.Tensor

	// Inputs are tensors consumed inside the range whose producer lives on
	// a different backend, deduplicated, in first-use order.
	Inputs []*ml.Tensor

	backend int // index into the scheduler's backend list
}

func (s *Split) String() string {
	return fmt.Sprintf("split [%d, %d) on %s, %d inputs", s.Start, s.End, s.Backend.Name(), len(s.Inputs))
}

type copyKey struct {
	tensor     int // arena index of the original tensor's storage root
	backend    int // destination backend
	generation int
}

// Scheduler owns one schedule-and-execute pipeline: AssignAndSplit builds a
// plan for a graph, Execute drives it. A scheduler must be driven by a
// single goroutine; concurrent invocations must be serialized by the caller.
type Scheduler struct {
	backends []ml.Backend
	alloc    ml.Allocator

	// copies of each input slot rotate over generations so a new invocation
	// can start filling buffers while the previous one drains.
	generations int
	current     int

	callback EvalCallback

	forced map[*ml.Tensor]int

	// plan state, cleared by Reset
	graph    *ml.Graph
	graphKey uint64
	assign   []int
	splits   []Split
	copies   map[copyKey]*ml.Tensor
	events   [][]ml.Event
	reserved bool

	seed maphash.Seed
}

// New creates a scheduler over the given backends, ordered by Priority. The
// highest-Priority (largest value) backend is the fallback and must support
// every operation.
func New(alloc ml.Allocator, backends ...ml.Backend) (*Scheduler, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("sched: no backends registered")
	}

	if alloc == nil {
		return nil, fmt.Errorf("sched: no allocator")
	}

	ordered := slices.Clone(backends)
	slices.SortStableFunc(ordered, func(a, b ml.Backend) int {
		return a.Priority() - b.Priority()
	})

	generations := envconfig.CopyGenerations
	if generations < 1 {
		generations = 1
	}

	return &Scheduler{
		backends:    ordered,
		alloc:       alloc,
		generations: generations,
		forced:      make(map[*ml.Tensor]int),
		seed:        maphash.MakeSeed(),
	}, nil
}

// Backends returns the scheduler's backends in priority order.
func (s *Scheduler) Backends() []ml.Backend {
	return s.backends
}

func (s *Scheduler) fallback() int {
	return len(s.backends) - 1
}

func (s *Scheduler) backendIndex(b ml.Backend) int {
	for i := range s.backends {
		if s.backends[i] == b {
			return i
		}
	}

	return -1
}

// SetEvalCallback installs a callback consulted between node submissions.
// Pass nil to submit whole splits at once.
func (s *Scheduler) SetEvalCallback(cb EvalCallback) {
	s.callback = cb
}

// SetTensorBackend pins a tensor to a named backend ahead of assignment.
func (s *Scheduler) SetTensorBackend(t *ml.Tensor, name string) error {
	for i, b := range s.backends {
		if b.Name() == name {
			s.forced[t] = i
			return nil
		}
	}

	return fmt.Errorf("sched: unknown backend %q", name)
}

// AssignAndSplit labels every tensor in the graph with a backend and
// partitions the node list into splits. The returned splits stay valid until
// the next AssignAndSplit or Reset. Scheduling the same graph again reuses
// the cached plan.
//
// On error the scheduler is left as if Reset had been called.
func (s *Scheduler) AssignAndSplit(g *ml.Graph) ([]Split, error) {
	if key := s.graphHash(g); s.graph == g && key == s.graphKey {
		return s.splits, nil
	} else {
		s.reset()
		s.graphKey = key
	}

	assign, err := s.assignBackends(g)
	if err != nil {
		s.reset()
		return nil, err
	}

	s.graph = g
	s.assign = assign
	s.splits = s.splitGraph(g, assign)
	s.buildCopies(g)

	s.events = make([][]ml.Event, len(s.backends))
	for i := range s.events {
		s.events[i] = make([]ml.Event, s.generations)
	}

	slog.Debug("scheduled graph", "nodes", len(g.Nodes()), "splits", len(s.splits), "generations", s.generations)
	if envconfig.Debug {
		s.dumpPlan()
	}

	return s.splits, nil
}

// Splits returns the current plan, or nil if no graph is scheduled.
func (s *Scheduler) Splits() []Split {
	return s.splits
}

// BackendFor returns the backend a tensor was assigned to, or nil before
// assignment. Views report their storage root's backend.
func (s *Scheduler) BackendFor(g *ml.Graph, t *ml.Tensor) ml.Backend {
	if s.graph != g || s.assign == nil {
		return nil
	}

	if b := s.assign[g.ID(t.Root())]; b >= 0 {
		return s.backends[b]
	}

	return nil
}

// Reserve runs the allocator over the current plan without executing it,
// reserving worst-case storage for every scheduler-managed tensor including
// copy slots.
func (s *Scheduler) Reserve() error {
	if s.graph == nil {
		return fmt.Errorf("sched: no graph scheduled")
	}

	return s.ensureReserved()
}

// BufferSizes reports the storage held per backend, when the allocator can
// measure it.
func (s *Scheduler) BufferSizes() map[string]uint64 {
	sizer, ok := s.alloc.(ml.Sizer)
	if !ok {
		return nil
	}

	sizes := make(map[string]uint64, len(s.backends))
	for _, b := range s.backends {
		sizes[b.Name()] = sizer.AllocatedBytes(b)
	}

	return sizes
}

// Synchronize blocks until every backend's queue has drained.
func (s *Scheduler) Synchronize() error {
	for _, b := range s.backends {
		if err := b.Synchronize(); err != nil {
			return fmt.Errorf("synchronizing %s: %w", b.Name(), err)
		}
	}

	return nil
}

// Reset discards the current plan so a structurally different graph can be
// scheduled. The copy-generation cursor is preserved: buffers of an
// in-flight invocation are never reused by the next plan's first invocation.
func (s *Scheduler) Reset() {
	s.reset()
}

func (s *Scheduler) reset() {
	s.graph = nil
	s.graphKey = 0
	s.assign = nil
	s.splits = nil
	s.copies = nil
	s.events = nil
	s.reserved = false
}

// graphHash fingerprints a graph's topology so an unchanged graph can reuse
// its plan.
func (s *Scheduler) graphHash(g *ml.Graph) uint64 {
	var h maphash.Hash
	h.SetSeed(s.seed)

	writeInt := func(v int64) {
		var buf [8]byte
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}

	writeTensor := func(t *ml.Tensor) {
		writeInt(int64(g.ID(t)))
		writeInt(int64(t.Op))
		writeInt(int64(t.DType))
		for _, d := range t.Shape {
			writeInt(d)
		}
		for _, src := range t.Src {
			writeInt(int64(g.ID(src)))
		}
		if t.ViewSrc != nil {
			writeInt(int64(g.ID(t.ViewSrc)))
		}
	}

	writeInt(int64(len(g.Leafs())))
	for _, t := range g.Leafs() {
		writeTensor(t)
	}

	writeInt(int64(len(g.Nodes())))
	for _, t := range g.Nodes() {
		writeTensor(t)
	}

	return h.Sum64()
}

func (s *Scheduler) dumpPlan() {
	for i := range s.splits {
		sp := &s.splits[i]

		inputs := make([]string, len(sp.Inputs))
		for j, in := range sp.Inputs {
			inputs[j] = in.Name
		}

		slog.Debug("split", "index", i, "backend", sp.Backend.Name(), "range", fmt.Sprintf("[%d, %d)", sp.Start, sp.End), "inputs", inputs)
	}
}
