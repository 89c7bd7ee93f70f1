package sched

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tensorlab/graphsched/ml"
)

// recorder captures the order of backend operations across a set of test
// backends.
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, fmt.Sprintf(format, args...))
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func (r *recorder) index(substr string) int {
	for i, e := range r.log() {
		if strings.Contains(e, substr) {
			return i
		}
	}

	return -1
}

func (r *recorder) contains(substr string) bool {
	return r.index(substr) >= 0
}

type testEvent struct {
	id string
}

func (e *testEvent) ID() string   { return e.id }
func (e *testEvent) Synchronize() {}

// testBackend executes nothing; it records every call so tests can assert
// submission order and synchronization.
type testBackend struct {
	name      string
	priority  int
	ops       map[ml.Op]bool // nil = all
	asyncCopy bool
	rec       *recorder

	failNode string // ComputeAsync rejects a node with this name

	eventSeq int
}

func newTestBackend(name string, priority int, rec *recorder, ops ...ml.Op) *testBackend {
	b := &testBackend{name: name, priority: priority, rec: rec, asyncCopy: true}
	if len(ops) > 0 {
		b.ops = make(map[ml.Op]bool, len(ops))
		for _, op := range ops {
			b.ops[op] = true
		}
	}

	return b
}

func (b *testBackend) Name() string  { return b.name }
func (b *testBackend) Priority() int { return b.priority }

func (b *testBackend) Supports(node *ml.Tensor) bool {
	switch node.Op {
	case ml.OpNone, ml.OpView:
		return true
	}

	if b.ops == nil {
		return true
	}

	return b.ops[node.Op]
}

func (b *testBackend) Copy(dst, src *ml.Tensor) error {
	b.rec.add("%s: copy %s <- %s", b.name, dst.Name, src.Name)
	return nil
}

func (b *testBackend) CopyAsync(dst, src *ml.Tensor) bool {
	if !b.asyncCopy {
		return false
	}

	b.rec.add("%s: copy async %s <- %s", b.name, dst.Name, src.Name)
	return true
}

func (b *testBackend) Compute(nodes []*ml.Tensor) error {
	return b.ComputeAsync(nodes)
}

func (b *testBackend) ComputeAsync(nodes []*ml.Tensor) error {
	for _, node := range nodes {
		if node.Name == b.failNode {
			return fmt.Errorf("injected failure for %s", node.Name)
		}
	}

	for _, node := range nodes {
		srcs := make([]string, len(node.Src))
		for i, src := range node.Src {
			srcs[i] = src.Name
		}

		b.rec.add("%s: compute %s(%s)", b.name, node.Name, strings.Join(srcs, ", "))
	}

	return nil
}

func (b *testBackend) RecordEvent() ml.Event {
	b.eventSeq++
	id := fmt.Sprintf("%s-ev%d", b.name, b.eventSeq)
	b.rec.add("%s: record %s", b.name, id)
	return &testEvent{id: id}
}

func (b *testBackend) WaitEvent(ev ml.Event) {
	b.rec.add("%s: wait %s", b.name, ev.ID())
}

func (b *testBackend) Synchronize() error {
	b.rec.add("%s: synchronize", b.name)
	return nil
}

// testAllocator binds plain host slices; it never fails unless failing is
// set.
type testAllocator struct {
	failing bool
}

func (a *testAllocator) Reserve(b ml.Backend, tensors []*ml.Tensor) error {
	if a.failing {
		return fmt.Errorf("injected reserve failure on %s", b.Name())
	}

	return nil
}

func (a *testAllocator) Bind(t *ml.Tensor) error {
	if t.Buffer == nil && t.ViewSrc == nil {
		t.Buffer = &ml.Buffer{Data: make([]byte, t.Bytes())}
	}

	return nil
}

// chain builds a linear graph of n unary scale nodes over one leaf.
func chain(n int) (*ml.Graph, []*ml.Tensor) {
	g := ml.NewGraph()
	leaf := g.Leaf(&ml.Tensor{Name: "leaf", DType: ml.DTypeF32, Shape: []int64{4}})

	nodes := make([]*ml.Tensor, n)
	cur := leaf
	for i := range nodes {
		cur = g.Scale(fmt.Sprintf("node%d", i), cur, 2)
		nodes[i] = cur
	}

	return g, nodes
}

// mixedChain builds a linear chain whose first half uses opA and second half
// opB, so backends with disjoint op support split it in two.
func mixedChain(nA, nB int) (*ml.Graph, []*ml.Tensor) {
	g := ml.NewGraph()
	leaf := g.Leaf(&ml.Tensor{Name: "leaf", DType: ml.DTypeF32, Shape: []int64{4}})

	nodes := make([]*ml.Tensor, 0, nA+nB)
	cur := leaf
	for i := 0; i < nA; i++ {
		cur = g.Mul(fmt.Sprintf("a%d", i), cur, cur)
		nodes = append(nodes, cur)
	}

	for i := 0; i < nB; i++ {
		cur = g.Add(fmt.Sprintf("b%d", i), cur, cur)
		nodes = append(nodes, cur)
	}

	return g, nodes
}
