package ml

import "fmt"

// Graph is a DAG of tensor operations: an ordered list of leaves (tensors
// with no producer) followed by an ordered list of nodes in topological
// order. Graphs are built once and are immutable while scheduled.
type Graph struct {
	leafs []*Tensor
	nodes []*Tensor
	ids   map[*Tensor]int
}

func NewGraph() *Graph {
	return &Graph{ids: make(map[*Tensor]int)}
}

// Leaf registers a tensor with no producer and returns it. Registering the
// same tensor twice is a programming error.
func (g *Graph) Leaf(t *Tensor) *Tensor {
	if t.Op != OpNone {
		panic(fmt.Sprintf("graph: leaf %s has op %s", t.Name, t.Op))
	}

	g.register(t)
	g.leafs = append(g.leafs, t)
	return t
}

// Node registers a node tensor. All of its sources (and its view source, if
// any) must already be registered, which keeps the node list topologically
// ordered by construction.
func (g *Graph) Node(t *Tensor) *Tensor {
	if len(t.Src) > MaxSrc {
		panic(fmt.Sprintf("graph: node %s has %d sources, max is %d", t.Name, len(t.Src), MaxSrc))
	}

	for _, src := range t.Src {
		if _, ok := g.ids[src]; !ok {
			panic(fmt.Sprintf("graph: node %s references unregistered source", t.Name))
		}
	}

	if t.ViewSrc != nil {
		if _, ok := g.ids[t.ViewSrc]; !ok {
			panic(fmt.Sprintf("graph: view %s references unregistered source", t.Name))
		}
	}

	g.register(t)
	g.nodes = append(g.nodes, t)
	return t
}

func (g *Graph) register(t *Tensor) {
	if _, ok := g.ids[t]; ok {
		panic(fmt.Sprintf("graph: tensor %s already registered", t.Name))
	}

	g.ids[t] = len(g.ids)
}

// ID returns the arena index of a registered tensor, or -1.
func (g *Graph) ID(t *Tensor) int {
	if id, ok := g.ids[t]; ok {
		return id
	}

	return -1
}

func (g *Graph) Leafs() []*Tensor { return g.leafs }
func (g *Graph) Nodes() []*Tensor { return g.nodes }

// Len returns the total number of registered tensors.
func (g *Graph) Len() int { return len(g.ids) }

// Convenience constructors used by graph builders and tests. Each registers
// and returns the new node.

func (g *Graph) Add(name string, a, b *Tensor) *Tensor {
	return g.Node(&Tensor{Name: name, DType: a.DType, Shape: append([]int64(nil), a.Shape...), Op: OpAdd, Src: []*Tensor{a, b}})
}

func (g *Graph) Mul(name string, a, b *Tensor) *Tensor {
	return g.Node(&Tensor{Name: name, DType: a.DType, Shape: append([]int64(nil), a.Shape...), Op: OpMul, Src: []*Tensor{a, b}})
}

// MatMul multiplies a [m, k] by b [k, n] producing [m, n].
func (g *Graph) MatMul(name string, a, b *Tensor) *Tensor {
	return g.Node(&Tensor{Name: name, DType: a.DType, Shape: []int64{a.Shape[0], b.Shape[1]}, Op: OpMatMul, Src: []*Tensor{a, b}})
}

func (g *Graph) Scale(name string, a *Tensor, s float64) *Tensor {
	return g.Node(&Tensor{Name: name, DType: a.DType, Shape: append([]int64(nil), a.Shape...), Op: OpScale, Scalar: s, Src: []*Tensor{a}})
}

func (g *Graph) Copy(name string, a *Tensor, dtype DType) *Tensor {
	return g.Node(&Tensor{Name: name, DType: dtype, Shape: append([]int64(nil), a.Shape...), Op: OpCopy, Src: []*Tensor{a}})
}

// View aliases a's storage starting at offset bytes with the given shape.
func (g *Graph) View(name string, a *Tensor, offset int64, shape ...int64) *Tensor {
	return g.Node(&Tensor{Name: name, DType: a.DType, Shape: shape, Op: OpView, Src: []*Tensor{a}, ViewSrc: a, ViewOffset: offset})
}
