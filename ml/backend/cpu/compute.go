package cpu

import (
	"fmt"

	"github.com/tensorlab/graphsched/ml"
	"golang.org/x/sync/errgroup"
)

// call is an operation captured at submission time: the destination and the
// source tensors as they were bound when the work was enqueued.
type call struct {
	dst    *ml.Tensor
	srcs   []*ml.Tensor
	op     ml.Op
	scalar float64
}

func newCall(node *ml.Tensor) call {
	return call{
		dst:    node,
		srcs:   append([]*ml.Tensor(nil), node.Src...),
		op:     node.Op,
		scalar: node.Scalar,
	}
}

func (b *Backend) exec(c call) error {
	switch c.op {
	case ml.OpNone, ml.OpView:
		return nil
	case ml.OpAdd:
		return b.elementwise(c, func(x, y float32) float32 { return x + y })
	case ml.OpMul:
		return b.elementwise(c, func(x, y float32) float32 { return x * y })
	case ml.OpScale:
		return b.scale(c)
	case ml.OpMatMul:
		return b.matmul(c)
	case ml.OpCopy:
		if len(c.srcs) != 1 {
			return fmt.Errorf("copy expects 1 source, got %d", len(c.srcs))
		}
		return copyTensor(c.dst, c.srcs[0])
	default:
		return fmt.Errorf("unsupported op %s", c.op)
	}
}

// elementwise applies f pairwise, sharding the range across the worker pool.
func (b *Backend) elementwise(c call, f func(x, y float32) float32) error {
	if len(c.srcs) != 2 {
		return fmt.Errorf("%s expects 2 sources, got %d", c.op, len(c.srcs))
	}

	x, err := toFloats(c.srcs[0])
	if err != nil {
		return err
	}

	y, err := toFloats(c.srcs[1])
	if err != nil {
		return err
	}

	if len(x) != len(y) {
		return fmt.Errorf("%s shape mismatch: %d vs %d elements", c.op, len(x), len(y))
	}

	out := make([]float32, len(x))

	var g errgroup.Group
	chunk := (len(out) + b.workers - 1) / b.workers
	for off := 0; off < len(out); off += chunk {
		lo, hi := off, min(off+chunk, len(out))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				out[i] = f(x[i], y[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return fromFloats(c.dst, out)
}

func (b *Backend) scale(c call) error {
	if len(c.srcs) != 1 {
		return fmt.Errorf("scale expects 1 source, got %d", len(c.srcs))
	}

	x, err := toFloats(c.srcs[0])
	if err != nil {
		return err
	}

	out := make([]float32, len(x))
	for i := range x {
		out[i] = x[i] * float32(c.scalar)
	}

	return fromFloats(c.dst, out)
}

// matmul multiplies a [m, k] by b [k, n] row-major, splitting rows across
// the worker pool.
func (b *Backend) matmul(c call) error {
	if len(c.srcs) != 2 {
		return fmt.Errorf("matmul expects 2 sources, got %d", len(c.srcs))
	}

	a, bb := c.srcs[0], c.srcs[1]
	if len(a.Shape) != 2 || len(bb.Shape) != 2 || a.Shape[1] != bb.Shape[0] {
		return fmt.Errorf("matmul shape mismatch: %v x %v", a.Shape, bb.Shape)
	}

	x, err := toFloats(a)
	if err != nil {
		return err
	}

	y, err := toFloats(bb)
	if err != nil {
		return err
	}

	m, k, n := int(a.Shape[0]), int(a.Shape[1]), int(bb.Shape[1])
	out := make([]float32, m*n)

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i := 0; i < m; i++ {
		row := i
		g.Go(func() error {
			for j := 0; j < n; j++ {
				var sum float32
				for l := 0; l < k; l++ {
					sum += x[row*k+l] * y[l*n+j]
				}
				out[row*n+j] = sum
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return fromFloats(c.dst, out)
}
