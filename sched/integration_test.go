package sched

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tensorlab/graphsched/alloc"
	"github.com/tensorlab/graphsched/ml"
	"github.com/tensorlab/graphsched/ml/backend/cpu"
)

func putFloats(t *testing.T, tensor *ml.Tensor, vals []float32) {
	t.Helper()
	data := tensor.Data()
	require.NotNil(t, data, "tensor %s not bound", tensor.Name)
	require.Len(t, vals, int(tensor.Elements()))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
}

func getFloats(t *testing.T, tensor *ml.Tensor) []float32 {
	t.Helper()
	data := tensor.Data()
	require.NotNil(t, data, "tensor %s not bound", tensor.Name)
	vals := make([]float32, tensor.Elements())
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vals
}

// TestEndToEnd runs a small graph across two real backends: a simulated
// accelerator that only does matrix work and a full CPU fallback. The value
// produced on the accelerator crosses to the fallback through a copy slot.
func TestEndToEnd(t *testing.T) {
	accel := cpu.New(cpu.Options{Name: "accel", Priority: 0, Ops: []ml.Op{ml.OpMatMul, ml.OpMul}})
	defer accel.Close()
	fallback := cpu.New(cpu.Options{Name: "cpu", Priority: 1})
	defer fallback.Close()

	arena := alloc.New()
	s, err := New(arena, accel, fallback)
	require.NoError(t, err)

	g := ml.NewGraph()
	x := g.Leaf(&ml.Tensor{Name: "x", DType: ml.DTypeF32, Shape: []int64{2, 2}})
	y := g.Leaf(&ml.Tensor{Name: "y", DType: ml.DTypeF32, Shape: []int64{2, 2}})
	require.NoError(t, s.SetTensorBackend(x, "accel"))
	require.NoError(t, s.SetTensorBackend(y, "accel"))

	mm := g.MatMul("mm", x, y)
	sc := g.Scale("sc", mm, 0.5)
	sum := g.Add("sum", sc, sc)
	sum.Output = true

	splits, err := s.AssignAndSplit(g)
	require.NoError(t, err)
	require.Len(t, splits, 2)
	assert.Equal(t, "accel", splits[0].Backend.Name())
	assert.Equal(t, "cpu", splits[1].Backend.Name())

	require.NoError(t, s.Reserve())

	sizes := s.BufferSizes()
	assert.Positive(t, sizes["accel"])
	assert.Positive(t, sizes["cpu"])

	putFloats(t, x, []float32{1, 2, 3, 4})
	putFloats(t, y, []float32{1, 0, 0, 1}) // identity

	status, err := s.Execute()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	require.NoError(t, s.Synchronize())

	// sum = 2 * 0.5 * (x @ I) = x
	assert.Equal(t, []float32{1, 2, 3, 4}, getFloats(t, sum))
}

// TestPipelinedInvocations submits several invocations back to back; the
// rotating copy generations keep their cross-backend inputs isolated.
func TestPipelinedInvocations(t *testing.T) {
	accel := cpu.New(cpu.Options{Name: "accel", Priority: 0, Ops: []ml.Op{ml.OpMul}})
	defer accel.Close()
	fallback := cpu.New(cpu.Options{Name: "cpu", Priority: 1})
	defer fallback.Close()

	arena := alloc.New()
	s, err := New(arena, accel, fallback)
	require.NoError(t, err)
	s.generations = 2

	g := ml.NewGraph()
	x := g.Leaf(&ml.Tensor{Name: "x", DType: ml.DTypeF32, Shape: []int64{4}, Input: true})
	require.NoError(t, s.SetTensorBackend(x, "accel"))
	sq := g.Mul("sq", x, x)
	out := g.Scale("out", sq, 2)
	out.Output = true

	_, err = s.AssignAndSplit(g)
	require.NoError(t, err)
	require.NoError(t, s.Reserve())

	for i := 1; i <= 4; i++ {
		putFloats(t, x, []float32{float32(i), 0, 0, 0})

		status, err := s.Execute()
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, status)
		require.NoError(t, s.Synchronize())

		assert.Equal(t, float32(2*i*i), getFloats(t, out)[0], "invocation %d", i)
	}
}

// TestViewAcrossBackends reads accelerator output through a view on the
// fallback: the view must resolve into the copy slot, at the view's offset,
// on every pipelined invocation.
func TestViewAcrossBackends(t *testing.T) {
	accel := cpu.New(cpu.Options{Name: "accel", Priority: 0, Ops: []ml.Op{ml.OpMul}})
	defer accel.Close()
	fallback := cpu.New(cpu.Options{Name: "cpu", Priority: 1})
	defer fallback.Close()

	arena := alloc.New()
	s, err := New(arena, accel, fallback)
	require.NoError(t, err)
	s.generations = 2

	g := ml.NewGraph()
	x := g.Leaf(&ml.Tensor{Name: "x", DType: ml.DTypeF32, Shape: []int64{4}, Input: true})
	require.NoError(t, s.SetTensorBackend(x, "accel"))
	sq := g.Mul("sq", x, x)
	v := g.View("v", sq, 8, 2) // last two elements of sq
	out := g.Add("out", v, v)
	out.Output = true

	_, err = s.AssignAndSplit(g)
	require.NoError(t, err)
	require.NoError(t, s.Reserve())

	for i := 1; i <= 3; i++ {
		f := float32(i)
		putFloats(t, x, []float32{f, 2 * f, 3 * f, 4 * f})

		status, err := s.Execute()
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, status)
		require.NoError(t, s.Synchronize())

		// sq = {f^2, 4f^2, 9f^2, 16f^2}, the view covers the last two
		assert.Equal(t, []float32{18 * f * f, 32 * f * f}, getFloats(t, out), "invocation %d", i)
	}
}

// TestDTypeCrossing exercises a cast on the fallback after accelerator work.
func TestDTypeCrossing(t *testing.T) {
	accel := cpu.New(cpu.Options{Name: "accel", Priority: 0, Ops: []ml.Op{ml.OpMul}})
	defer accel.Close()
	fallback := cpu.New(cpu.Options{Name: "cpu", Priority: 1})
	defer fallback.Close()

	s, err := New(alloc.New(), accel, fallback)
	require.NoError(t, err)

	g := ml.NewGraph()
	x := g.Leaf(&ml.Tensor{Name: "x", DType: ml.DTypeF32, Shape: []int64{4}})
	require.NoError(t, s.SetTensorBackend(x, "accel"))
	sq := g.Mul("sq", x, x)
	half := g.Copy("half", sq, ml.DTypeF16)
	half.Output = true

	_, err = s.AssignAndSplit(g)
	require.NoError(t, err)
	require.NoError(t, s.Reserve())

	putFloats(t, x, []float32{1, 2, 3, 4})

	_, err = s.Execute()
	require.NoError(t, err)
	require.NoError(t, s.Synchronize())

	data := half.Data()
	require.NotNil(t, data)
	assert.Equal(t, int64(8), half.Bytes())
}
