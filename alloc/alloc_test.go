package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tensorlab/graphsched/ml"
)

type fakeBackend struct {
	ml.Backend
	name string
}

func (b *fakeBackend) Name() string { return b.name }

func TestReserveAndBind(t *testing.T) {
	a := New()
	b := &fakeBackend{name: "cpu"}

	t1 := &ml.Tensor{Name: "t1", DType: ml.DTypeF32, Shape: []int64{4}}
	t2 := &ml.Tensor{Name: "t2", DType: ml.DTypeF16, Shape: []int64{100}}

	require.NoError(t, a.Reserve(b, []*ml.Tensor{t1, t2}))

	require.NoError(t, a.Bind(t1))
	require.NoError(t, a.Bind(t2))
	require.NotNil(t, t1.Buffer)
	require.NotNil(t, t2.Buffer)
	assert.Len(t, t1.Buffer.Data, 16)
	assert.Len(t, t2.Buffer.Data, 200)
	assert.Same(t, b, t1.Buffer.Backend)

	// regions are 64-byte aligned per tensor
	assert.Equal(t, uint64(64+256), a.AllocatedBytes(b))
}

func TestBindUnreserved(t *testing.T) {
	a := New()
	err := a.Bind(&ml.Tensor{Name: "stray", DType: ml.DTypeF32, Shape: []int64{1}})
	require.Error(t, err)
}

func TestViewsAndBoundTensorsTakeNoSpace(t *testing.T) {
	a := New()
	b := &fakeBackend{name: "cpu"}

	root := &ml.Tensor{Name: "root", DType: ml.DTypeF32, Shape: []int64{4}}
	view := &ml.Tensor{Name: "view", DType: ml.DTypeF32, Shape: []int64{2}, ViewSrc: root}
	bound := &ml.Tensor{Name: "bound", DType: ml.DTypeF32, Shape: []int64{4}}
	bound.Buffer = &ml.Buffer{Data: make([]byte, bound.Bytes())}

	require.NoError(t, a.Reserve(b, []*ml.Tensor{root, view, bound}))
	assert.Equal(t, uint64(64), a.AllocatedBytes(b))

	require.NoError(t, a.Bind(view))
	require.NoError(t, a.Bind(bound))
}

func TestLimit(t *testing.T) {
	a := New()
	a.Limit = 100
	b := &fakeBackend{name: "cpu"}

	big := &ml.Tensor{Name: "big", DType: ml.DTypeF32, Shape: []int64{1024}}
	require.Error(t, a.Reserve(b, []*ml.Tensor{big}))
}
