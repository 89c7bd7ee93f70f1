package ml

import (
	"fmt"
	"strings"
)

// DType identifies the element type of a tensor. The scheduler only cares
// about element sizes; interpretation is left to backends.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
)

// Size returns the size of one element in bytes.
func (dt DType) Size() int64 {
	switch dt {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

func (dt DType) String() string {
	switch dt {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "unknown"
	}
}

// Op identifies the operation that produces a node tensor.
type Op int

const (
	// OpNone marks a leaf: a tensor with no producer.
	OpNone Op = iota
	OpAdd
	OpMul
	OpMatMul
	OpScale
	// OpCopy copies (and casts, if the dtypes differ) its source into the
	// destination tensor.
	OpCopy
	// OpView aliases a range of another tensor's storage.
	OpView
)

func (op Op) String() string {
	switch op {
	case OpNone:
		return "none"
	case OpAdd:
		return "add"
	case OpMul:
		return "mul"
	case OpMatMul:
		return "matmul"
	case OpScale:
		return "scale"
	case OpCopy:
		return "copy"
	case OpView:
		return "view"
	default:
		return "unknown"
	}
}

// MaxSrc is the maximum number of source tensors a node may reference.
const MaxSrc = 4

// Buffer is backend-local storage bound to a tensor by an Allocator or by
// the caller ahead of scheduling.
type Buffer struct {
	Backend Backend
	Data    []byte
}

// Tensor is a node or leaf in a compute graph. Shape and dtype are fixed for
// the lifetime of one schedule-and-execute cycle.
type Tensor struct {
	Name  string
	DType DType
	Shape []int64

	Op  Op
	Src []*Tensor

	// ViewSrc, when set, marks this tensor as a view over another tensor's
	// storage starting at ViewOffset bytes. A view never owns memory.
	ViewSrc    *Tensor
	ViewOffset int64

	// Scalar is the operand of OpScale.
	Scalar float64

	// Input marks an external, caller-supplied tensor. The caller may reuse
	// its buffer as soon as an invocation has been submitted, so copies out
	// of it must complete eagerly.
	Input bool

	// Output marks a tensor whose contents must be retrievable after the
	// graph has executed.
	Output bool

	// Buffer is the storage currently bound to this tensor, if any. Views
	// have no buffer of their own.
	Buffer *Buffer
}

// Elements returns the number of elements in the tensor.
func (t *Tensor) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}

	return n
}

// Bytes returns the storage size of the tensor in bytes.
func (t *Tensor) Bytes() int64 {
	return t.Elements() * t.DType.Size()
}

// Root follows the view chain to the tensor that owns the storage. For
// non-view tensors it returns the receiver.
func (t *Tensor) Root() *Tensor {
	for t.ViewSrc != nil {
		t = t.ViewSrc
	}

	return t
}

// Data returns the bound storage for the tensor, resolving views into their
// root's buffer. It returns nil if no storage has been bound.
func (t *Tensor) Data() []byte {
	n := t.Bytes()

	var offset int64
	for t.ViewSrc != nil {
		offset += t.ViewOffset
		t = t.ViewSrc
	}

	if t.Buffer == nil {
		return nil
	}

	if offset+n > int64(len(t.Buffer.Data)) {
		return nil
	}

	return t.Buffer.Data[offset : offset+n : offset+n]
}

func (t *Tensor) String() string {
	var sb strings.Builder
	if t.Name != "" {
		fmt.Fprintf(&sb, "%s ", t.Name)
	}

	fmt.Fprintf(&sb, "%s%v", t.DType, t.Shape)
	if t.Op != OpNone {
		fmt.Fprintf(&sb, " = %s", t.Op)
	}

	return sb.String()
}
