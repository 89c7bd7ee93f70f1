package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/tensorlab/graphsched/ml"
	"github.com/x448/float16"
)

// copyTensor copies src's elements into dst, converting between dtypes when
// they differ. Shapes must carry the same number of elements. The source is
// never written.
func copyTensor(dst, src *ml.Tensor) error {
	if dst.Elements() != src.Elements() {
		return fmt.Errorf("copy shape mismatch: %v vs %v", dst.Shape, src.Shape)
	}

	sd, dd := src.Data(), dst.Data()
	if sd == nil || dd == nil {
		return fmt.Errorf("copy %s -> %s: unbound tensor", src.Name, dst.Name)
	}

	if dst.DType == src.DType {
		copy(dd, sd)
		return nil
	}

	vals, err := toFloats(src)
	if err != nil {
		return err
	}

	return fromFloats(dst, vals)
}

// toFloats reads a tensor's elements as float32.
func toFloats(t *ml.Tensor) ([]float32, error) {
	data := t.Data()
	if data == nil {
		return nil, fmt.Errorf("tensor %s has no bound storage", t.Name)
	}

	n := int(t.Elements())
	out := make([]float32, n)

	switch t.DType {
	case ml.DTypeF32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case ml.DTypeF16:
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
	case ml.DTypeBF16:
		out = bfloat16.DecodeFloat32(data)
	case ml.DTypeI32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(data[i*4:])))
		}
	default:
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", t.Name, t.DType)
	}

	return out, nil
}

// fromFloats writes float32 values into a tensor, narrowing to its dtype.
func fromFloats(t *ml.Tensor, vals []float32) error {
	data := t.Data()
	if data == nil {
		return fmt.Errorf("tensor %s has no bound storage", t.Name)
	}

	if int64(len(vals)) != t.Elements() {
		return fmt.Errorf("tensor %s: %d values for %d elements", t.Name, len(vals), t.Elements())
	}

	switch t.DType {
	case ml.DTypeF32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
	case ml.DTypeF16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
		}
	case ml.DTypeBF16:
		copy(data, bfloat16.EncodeFloat32(vals))
	case ml.DTypeI32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(v)))
		}
	default:
		return fmt.Errorf("tensor %s: unsupported dtype %s", t.Name, t.DType)
	}

	return nil
}
