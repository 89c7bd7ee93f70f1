// Package alloc provides an arena allocator for scheduler-managed tensors:
// one contiguous region per backend, tensors bound at aligned offsets.
package alloc

import (
	"fmt"
	"log/slog"

	"github.com/tensorlab/graphsched/format"
	"github.com/tensorlab/graphsched/ml"
)

const alignment = 64

// Arena implements ml.Allocator. Limit, when non-zero, caps the total bytes
// reserved across all backends; exceeding it fails the reservation.
type Arena struct {
	Limit uint64

	regions map[string]*region
}

type region struct {
	backend ml.Backend
	buf     []byte
	offsets map[*ml.Tensor]int64
}

func New() *Arena {
	return &Arena{regions: make(map[string]*region)}
}

func align(n int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Reserve lays out storage for the given tensors on b's region. Views and
// tensors that already have a buffer take no space. Reserving again for the
// same backend replaces its region.
func (a *Arena) Reserve(b ml.Backend, tensors []*ml.Tensor) error {
	r := &region{backend: b, offsets: make(map[*ml.Tensor]int64)}

	var total int64
	for _, t := range tensors {
		if t.ViewSrc != nil || t.Buffer != nil {
			continue
		}

		r.offsets[t] = total
		total += align(t.Bytes())
	}

	if a.Limit > 0 && a.total()+uint64(total) > a.Limit {
		return fmt.Errorf("reserving %s for %s exceeds limit %s", format.HumanBytes(uint64(total)), b.Name(), format.HumanBytes(a.Limit))
	}

	r.buf = make([]byte, total)
	a.regions[b.Name()] = r

	slog.Debug("reserved compute buffer", "backend", b.Name(), "size", format.HumanBytes(uint64(total)), "tensors", len(r.offsets))
	return nil
}

// Bind attaches the tensor's reserved slice. The tensor must have been part
// of a prior Reserve.
func (a *Arena) Bind(t *ml.Tensor) error {
	if t.Buffer != nil || t.ViewSrc != nil {
		return nil
	}

	for _, r := range a.regions {
		if off, ok := r.offsets[t]; ok {
			n := t.Bytes()
			t.Buffer = &ml.Buffer{
				Backend: r.backend,
				Data:    r.buf[off : off+n : off+n],
			}
			return nil
		}
	}

	return fmt.Errorf("no storage reserved for tensor %s", t.Name)
}

// AllocatedBytes reports the region size held for a backend.
func (a *Arena) AllocatedBytes(b ml.Backend) uint64 {
	if r, ok := a.regions[b.Name()]; ok {
		return uint64(len(r.buf))
	}

	return 0
}

func (a *Arena) total() uint64 {
	var n uint64
	for _, r := range a.regions {
		n += uint64(len(r.buf))
	}

	return n
}
