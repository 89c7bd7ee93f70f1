// Package cpu implements the general-purpose fallback backend: a serial
// command queue over a pool of worker goroutines, executing a small set of
// tensor operations directly in Go.
package cpu

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tensorlab/graphsched/envconfig"
	"github.com/tensorlab/graphsched/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return New(Options{}), nil
	})
}

type Options struct {
	// Name of the backend instance, "cpu" if empty.
	Name string

	// Priority orders backends for assignment; lower is preferred. The
	// default 0 suits a single-backend setup; give the fallback the highest
	// value when registering several.
	Priority int

	// Workers is the number of goroutines sharing elementwise work, one per
	// core if zero.
	Workers int

	// Ops restricts the supported operation set. Empty means every
	// operation is supported, as required of a fallback backend.
	Ops []ml.Op

	// DisableAsyncCopy makes CopyAsync report no support, forcing callers
	// onto the synchronous copy path.
	DisableAsyncCopy bool
}

type Backend struct {
	name     string
	priority int
	workers  int
	ops      map[ml.Op]bool

	asyncCopy bool

	queue chan func()
	wg    sync.WaitGroup

	mu  sync.Mutex
	err error
}

func New(opts Options) *Backend {
	if opts.Name == "" {
		opts.Name = "cpu"
	}

	if opts.Workers <= 0 {
		opts.Workers = envconfig.CPUWorkers
	}

	b := &Backend{
		name:      opts.Name,
		priority:  opts.Priority,
		workers:   opts.Workers,
		asyncCopy: !opts.DisableAsyncCopy,
		queue:     make(chan func(), 64),
	}

	if len(opts.Ops) > 0 {
		b.ops = make(map[ml.Op]bool, len(opts.Ops))
		for _, op := range opts.Ops {
			b.ops[op] = true
		}
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// run drains the command queue. Everything submitted to the backend executes
// here, in submission order.
func (b *Backend) run() {
	defer b.wg.Done()
	for fn := range b.queue {
		fn()
	}
}

func (b *Backend) submit(fn func()) {
	b.queue <- fn
}

func (b *Backend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *Backend) takeErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.err
	b.err = nil
	return err
}

// Close drains the queue and stops the backend. The backend must not be
// used afterwards.
func (b *Backend) Close() {
	close(b.queue)
	b.wg.Wait()
}

func (b *Backend) Name() string  { return b.name }
func (b *Backend) Priority() int { return b.priority }

func (b *Backend) Supports(node *ml.Tensor) bool {
	switch node.Op {
	case ml.OpNone, ml.OpView:
		return true
	}

	if b.ops == nil {
		return true
	}

	return b.ops[node.Op]
}

func (b *Backend) Synchronize() error {
	done := make(chan struct{})
	b.submit(func() { close(done) })
	<-done
	return b.takeErr()
}

func (b *Backend) Copy(dst, src *ml.Tensor) error {
	done := make(chan error, 1)
	b.submit(func() { done <- copyTensor(dst, src) })
	return <-done
}

func (b *Backend) CopyAsync(dst, src *ml.Tensor) bool {
	if !b.asyncCopy {
		return false
	}

	b.submit(func() {
		if err := copyTensor(dst, src); err != nil {
			b.setErr(err)
		}
	})

	return true
}

func (b *Backend) Compute(nodes []*ml.Tensor) error {
	if err := b.ComputeAsync(nodes); err != nil {
		return err
	}

	return b.Synchronize()
}

// ComputeAsync captures the nodes' operations at submission time and
// enqueues their execution.
func (b *Backend) ComputeAsync(nodes []*ml.Tensor) error {
	calls := make([]call, 0, len(nodes))
	for _, node := range nodes {
		if !b.Supports(node) {
			return fmt.Errorf("%s: unsupported op %s (node %s)", b.name, node.Op, node.Name)
		}

		calls = append(calls, newCall(node))
	}

	b.submit(func() {
		for _, c := range calls {
			if err := b.exec(c); err != nil {
				b.setErr(fmt.Errorf("%s: node %s: %w", b.name, c.dst.Name, err))
				return
			}
		}
	})

	return nil
}

type event struct {
	id uuid.UUID
	ch chan struct{}
}

func (e *event) ID() string { return e.id.String() }

func (e *event) Synchronize() { <-e.ch }

func (b *Backend) RecordEvent() ml.Event {
	e := &event{id: uuid.New(), ch: make(chan struct{})}
	b.submit(func() { close(e.ch) })
	return e
}

func (b *Backend) WaitEvent(ev ml.Event) {
	b.submit(func() { ev.Synchronize() })
}
