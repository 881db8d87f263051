// Package dist provides the blocking collectives used to
// keep a group of lockstep training workers synchronized.
//
// Every worker in a group must issue the same collectives in
// the same order; a mismatch means the workers' control flow
// diverged and is reported by panicking rather than by
// deadlocking.
package dist

import (
	"fmt"
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

type reduceOp int

const (
	opSum reduceOp = iota
	opMin
	opMax
	opBarrier
)

func (o reduceOp) String() string {
	switch o {
	case opSum:
		return "sum"
	case opMin:
		return "min"
	case opMax:
		return "max"
	case opBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("reduceOp(%d)", int(o))
	}
}

type group struct {
	mu   sync.Mutex
	cond *sync.Cond

	size    int
	phase   int
	arrived int

	current reduceOp
	buffer  []float64
	result  []float64
}

// A Context is one worker's handle on its group.
//
// Collective calls block until every worker in the group has
// made the matching call.
type Context struct {
	rank int
	g    *group
}

// NewGroup creates a group of n workers and returns one
// Context per rank.
func NewGroup(n int) []*Context {
	if n < 1 {
		panic("group size must be positive")
	}
	g := &group{size: n}
	g.cond = sync.NewCond(&g.mu)
	res := make([]*Context, n)
	for i := range res {
		res[i] = &Context{rank: i, g: g}
	}
	return res
}

// Single creates a one-worker group, for which every
// collective is a local no-op.
func Single() *Context {
	return NewGroup(1)[0]
}

// Rank returns the worker's index within the group.
func (c *Context) Rank() int {
	return c.rank
}

// Size returns the number of workers in the group.
func (c *Context) Size() int {
	return c.g.size
}

// Barrier blocks until every worker reaches it.
func (c *Context) Barrier() {
	c.allreduce(opBarrier, nil)
}

// AllreduceSum sums vals element-wise across workers.
func (c *Context) AllreduceSum(vals []float64) []float64 {
	return c.allreduce(opSum, vals)
}

// AllreduceMin takes the element-wise minimum across
// workers.
func (c *Context) AllreduceMin(vals []float64) []float64 {
	return c.allreduce(opMin, vals)
}

// AllreduceMax takes the element-wise maximum across
// workers.
func (c *Context) AllreduceMax(vals []float64) []float64 {
	return c.allreduce(opMax, vals)
}

// SumScalar sums a single value across workers.
func (c *Context) SumScalar(val float64) float64 {
	return c.AllreduceSum([]float64{val})[0]
}

// AverageGrad replaces every parameter's gradient with the
// element-wise mean of the gradients across workers.
//
// The params slice fixes the flattening order and must be
// identical on every worker.
func (c *Context) AverageGrad(grad anydiff.Grad, params []*anydiff.Var) {
	if c.g.size == 1 {
		return
	}

	var flat []float64
	for _, p := range params {
		vec, ok := grad[p]
		if !ok {
			panic("parameter missing from gradient")
		}
		flat = append(flat, floatsFromVector(vec)...)
	}

	summed := c.AllreduceSum(flat)
	scale := 1 / float64(c.g.size)
	for i := range summed {
		summed[i] *= scale
	}

	offset := 0
	for _, p := range params {
		vec := grad[p]
		part := summed[offset : offset+vec.Len()]
		cr := vec.Creator()
		vec.SetData(cr.MakeNumericList(part))
		offset += vec.Len()
	}
}

func (c *Context) allreduce(op reduceOp, vals []float64) []float64 {
	g := c.g
	if g.size == 1 {
		return append([]float64{}, vals...)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	phase := g.phase
	if g.arrived == 0 {
		g.current = op
		g.buffer = append([]float64{}, vals...)
	} else {
		if g.current != op || len(vals) != len(g.buffer) {
			panic(fmt.Sprintf("collective mismatch: rank %d called %s(%d) "+
				"while the group is in %s(%d)", c.rank, op, len(vals),
				g.current, len(g.buffer)))
		}
		for i, x := range vals {
			switch op {
			case opSum:
				g.buffer[i] += x
			case opMin:
				if x < g.buffer[i] {
					g.buffer[i] = x
				}
			case opMax:
				if x > g.buffer[i] {
					g.buffer[i] = x
				}
			}
		}
	}

	g.arrived++
	if g.arrived == g.size {
		g.result = g.buffer
		g.buffer = nil
		g.arrived = 0
		g.phase++
		g.cond.Broadcast()
	} else {
		for g.phase == phase {
			g.cond.Wait()
		}
	}

	return append([]float64{}, g.result...)
}

func floatsFromVector(vec anyvec.Vector) []float64 {
	switch data := vec.Data().(type) {
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	case []float64:
		return append([]float64{}, data...)
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", data))
	}
}
