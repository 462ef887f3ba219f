package historycache

import (
	"sync"

	"go.uber.org/atomic"
)

// slabPool is the Go-native replacement for the original's fixed-size
// mds_pool_alloc arenas (spec.md §6 "Pool configuration", design notes
// "Slab"). It is backed by sync.Pool for reuse but still honors the
// configured PoolLimits.Maximum, returning an OutOfResources error
// instead of growing past it -- exactly as hc_pool_init's POOL_LIMITS describes.
type slabPool[T any] struct {
	limits PoolLimits
	live   atomic.Int64
	pool   sync.Pool
}

func newSlabPool[T any](limits PoolLimits, zero func() *T) *slabPool[T] {
	return &slabPool[T]{
		limits: limits,
		pool: sync.Pool{
			New: func() interface{} { return zero() },
		},
	}
}

// get returns a pooled T, or an error if the configured Maximum live
// count would be exceeded.
func (p *slabPool[T]) get() (*T, error) {
	if p.limits.Exhausted(int(p.live.Load())) {
		return nil, newErr(OutOfResources, "pool exhausted")
	}
	p.live.Inc()
	return p.pool.Get().(*T), nil
}

// put returns v to the pool.
func (p *slabPool[T]) put(v *T) {
	p.live.Dec()
	p.pool.Put(v)
}

func (p *slabPool[T]) liveCount() int64 {
	return p.live.Load()
}
