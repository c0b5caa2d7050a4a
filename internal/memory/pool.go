package memory

import (
	"sync"
	"sync/atomic"
)

// entryPool recycles cacheEntry structs to cut allocation churn on hot
// store/retrieve paths. Allocated vs reused counts feed the health check.
type entryPool struct {
	pool      sync.Pool
	allocated atomic.Int64
	reused    atomic.Int64
}

func newEntryPool() *entryPool {
	p := &entryPool{}
	p.pool.New = func() any {
		p.allocated.Add(1)
		return &cacheEntry{}
	}
	return p
}

func (p *entryPool) get() *cacheEntry {
	before := p.allocated.Load()
	e := p.pool.Get().(*cacheEntry)
	if p.allocated.Load() == before {
		p.reused.Add(1)
	}
	return e
}

func (p *entryPool) put(e *cacheEntry) {
	*e = cacheEntry{}
	p.pool.Put(e)
}

// ReuseRate returns the fraction of gets served from the pool.
func (p *entryPool) ReuseRate() float64 {
	a := p.allocated.Load()
	r := p.reused.Load()
	total := a + r
	if total == 0 {
		return 0
	}
	return float64(r) / float64(total)
}

func (p *entryPool) Stats() (allocated, reused int64) {
	return p.allocated.Load(), p.reused.Load()
}
