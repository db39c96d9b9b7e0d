package dispatch

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many toolchain invocations run at once so long builds
// cannot starve the rest of the process.
type Pool struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Run waits for a slot, honoring ctx, then runs fn in the caller's goroutine.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	return fn(ctx)
}

func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}
