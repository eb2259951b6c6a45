// Package sched sizes and runs the bounded worker pools of a run.
package sched

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs indexed tasks with at most Size of them in flight.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size}
}

func (p *Pool) Size() int { return p.size }

// Run calls fn for 0..n-1, starting tasks in index order. Once ctx is done no
// further task is started; tasks already running are waited for. With a pool
// size of one tasks run strictly one after another.
//
// It returns the number of tasks started and the first error a task returned.
func (p *Pool) Run(ctx context.Context, n int, fn func(i int) error) (int, error) {
	var g errgroup.Group
	slots := make(chan struct{}, p.size)

	started := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case slots <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			defer func() { <-slots }()
			return fn(i)
		})
	}
	return started, g.Wait()
}
