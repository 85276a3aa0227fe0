// Package workpool offloads CPU-bound work (X.509 parsing, RSA keygen,
// certificate signing) from goroutines that also perform I/O.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool bounds the number of blocking operations that may run concurrently.
type Pool struct {
	sem chan struct{}
}

// New creates a Pool that admits at most size concurrent blocking calls.
// A size of zero or less is treated as unbounded.
func New(size int) *Pool {
	if size <= 0 {
		return &Pool{}
	}
	return &Pool{sem: make(chan struct{}, size)}
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.sem == nil {
		return nil
	}
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() {
	if p.sem == nil {
		return
	}
	<-p.sem
}

// Do runs fn on a dedicated goroutine, blocking the caller until it
// completes, without tying up fn's own goroutine count beyond the pool's
// bound.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	g, _ := errgroup.WithContext(ctx)
	g.Go(fn)
	return g.Wait()
}

// Submit runs fn through the pool and returns its typed result.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
