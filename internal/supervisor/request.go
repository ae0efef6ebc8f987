package supervisor

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAlreadyConsumed  = errors.New("supervisor: interaction request already consumed")
	ErrAlreadyResolved  = errors.New("supervisor: interaction request already resolved")
	ErrRequestCancelled = errors.New("supervisor: interaction request cancelled")
)

type outcome[R any] struct {
	value R
	err   error
}

// InteractionRequest hands one dependency D from an external caller to a
// waiting consumer and one result R back. Each side may happen once; either
// side may stop waiting without affecting the other, and Cancel ends both.
type InteractionRequest[D, R any] struct {
	deps    chan D
	results chan outcome[R]
	done    chan struct{}

	mu        sync.Mutex
	provided  bool
	resolved  bool
	cancelled bool
}

// NewInteractionRequest returns an open request.
func NewInteractionRequest[D, R any]() *InteractionRequest[D, R] {
	return &InteractionRequest[D, R]{
		deps:    make(chan D, 1),
		results: make(chan outcome[R], 1),
		done:    make(chan struct{}),
	}
}

// Open reports whether the request still accepts a dependency.
func (r *InteractionRequest[D, R]) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.provided && !r.cancelled
}

// Provide hands d to the consumer and waits for its result.
func (r *InteractionRequest[D, R]) Provide(ctx context.Context, d D) (R, error) {
	var zero R
	r.mu.Lock()
	switch {
	case r.cancelled:
		r.mu.Unlock()
		return zero, ErrRequestCancelled
	case r.provided:
		r.mu.Unlock()
		return zero, ErrAlreadyConsumed
	}
	r.provided = true
	r.deps <- d
	r.mu.Unlock()

	return r.result(ctx)
}

// result waits for Resolve. A result resolved before Cancel wins even when
// both are ready.
func (r *InteractionRequest[D, R]) result(ctx context.Context) (R, error) {
	var zero R
	select {
	case o := <-r.results:
		return o.value, o.err
	case <-r.done:
		select {
		case o := <-r.results:
			return o.value, o.err
		default:
		}
		return zero, ErrRequestCancelled
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Await waits for the dependency. A dependency that arrives after ctx ended
// is kept for the next Await.
func (r *InteractionRequest[D, R]) Await(ctx context.Context) (D, error) {
	var zero D
	select {
	case d := <-r.deps:
		return d, nil
	case <-r.done:
		return zero, ErrRequestCancelled
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Resolve completes the request with the consumer's result.
func (r *InteractionRequest[D, R]) Resolve(value R, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return ErrRequestCancelled
	}
	if r.resolved {
		return ErrAlreadyResolved
	}
	r.resolved = true
	r.results <- outcome[R]{value: value, err: err}
	return nil
}

// Cancel ends the request. Pending and future Provide and Await calls
// return ErrRequestCancelled. Safe to call more than once.
func (r *InteractionRequest[D, R]) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		r.cancelled = true
		close(r.done)
	}
}
