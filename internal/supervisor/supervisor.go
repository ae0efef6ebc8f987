// Package supervisor keeps a peripheral connected over time. It retries
// discovery and connection with a fixed backoff schedule and switches to an
// interactive recovery path when an attempt reports that the user has to
// get involved.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/discovery"
)

// ErrNoInteractionRequest is returned by ResolveInteractionRequest when no
// request is open.
var ErrNoInteractionRequest = errors.New("supervisor: no open interaction request")

// Request carries an Interactor into the supervisor. Its result is the
// error of the interactive attempt that used it.
type Request = InteractionRequest[discovery.Interactor, struct{}]

// Connector runs connection attempts for the supervisor.
type Connector interface {
	// Establish runs one discovery and connect attempt. ui is nil for
	// headless attempts.
	Establish(ctx context.Context, ui discovery.Interactor) error
	// WaitDisconnected blocks until the established connection is gone.
	WaitDisconnected(ctx context.Context) error
}

// RecoverStrategy is how the next attempt is made: Default or
// RequiresInteraction.
type RecoverStrategy interface {
	isStrategy()
	String() string
}

// Default makes headless attempts. Cause is the last failure, if any.
type Default struct {
	Cause error
}

// RequiresInteraction waits, bounded by the backoff delay, for Request to
// receive an Interactor before each attempt.
type RequiresInteraction struct {
	Cause   error
	Request *Request
}

func (Default) isStrategy()             {}
func (RequiresInteraction) isStrategy() {}

func (s Default) String() string {
	if s.Cause != nil {
		return fmt.Sprintf("Default(%v)", s.Cause)
	}
	return "Default"
}

func (s RequiresInteraction) String() string {
	return fmt.Sprintf("RequiresInteraction(%v)", s.Cause)
}

// Supervisor is the reconnect control loop.
type Supervisor struct {
	connector Connector
	backoff   func(n int) time.Duration
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	strategy RecoverStrategy
}

// New returns a supervisor in the Default strategy.
func New(connector Connector) *Supervisor {
	return &Supervisor{
		connector: connector,
		backoff:   Backoff,
		sleep:     sleep,
		strategy:  Default{},
	}
}

// Strategy returns the current recovery strategy.
func (s *Supervisor) Strategy() RecoverStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// setStrategy replaces the strategy. An open request that is being
// replaced is cancelled; a consumed one is left for Run to resolve.
func (s *Supervisor) setStrategy(st RecoverStrategy) {
	s.mu.Lock()
	prev := s.strategy
	s.strategy = st
	s.mu.Unlock()

	if old, ok := prev.(RequiresInteraction); ok && old.Request.Open() {
		if cur, ok := st.(RequiresInteraction); !ok || cur.Request != old.Request {
			old.Request.Cancel()
		}
	}
	_, wasDefault := prev.(Default)
	_, isDefault := st.(Default)
	if wasDefault != isDefault {
		slog.Info("[SUPERVISOR] strategy", "strategy", st)
	}
}

// HasOpenInteractionRequest reports whether an attempt is waiting for an
// Interactor.
func (s *Supervisor) HasOpenInteractionRequest() bool {
	st, ok := s.Strategy().(RequiresInteraction)
	return ok && st.Request.Open()
}

// ResolveInteractionRequest hands ui to the open request and returns the
// outcome of the interactive attempt that uses it.
func (s *Supervisor) ResolveInteractionRequest(ctx context.Context, ui discovery.Interactor) error {
	st, ok := s.Strategy().(RequiresInteraction)
	if !ok {
		return ErrNoInteractionRequest
	}
	_, err := st.Request.Provide(ctx, ui)
	return err
}

// Run supervises until ctx ends or an attempt fails on a precondition,
// which is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		if st, ok := s.Strategy().(RequiresInteraction); ok {
			st.Request.Cancel()
		}
	}()

	for n := 0; ; n++ {
		delay := s.backoff(n)
		ui, req, err := s.prepare(ctx, delay)
		if err != nil {
			return err
		}

		slog.Info("[SUPERVISOR] connect attempt", "attempt", n+1, "interactive", ui != nil)
		err = s.connector.Establish(ctx, ui)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case err == nil:
			s.setStrategy(Default{})
			slog.Info("[SUPERVISOR] connected")
		case !ble.Retriable(err):
			slog.Error("[SUPERVISOR] giving up", "error", err)
			s.setStrategy(Default{Cause: err})
		case errors.Is(err, discovery.ErrInteractionRequired):
			s.requireInteraction(err, req != nil)
		default:
			slog.Warn("[SUPERVISOR] attempt failed", "attempt", n+1, "error", err)
			if st, ok := s.Strategy().(RequiresInteraction); ok && req == nil {
				s.setStrategy(RequiresInteraction{Cause: err, Request: st.Request})
			} else {
				s.setStrategy(Default{Cause: err})
			}
		}

		if req != nil {
			_ = req.Resolve(struct{}{}, err)
			if st, ok := s.Strategy().(RequiresInteraction); !ok || st.Request != req {
				req.Cancel()
			}
		}

		if err != nil && !ble.Retriable(err) {
			return err
		}
		if err == nil {
			if err := s.connector.WaitDisconnected(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("[SUPERVISOR] connection lost, reconnecting")
			n = -1
		}
	}
}

// prepare waits out the backoff delay. Under RequiresInteraction the wait
// ends early when the request receives an Interactor, which is returned
// with the request to resolve; otherwise the attempt falls back to
// headless.
func (s *Supervisor) prepare(ctx context.Context, delay time.Duration) (discovery.Interactor, *Request, error) {
	st, ok := s.Strategy().(RequiresInteraction)
	if !ok {
		if delay > 0 {
			slog.Info("[SUPERVISOR] backoff", "delay", delay)
		}
		return nil, nil, s.sleep(ctx, delay)
	}

	wctx, cancel := context.WithTimeout(ctx, delay)
	defer cancel()
	ui, err := st.Request.Await(wctx)
	if err == nil {
		return ui, st.Request, nil
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	slog.Info("[SUPERVISOR] no interaction within backoff, trying headless", "delay", delay)
	return nil, nil, nil
}

// requireInteraction switches to RequiresInteraction. An unused request is
// kept; a request consumed by the failed attempt is replaced and the caller
// cancels it once resolved.
func (s *Supervisor) requireInteraction(cause error, consumed bool) {
	if st, ok := s.Strategy().(RequiresInteraction); ok && !consumed {
		s.setStrategy(RequiresInteraction{Cause: cause, Request: st.Request})
		return
	}
	slog.Info("[SUPERVISOR] waiting for user interaction")
	s.setStrategy(RequiresInteraction{Cause: cause, Request: NewInteractionRequest[discovery.Interactor, struct{}]()})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
