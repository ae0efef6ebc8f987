package ble

import (
	"errors"
	"fmt"

	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

var (
	ErrNoAttemptsLeft = errors.New("ble: no connect attempts left")
	ErrLinkTimeout    = errors.New("ble: link supervision timeout")
	ErrDisconnected   = errors.New("ble: disconnected")
	ErrIllegalState   = errors.New("ble: operation not valid in current state")

	errAttemptTimedOut = errors.New("ble: connect attempt timed out")
)

// LinkError is a link-level disconnect with a non-graceful status.
type LinkError struct {
	Status int
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("ble: link lost (status 0x%02x)", e.Status)
}

// disconnectCause classifies a link-down status. Graceful disconnects have
// no cause.
func disconnectCause(status int) error {
	switch status {
	case StatusSuccess, StatusRemoteTerminated, StatusLocalTerminated:
		return nil
	case StatusTimeout:
		return ErrLinkTimeout
	default:
		return &LinkError{Status: status}
	}
}

// State is the link-level state of a Machine: Disconnected, Connecting or
// Connected. A Session exists iff the state is Connecting or Connected.
type State interface {
	isState()
	String() string
}

// Disconnected has no session. Cause is nil after a graceful disconnect.
type Disconnected struct {
	Cause error
}

// Connecting is waiting for link-up and service discovery.
type Connecting struct {
	Address     string
	Attempt     int
	MaxAttempts int
	Session     *Session
}

// Connected has a live link with discovered services.
type Connected struct {
	Address   string
	Signature protocol.Signature
	Session   *Session
}

func (Disconnected) isState() {}
func (Connecting) isState()   {}
func (Connected) isState()    {}

func (s Disconnected) String() string {
	if s.Cause != nil {
		return fmt.Sprintf("Disconnected(%v)", s.Cause)
	}
	return "Disconnected"
}

func (s Connecting) String() string {
	return fmt.Sprintf("Connecting(%s, attempt %d/%d)", s.Address, s.Attempt+1, s.MaxAttempts)
}

func (s Connected) String() string {
	return fmt.Sprintf("Connected(%s)", s.Address)
}

// sameState reports whether two states are indistinguishable to observers.
func sameState(a, b State) bool {
	switch x := a.(type) {
	case Disconnected:
		y, ok := b.(Disconnected)
		return ok && x.Cause == y.Cause
	case Connecting:
		y, ok := b.(Connecting)
		return ok && x.Address == y.Address && x.Attempt == y.Attempt &&
			x.MaxAttempts == y.MaxAttempts && x.Session == y.Session
	case Connected:
		y, ok := b.(Connected)
		return ok && x.Address == y.Address && x.Session == y.Session
	default:
		return false
	}
}

// event is an input to the transition function.
type event interface {
	machineEvent()
}

type connectRequest struct {
	address    string
	retryCount int
	// reply receives the outcome of this request. Buffered.
	reply chan connectOutcome
}

// connectOutcome is the terminal state reached for a connect request, or
// the error that kept it from starting.
type connectOutcome struct {
	state State
	err   error
}

type disconnectRequest struct {
	cause error
}

type linkChanged struct {
	gen       uint64
	connected bool
	status    int
}

type servicesResult struct {
	gen       uint64
	signature protocol.Signature
	err       error
}

type attemptTimeout struct {
	gen uint64
}

type openFailed struct {
	gen uint64
	err error
}

func (connectRequest) machineEvent()    {}
func (disconnectRequest) machineEvent() {}
func (linkChanged) machineEvent()       {}
func (servicesResult) machineEvent()    {}
func (attemptTimeout) machineEvent()    {}
func (openFailed) machineEvent()        {}

// effect is a side effect requested by the transition function and
// executed by the Machine's run loop.
type effect interface {
	machineEffect()
}

type openSession struct {
	address string
}

type closeSession struct {
	session *Session
}

type discoverServices struct {
	session *Session
}

type armTimer struct{}

type stopTimer struct{}

func (openSession) machineEffect()      {}
func (closeSession) machineEffect()     {}
func (discoverServices) machineEffect() {}
func (armTimer) machineEffect()         {}
func (stopTimer) machineEffect()        {}

// transition is the pure state transition table. Connecting states it
// returns from openSession effects carry no Session yet; the run loop fills
// it in when executing the effect.
func transition(s State, ev event) (State, []effect) {
	switch st := s.(type) {
	case Disconnected:
		if e, ok := ev.(connectRequest); ok {
			next := Connecting{Address: e.address, MaxAttempts: e.retryCount}
			return next, []effect{openSession{address: e.address}, armTimer{}}
		}
		return s, nil

	case Connecting:
		switch e := ev.(type) {
		case linkChanged:
			if e.connected {
				return st, []effect{discoverServices{session: st.Session}, armTimer{}}
			}
			return retryOrFail(st, fmt.Errorf("ble: link lost while connecting: %w", linkFailure(e.status)))
		case servicesResult:
			if e.err != nil {
				return retryOrFail(st, fmt.Errorf("ble: service discovery: %w", e.err))
			}
			next := Connected{Address: st.Address, Signature: e.signature, Session: st.Session}
			return next, []effect{stopTimer{}}
		case attemptTimeout:
			return retryOrFail(st, errAttemptTimedOut)
		case openFailed:
			return retryOrFail(st, e.err)
		case disconnectRequest:
			return Disconnected{Cause: e.cause}, []effect{stopTimer{}, closeSession{session: st.Session}}
		}
		return s, nil

	case Connected:
		switch e := ev.(type) {
		case linkChanged:
			if e.connected {
				return s, nil
			}
			return Disconnected{Cause: disconnectCause(e.status)}, []effect{closeSession{session: st.Session}}
		case disconnectRequest:
			return Disconnected{Cause: e.cause}, []effect{closeSession{session: st.Session}}
		}
		return s, nil
	}
	return s, nil
}

// retryOrFail starts the next attempt or, when none are left, ends in
// Disconnected. Preconditions end the attempts immediately.
func retryOrFail(st Connecting, cause error) (State, []effect) {
	if !Retriable(cause) {
		return Disconnected{Cause: cause}, []effect{stopTimer{}, closeSession{session: st.Session}}
	}
	if st.Attempt+1 < st.MaxAttempts {
		next := Connecting{Address: st.Address, Attempt: st.Attempt + 1, MaxAttempts: st.MaxAttempts}
		return next, []effect{closeSession{session: st.Session}, openSession{address: st.Address}, armTimer{}}
	}
	exhausted := fmt.Errorf("%w after %d attempts: %w", ErrNoAttemptsLeft, st.MaxAttempts, cause)
	return Disconnected{Cause: exhausted}, []effect{stopTimer{}, closeSession{session: st.Session}}
}

// linkFailure is the error for a link-down status while connecting, where
// even a clean status means the attempt failed.
func linkFailure(status int) error {
	if cause := disconnectCause(status); cause != nil {
		return cause
	}
	return &LinkError{Status: status}
}
