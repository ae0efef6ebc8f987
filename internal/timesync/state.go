package timesync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoTrainingAttemptsLeft = errors.New("timesync: no training attempts left")
	ErrIllegalState           = errors.New("timesync: operation not valid in current state")
	// ErrDetached is returned by Run when the link went away underneath it.
	ErrDetached = errors.New("timesync: detached from link")
)

// State is the clock-sync state of one attached link.
type State interface {
	isState()
	String() string
}

// Detached has no link.
type Detached struct{}

// Attaching is subscribing to needs-sync and reading its initial value.
type Attaching struct{}

// Training is sending training bursts. Attempt counts from 0.
type Training struct {
	Attempt int
}

// Synced means the peripheral reported it needs no sync.
type Synced struct{}

// Failed means training ran out of attempts. The needs-sync subscription
// stays live, so a drift notification or a manual trigger starts over.
type Failed struct {
	Cause error
}

func (Detached) isState()  {}
func (Attaching) isState() {}
func (Training) isState()  {}
func (Synced) isState()    {}
func (Failed) isState()    {}

func (Detached) String() string   { return "Detached" }
func (Attaching) String() string  { return "Attaching" }
func (s Training) String() string { return fmt.Sprintf("Training(attempt %d)", s.Attempt+1) }
func (Synced) String() string     { return "Synced" }
func (s Failed) String() string   { return fmt.Sprintf("Failed(%v)", s.Cause) }

// IsSynced reports whether s is Synced.
func IsSynced(s State) bool {
	_, ok := s.(Synced)
	return ok
}

// params are the protocol timings.
type params struct {
	messages        int
	interval        time.Duration
	responseTimeout time.Duration
	attempts        int
	backoff         time.Duration
}

var defaultParams = params{
	messages:        TrainingMessages,
	interval:        TrainingInterval,
	responseTimeout: ResponseTimeout,
	attempts:        TrainingAttempts,
	backoff:         TrainingBackoff,
}

type event interface {
	syncEvent()
}

// needsSync carries a needs-sync value, from the initial read or a
// notification.
type needsSync struct {
	value bool
}

type burstSent struct {
	gen uint64
	err error
}

type responseTimeout struct {
	gen uint64
}

type trigger struct{}

func (needsSync) syncEvent()       {}
func (burstSent) syncEvent()       {}
func (responseTimeout) syncEvent() {}
func (trigger) syncEvent()         {}

type effect interface {
	syncEffect()
}

// sendBurst starts a training burst after delay, replacing any running one.
type sendBurst struct {
	delay time.Duration
}

// armResponse starts the response timeout for the last burst.
type armResponse struct{}

// cancelTraining stops any burst and timer in progress.
type cancelTraining struct{}

func (sendBurst) syncEffect()      {}
func (armResponse) syncEffect()    {}
func (cancelTraining) syncEffect() {}

// transition is the clock-sync transition table. The error is only
// non-nil for a trigger the current state does not allow.
func transition(p params, s State, ev event) (State, []effect, error) {
	switch st := s.(type) {
	case Attaching:
		if e, ok := ev.(needsSync); ok {
			if e.value {
				return Training{}, []effect{sendBurst{}}, nil
			}
			return Synced{}, nil, nil
		}
		if _, ok := ev.(trigger); ok {
			return s, nil, fmt.Errorf("%w: trigger while %s", ErrIllegalState, s)
		}

	case Training:
		switch e := ev.(type) {
		case needsSync:
			if !e.value {
				return Synced{}, []effect{cancelTraining{}}, nil
			}
		case burstSent:
			if e.err != nil {
				return retry(p, st)
			}
			return s, []effect{armResponse{}}, nil
		case responseTimeout:
			return retry(p, st)
		case trigger:
			return s, nil, fmt.Errorf("%w: trigger while %s", ErrIllegalState, s)
		}

	case Synced:
		switch e := ev.(type) {
		case needsSync:
			if e.value {
				return Training{}, []effect{sendBurst{}}, nil
			}
		case trigger:
			return s, []effect{sendBurst{}}, nil
		}

	case Failed:
		switch e := ev.(type) {
		case needsSync:
			if e.value {
				return Training{}, []effect{sendBurst{}}, nil
			}
			return Synced{}, nil, nil
		case trigger:
			return Training{}, []effect{sendBurst{}}, nil
		}

	case Detached:
		if _, ok := ev.(trigger); ok {
			return s, nil, fmt.Errorf("%w: trigger while %s", ErrIllegalState, s)
		}
	}
	return s, nil, nil
}

func retry(p params, st Training) (State, []effect, error) {
	if st.Attempt+1 < p.attempts {
		return Training{Attempt: st.Attempt + 1}, []effect{sendBurst{delay: p.backoff}}, nil
	}
	cause := fmt.Errorf("%w after %d attempts", ErrNoTrainingAttemptsLeft, p.attempts)
	return Failed{Cause: cause}, []effect{cancelTraining{}}, nil
}
