// Package discovery finds a compatible trigger peripheral and hands back a
// connected, validated session. Two flavors exist: a Coordinator that works
// from persisted associations and asks the user to pick a new one when
// needed, and a Scanner that connects to the first suitable advertiser.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/bletrigger/internal/ble"
)

var (
	// ErrInteractionRequired means a new association is needed and no
	// Interactor was available to complete it.
	ErrInteractionRequired = errors.New("discovery: user interaction required")
	ErrUserCancelled       = errors.New("discovery: cancelled by user")
	ErrAssociationFailed   = errors.New("discovery: association failed")
	ErrTimeout             = errors.New("discovery: timed out")
	ErrNoDevice            = errors.New("discovery: no compatible device found")
	ErrSignatureMismatch   = errors.New("discovery: device does not expose the required attributes")
)

// Discoverer produces one validated, connected session per call. ui may be
// nil; flows that need it then fail with ErrInteractionRequired.
type Discoverer interface {
	Discover(ctx context.Context, ui Interactor) (*ble.Session, error)
	State() State
}

// State is the published state of a discovery flow.
type State interface {
	isState()
	String() string
}

// Idle is the state between Discover calls. After a call it carries the
// accepted address or the error the call returned.
type Idle struct {
	Address string
	Err     error
}

// Scanning is a time-boxed radio scan for candidates.
type Scanning struct{}

// AssociationRequested is waiting for the pairing port to produce
// candidates for a new association.
type AssociationRequested struct{}

// AssociationPending is waiting for the user to pick a candidate.
type AssociationPending struct {
	Candidates int
}

// Connecting is probing a candidate: connect, then validate its attributes.
type Connecting struct {
	Address string
}

// Disconnecting is tearing down a rejected candidate. Reason decides what
// follows: retriable reasons continue discovery, others end it.
type Disconnecting struct {
	Address string
	Reason  error
}

func (Idle) isState()                 {}
func (Scanning) isState()             {}
func (AssociationRequested) isState() {}
func (AssociationPending) isState()   {}
func (Connecting) isState()           {}
func (Disconnecting) isState()        {}

func (s Idle) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("Idle(%v)", s.Err)
	case s.Address != "":
		return fmt.Sprintf("Idle(%s)", s.Address)
	default:
		return "Idle"
	}
}

func (Scanning) String() string             { return "Scanning" }
func (AssociationRequested) String() string { return "AssociationRequested" }

func (s AssociationPending) String() string {
	return fmt.Sprintf("AssociationPending(%d candidates)", s.Candidates)
}

func (s Connecting) String() string { return fmt.Sprintf("Connecting(%s)", s.Address) }

func (s Disconnecting) String() string {
	return fmt.Sprintf("Disconnecting(%s: %v)", s.Address, s.Reason)
}
