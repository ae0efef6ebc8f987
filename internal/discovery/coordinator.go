package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble"
)

// Coordinator discovers a peripheral through persisted associations. Known
// associations are probed first without user interaction; when none
// answers, it requests candidates for a new association and lets the
// Interactor pick one.
type Coordinator struct {
	flow
	pairing            PairingPort
	associationTimeout time.Duration
}

// NewCoordinator returns an idle Coordinator.
func NewCoordinator(machine *ble.Machine, pairing PairingPort, opts Options) *Coordinator {
	return &Coordinator{
		flow:               newFlow(machine, opts),
		pairing:            pairing,
		associationTimeout: AssociationTimeout,
	}
}

var _ Discoverer = (*Coordinator)(nil)

func (c *Coordinator) Discover(ctx context.Context, ui Interactor) (sess *ble.Session, err error) {
	finish, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer func() { finish(sess, err) }()

	known, err := c.pairing.Associations()
	if err != nil {
		slog.Warn("[DISCOVERY] reading associations", "error", err)
	}
	for _, addr := range known {
		if !c.eligible(addr) {
			continue
		}
		slog.Info("[DISCOVERY] trying associated device", "address", addr)
		sess, err := c.probe(ctx, addr)
		if err == nil {
			return sess, nil
		}
		if fatal(ctx, err) {
			return nil, err
		}
		slog.Warn("[DISCOVERY] associated device unavailable", "address", addr, "error", err)
	}

	var last error
	for attempt := 0; attempt < c.opts.AssociationAttempts; attempt++ {
		sess, retry, err := c.associate(ctx, ui)
		if err == nil {
			return sess, nil
		}
		if !retry || fatal(ctx, err) {
			return nil, err
		}
		slog.Warn("[DISCOVERY] association attempt failed", "attempt", attempt+1, "error", err)
		last = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAssociationFailed, c.opts.AssociationAttempts, last)
}

// associate runs one association request. retry is true when the failure
// came from the chosen candidate rather than from the request itself.
func (c *Coordinator) associate(ctx context.Context, ui Interactor) (sess *ble.Session, retry bool, err error) {
	c.set(AssociationRequested{})
	actx, cancel := context.WithTimeout(ctx, c.associationTimeout)
	candidates, err := c.pairing.RequestAssociation(actx, func(d ble.Device) bool {
		return c.eligible(d.Address)
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, false, fmt.Errorf("%w: association request", ErrTimeout)
		}
		return nil, false, err
	}
	if ui == nil {
		return nil, false, ErrInteractionRequired
	}

	c.set(AssociationPending{Candidates: len(candidates)})
	d, err := ui.Choose(ctx, candidates)
	if err != nil {
		if errors.Is(err, ErrUserCancelled) || ctx.Err() != nil {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: %w", ErrAssociationFailed, err)
	}

	sess, err = c.probe(ctx, d.Address)
	if err != nil {
		return nil, true, err
	}
	if err := c.pairing.Accept(d); err != nil {
		slog.Warn("[DISCOVERY] failed to persist association", "address", d.Address, "error", err)
	}
	return sess, false, nil
}
