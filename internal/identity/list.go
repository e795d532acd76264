// ABOUTME: Read access to claims, credentials, tickets and events, plus ticket cancellation
// ABOUTME: Iteration works on snapshots and skips entries that fail to decode

package identity

import (
	"context"
	"fmt"

	"github.com/2389/idenmobile/internal/protocol"
	"github.com/2389/idenmobile/internal/store"
)

// Claims visits every stored claim until visit returns false.
func (i *Identity) Claims(ctx context.Context, visit func(*store.Claim) bool) error {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return i.store.IterateClaims(ctx, visit)
}

// Credentials visits every stored credential until visit returns false.
func (i *Identity) Credentials(ctx context.Context, visit func(*store.Credential) bool) error {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return i.store.IterateCredentials(ctx, visit)
}

// Credential returns the decoded credential stored under id, or ErrKeyNotFound.
func (i *Identity) Credential(ctx context.Context, id string) (*protocol.Credential, error) {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return i.credential(ctx, id)
}

// Tickets visits every ticket in creation order until visit returns false.
func (i *Identity) Tickets(ctx context.Context, visit func(*store.Ticket) bool) error {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return i.tickets.Iterate(ctx, visit)
}

// Ticket returns one ticket, or ErrNotFound.
func (i *Identity) Ticket(ctx context.Context, id string) (*store.Ticket, error) {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return i.tickets.Get(ctx, id)
}

// Events returns the persisted event log.
func (i *Identity) Events(ctx context.Context) ([]*store.Event, error) {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return i.events.List(ctx)
}

// Cancel moves a pending ticket to cancelled; a result arriving later is
// discarded. Cancelling a finished ticket is a no-op. Its callback, if any,
// receives ErrCancelled.
func (i *Identity) Cancel(ctx context.Context, ticketID string) error {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if err := i.tickets.Cancel(ctx, ticketID); err != nil {
		return err
	}
	t, err := i.tickets.Get(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if t.Status != store.StatusCancelled {
		return nil
	}
	if cb := i.takeCallback(ticketID); cb != nil {
		i.events.Go(func() { cb(t, ErrCancelled) })
	}
	return nil
}
