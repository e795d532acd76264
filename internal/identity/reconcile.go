// ABOUTME: Background reconciliation of pending tickets for one identity
// ABOUTME: Advances each ticket's protocol state and commits terminal transitions atomically

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/idenmobile/internal/store"
)

// outcome is what one reconciliation step produced for a ticket.
type outcome struct {
	handler     any // protocol state to persist, nil keeps the stored one
	done        bool
	err         error
	claims      []store.Entry
	credentials []store.Entry
	data        any // event payload on success
}

func (i *Identity) run() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.period)
	defer ticker.Stop()

	for {
		i.reconcile(i.ctx)
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
		case <-i.wake:
		}
	}
}

// nudge asks the loop for an early pass.
func (i *Identity) nudge() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// reconcile makes one pass over a snapshot of the pending tickets.
func (i *Identity) reconcile(ctx context.Context) {
	pending, err := i.tickets.Pending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			i.logger.Warn("listing pending tickets failed", "error", err)
		}
		return
	}
	for _, t := range pending {
		if ctx.Err() != nil {
			return
		}
		i.step(ctx, t)
	}
}

func (i *Identity) step(ctx context.Context, t *store.Ticket) {
	reqCtx, cancel := context.WithTimeout(ctx, i.requestTimeout)
	defer cancel()

	var out outcome
	switch t.Type {
	case store.TicketClaimRequest:
		out = i.stepClaim(reqCtx, t)
	case store.TicketClaimProof, store.TicketClaimProofZK:
		out = i.stepProof(reqCtx, t)
	default:
		out = outcome{err: fmt.Errorf("unknown ticket type %q", t.Type)}
	}

	// Stopping: leave the ticket for the next Load.
	if ctx.Err() != nil {
		return
	}

	switch {
	case out.err == nil && !out.done:
		i.touch(ctx, t, 0, out.handler)
	case out.err != nil && transient(out.err) && t.Attempts+1 < i.maxAttempts:
		i.logger.Debug("ticket step failed, will retry",
			"ticket_id", t.ID,
			"attempt", t.Attempts+1,
			"error", out.err,
		)
		i.touch(ctx, t, t.Attempts+1, out.handler)
	default:
		i.finish(ctx, t, out)
	}
}

func (i *Identity) touch(ctx context.Context, t *store.Ticket, attempts int, handler any) {
	ok, err := i.tickets.Touch(ctx, t.ID, attempts, handler)
	if err != nil {
		i.logger.Warn("recording ticket progress failed", "ticket_id", t.ID, "error", err)
		return
	}
	if !ok {
		i.logger.Debug("ticket left pending during step", "ticket_id", t.ID)
	}
}

// finish commits the terminal transition of t and delivers its event. If the
// ticket was cancelled meanwhile the result is discarded.
func (i *Identity) finish(ctx context.Context, t *store.Ticket, out outcome) {
	tr := store.Transition{
		TicketID:    t.ID,
		Status:      store.StatusDone,
		Claims:      out.claims,
		Credentials: out.credentials,
		Event:       &store.Event{TicketID: t.ID, Type: t.Type},
	}

	var failure error
	if out.err != nil {
		failure = translate(out.err)
		tr.Status = store.StatusFailed
		tr.Err = failure.Error()
		tr.Event.Err = tr.Err
		tr.Claims, tr.Credentials = nil, nil
	} else if out.data != nil {
		data, err := json.Marshal(out.data)
		if err != nil {
			i.logger.Error("encoding event data failed", "ticket_id", t.ID, "error", err)
			return
		}
		tr.Event.Data = data
	}
	if out.handler != nil {
		raw, err := json.Marshal(out.handler)
		if err != nil {
			i.logger.Error("encoding ticket handler failed", "ticket_id", t.ID, "error", err)
			return
		}
		tr.Handler = raw
	}

	ev, err := i.tickets.Commit(ctx, tr)
	if errors.Is(err, store.ErrNotPending) {
		i.logger.Info("discarding result of ticket that is no longer pending", "ticket_id", t.ID)
		return
	}
	if err != nil {
		i.logger.Warn("committing ticket failed, will retry", "ticket_id", t.ID, "error", err)
		return
	}

	final := *t
	final.Status = tr.Status
	final.Err = tr.Err
	final.UpdatedAt = ev.CreatedAt

	var after func()
	if cb := i.takeCallback(t.ID); cb != nil {
		after = func() { cb(&final, failure) }
	}
	i.events.Publish(ev, after)
}

func (i *Identity) addCallback(id string, cb func(*store.Ticket, error)) {
	if i.callbacks != nil {
		i.callbacks[id] = cb
	}
}

// takeCallback removes and returns the callback registered for id.
func (i *Identity) takeCallback(id string) func(*store.Ticket, error) {
	i.cbMu.Lock()
	defer i.cbMu.Unlock()
	cb := i.callbacks[id]
	delete(i.callbacks, id)
	return cb
}
