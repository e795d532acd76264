// ABOUTME: Ticket registry tracking asynchronous claim and proof operations
// ABOUTME: Enforces the pending/done/failed/cancelled state machine over the identity store

package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/idenmobile/internal/store"
)

// Registry assigns and tracks tickets.
type Registry struct {
	store  store.TicketStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry over s.
func New(s store.TicketStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "tickets"),
		now:    time.Now,
	}
}

// Register creates a pending ticket of the given type. handler is the initial
// protocol state; it is persisted as JSON and may be nil.
func (r *Registry) Register(ctx context.Context, typ store.TicketType, handler any) (*store.Ticket, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown ticket type %q", typ)
	}
	raw, err := encodeHandler(handler)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	t := &store.Ticket{
		ID:          uuid.NewString(),
		Type:        typ,
		Status:      store.StatusPending,
		LastChecked: now,
		Handler:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("registering ticket: %w", err)
	}

	r.logger.Info("registered ticket", "ticket_id", t.ID, "type", typ)
	return t, nil
}

// Cancel moves a pending ticket to cancelled. Cancelling a ticket that already
// reached a terminal state is a no-op. Unknown ids return store.ErrNotFound.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	changed, err := r.store.CancelTicket(ctx, id, r.now().UTC())
	if err != nil {
		return fmt.Errorf("cancelling ticket %s: %w", id, err)
	}
	if changed {
		r.logger.Info("cancelled ticket", "ticket_id", id)
	} else {
		r.logger.Debug("cancel ignored, ticket not pending", "ticket_id", id)
	}
	return nil
}

// Get returns one ticket.
func (r *Registry) Get(ctx context.Context, id string) (*store.Ticket, error) {
	return r.store.GetTicket(ctx, id)
}

// Pending returns a snapshot of pending tickets in insertion order.
func (r *Registry) Pending(ctx context.Context) ([]*store.Ticket, error) {
	return r.store.ListPendingTickets(ctx)
}

// Iterate visits a snapshot of every ticket in insertion order until visit
// returns false. Each call takes a fresh snapshot.
func (r *Registry) Iterate(ctx context.Context, visit func(*store.Ticket) bool) error {
	snapshot, err := r.store.ListTickets(ctx)
	if err != nil {
		return fmt.Errorf("listing tickets: %w", err)
	}
	for _, t := range snapshot {
		if !visit(t) {
			return nil
		}
	}
	return nil
}

// All returns a restartable sequence over the tickets. Each range statement
// takes a new snapshot. Listing failures end the sequence early and are logged.
func (r *Registry) All(ctx context.Context) iter.Seq[*store.Ticket] {
	return func(yield func(*store.Ticket) bool) {
		if err := r.Iterate(ctx, yield); err != nil {
			r.logger.Warn("ticket iteration failed", "error", err)
		}
	}
}

// Touch records a reconciliation attempt. handler, when non-nil, replaces the
// stored protocol state. Reports whether the ticket was still pending.
func (r *Registry) Touch(ctx context.Context, id string, attempts int, handler any) (bool, error) {
	raw, err := encodeHandler(handler)
	if err != nil {
		return false, err
	}
	ok, err := r.store.TouchTicket(ctx, id, r.now().UTC(), attempts, raw)
	if err != nil {
		return false, fmt.Errorf("touching ticket %s: %w", id, err)
	}
	return ok, nil
}

// Commit applies a terminal transition. Returns store.ErrNotPending when the
// ticket was cancelled (or otherwise finished) in the meantime; in that case
// nothing was written.
func (r *Registry) Commit(ctx context.Context, tr store.Transition) (*store.Event, error) {
	if tr.At.IsZero() {
		tr.At = r.now().UTC()
	}
	ev, err := r.store.CommitTransition(ctx, tr)
	if err != nil {
		return nil, err
	}
	r.logger.Info("ticket finished", "ticket_id", tr.TicketID, "status", tr.Status, "error", tr.Err)
	return ev, nil
}

// DecodeHandler unmarshals the protocol state stored on t into v.
func DecodeHandler(t *store.Ticket, v any) error {
	if len(t.Handler) == 0 {
		return fmt.Errorf("ticket %s has no handler state", t.ID)
	}
	if err := json.Unmarshal(t.Handler, v); err != nil {
		return fmt.Errorf("decoding handler of ticket %s: %w", t.ID, err)
	}
	return nil
}

func encodeHandler(handler any) (json.RawMessage, error) {
	switch h := handler.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return h, nil
	}
	raw, err := json.Marshal(handler)
	if err != nil {
		return nil, fmt.Errorf("encoding ticket handler: %w", err)
	}
	return raw, nil
}
