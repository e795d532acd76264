// ABOUTME: Store interfaces and data types for per-identity persistence
// ABOUTME: Defines Ticket, Event, Claim and Credential records and the Store interfaces

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested ticket does not exist.
	ErrNotFound = errors.New("not found")

	// ErrKeyNotFound is returned when a claim or credential key is absent.
	ErrKeyNotFound = errors.New("key not found")

	// ErrAlreadyOpen is returned when another live instance holds the directory lock.
	ErrAlreadyOpen = errors.New("store already open")

	// ErrDuplicateTicket is returned when registering a ticket id twice.
	ErrDuplicateTicket = errors.New("ticket already exists")

	// ErrNotPending is returned when a transition targets a ticket that already
	// left the pending state, typically because it was cancelled meanwhile.
	ErrNotPending = errors.New("ticket is not pending")
)

// TicketType identifies which asynchronous operation a ticket tracks.
type TicketType string

const (
	TicketClaimRequest TicketType = "claim-request"
	TicketClaimProof   TicketType = "claim-proof"
	TicketClaimProofZK TicketType = "claim-proof-zk"
)

// Valid reports whether t is a known ticket type.
func (t TicketType) Valid() bool {
	switch t {
	case TicketClaimRequest, TicketClaimProof, TicketClaimProofZK:
		return true
	}
	return false
}

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	StatusPending   TicketStatus = "pending"
	StatusDone      TicketStatus = "done"
	StatusCancelled TicketStatus = "cancelled"
	StatusFailed    TicketStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TicketStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFailed
}

// Ticket represents one outstanding or completed asynchronous operation.
type Ticket struct {
	ID          string
	Type        TicketType
	Status      TicketStatus
	LastChecked time.Time // never moves backwards
	Attempts    int       // consecutive transient failures
	Handler     json.RawMessage
	Err         string // reason for a failed ticket
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is an immutable notification produced when a ticket reaches a terminal state.
type Event struct {
	Seq       int64
	TicketID  string
	Type      TicketType
	Data      json.RawMessage
	Err       string // empty on success
	CreatedAt time.Time
}

// Entry is a key-addressed JSON blob held in the claim or credential namespace.
type Entry struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Claim is an attested statement about the identity.
type Claim = Entry

// Credential proves the continued validity of a previously issued claim.
type Credential = Entry

// Transition moves a pending ticket to a terminal state together with its
// side effects. It is applied atomically, and only if the ticket is still pending.
type Transition struct {
	TicketID    string
	Status      TicketStatus
	Handler     json.RawMessage
	Err         string
	Claims      []Entry
	Credentials []Entry
	Event       *Event
	At          time.Time
}

// ClaimStore persists claims and credentials.
type ClaimStore interface {
	PutClaim(ctx context.Context, key string, value json.RawMessage) error
	GetClaim(ctx context.Context, key string) (*Claim, error)
	IterateClaims(ctx context.Context, visit func(*Claim) bool) error

	PutCredential(ctx context.Context, key string, value json.RawMessage) error
	GetCredential(ctx context.Context, key string) (*Credential, error)
	IterateCredentials(ctx context.Context, visit func(*Credential) bool) error
}

// TicketStore persists tickets and commits their transitions.
type TicketStore interface {
	CreateTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	ListTickets(ctx context.Context) ([]*Ticket, error)
	ListPendingTickets(ctx context.Context) ([]*Ticket, error)
	CancelTicket(ctx context.Context, id string, at time.Time) (bool, error)
	TouchTicket(ctx context.Context, id string, at time.Time, attempts int, handler json.RawMessage) (bool, error)
	CommitTransition(ctx context.Context, tr Transition) (*Event, error)
}

// EventStore exposes the persisted event log.
type EventStore interface {
	ListEvents(ctx context.Context) ([]*Event, error)
}

// MetaStore holds small identity-level settings.
type MetaStore interface {
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)
}

// Store is everything an identity persists.
type Store interface {
	ClaimStore
	TicketStore
	EventStore
	MetaStore
	DecodeErrors() uint64
	Close() error
}
