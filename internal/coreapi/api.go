// ABOUTME: Caller-facing surface over the identity engine, configured once per process
// ABOUTME: Binds the configured issuer and verifier URLs and offers best-effort listings

package coreapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/idenmobile/internal/config"
	"github.com/2389/idenmobile/internal/events"
	"github.com/2389/idenmobile/internal/identity"
	"github.com/2389/idenmobile/internal/ledger"
	"github.com/2389/idenmobile/internal/protocol"
	"github.com/2389/idenmobile/internal/store"
)

// Errors callers match with errors.Is.
var (
	ErrInvalidArgument      = identity.ErrInvalidArgument
	ErrInvalidPeriod        = identity.ErrInvalidPeriod
	ErrNotInitialized       = identity.ErrNotInitialized
	ErrPathNotFound         = identity.ErrPathNotFound
	ErrIO                   = identity.ErrIO
	ErrAlreadyExists        = identity.ErrAlreadyExists
	ErrAlreadyOpen          = identity.ErrAlreadyOpen
	ErrAuthenticationFailed = identity.ErrAuthenticationFailed
	ErrNetworkUnavailable   = identity.ErrNetworkUnavailable
	ErrKeyNotFound          = identity.ErrKeyNotFound
	ErrNotYetOnChain        = identity.ErrNotYetOnChain
	ErrNotFound             = identity.ErrNotFound
	ErrClaimRejected        = identity.ErrClaimRejected
	ErrProofRejected        = identity.ErrProofRejected
	ErrStopped              = identity.ErrStopped
	ErrCancelled            = identity.ErrCancelled
)

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger passed to every identity.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithHTTPClient sets the client used for the ledger, issuer and verifier.
func WithHTTPClient(c *http.Client) Option {
	return func(a *API) { a.httpClient = c }
}

// WithLedger replaces dialing the configured web3 URL.
func WithLedger(l ledger.Ledger) Option {
	return func(a *API) { a.ledger = l }
}

// API is the engine entry point. It holds configuration, not identities:
// callers keep the identities they create or load.
type API struct {
	cfg        config.Config
	base       *slog.Logger // handed to identities
	logger     *slog.Logger
	httpClient *http.Client
	ledger     ledger.Ledger

	mu   sync.Mutex
	live map[*identity.Identity]struct{}

	skipped atomic.Uint64
}

// ClaimEntry is a decoded stored claim.
type ClaimEntry struct {
	DBKey     string
	Claim     protocol.Claim
	UpdatedAt time.Time
}

// CredentialEntry is a decoded stored credential.
type CredentialEntry struct {
	DBKey      string
	Credential protocol.Credential
	UpdatedAt  time.Time
}

// Initialize validates cfg and returns an API bound to it. An incomplete
// configuration fails with ErrNotInitialized.
func Initialize(cfg config.Config, opts ...Option) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &API{
		cfg:    cfg,
		logger: slog.Default(),
		live:   make(map[*identity.Identity]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.base = a.logger
	a.logger = a.logger.With("component", "coreapi")
	return a, nil
}

// Config returns the configuration the API was initialized with.
func (a *API) Config() config.Config { return a.cfg }

func (a *API) options(alias, password string, listener events.Listener) identity.Options {
	opts := identity.FromConfig(&a.cfg, alias, password)
	opts.Listener = listener
	opts.HTTPClient = a.httpClient
	opts.Ledger = a.ledger
	opts.Logger = a.base
	return opts
}

// CreateIdentity creates a new identity. listener may be nil.
func (a *API) CreateIdentity(ctx context.Context, alias, password string, listener events.Listener) (*identity.Identity, error) {
	id, err := identity.Create(ctx, a.options(alias, password, listener))
	if err != nil {
		return nil, err
	}
	a.track(id)
	return id, nil
}

// LoadIdentity opens an existing identity. listener may be nil.
func (a *API) LoadIdentity(ctx context.Context, alias, password string, listener events.Listener) (*identity.Identity, error) {
	id, err := identity.Load(ctx, a.options(alias, password, listener))
	if err != nil {
		return nil, err
	}
	a.track(id)
	return id, nil
}

// StopIdentity stops id. Stopping twice is harmless.
func (a *API) StopIdentity(id *identity.Identity) error {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
	return id.Stop()
}

// Close stops every identity created or loaded through a that is still live.
func (a *API) Close() error {
	a.mu.Lock()
	live := make([]*identity.Identity, 0, len(a.live))
	for id := range a.live {
		live = append(live, id)
	}
	a.live = make(map[*identity.Identity]struct{})
	a.mu.Unlock()

	var first error
	for _, id := range live {
		if err := id.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (a *API) track(id *identity.Identity) {
	a.mu.Lock()
	a.live[id] = struct{}{}
	a.mu.Unlock()
}

// RequestClaim asks the configured issuer for a claim over data.
func (a *API) RequestClaim(ctx context.Context, id *identity.Identity, data string) (*store.Ticket, error) {
	return id.RequestClaim(ctx, a.cfg.IssuerURL, data)
}

// RequestClaimWithCallback is RequestClaim with a completion callback.
func (a *API) RequestClaimWithCallback(ctx context.Context, id *identity.Identity, data string, cb identity.ClaimCallback) (*store.Ticket, error) {
	return id.RequestClaimWithCallback(ctx, a.cfg.IssuerURL, data, cb)
}

// ProveClaim proves the credential to the configured verifier.
func (a *API) ProveClaim(ctx context.Context, id *identity.Identity, credentialID string) (bool, error) {
	return id.ProveClaim(ctx, a.cfg.VerifierURL, credentialID)
}

// ProveClaimZK proves the credential with a selective disclosure.
func (a *API) ProveClaimZK(ctx context.Context, id *identity.Identity, credentialID string) (bool, error) {
	return id.ProveClaimZK(ctx, a.cfg.VerifierURL, credentialID)
}

// ProveClaimWithCallback proves the credential asynchronously.
func (a *API) ProveClaimWithCallback(ctx context.Context, id *identity.Identity, credentialID string, cb identity.ProofCallback) (*store.Ticket, error) {
	return id.ProveClaimWithCallback(ctx, a.cfg.VerifierURL, credentialID, false, cb)
}

// ProveClaimWithCallbackZK proves the credential asynchronously with a
// selective disclosure.
func (a *API) ProveClaimWithCallbackZK(ctx context.Context, id *identity.Identity, credentialID string, cb identity.ProofCallback) (*store.Ticket, error) {
	return id.ProveClaimWithCallback(ctx, a.cfg.VerifierURL, credentialID, true, cb)
}

// CancelEvent cancels the pending ticket ticketID.
func (a *API) CancelEvent(ctx context.Context, id *identity.Identity, ticketID string) error {
	return id.Cancel(ctx, ticketID)
}

// ListClaims returns every claim that decodes. Undecodable entries are
// skipped and logged.
func (a *API) ListClaims(ctx context.Context, id *identity.Identity) []ClaimEntry {
	var out []ClaimEntry
	err := id.Claims(ctx, func(e *store.Claim) bool {
		var c protocol.Claim
		if err := json.Unmarshal(e.Value, &c); err != nil {
			a.skip("claim", e.Key, err)
			return true
		}
		out = append(out, ClaimEntry{DBKey: e.Key, Claim: c, UpdatedAt: e.UpdatedAt})
		return true
	})
	a.listFailed("claims", err)
	return out
}

// ListCredentials returns every credential that decodes.
func (a *API) ListCredentials(ctx context.Context, id *identity.Identity) []CredentialEntry {
	var out []CredentialEntry
	err := id.Credentials(ctx, func(e *store.Credential) bool {
		var c protocol.Credential
		if err := json.Unmarshal(e.Value, &c); err != nil {
			a.skip("credential", e.Key, err)
			return true
		}
		out = append(out, CredentialEntry{DBKey: e.Key, Credential: c, UpdatedAt: e.UpdatedAt})
		return true
	})
	a.listFailed("credentials", err)
	return out
}

// ListEvents returns the persisted event log.
func (a *API) ListEvents(ctx context.Context, id *identity.Identity) []*store.Event {
	evs, err := id.Events(ctx)
	a.listFailed("events", err)
	return evs
}

// ListTickets returns every ticket in creation order.
func (a *API) ListTickets(ctx context.Context, id *identity.Identity) []*store.Ticket {
	var out []*store.Ticket
	err := id.Tickets(ctx, func(t *store.Ticket) bool {
		out = append(out, t)
		return true
	})
	a.listFailed("tickets", err)
	return out
}

// Skipped reports how many listed entries were dropped as undecodable.
func (a *API) Skipped() uint64 { return a.skipped.Load() }

func (a *API) skip(kind, key string, err error) {
	a.skipped.Add(1)
	a.logger.Warn(fmt.Sprintf("skipping undecodable %s", kind), "key", key, "error", err)
}

func (a *API) listFailed(what string, err error) {
	if err != nil {
		a.logger.Warn("listing failed", "what", what, "error", err)
	}
}
