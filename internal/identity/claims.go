// ABOUTME: Claim requests: asynchronous tickets, callbacks and the blocking variant
// ABOUTME: Drives the submit, status and credential phases of the issuer protocol

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/2389/idenmobile/internal/protocol"
	"github.com/2389/idenmobile/internal/store"
	"github.com/2389/idenmobile/internal/tickets"
)

// Claim protocol phases persisted in a claim-request ticket.
const (
	phaseSubmit     = "submit"
	phaseStatus     = "status"
	phaseCredential = "credential"
)

// ClaimCallback receives the final ticket of a claim request and a nil error
// on success.
type ClaimCallback func(t *store.Ticket, err error)

// claimHandler is the protocol state of a claim-request ticket.
type claimHandler struct {
	Phase     string          `json:"phase"`
	IssuerURL string          `json:"issuerUrl"`
	Data      string          `json:"data"`
	RequestID int             `json:"requestId,omitempty"`
	Claim     *protocol.Claim `json:"claim,omitempty"`
}

// ClaimEventData is the payload of a successful claim-request event.
type ClaimEventData struct {
	ClaimID   string `json:"claimId"`
	IssuerURL string `json:"issuerUrl"`
	BlockN    uint64 `json:"blockN"`
}

// RequestClaim registers a claim request for data with the issuer and returns
// its ticket right away. The outcome arrives as an event.
func (i *Identity) RequestClaim(ctx context.Context, issuerURL, data string) (*store.Ticket, error) {
	return i.requestClaim(ctx, issuerURL, data, nil)
}

// RequestClaimWithCallback is RequestClaim with cb invoked exactly once when
// the ticket finishes, fails, is cancelled or the identity stops.
func (i *Identity) RequestClaimWithCallback(ctx context.Context, issuerURL, data string, cb ClaimCallback) (*store.Ticket, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: callback is required", ErrInvalidArgument)
	}
	return i.requestClaim(ctx, issuerURL, data, cb)
}

func (i *Identity) requestClaim(ctx context.Context, issuerURL, data string, cb ClaimCallback) (*store.Ticket, error) {
	if err := validateClaimRequest(issuerURL, data); err != nil {
		return nil, err
	}
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	h := claimHandler{Phase: phaseSubmit, IssuerURL: issuerURL, Data: data}

	// Hold cbMu across registration so a fast loop cannot finish the ticket
	// before its callback is in place.
	i.cbMu.Lock()
	t, err := i.tickets.Register(ctx, store.TicketClaimRequest, h)
	if err == nil && cb != nil {
		i.addCallback(t.ID, cb)
	}
	i.cbMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	i.nudge()
	return t, nil
}

// RequestClaimSync runs the whole claim protocol in the caller's goroutine,
// polling the issuer every reconciliation period until the credential is
// issued or ctx ends. No ticket or event is produced.
func (i *Identity) RequestClaimSync(ctx context.Context, issuerURL, data string) (*store.Claim, error) {
	if err := validateClaimRequest(issuerURL, data); err != nil {
		return nil, err
	}
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	h := claimHandler{Phase: phaseSubmit, IssuerURL: issuerURL, Data: data}
	for {
		stepCtx, cancel := context.WithTimeout(ctx, i.requestTimeout)
		cred, err := i.advanceClaim(stepCtx, &h)
		cancel()
		if err != nil {
			return nil, translate(err)
		}
		if cred != nil {
			id, claims, creds, err := claimEntries(cred)
			if err != nil {
				return nil, err
			}
			if err := i.store.PutClaim(ctx, id, claims[0].Value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			if err := i.store.PutCredential(ctx, id, creds[0].Value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			return i.store.GetClaim(ctx, id)
		}

		timer := time.NewTimer(i.period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func validateClaimRequest(issuerURL, data string) error {
	if err := protocol.ValidateData(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	u, err := url.Parse(issuerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: issuer URL %q must be http or https", ErrInvalidArgument, issuerURL)
	}
	return nil
}

func (i *Identity) stepClaim(ctx context.Context, t *store.Ticket) outcome {
	var h claimHandler
	if err := tickets.DecodeHandler(t, &h); err != nil {
		return outcome{err: err}
	}

	cred, err := i.advanceClaim(ctx, &h)
	if err != nil {
		return outcome{handler: h, err: err}
	}
	if cred == nil {
		return outcome{handler: h}
	}

	id, claims, creds, err := claimEntries(cred)
	if err != nil {
		return outcome{handler: h, err: err}
	}
	return outcome{
		handler:     h,
		done:        true,
		claims:      claims,
		credentials: creds,
		data: ClaimEventData{
			ClaimID:   id,
			IssuerURL: h.IssuerURL,
			BlockN:    cred.IdenStateData.BlockN,
		},
	}
}

// advanceClaim runs phases from h.Phase until the issuer asks us to wait or
// the credential is issued. h records the progress made even on error.
func (i *Identity) advanceClaim(ctx context.Context, h *claimHandler) (*protocol.Credential, error) {
	token, err := i.holderToken()
	if err != nil {
		return nil, err
	}

	for {
		switch h.Phase {
		case phaseSubmit:
			id, err := i.client.RequestClaim(ctx, h.IssuerURL, token, protocol.ClaimRequest{
				Value:     h.Data,
				Index:     h.Data,
				HolderID:  i.ID(),
				HolderKey: i.key.AuthorizedKey(),
			})
			if err != nil {
				return nil, err
			}
			i.logger.Debug("claim request submitted", "issuer", h.IssuerURL, "request_id", id)
			h.RequestID = id
			h.Phase = phaseStatus

		case phaseStatus:
			resp, err := i.client.ClaimStatus(ctx, h.IssuerURL, token, h.RequestID)
			if err != nil {
				return nil, err
			}
			switch resp.Status {
			case protocol.StatusPending:
				return nil, nil
			case protocol.StatusRejected:
				return nil, fmt.Errorf("%w: issuer rejected request %d", ErrClaimRejected, h.RequestID)
			}
			if resp.Claim.Holder != i.ID() {
				return nil, fmt.Errorf("%w: claim issued to holder %s", ErrClaimRejected, resp.Claim.Holder)
			}
			h.Claim = resp.Claim
			h.Phase = phaseCredential

		case phaseCredential:
			if h.Claim == nil {
				return nil, fmt.Errorf("credential phase without an approved claim")
			}
			resp, err := i.client.RequestCredential(ctx, h.IssuerURL, token, *h.Claim)
			if err != nil {
				return nil, err
			}
			if resp.Status == protocol.CredentialNotYet {
				return nil, nil
			}
			cred := resp.Credential
			if cred.Claim != *h.Claim {
				return nil, fmt.Errorf("%w: credential does not match the approved claim", ErrClaimRejected)
			}
			cred.IssuerURL = h.IssuerURL
			return cred, nil

		default:
			return nil, fmt.Errorf("unknown claim phase %q", h.Phase)
		}
	}
}

// claimEntries keys the claim and its credential by the claim id.
func claimEntries(cred *protocol.Credential) (string, []store.Entry, []store.Entry, error) {
	id, err := cred.Claim.ID()
	if err != nil {
		return "", nil, nil, err
	}
	claim, err := json.Marshal(cred.Claim)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encoding claim: %w", err)
	}
	credential, err := json.Marshal(cred)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encoding credential: %w", err)
	}
	return id,
		[]store.Entry{{Key: id, Value: claim}},
		[]store.Entry{{Key: id, Value: credential}},
		nil
}
