// ABOUTME: Proving held credentials to verifiers, in full or as a selective disclosure
// ABOUTME: Confirms the issuer state on the ledger before contacting the verifier

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/idenmobile/internal/ledger"
	"github.com/2389/idenmobile/internal/protocol"
	"github.com/2389/idenmobile/internal/store"
	"github.com/2389/idenmobile/internal/tickets"
)

// ProofCallback receives the verdict of an asynchronous proof.
type ProofCallback func(ok bool, err error)

// proofHandler is the protocol state of a proof ticket.
type proofHandler struct {
	VerifierURL  string `json:"verifierUrl"`
	CredentialID string `json:"credentialId"`
}

// ProofEventData is the payload of a successful proof event.
type ProofEventData struct {
	CredentialID string `json:"credentialId"`
	VerifierURL  string `json:"verifierUrl"`
	ZK           bool   `json:"zk"`
	Verified     bool   `json:"verified"`
}

// ProveClaim presents the credential to the verifier and blocks for the
// verdict. A rejection returns false with ErrProofRejected.
func (i *Identity) ProveClaim(ctx context.Context, verifierURL, credentialID string) (bool, error) {
	return i.proveSync(ctx, verifierURL, credentialID, false)
}

// ProveClaimZK is ProveClaim using a selective disclosure that hides the
// claim value.
func (i *Identity) ProveClaimZK(ctx context.Context, verifierURL, credentialID string) (bool, error) {
	return i.proveSync(ctx, verifierURL, credentialID, true)
}

func (i *Identity) proveSync(ctx context.Context, verifierURL, credentialID string, zk bool) (bool, error) {
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return false, err
	}
	defer leave()

	ctx, cancel := context.WithTimeout(ctx, i.requestTimeout)
	defer cancel()
	if err := i.prove(ctx, verifierURL, credentialID, zk); err != nil {
		return false, translate(err)
	}
	return true, nil
}

// ProveClaimAsync registers a proof ticket. An unknown credential fails
// immediately with ErrKeyNotFound.
func (i *Identity) ProveClaimAsync(ctx context.Context, verifierURL, credentialID string, zk bool) (*store.Ticket, error) {
	return i.proveAsync(ctx, verifierURL, credentialID, zk, nil)
}

// ProveClaimWithCallback is ProveClaimAsync with cb invoked exactly once with
// the verdict.
func (i *Identity) ProveClaimWithCallback(ctx context.Context, verifierURL, credentialID string, zk bool, cb ProofCallback) (*store.Ticket, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: callback is required", ErrInvalidArgument)
	}
	return i.proveAsync(ctx, verifierURL, credentialID, zk, func(_ *store.Ticket, err error) {
		cb(err == nil, err)
	})
}

func (i *Identity) proveAsync(ctx context.Context, verifierURL, credentialID string, zk bool, cb func(*store.Ticket, error)) (*store.Ticket, error) {
	if verifierURL == "" {
		return nil, fmt.Errorf("%w: verifier URL is required", ErrInvalidArgument)
	}
	ctx, leave, err := i.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	if _, err := i.store.GetCredential(ctx, credentialID); err != nil {
		return nil, err
	}

	typ := store.TicketClaimProof
	if zk {
		typ = store.TicketClaimProofZK
	}

	i.cbMu.Lock()
	t, err := i.tickets.Register(ctx, typ, proofHandler{VerifierURL: verifierURL, CredentialID: credentialID})
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

func (i *Identity) stepProof(ctx context.Context, t *store.Ticket) outcome {
	var h proofHandler
	if err := tickets.DecodeHandler(t, &h); err != nil {
		return outcome{err: err}
	}
	zk := t.Type == store.TicketClaimProofZK
	if err := i.prove(ctx, h.VerifierURL, h.CredentialID, zk); err != nil {
		return outcome{err: err}
	}
	return outcome{
		done: true,
		data: ProofEventData{
			CredentialID: h.CredentialID,
			VerifierURL:  h.VerifierURL,
			ZK:           zk,
			Verified:     true,
		},
	}
}

func (i *Identity) prove(ctx context.Context, verifierURL, credentialID string, zk bool) error {
	cred, err := i.credential(ctx, credentialID)
	if err != nil {
		return err
	}
	if err := i.confirmOnChain(ctx, cred); err != nil {
		return err
	}

	token, err := i.holderToken()
	if err != nil {
		return err
	}
	holderKey := i.key.AuthorizedKey()

	if !zk {
		return i.client.Verify(ctx, verifierURL, token, protocol.VerifyRequest{
			Credential: *cred,
			HolderKey:  holderKey,
		})
	}
	d, _, err := protocol.Disclose(cred)
	if err != nil {
		return err
	}
	return i.client.VerifyZK(ctx, verifierURL, token, protocol.VerifyZKRequest{
		Disclosure: *d,
		HolderKey:  holderKey,
	})
}

// confirmOnChain requires the ledger to hold the issuer state the credential
// refers to, or a later one. A stale cached state gets one fresh read.
func (i *Identity) confirmOnChain(ctx context.Context, cred *protocol.Credential) error {
	ok, err := i.onChain(ctx, cred)
	if err != nil || ok {
		return err
	}
	i.ledger.Invalidate(cred.ID)
	if ok, err = i.onChain(ctx, cred); err != nil || ok {
		return err
	}
	return fmt.Errorf("%w: issuer %s state at block %d", ErrNotYetOnChain, cred.ID, cred.IdenStateData.BlockN)
}

func (i *Identity) onChain(ctx context.Context, cred *protocol.Credential) (bool, error) {
	st, err := i.ledger.StateOf(ctx, cred.ID)
	if errors.Is(err, ledger.ErrStateNotFound) {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	want := cred.IdenStateData
	if st.BlockN < want.BlockN {
		return false, nil
	}
	if st.BlockN == want.BlockN && st.Root != want.IdenState {
		return false, nil
	}
	return true, nil
}

func (i *Identity) credential(ctx context.Context, id string) (*protocol.Credential, error) {
	entry, err := i.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	var cred protocol.Credential
	if err := json.Unmarshal(entry.Value, &cred); err != nil {
		return nil, fmt.Errorf("%w: decoding credential %s: %v", ErrIO, id, err)
	}
	return &cred, nil
}
