// ABOUTME: Tests for proving credentials to the mock verifier
// ABOUTME: Covers full and zk proofs, ledger confirmation, stale caches and asynchronous proofs

package identity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/idenmobile/internal/mockserver"
	"github.com/2389/idenmobile/internal/store"
)

// issue obtains a credential synchronously and returns its id.
func issue(t *testing.T, id *Identity, issuerURL, data string) string {
	t.Helper()
	claim, err := id.RequestClaimSync(context.Background(), issuerURL, data)
	require.NoError(t, err)
	return claim.Key
}

func TestProveClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))
	credID := issue(t, id, env.issuerURL(), "over18")

	ok, err := id.ProveClaim(ctx, env.verifierURL(), credID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = id.ProveClaimZK(ctx, env.verifierURL(), credID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProveClaim_KeyNotFound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))

	_, err := id.ProveClaim(ctx, env.verifierURL(), "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, err = id.ProveClaimAsync(ctx, env.verifierURL(), "missing", false)
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, err = id.ProveClaimWithCallback(ctx, env.verifierURL(), "missing", true, func(bool, error) {
		t.Error("callback must not run for a synchronous failure")
	})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestProveClaim_NotYetOnChain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))
	credID := issue(t, id, env.issuerURL(), "data")

	env.mock.Ledger().Unpublish(env.mock.IssuerID())
	ok, err := id.ProveClaim(ctx, env.verifierURL(), credID)
	require.ErrorIs(t, err, ErrNotYetOnChain)
	assert.False(t, ok)

	_, err = env.mock.Ledger().Publish(env.mock.IssuerID(), "")
	require.NoError(t, err)
	ok, err = id.ProveClaim(ctx, env.verifierURL(), credID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProveClaim_StaleCachedStateIsRefreshed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))

	first := issue(t, id, env.issuerURL(), "first")
	ok, err := id.ProveClaim(ctx, env.verifierURL(), first)
	require.NoError(t, err)
	require.True(t, ok)

	// The second credential refers to a newer issuer state than the cached one.
	second := issue(t, id, env.issuerURL(), "second")
	ok, err = id.ProveClaim(ctx, env.verifierURL(), second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProveClaim_Rejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))
	credID := issue(t, id, env.issuerURL(), "data")

	cred, err := id.Credential(ctx, credID)
	require.NoError(t, err)
	cred.Claim.Value = "forged"
	raw, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, id.store.PutCredential(ctx, "forged", raw))

	ok, err := id.ProveClaim(ctx, env.verifierURL(), "forged")
	require.ErrorIs(t, err, ErrProofRejected)
	assert.False(t, ok)
}

func TestProveClaimWithCallback(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	id := env.create(t, opts)
	credID := issue(t, id, env.issuerURL(), "data")

	type verdict struct {
		ok  bool
		err error
	}
	verdicts := make(chan verdict, 2)
	tk, err := id.ProveClaimWithCallback(context.Background(), env.verifierURL(), credID, true, func(ok bool, err error) {
		verdicts <- verdict{ok, err}
	})
	require.NoError(t, err)
	assert.Equal(t, store.TicketClaimProofZK, tk.Type)

	select {
	case v := <-verdicts:
		require.NoError(t, v.err)
		assert.True(t, v.ok)
	case <-time.After(waitTimeout):
		t.Fatal("proof callback not invoked")
	}

	ev := rec.waitEvent(t, tk.ID)
	var data ProofEventData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, credID, data.CredentialID)
	assert.True(t, data.ZK)
	assert.True(t, data.Verified)
	assert.Equal(t, store.StatusDone, ticketStatus(t, id, tk.ID))
}

func TestProveClaimAsync_GivesUpWhenNeverOnChain(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	opts := env.options("alice")
	opts.MaxAttempts = 2
	id := env.create(t, opts)
	credID := issue(t, id, env.issuerURL(), "data")
	env.mock.Ledger().Unpublish(env.mock.IssuerID())

	errs := make(chan error, 1)
	tk, err := id.ProveClaimWithCallback(context.Background(), env.verifierURL(), credID, false, func(ok bool, err error) {
		assert.False(t, ok)
		errs <- err
	})
	require.NoError(t, err)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrNotYetOnChain)
	case <-time.After(waitTimeout):
		t.Fatal("proof callback not invoked")
	}
	assert.Equal(t, store.StatusFailed, ticketStatus(t, id, tk.ID))
}
