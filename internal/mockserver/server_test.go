// ABOUTME: Tests for the mock issuer, verifier and ledger endpoints
// ABOUTME: Drives the real protocol and ledger clients against an httptest server

package mockserver

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/idenmobile/internal/keystore"
	"github.com/2389/idenmobile/internal/ledger"
	"github.com/2389/idenmobile/internal/protocol"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	srv    *Server
	base   string
	client *protocol.Client
	key    *keystore.Key
	token  string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	srv, err := New(opts)
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	key, err := keystore.Generate("holder")
	require.NoError(t, err)
	token, err := protocol.IssueHolderToken(key.PrivateKey(), key.ID(), 0)
	require.NoError(t, err)

	return &fixture{
		srv:    srv,
		base:   hs.URL,
		client: protocol.NewClient(hs.Client(), nil),
		key:    key,
		token:  token,
	}
}

func (f *fixture) request(t *testing.T, data string) int {
	t.Helper()
	id, err := f.client.RequestClaim(context.Background(), IssuerURL(f.base), f.token, protocol.ClaimRequest{
		Value:     data,
		Index:     data,
		HolderID:  f.key.ID(),
		HolderKey: f.key.AuthorizedKey(),
	})
	require.NoError(t, err)
	return id
}

func TestServer_ClaimFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	id := f.request(t, "hello")
	assert.Equal(t, 1, f.srv.Received())

	status, err := f.client.ClaimStatus(ctx, IssuerURL(f.base), f.token, id)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusApproved, status.Status)
	assert.Equal(t, "hello", status.Claim.Value)
	assert.Equal(t, f.key.ID(), status.Claim.Holder)
	assert.Equal(t, f.srv.IssuerID(), status.Claim.Issuer)

	resp, err := f.client.RequestCredential(ctx, IssuerURL(f.base), f.token, *status.Claim)
	require.NoError(t, err)
	require.Equal(t, protocol.CredentialReady, resp.Status)
	cred := resp.Credential
	assert.Equal(t, *status.Claim, cred.Claim)

	st, err := f.srv.Ledger().StateOf(ctx, f.srv.IssuerID())
	require.NoError(t, err)
	assert.Equal(t, st.Root, cred.IdenStateData.IdenState)
	assert.Equal(t, st.BlockN, cred.IdenStateData.BlockN)

	err = f.client.Verify(ctx, VerifierURL(f.base), f.token, protocol.VerifyRequest{
		Credential: *cred,
		HolderKey:  f.key.AuthorizedKey(),
	})
	require.NoError(t, err)

	d, _, err := protocol.Disclose(cred)
	require.NoError(t, err)
	err = f.client.VerifyZK(ctx, VerifierURL(f.base), f.token, protocol.VerifyZKRequest{
		Disclosure: *d,
		HolderKey:  f.key.AuthorizedKey(),
	})
	require.NoError(t, err)
}

func TestServer_ApprovalAndPublishDelays(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Now()}
	f := newFixture(t, Options{ApprovalDelay: time.Hour, PublishDelay: time.Hour, Now: clock.Now})

	id := f.request(t, "slow")
	status, err := f.client.ClaimStatus(ctx, IssuerURL(f.base), f.token, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPending, status.Status)

	clock.Advance(time.Hour)
	status, err = f.client.ClaimStatus(ctx, IssuerURL(f.base), f.token, id)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusApproved, status.Status)

	resp, err := f.client.RequestCredential(ctx, IssuerURL(f.base), f.token, *status.Claim)
	require.NoError(t, err)
	assert.Equal(t, protocol.CredentialNotYet, resp.Status)

	_, err = f.srv.Ledger().StateOf(ctx, f.srv.IssuerID())
	require.ErrorIs(t, err, ledger.ErrStateNotFound)

	clock.Advance(time.Hour)
	resp, err = f.client.RequestCredential(ctx, IssuerURL(f.base), f.token, *status.Claim)
	require.NoError(t, err)
	assert.Equal(t, protocol.CredentialReady, resp.Status)
}

func TestServer_Rejection(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.request(t, "please-reject")

	status, err := f.client.ClaimStatus(context.Background(), IssuerURL(f.base), f.token, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRejected, status.Status)
}

func TestServer_RejectsForeignToken(t *testing.T) {
	f := newFixture(t, Options{})

	other, err := keystore.Generate("other")
	require.NoError(t, err)
	token, err := protocol.IssueHolderToken(other.PrivateKey(), other.ID(), 0)
	require.NoError(t, err)

	_, err = f.client.RequestClaim(context.Background(), IssuerURL(f.base), token, protocol.ClaimRequest{
		Value:     "x",
		Index:     "x",
		HolderID:  f.key.ID(),
		HolderKey: f.key.AuthorizedKey(),
	})
	require.ErrorIs(t, err, protocol.ErrClaimRejected)
}

func TestServer_FailNext(t *testing.T) {
	f := newFixture(t, Options{})
	f.srv.FailNext(1)

	_, err := f.client.RequestClaim(context.Background(), IssuerURL(f.base), f.token, protocol.ClaimRequest{
		Value:     "x",
		Index:     "x",
		HolderID:  f.key.ID(),
		HolderKey: f.key.AuthorizedKey(),
	})
	require.ErrorIs(t, err, protocol.ErrNetworkUnavailable)
	assert.True(t, protocol.Transient(err))

	f.request(t, "x")
}

func TestServer_VerifyBeforePublishIsNotOnChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	id := f.request(t, "data")
	status, err := f.client.ClaimStatus(ctx, IssuerURL(f.base), f.token, id)
	require.NoError(t, err)
	resp, err := f.client.RequestCredential(ctx, IssuerURL(f.base), f.token, *status.Claim)
	require.NoError(t, err)

	f.srv.Ledger().Unpublish(f.srv.IssuerID())

	err = f.client.Verify(ctx, VerifierURL(f.base), f.token, protocol.VerifyRequest{
		Credential: *resp.Credential,
		HolderKey:  f.key.AuthorizedKey(),
	})
	require.ErrorIs(t, err, protocol.ErrNotYetOnChain)
}

func TestServer_VerifyTamperedCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	id := f.request(t, "data")
	status, err := f.client.ClaimStatus(ctx, IssuerURL(f.base), f.token, id)
	require.NoError(t, err)
	resp, err := f.client.RequestCredential(ctx, IssuerURL(f.base), f.token, *status.Claim)
	require.NoError(t, err)

	cred := *resp.Credential
	cred.Claim.Value = "forged"
	err = f.client.Verify(ctx, VerifierURL(f.base), f.token, protocol.VerifyRequest{
		Credential: cred,
		HolderKey:  f.key.AuthorizedKey(),
	})
	require.ErrorIs(t, err, protocol.ErrProofRejected)
}

func TestServer_JSONRPCLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	rpc, err := ledger.Dial(ctx, Web3URL(f.base))
	require.NoError(t, err)
	assert.Equal(t, ChainID, rpc.ChainID())

	_, err = rpc.StateOf(ctx, f.srv.IssuerID())
	require.ErrorIs(t, err, ledger.ErrStateNotFound)

	published, err := f.srv.Ledger().Publish(f.srv.IssuerID(), "")
	require.NoError(t, err)

	got, err := rpc.StateOf(ctx, f.srv.IssuerID())
	require.NoError(t, err)
	assert.Equal(t, published.Root, got.Root)
	assert.Equal(t, published.BlockN, got.BlockN)
}
