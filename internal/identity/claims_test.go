// ABOUTME: Tests for claim requests through the reconciliation loop
// ABOUTME: Covers acceptance, rejection, cancellation, retries, resume after reload and the sync variant

package identity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/idenmobile/internal/mockserver"
	"github.com/2389/idenmobile/internal/protocol"
	"github.com/2389/idenmobile/internal/store"
)

func TestRequestClaim_Accepted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	id := env.create(t, opts)

	tk, err := id.RequestClaim(ctx, env.issuerURL(), "over18")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, tk.Status)
	assert.Equal(t, store.TicketClaimRequest, tk.Type)

	ev := rec.waitEvent(t, tk.ID)
	assert.Empty(t, ev.Err)
	assert.Equal(t, store.TicketClaimRequest, ev.Type)

	var data ClaimEventData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, env.issuerURL(), data.IssuerURL)

	assert.Equal(t, []string{data.ClaimID}, claimKeys(t, id))
	assert.Equal(t, store.StatusDone, ticketStatus(t, id, tk.ID))

	claim, err := id.store.GetClaim(ctx, data.ClaimID)
	require.NoError(t, err)
	var c protocol.Claim
	require.NoError(t, json.Unmarshal(claim.Value, &c))
	assert.Equal(t, "over18", c.Index)
	assert.Equal(t, "over18", c.Value)
	assert.Equal(t, id.ID(), c.Holder)
	assert.Equal(t, env.mock.IssuerID(), c.Issuer)

	cred, err := id.Credential(ctx, data.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, c, cred.Claim)
	assert.Equal(t, env.issuerURL(), cred.IssuerURL)

	logged, err := id.Events(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, ev.Seq, logged[0].Seq)
}

func TestRequestClaim_Rejected(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	id := env.create(t, opts)

	tk, err := id.RequestClaim(context.Background(), env.issuerURL(), "reject-me")
	require.NoError(t, err)

	ev := rec.waitEvent(t, tk.ID)
	assert.Contains(t, ev.Err, "claim rejected")
	assert.Equal(t, store.StatusFailed, ticketStatus(t, id, tk.ID))
	assert.Empty(t, claimKeys(t, id))
}

func TestRequestClaim_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))

	_, err := id.RequestClaim(ctx, env.issuerURL(), "this is far too long")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = id.RequestClaim(ctx, env.issuerURL(), "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = id.RequestClaim(ctx, "not a url", "data")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = id.RequestClaimWithCallback(ctx, env.issuerURL(), "data", nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	n := 0
	require.NoError(t, id.Tickets(ctx, func(*store.Ticket) bool { n++; return true }))
	assert.Zero(t, n)
}

func TestRequestClaimWithCallback(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))

	var (
		mu    sync.Mutex
		calls int
		got   *store.Ticket
		gotEr error
	)
	tk, err := id.RequestClaimWithCallback(context.Background(), env.issuerURL(), "data", func(t *store.Ticket, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		got, gotEr = t, err
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > 0
	}, waitTimeout, 5*time.Millisecond)

	// Give a late duplicate a chance to show up.
	time.Sleep(5 * testPeriod)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	require.NoError(t, gotEr)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, store.StatusDone, got.Status)
}

func TestCancel_DiscardsLateResult(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{ApprovalDelay: 200 * time.Millisecond})
	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	id := env.create(t, opts)

	errs := make(chan error, 2)
	tk, err := id.RequestClaimWithCallback(ctx, env.issuerURL(), "data", func(_ *store.Ticket, err error) {
		errs <- err
	})
	require.NoError(t, err)
	require.NoError(t, id.Cancel(ctx, tk.ID))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(waitTimeout):
		t.Fatal("callback not invoked on cancel")
	}

	// Outlive the approval delay; the result must be dropped.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, store.StatusCancelled, ticketStatus(t, id, tk.ID))
	assert.Empty(t, rec.forTicket(tk.ID))
	assert.Empty(t, claimKeys(t, id))
	assert.Empty(t, errs)

	// Cancelling again, or a finished ticket, is a no-op.
	require.NoError(t, id.Cancel(ctx, tk.ID))
	require.ErrorIs(t, id.Cancel(ctx, "no-such-ticket"), ErrNotFound)
}

func TestScenario_TwoAcceptedOneCancelled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{ApprovalDelay: 150 * time.Millisecond})
	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	id := env.create(t, opts)

	first, err := id.RequestClaim(ctx, env.issuerURL(), "first")
	require.NoError(t, err)
	second, err := id.RequestClaim(ctx, env.issuerURL(), "second")
	require.NoError(t, err)

	assert.Empty(t, rec.waitEvent(t, first.ID).Err)
	assert.Empty(t, rec.waitEvent(t, second.ID).Err)

	third, err := id.RequestClaim(ctx, env.issuerURL(), "third")
	require.NoError(t, err)
	require.NoError(t, id.Cancel(ctx, third.ID))

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, claimKeys(t, id), 2)
	assert.Empty(t, rec.forTicket(third.ID))

	statuses := map[string]store.TicketStatus{}
	require.NoError(t, id.Tickets(ctx, func(tk *store.Ticket) bool {
		statuses[tk.ID] = tk.Status
		return true
	}))
	assert.Equal(t, map[string]store.TicketStatus{
		first.ID:  store.StatusDone,
		second.ID: store.StatusDone,
		third.ID:  store.StatusCancelled,
	}, statuses)

	logged, err := id.Events(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Less(t, logged[0].Seq, logged[1].Seq)
}

func TestRequestClaim_TransientFailuresAreRetried(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	opts.MaxAttempts = 5
	id := env.create(t, opts)

	env.mock.FailNext(3)
	tk, err := id.RequestClaim(context.Background(), env.issuerURL(), "data")
	require.NoError(t, err)

	ev := rec.waitEvent(t, tk.ID)
	assert.Empty(t, ev.Err)
	assert.Equal(t, store.StatusDone, ticketStatus(t, id, tk.ID))
}

func TestRequestClaim_FailsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	opts.MaxAttempts = 2
	id := env.create(t, opts)

	env.mock.FailNext(1000)
	tk, err := id.RequestClaim(context.Background(), env.issuerURL(), "data")
	require.NoError(t, err)

	ev := rec.waitEvent(t, tk.ID)
	assert.Contains(t, ev.Err, "network unavailable")

	tk, err = id.Ticket(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, tk.Status)
	assert.Equal(t, ev.Err, tk.Err)
	assert.Equal(t, 1, tk.Attempts)
}

func TestRequestClaim_ResumesAfterLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{ApprovalDelay: 300 * time.Millisecond})

	first, err := Create(ctx, env.options("alice"))
	require.NoError(t, err)
	tk, err := first.RequestClaim(ctx, env.issuerURL(), "data")
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	rec := &recorder{}
	opts := env.options("alice")
	opts.Listener = rec
	loaded, err := Load(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { loaded.Stop() })

	ev := rec.waitEvent(t, tk.ID)
	assert.Empty(t, ev.Err)
	assert.Len(t, claimKeys(t, loaded), 1)
}

func TestRequestClaim_NoListenerKeepsLog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))

	tk, err := id.RequestClaim(ctx, env.issuerURL(), "data")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ticketStatus(t, id, tk.ID) == store.StatusDone
	}, waitTimeout, 5*time.Millisecond)

	logged, err := id.Events(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, tk.ID, logged[0].TicketID)

	// A listener set afterwards does not replay old events.
	rec := &recorder{}
	id.SetListener(rec)
	time.Sleep(5 * testPeriod)
	assert.Empty(t, rec.forTicket(tk.ID))
}

func TestRequestClaimSync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{ApprovalDelay: 50 * time.Millisecond})
	id := env.create(t, env.options("alice"))

	claim, err := id.RequestClaimSync(ctx, env.issuerURL(), "sync")
	require.NoError(t, err)

	var c protocol.Claim
	require.NoError(t, json.Unmarshal(claim.Value, &c))
	assert.Equal(t, "sync", c.Value)
	assert.Equal(t, []string{claim.Key}, claimKeys(t, id))

	_, err = id.Credential(ctx, claim.Key)
	require.NoError(t, err)

	logged, err := id.Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestRequestClaimSync_Rejected(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	id := env.create(t, env.options("alice"))

	_, err := id.RequestClaimSync(context.Background(), env.issuerURL(), "reject")
	require.ErrorIs(t, err, ErrClaimRejected)
}

func TestRequestClaimSync_ContextTimeout(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{ApprovalDelay: time.Hour})
	id := env.create(t, env.options("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := id.RequestClaimSync(ctx, env.issuerURL(), "data")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
