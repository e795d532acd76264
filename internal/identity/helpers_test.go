// ABOUTME: Shared fixtures for identity tests
// ABOUTME: Runs a mock issuer/verifier/ledger per test and records delivered events

package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/idenmobile/internal/keystore"
	"github.com/2389/idenmobile/internal/mockserver"
	"github.com/2389/idenmobile/internal/store"
)

const (
	testPassword = "correct horse"
	testPeriod   = 20 * time.Millisecond
	waitTimeout  = 5 * time.Second
)

type testEnv struct {
	mock       *mockserver.Server
	base       string
	storePath  string
	httpClient *http.Client
}

func newTestEnv(t *testing.T, opts mockserver.Options) *testEnv {
	t.Helper()
	mock, err := mockserver.New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)

	return &testEnv{
		mock:       mock,
		base:       srv.URL,
		storePath:  t.TempDir(),
		httpClient: srv.Client(),
	}
}

func (e *testEnv) issuerURL() string   { return mockserver.IssuerURL(e.base) }
func (e *testEnv) verifierURL() string { return mockserver.VerifierURL(e.base) }

func (e *testEnv) options(alias string) Options {
	return Options{
		Alias:                alias,
		Password:             testPassword,
		StorePath:            e.storePath,
		Web3URL:              mockserver.Web3URL(e.base),
		ReconciliationPeriod: testPeriod,
		RequestTimeout:       2 * time.Second,
		KeyParams:            keystore.Params{WorkFactor: 10},
		HTTPClient:           e.httpClient,
	}
}

// create makes an identity that is stopped at test cleanup.
func (e *testEnv) create(t *testing.T, opts Options) *Identity {
	t.Helper()
	id, err := Create(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { id.Stop() })
	return id
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []*store.Event
}

func (r *recorder) OnEvent(ev *store.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) forTicket(id string) []*store.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.Event
	for _, ev := range r.events {
		if ev.TicketID == id {
			out = append(out, ev)
		}
	}
	return out
}

// waitEvent blocks until an event for ticketID was delivered.
func (r *recorder) waitEvent(t *testing.T, ticketID string) *store.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.forTicket(ticketID)) > 0
	}, waitTimeout, 5*time.Millisecond, "no event for ticket %s", ticketID)
	return r.forTicket(ticketID)[0]
}

func claimKeys(t *testing.T, id *Identity) []string {
	t.Helper()
	var keys []string
	require.NoError(t, id.Claims(context.Background(), func(c *store.Claim) bool {
		keys = append(keys, c.Key)
		return true
	}))
	return keys
}

func ticketStatus(t *testing.T, id *Identity, ticketID string) store.TicketStatus {
	t.Helper()
	tk, err := id.Ticket(context.Background(), ticketID)
	require.NoError(t, err)
	return tk.Status
}
