// ABOUTME: Tests for identity creation, loading and shutdown
// ABOUTME: Covers validation, locking, wrong passwords and unreachable ledgers

package identity

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/idenmobile/internal/config"
	"github.com/2389/idenmobile/internal/keystore"
	"github.com/2389/idenmobile/internal/ledger"
	"github.com/2389/idenmobile/internal/mockserver"
	"github.com/2389/idenmobile/internal/store"
)

func TestCreateStopLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})

	created, err := Create(ctx, env.options("alice"))
	require.NoError(t, err)
	id := created.ID()
	assert.Len(t, id, 64)
	assert.Equal(t, "alice", created.Alias())
	assert.Contains(t, created.PublicKey(), "ssh-ed25519 ")
	require.NoError(t, created.Stop())

	dir := filepath.Join(env.storePath, "alice")
	assert.FileExists(t, filepath.Join(dir, keystoreDir, keystore.FileName))
	assert.FileExists(t, filepath.Join(dir, storeDir, storeFile))
	assert.FileExists(t, filepath.Join(env.storePath, config.SharedDirName, ledger.ChainStateFile))

	loaded, err := Load(ctx, env.options("alice"))
	require.NoError(t, err)
	assert.Equal(t, id, loaded.ID())
	assert.Equal(t, dir, loaded.Dir())
	require.NoError(t, loaded.Stop())
}

func TestLoad_WrongPassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})

	created, err := Create(ctx, env.options("alice"))
	require.NoError(t, err)
	require.NoError(t, created.Stop())

	keyPath := filepath.Join(env.storePath, "alice", keystoreDir, keystore.FileName)
	before, err := os.ReadFile(keyPath)
	require.NoError(t, err)

	opts := env.options("alice")
	opts.Password = "wrong"
	_, err = Load(ctx, opts)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "invalid encrypted data")

	after, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The failed attempt released the lock.
	loaded, err := Load(ctx, env.options("alice"))
	require.NoError(t, err)
	require.NoError(t, loaded.Stop())
}

func TestLoad_AlreadyOpen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})
	env.create(t, env.options("alice"))

	_, err := Load(ctx, env.options("alice"))
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestLoad_NotFound(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	_, err := Load(context.Background(), env.options("nobody"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})

	tests := []struct {
		name   string
		mutate func(o *Options)
		want   error
	}{
		{"empty alias", func(o *Options) { o.Alias = "" }, ErrInvalidArgument},
		{"non alphanumeric alias", func(o *Options) { o.Alias = "../evil" }, ErrInvalidArgument},
		{"empty password", func(o *Options) { o.Password = "" }, ErrInvalidArgument},
		{"missing store path", func(o *Options) { o.StorePath = "" }, ErrInvalidArgument},
		{"zero period", func(o *Options) { o.ReconciliationPeriod = 0 }, ErrInvalidPeriod},
		{"negative period", func(o *Options) { o.ReconciliationPeriod = -time.Second }, ErrInvalidPeriod},
		{"no ledger", func(o *Options) { o.Web3URL = "" }, ErrNotInitialized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := env.options("alice")
			tt.mutate(&opts)
			_, err := Create(context.Background(), opts)
			require.ErrorIs(t, err, tt.want)
		})
	}

	entries, err := os.ReadDir(env.storePath)
	require.NoError(t, err)
	assert.Empty(t, entries, "validation failures must not touch the disk")
}

func TestCreate_AlreadyExists(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})

	first, err := Create(ctx, env.options("alice"))
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	_, err = Create(ctx, env.options("alice"))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreate_EmptyDirectoryIsReused(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(env.storePath, "alice"), 0700))

	env.create(t, env.options("alice"))
}

func TestCreate_StorePathIsFile(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	opts := env.options("alice")
	opts.StorePath = path
	_, err := Create(context.Background(), opts)
	require.ErrorIs(t, err, ErrPathNotFound)
}

func TestCreate_NetworkUnavailable(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	opts := env.options("alice")
	opts.Web3URL = dead.URL
	_, err := Create(context.Background(), opts)
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	_, statErr := os.Stat(filepath.Join(env.storePath, "alice"))
	assert.True(t, os.IsNotExist(statErr), "failed create must not leave a directory")
}

func TestCreate_WithInjectedLedger(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	opts := env.options("alice")
	opts.Web3URL = ""
	opts.Ledger = env.mock.Ledger()

	env.create(t, opts)
}

func TestStop_IdempotentAndFinal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mockserver.Options{})

	id, err := Create(ctx, env.options("alice"))
	require.NoError(t, err)
	require.NoError(t, id.Stop())
	require.NoError(t, id.Stop())

	_, err = id.RequestClaim(ctx, env.issuerURL(), "data")
	require.ErrorIs(t, err, ErrStopped)
	_, err = id.ProveClaim(ctx, env.verifierURL(), "x")
	require.ErrorIs(t, err, ErrStopped)
	err = id.Claims(ctx, func(*store.Claim) bool { return true })
	require.ErrorIs(t, err, ErrStopped)
	_, err = id.Events(ctx)
	require.ErrorIs(t, err, ErrStopped)
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.New("http://127.0.0.1:8545", "http://issuer/", "http://verifier/", "/tmp/ids", time.Second)
	require.NoError(t, err)

	opts := FromConfig(cfg, "alice", "pw")
	assert.Equal(t, "alice", opts.Alias)
	assert.Equal(t, "/tmp/ids", opts.StorePath)
	assert.Equal(t, cfg.SharedStorePath, opts.SharedStorePath)
	assert.Equal(t, time.Second, opts.ReconciliationPeriod)
	assert.Equal(t, config.DefaultMaxAttempts, opts.MaxAttempts)
	assert.Equal(t, config.DefaultWorkFactor, opts.KeyParams.WorkFactor)
}

// attrCounter is a slog handler that remembers the largest number of
// "component" attributes seen on one record.
type attrCounter struct {
	mu    *sync.Mutex
	max   *int
	attrs []slog.Attr
}

func (h attrCounter) Enabled(context.Context, slog.Level) bool { return true }

func (h attrCounter) Handle(_ context.Context, r slog.Record) error {
	n := 0
	for _, a := range h.attrs {
		if a.Key == "component" {
			n++
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			n++
		}
		return true
	})
	h.mu.Lock()
	if n > *h.max {
		*h.max = n
	}
	h.mu.Unlock()
	return nil
}

func (h attrCounter) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return h
}

func (h attrCounter) WithGroup(string) slog.Handler { return h }

func TestLogging_OneComponentPerRecord(t *testing.T) {
	env := newTestEnv(t, mockserver.Options{})
	var mu sync.Mutex
	var most int
	opts := env.options("alice")
	opts.Logger = slog.New(attrCounter{mu: &mu, max: &most})
	id := env.create(t, opts)

	_, err := id.RequestClaimSync(context.Background(), env.issuerURL(), "over18")
	require.NoError(t, err)
	require.NoError(t, id.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, most)
}
