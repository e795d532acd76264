// ABOUTME: Identity lifecycle: create, load and stop one holder identity
// ABOUTME: Owns the keystore, per-identity store, directory lock, ledger cache and reconciliation loop

package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/idenmobile/internal/events"
	"github.com/2389/idenmobile/internal/keystore"
	"github.com/2389/idenmobile/internal/ledger"
	"github.com/2389/idenmobile/internal/protocol"
	"github.com/2389/idenmobile/internal/store"
	"github.com/2389/idenmobile/internal/tickets"
)

// Identity is one live holder identity. All methods are safe for concurrent use.
type Identity struct {
	key    *keystore.Key
	dir    string
	store  *store.SQLiteStore
	lock   *store.DirLock
	ledger *ledger.Cached

	tickets *tickets.Registry
	events  *events.Channel
	client  *protocol.Client
	logger  *slog.Logger

	period         time.Duration
	requestTimeout time.Duration
	maxAttempts    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	// life guards stopped. Operations hold it for reading.
	life    sync.RWMutex
	stopped bool

	cbMu      sync.Mutex
	callbacks map[string]func(*store.Ticket, error)

	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// Create generates a new identity under <StorePath>/<Alias>, seals its key
// with the password and starts reconciliation.
func Create(ctx context.Context, opts Options) (*Identity, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	dir := opts.dir()

	fresh, err := checkFresh(opts.StorePath, dir)
	if err != nil {
		return nil, err
	}

	led, err := dialLedger(ctx, &opts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating identity directory: %v", ErrIO, err)
	}
	cleanup := func() {
		if fresh {
			os.RemoveAll(dir)
			return
		}
		for _, name := range []string{keystoreDir, storeDir, store.LockFileName} {
			os.RemoveAll(filepath.Join(dir, name))
		}
	}

	lock, err := store.LockDir(dir)
	if err != nil {
		return nil, translateOpen(err)
	}

	key, err := keystore.Generate(opts.Alias)
	if err != nil {
		lock.Release()
		cleanup()
		return nil, fmt.Errorf("generating identity key: %w", err)
	}
	if err := keystore.Seal(filepath.Join(dir, keystoreDir), key, opts.Password, opts.KeyParams); err != nil {
		lock.Release()
		cleanup()
		return nil, fmt.Errorf("%w: sealing keystore: %v", ErrIO, err)
	}

	st, err := openStore(dir, opts.Logger)
	if err != nil {
		lock.Release()
		cleanup()
		return nil, err
	}
	meta := map[string]string{
		metaIdentityID: key.ID(),
		metaAlias:      opts.Alias,
		metaCreatedAt:  key.CreatedAt().Format(time.RFC3339),
	}
	for k, v := range meta {
		if err := st.SetMeta(ctx, k, v); err != nil {
			st.Close()
			lock.Release()
			cleanup()
			return nil, fmt.Errorf("%w: writing identity metadata: %v", ErrIO, err)
		}
	}

	i, err := start(opts, dir, key, st, lock, led)
	if err != nil {
		cleanup()
		return nil, err
	}
	i.logger.Info("identity created", "dir", dir)
	return i, nil
}

// Load opens an existing identity and resumes reconciliation of its pending
// tickets. A wrong password fails with ErrAuthenticationFailed and leaves the
// directory untouched.
func Load(ctx context.Context, opts Options) (*Identity, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	dir := opts.dir()

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: no identity %q in %s", ErrNotFound, opts.Alias, opts.StorePath)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	case !info.IsDir():
		return nil, fmt.Errorf("%w: %s is not a directory", ErrPathNotFound, dir)
	}
	ksDir := filepath.Join(dir, keystoreDir)
	if !keystore.Exists(ksDir) {
		return nil, fmt.Errorf("%w: %s has no keystore", ErrNotFound, dir)
	}

	lock, err := store.LockDir(dir)
	if err != nil {
		return nil, translateOpen(err)
	}

	key, err := keystore.Open(ksDir, opts.Password)
	if err != nil {
		lock.Release()
		if errors.Is(err, keystore.ErrIncorrectPassword) || errors.Is(err, keystore.ErrCorrupt) {
			return nil, translate(err)
		}
		return nil, fmt.Errorf("%w: opening keystore: %v", ErrIO, err)
	}

	led, err := dialLedger(ctx, &opts)
	if err != nil {
		lock.Release()
		return nil, err
	}

	st, err := openStore(dir, opts.Logger)
	if err != nil {
		lock.Release()
		return nil, err
	}
	owner, err := st.GetMeta(ctx, metaIdentityID)
	if err == nil && owner != key.ID() {
		err = fmt.Errorf("store belongs to identity %s", owner)
	}
	if err != nil {
		st.Close()
		lock.Release()
		return nil, fmt.Errorf("%w: checking identity metadata: %v", ErrIO, err)
	}

	i, err := start(opts, dir, key, st, lock, led)
	if err != nil {
		return nil, err
	}
	i.logger.Info("identity loaded", "dir", dir)
	return i, nil
}

// checkFresh rejects a target directory that already holds anything. It
// reports whether the directory still has to be created.
func checkFresh(storePath, dir string) (bool, error) {
	if info, err := os.Stat(storePath); err == nil && !info.IsDir() {
		return false, fmt.Errorf("%w: %s is not a directory", ErrPathNotFound, storePath)
	}

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%w: %s", ErrAlreadyExists, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(entries) > 0 {
		return false, fmt.Errorf("%w: %s is not empty", ErrAlreadyExists, dir)
	}
	return false, nil
}

func dialLedger(ctx context.Context, opts *Options) (ledger.Ledger, error) {
	if opts.Ledger != nil {
		return opts.Ledger, nil
	}
	rpcOpts := []ledger.RPCOption{ledger.WithLogger(opts.Logger)}
	if opts.HTTPClient != nil {
		rpcOpts = append(rpcOpts, ledger.WithHTTPClient(opts.HTTPClient))
	}
	led, err := ledger.Dial(ctx, opts.Web3URL, rpcOpts...)
	if err != nil {
		return nil, translate(err)
	}
	return led, nil
}

func openStore(dir string, logger *slog.Logger) (*store.SQLiteStore, error) {
	path := filepath.Join(dir, storeDir)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating store directory: %v", ErrIO, err)
	}
	st, err := store.NewSQLiteStore(filepath.Join(path, storeFile), logger)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store: %v", ErrIO, err)
	}
	return st, nil
}

func translateOpen(err error) error {
	if errors.Is(err, store.ErrAlreadyOpen) {
		return err
	}
	return fmt.Errorf("%w: locking identity directory: %v", ErrIO, err)
}

// start wires the runtime pieces and launches the reconciliation loop. On
// failure it releases st and lock.
func start(opts Options, dir string, key *keystore.Key, st *store.SQLiteStore, lock *store.DirLock, led ledger.Ledger) (*Identity, error) {
	base := opts.Logger.With("identity_id", key.ID())
	logger := base.With("component", "identity")

	cached, err := ledger.NewCached(led, opts.SharedStorePath, opts.LedgerCacheTTL, opts.Logger)
	if err != nil {
		st.Close()
		lock.Release()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Identity{
		key:            key,
		dir:            dir,
		store:          st,
		lock:           lock,
		ledger:         cached,
		tickets:        tickets.New(st, base),
		events:         events.New(st, base),
		client:         protocol.NewClient(opts.HTTPClient, base),
		logger:         logger,
		period:         opts.ReconciliationPeriod,
		requestTimeout: opts.RequestTimeout,
		maxAttempts:    opts.MaxAttempts,
		ctx:            ctx,
		cancel:         cancel,
		wake:           make(chan struct{}, 1),
		callbacks:      make(map[string]func(*store.Ticket, error)),
	}
	i.events.SetListener(opts.Listener)

	i.wg.Add(1)
	go i.run()
	return i, nil
}

// Stop halts reconciliation, delivers queued events and releases every
// resource. Pending tickets stay pending and resume on the next Load. It is
// safe to call more than once, also from a listener or callback.
func (i *Identity) Stop() error {
	if !i.stopping.CompareAndSwap(false, true) && i.events.OnDispatcher() {
		// A Stop in progress elsewhere is waiting for this delivery to return.
		return nil
	}
	i.stopOnce.Do(func() {
		i.cancel()
		i.life.Lock()
		i.stopped = true
		i.life.Unlock()
		i.wg.Wait()

		i.cbMu.Lock()
		abandoned := i.callbacks
		i.callbacks = nil
		i.cbMu.Unlock()
		for id, cb := range abandoned {
			t := &store.Ticket{ID: id, Status: store.StatusPending}
			i.events.Go(func() { cb(t, ErrStopped) })
		}
		i.events.Close()

		var errs []error
		if err := i.ledger.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := i.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := i.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		i.stopErr = errors.Join(errs...)
		i.logger.Info("identity stopped")
	})
	return i.stopErr
}

// enter guards an operation against a concurrent Stop. The returned context
// is cancelled when the identity stops.
func (i *Identity) enter(ctx context.Context) (context.Context, func(), error) {
	i.life.RLock()
	if i.stopped {
		i.life.RUnlock()
		return nil, nil, ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	unbind := context.AfterFunc(i.ctx, cancel)
	return ctx, func() {
		unbind()
		cancel()
		i.life.RUnlock()
	}, nil
}

// ID returns the identity id.
func (i *Identity) ID() string { return i.key.ID() }

// Alias returns the alias the identity was created under.
func (i *Identity) Alias() string { return i.key.Alias() }

// Dir returns the identity directory.
func (i *Identity) Dir() string { return i.dir }

// PublicKey returns the holder key in authorized_keys format.
func (i *Identity) PublicKey() string { return i.key.AuthorizedKey() }

// SetListener replaces the event listener. Events produced while no listener
// is set are only kept in the persisted log.
func (i *Identity) SetListener(l events.Listener) { i.events.SetListener(l) }

// DecodeErrors reports how many stored entries were skipped as undecodable.
func (i *Identity) DecodeErrors() uint64 { return i.store.DecodeErrors() }

func (i *Identity) holderToken() (string, error) {
	token, err := protocol.IssueHolderToken(i.key.PrivateKey(), i.key.ID(), protocol.DefaultTokenTTL)
	if err != nil {
		return "", fmt.Errorf("signing holder token: %w", err)
	}
	return token, nil
}
