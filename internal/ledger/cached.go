// ABOUTME: Caching ledger decorator with an in-memory TTL layer and a shared SQLite state file
// ABOUTME: The state file lives in the shared store path and is common to every identity

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/idenmobile/internal/cache"

	_ "modernc.org/sqlite"
)

// ChainStateFile is the shared state cache file name.
const ChainStateFile = "chainstate.db"

const (
	// DefaultCacheTTL bounds how long a state read is served from memory.
	DefaultCacheTTL = 10 * time.Second

	defaultCacheSize = 1024
)

// Cached wraps a Ledger. Fresh reads are served from memory for a short TTL
// and every confirmed state is persisted, so an identity whose state was
// already seen on chain keeps being confirmed while the endpoint is down.
type Cached struct {
	next   Ledger
	mem    *cache.Cache[string, State]
	db     *sql.DB
	logger *slog.Logger
}

var _ Ledger = (*Cached)(nil)

// NewCached opens (or creates) sharedDir/chainstate.db and wraps next.
// A ttl of zero selects DefaultCacheTTL.
func NewCached(next Ledger, sharedDir string, ttl time.Duration, logger *slog.Logger) (*Cached, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(sharedDir, 0700); err != nil {
		return nil, fmt.Errorf("creating shared store directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(sharedDir, ChainStateFile))
	if err != nil {
		return nil, fmt.Errorf("opening chain state cache: %w", err)
	}
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identity_states (
			identity_id TEXT PRIMARY KEY,
			root        TEXT NOT NULL,
			block_n     INTEGER NOT NULL,
			block_ts    INTEGER NOT NULL,
			fetched_at  TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating chain state schema: %w", err)
	}

	return &Cached{
		next:   next,
		mem:    cache.New[string, State](ttl, defaultCacheSize),
		db:     db,
		logger: logger.With("component", "ledger_cache"),
	}, nil
}

// StateOf serves from memory, then from the wrapped ledger. When the wrapped
// ledger is unreachable the last persisted state is returned instead.
func (c *Cached) StateOf(ctx context.Context, identityID string) (*State, error) {
	if s, ok := c.mem.Get(identityID); ok {
		return &s, nil
	}

	s, err := c.next.StateOf(ctx, identityID)
	if err == nil {
		c.remember(ctx, s)
		return s, nil
	}
	if !errors.Is(err, ErrNetworkUnavailable) {
		return nil, err
	}

	persisted, perr := c.persisted(ctx, identityID)
	if perr != nil {
		if !errors.Is(perr, ErrStateNotFound) {
			c.logger.Warn("reading persisted chain state", "identity_id", identityID, "error", perr)
		}
		return nil, err
	}
	c.logger.Debug("serving persisted chain state", "identity_id", identityID, "block", persisted.BlockN)
	return persisted, nil
}

// remember stores s in memory and on disk. A persisted state is only replaced
// by one from the same or a later block.
func (c *Cached) remember(ctx context.Context, s *State) {
	c.mem.Set(s.IdentityID, *s)

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO identity_states (identity_id, root, block_n, block_ts, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			root = excluded.root,
			block_n = excluded.block_n,
			block_ts = excluded.block_ts,
			fetched_at = excluded.fetched_at
		WHERE excluded.block_n >= identity_states.block_n
	`, s.IdentityID, s.Root, int64(s.BlockN), s.BlockTs, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		c.logger.Warn("persisting chain state", "identity_id", s.IdentityID, "error", err)
	}
}

func (c *Cached) persisted(ctx context.Context, identityID string) (*State, error) {
	var (
		s      State
		blockN int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT identity_id, root, block_n, block_ts FROM identity_states WHERE identity_id = ?
	`, identityID).Scan(&s.IdentityID, &s.Root, &blockN, &s.BlockTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chain state: %w", err)
	}
	s.BlockN = uint64(blockN)
	return &s, nil
}

// Invalidate drops identityID from the in-memory layer.
func (c *Cached) Invalidate(identityID string) {
	c.mem.Delete(identityID)
}

// Close releases the state file. The wrapped ledger is left open.
func (c *Cached) Close() error {
	c.mem.Close()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing chain state cache: %w", err)
	}
	return nil
}
