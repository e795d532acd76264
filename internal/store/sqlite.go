// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists claims, credentials, tickets, events and identity metadata with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes writers so the reconciliation loop and caller goroutines
	// never interleave inside a ticket transition.
	mu sync.Mutex

	decodeErrors atomic.Uint64
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps pragmas stable and makes every transaction a
	// serialization point for the file.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS claims (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			key        TEXT NOT NULL UNIQUE,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			key        TEXT NOT NULL UNIQUE,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tickets (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			type         TEXT NOT NULL,
			status       TEXT NOT NULL,
			last_checked INTEGER NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			handler      TEXT,
			err          TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('pending', 'done', 'cancelled', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);

		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT,
			err        TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_ticket
			ON events(ticket_id) WHERE ticket_id != '';

		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Debug("closing SQLite store")
	return s.db.Close()
}

// DecodeErrors returns how many stored rows were skipped because they could not be decoded.
func (s *SQLiteStore) DecodeErrors() uint64 {
	return s.decodeErrors.Load()
}

// skip records a row that iteration could not decode. Iteration continues.
func (s *SQLiteStore) skip(table, key string, err error) {
	n := s.decodeErrors.Add(1)
	s.logger.Warn("skipping undecodable row", "table", table, "key", key, "error", err, "decode_errors", n)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// ----------------------------------------------------------------------------
// Claims and credentials
// ----------------------------------------------------------------------------

// PutClaim stores a claim, replacing any previous value for the key.
func (s *SQLiteStore) PutClaim(ctx context.Context, key string, value json.RawMessage) error {
	return s.putEntry(ctx, "claims", key, value)
}

// GetClaim returns the claim for key or ErrKeyNotFound.
func (s *SQLiteStore) GetClaim(ctx context.Context, key string) (*Claim, error) {
	return s.getEntry(ctx, "claims", key)
}

// IterateClaims visits claims in insertion order until visit returns false.
func (s *SQLiteStore) IterateClaims(ctx context.Context, visit func(*Claim) bool) error {
	return s.iterateEntries(ctx, "claims", visit)
}

// PutCredential stores a credential, replacing any previous value for the key.
func (s *SQLiteStore) PutCredential(ctx context.Context, key string, value json.RawMessage) error {
	return s.putEntry(ctx, "credentials", key, value)
}

// GetCredential returns the credential for key or ErrKeyNotFound.
func (s *SQLiteStore) GetCredential(ctx context.Context, key string) (*Credential, error) {
	return s.getEntry(ctx, "credentials", key)
}

// IterateCredentials visits credentials in insertion order until visit returns false.
func (s *SQLiteStore) IterateCredentials(ctx context.Context, visit func(*Credential) bool) error {
	return s.iterateEntries(ctx, "credentials", visit)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func validateEntry(key string, value json.RawMessage) error {
	if key == "" {
		return errors.New("key is required")
	}
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}
	return nil
}

func upsertEntry(ctx context.Context, ex execer, table, key string, value json.RawMessage, at time.Time) error {
	// table is always one of the two fixed namespaces, never caller input.
	query := `INSERT INTO ` + table + ` (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := ex.ExecContext(ctx, query, key, string(value), formatTime(at)); err != nil {
		return fmt.Errorf("upserting %s entry: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) putEntry(ctx context.Context, table, key string, value json.RawMessage) error {
	if err := validateEntry(key, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := upsertEntry(ctx, s.db, table, key, value, time.Now()); err != nil {
		return err
	}
	s.logger.Debug("stored entry", "table", table, "key", key)
	return nil
}

func (s *SQLiteStore) getEntry(ctx context.Context, table, key string) (*Entry, error) {
	var value, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM `+table+` WHERE key = ?`, key,
	).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s entry: %w", table, err)
	}

	e, err := decodeEntry(key, value, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("decoding %s entry %q: %w", table, key, err)
	}
	return e, nil
}

func decodeEntry(key, value, updatedAt string) (*Entry, error) {
	if !json.Valid([]byte(value)) {
		return nil, errors.New("stored value is not valid JSON")
	}
	at, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &Entry{Key: key, Value: json.RawMessage(value), UpdatedAt: at}, nil
}

// iterateEntries reads a full snapshot before visiting so writes made by the
// visitor, or by other goroutines, never disturb the traversal.
func (s *SQLiteStore) iterateEntries(ctx context.Context, table string, visit func(*Entry) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM `+table+` ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("querying %s: %w", table, err)
	}

	type raw struct{ key, value, updatedAt string }
	var snapshot []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.key, &r.value, &r.updatedAt); err != nil {
			s.skip(table, "", err)
			continue
		}
		snapshot = append(snapshot, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("iterating %s: %w", table, err)
	}

	for _, r := range snapshot {
		e, err := decodeEntry(r.key, r.value, r.updatedAt)
		if err != nil {
			s.skip(table, r.key, err)
			continue
		}
		if !visit(e) {
			return nil
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Tickets
// ----------------------------------------------------------------------------

// CreateTicket inserts a new ticket. Returns ErrDuplicateTicket if the id is taken.
func (s *SQLiteStore) CreateTicket(ctx context.Context, t *Ticket) error {
	if !t.Type.Valid() {
		return fmt.Errorf("unknown ticket type %q", t.Type)
	}
	if len(t.Handler) > 0 && !json.Valid(t.Handler) {
		return errors.New("ticket handler is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, type, status, last_checked, attempts, handler, err, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		string(t.Type),
		string(t.Status),
		t.LastChecked.UnixNano(),
		t.Attempts,
		nullJSON(t.Handler),
		t.Err,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTicket
		}
		return fmt.Errorf("inserting ticket: %w", err)
	}

	s.logger.Debug("created ticket", "ticket_id", t.ID, "type", t.Type)
	return nil
}

const ticketColumns = `id, type, status, last_checked, attempts, handler, err, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*Ticket, error) {
	var (
		t                    Ticket
		typ, status          string
		lastChecked          int64
		handler              sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &typ, &status, &lastChecked, &t.Attempts, &handler, &t.Err, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Type = TicketType(typ)
	if !t.Type.Valid() {
		return &t, fmt.Errorf("unknown ticket type %q", typ)
	}
	t.Status = TicketStatus(status)
	t.LastChecked = time.Unix(0, lastChecked).UTC()
	if handler.Valid {
		if !json.Valid([]byte(handler.String)) {
			return &t, errors.New("ticket handler is not valid JSON")
		}
		t.Handler = json.RawMessage(handler.String)
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return &t, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return &t, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// GetTicket retrieves a ticket by id. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ticket: %w", err)
	}
	return t, nil
}

// ListTickets returns a snapshot of every ticket in insertion order.
// Rows that cannot be decoded are skipped and counted.
func (s *SQLiteStore) ListTickets(ctx context.Context) ([]*Ticket, error) {
	return s.listTickets(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY seq`)
}

// ListPendingTickets returns a snapshot of the pending tickets in insertion order.
func (s *SQLiteStore) ListPendingTickets(ctx context.Context) ([]*Ticket, error) {
	return s.listTickets(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE status = 'pending' ORDER BY seq`)
}

func (s *SQLiteStore) listTickets(ctx context.Context, query string, args ...any) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			id := ""
			if t != nil {
				id = t.ID
			}
			s.skip("tickets", id, err)
			continue
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tickets: %w", err)
	}
	return tickets, nil
}

// CancelTicket moves a pending ticket to cancelled. It reports whether the
// ticket changed; cancelling a terminal ticket is a no-op. Returns ErrNotFound
// for unknown ids.
func (s *SQLiteStore) CancelTicket(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("cancelling ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("cancelled ticket", "ticket_id", id)
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tickets WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying ticket: %w", err)
	}
	return false, nil
}

// TouchTicket records a reconciliation attempt on a pending ticket: last_checked
// advances to at (never backwards), attempts is replaced and, when handler is
// non-nil, the protocol state is replaced too. It reports whether the ticket
// was still pending.
func (s *SQLiteStore) TouchTicket(ctx context.Context, id string, at time.Time, attempts int, handler json.RawMessage) (bool, error) {
	if len(handler) > 0 && !json.Valid(handler) {
		return false, errors.New("ticket handler is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET last_checked = MAX(last_checked, ?),
			attempts = ?,
			handler = COALESCE(?, handler),
			updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, at.UnixNano(), attempts, nullJSON(handler), formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("touching ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// CommitTransition applies tr in a single transaction. The ticket status is
// re-checked inside the transaction; if it is no longer pending nothing is
// written and ErrNotPending is returned. On success the stored event, with its
// sequence number, is returned (nil if tr carried no event).
func (s *SQLiteStore) CommitTransition(ctx context.Context, tr Transition) (*Event, error) {
	if tr.Status != StatusDone && tr.Status != StatusFailed {
		return nil, fmt.Errorf("invalid transition target %q", tr.Status)
	}
	for _, e := range tr.Claims {
		if err := validateEntry(e.Key, e.Value); err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
	}
	for _, e := range tr.Credentials {
		if err := validateEntry(e.Key, e.Value); err != nil {
			return nil, fmt.Errorf("credential: %w", err)
		}
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?,
			handler = COALESCE(?, handler),
			err = ?,
			last_checked = MAX(last_checked, ?),
			updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(tr.Status), nullJSON(tr.Handler), tr.Err, at.UnixNano(), formatTime(at), tr.TicketID)
	if err != nil {
		return nil, fmt.Errorf("updating ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotPending
	}

	for _, e := range tr.Claims {
		if err := upsertEntry(ctx, tx, "claims", e.Key, e.Value, at); err != nil {
			return nil, err
		}
	}
	for _, e := range tr.Credentials {
		if err := upsertEntry(ctx, tx, "credentials", e.Key, e.Value, at); err != nil {
			return nil, err
		}
	}

	var stored *Event
	if tr.Event != nil {
		ev := *tr.Event
		ev.TicketID = tr.TicketID
		ev.CreatedAt = at.UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (ticket_id, type, data, err, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.TicketID, string(ev.Type), nullJSON(ev.Data), ev.Err, formatTime(ev.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("inserting event: %w", err)
		}
		if ev.Seq, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("reading event sequence: %w", err)
		}
		stored = &ev
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}

	s.logger.Debug("committed ticket transition",
		"ticket_id", tr.TicketID,
		"status", tr.Status,
		"claims", len(tr.Claims),
		"credentials", len(tr.Credentials),
	)
	return stored, nil
}

// ----------------------------------------------------------------------------
// Events
// ----------------------------------------------------------------------------

// ListEvents returns the persisted event log in the order events were recorded.
func (s *SQLiteStore) ListEvents(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ticket_id, type, data, err, created_at FROM events ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			ev        Event
			typ       string
			data      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.Seq, &ev.TicketID, &typ, &data, &ev.Err, &createdAt); err != nil {
			s.skip("events", "", err)
			continue
		}
		ev.Type = TicketType(typ)
		if data.Valid {
			if !json.Valid([]byte(data.String)) {
				s.skip("events", ev.TicketID, errors.New("event data is not valid JSON"))
				continue
			}
			ev.Data = json.RawMessage(data.String)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			s.skip("events", ev.TicketID, err)
			continue
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// ----------------------------------------------------------------------------
// Metadata
// ----------------------------------------------------------------------------

// SetMeta stores a metadata value, replacing any previous one.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("storing meta %q: %w", key, err)
	}
	return nil
}

// GetMeta returns a metadata value or ErrKeyNotFound.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying meta %q: %w", key, err)
	}
	return value, nil
}
