// Package store provides per-identity persistence using SQLite.
//
// # Architecture
//
// The store package uses small interfaces that SQLiteStore implements in a
// single struct:
//
//   - ClaimStore: claims and credentials, two independent key namespaces
//   - TicketStore: asynchronous operation tickets and their transitions
//   - EventStore: the persisted log of terminal ticket events
//   - MetaStore: identity-level settings such as the identity id
//
// # Data Models
//
//   - Ticket: one in-flight or completed claim request or proof
//   - Event: immutable record of a ticket reaching done or failed
//   - Entry (Claim, Credential): key-addressed JSON blob
//
// # Transitions
//
// A ticket leaves the pending state through exactly one of two paths.
// CancelTicket moves it to cancelled. CommitTransition moves it to done or
// failed and, in the same transaction, writes the claims, credentials and
// event that go with it. Both re-check status = 'pending' in their UPDATE so a
// cancel that wins the race makes the commit a no-op (ErrNotPending).
//
// # Iteration
//
// Iteration always works on a snapshot read before the first visit. Rows that
// cannot be decoded are skipped, logged and counted; see DecodeErrors.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Directory Lock
//
// LockDir takes a flock(2) on dir/LOCK. A second LockDir on the same directory
// fails with ErrAlreadyOpen until the first is released.
package store
