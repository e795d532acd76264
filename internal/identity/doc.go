// Package identity runs one holder identity: its sealed key, its store of
// claims and credentials, and the tickets tracking work with issuers and
// verifiers.
//
// # Layout
//
//	<store>/<alias>/LOCK                 exclusive while the identity is live
//	<store>/<alias>/keystore/key.age     password sealed key
//	<store>/<alias>/store/identity.db    claims, credentials, tickets, events
//	<shared>/chainstate.db               ledger states, common to all identities
//
// # Tickets
//
// Asynchronous operations return a pending ticket at once. A background loop
// wakes every reconciliation period, advances each pending ticket and, when
// one finishes, commits its status, its side effects and its event in a
// single transaction. A ticket cancelled in the meantime keeps its cancelled
// status and the late result is dropped. Transient failures are retried up to
// the configured attempt limit.
//
// Events are delivered in commit order to the listener set at the time they
// are produced. Callbacks run after the listener, on the same goroutine.
package identity
