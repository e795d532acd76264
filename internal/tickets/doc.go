// Package tickets tracks asynchronous operations of an identity.
//
// A ticket is created pending and moves to exactly one terminal state:
//
//	pending --(reconciliation succeeds)--> done
//	pending --(permanent error or retries exhausted)--> failed
//	pending --(Cancel)--> cancelled
//
// Cancel is the only externally triggered transition. Done and failed are
// reached through Commit, which re-checks that the ticket is still pending in
// the same transaction that writes its claims and event.
//
// Iterate and All work on snapshots taken when the traversal starts, in
// ticket insertion order, and stop as soon as the visitor returns false.
package tickets
