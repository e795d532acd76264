// Package events delivers asynchronous notifications of an identity.
//
// Each identity has one Channel with a single listener slot. Events are
// delivered by one dispatcher goroutine in the order they were published,
// which is the order the underlying ticket transitions were committed.
// Delivery never happens under a lock held by the reconciliation loop, so a
// listener may call back into the identity.
//
// When no listener is registered an event is dropped rather than queued. The
// persisted log returned by List still holds it.
//
// Per-ticket callbacks ride on the same dispatcher: Publish takes an optional
// function that runs right after the listener, and Go queues a function with
// no event at all.
package events
