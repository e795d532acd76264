// Package ledger reads identity state from the backing chain.
//
// Proofs are only accepted once the state that backs a credential has been
// confirmed on chain. This package hides how that state is obtained:
//
//   - RPC talks JSON-RPC 2.0 to a web3 endpoint and calls getState(bytes32)
//     on the identity state contract.
//   - Local is an in-memory ledger for tests and the mock server.
//   - Cached decorates any Ledger with a short in-memory TTL cache and a
//     persisted chainstate.db kept in the shared store path, so states already
//     seen are still served while the endpoint is unreachable.
//
// # Web3 URLs
//
// A URL prefixed with "hidden:" is used with the prefix stripped, and is
// replaced by "<hidden>" in logs and transport errors:
//
//	hidden:https://mainnet.example.org/v3/SECRET
//
// # Errors
//
// Transport failures wrap ErrNetworkUnavailable. An identity that never
// published yields ErrStateNotFound.
package ledger
