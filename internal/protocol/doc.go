// Package protocol implements the holder side of the issuer and verifier
// HTTP protocols.
//
// # Issuer
//
//	POST {issuer}/claim/request     {value, index, holderId, holderKey} -> {id}
//	GET  {issuer}/claim/status/{id} -> {status: pending|rejected|approved, claim}
//	POST {issuer}/claim/credential  {claim} -> {status: notyet|ready, credential}
//
// # Verifier
//
//	POST {verifier}/verify     {credential, holderKey}
//	POST {verifier}/verifyzkp  {disclosure, holderKey}
//
// Every call carries an EdDSA holder token in the Authorization header. The
// token subject is the identity id, which is the fingerprint of the key that
// signed it, so a server can authenticate a holder with nothing but the
// holderKey it was given.
//
// # Errors
//
// Non-2xx replies carry {"error": "..."} and surface as *ServerError whose Kind
// is one of the sentinel errors. A message containing "not found on chain"
// maps to ErrNotYetOnChain; other 4xx replies are permanent rejections; 5xx
// replies and transport failures are ErrNetworkUnavailable. Use Transient to
// decide whether a failure is worth retrying.
//
// # Zero-knowledge proofs
//
// Disclose builds a Disclosure that reveals the claim index, the holder and
// the issuer state, and commits to the full claim with a BLAKE3 hash keyed by
// a random salt. The value itself is never sent.
package protocol
