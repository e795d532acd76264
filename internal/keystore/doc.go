// Package keystore owns the encrypted private key of an identity.
//
// # Layout
//
// A keystore is a directory containing a single file, key.age. The file is an
// age envelope with one scrypt recipient. Inside is a deterministic CBOR record
// carrying the key alias, the 32 byte ed25519 seed and the creation time.
//
// # Identity IDs
//
// The identity identifier is the SHA256 fingerprint of the SSH wire encoding
// of the public key, hex encoded in lowercase. The same format is used for
// holder token subjects so issuers and verifiers can check that a token was
// signed by the key it claims to belong to.
//
// # Errors
//
// [Open] returns [ErrIncorrectPassword] when the password does not unlock the
// envelope and [ErrCorrupt] when the envelope opens but the record is not
// readable. Callers map these to their own authentication and IO errors.
package keystore
