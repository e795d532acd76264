// Package mockserver simulates the remote side of the identity protocol.
//
// One router serves three surfaces:
//
//	/issuer/claim/request, /issuer/claim/status/{id}, /issuer/claim/credential
//	/verifier/verify, /verifier/verifyzkp
//	/rpc (JSON-RPC ledger)
//
// Claim requests are approved after Options.ApprovalDelay unless their data
// contains the reject marker. Credentials become ready once the issuer state
// has been published to the ledger, Options.PublishDelay after approval.
package mockserver
