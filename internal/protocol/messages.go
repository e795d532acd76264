// ABOUTME: Wire types exchanged with issuers and verifiers
// ABOUTME: Claim, Credential, Disclosure and the request/response bodies of every endpoint

package protocol

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// MaxDataLength bounds the data string of a claim request.
const MaxDataLength = 16

// Claim request status values reported by the issuer.
const (
	StatusPending  = "pending"
	StatusRejected = "rejected"
	StatusApproved = "approved"
)

// Credential status values reported by the issuer.
const (
	CredentialNotYet = "notyet"
	CredentialReady  = "ready"
)

// Claim is an attested statement issued to a holder.
type Claim struct {
	Index  string `json:"index" cbor:"1,keyasint"`
	Value  string `json:"value" cbor:"2,keyasint"`
	Issuer string `json:"issuer" cbor:"3,keyasint"`
	Holder string `json:"holder" cbor:"4,keyasint"`
	Nonce  uint64 `json:"nonce" cbor:"5,keyasint"`
}

// StateData locates the issuer state that includes a claim.
type StateData struct {
	BlockTs   int64  `json:"blockTs"`
	BlockN    uint64 `json:"blockN"`
	IdenState string `json:"idenState"`
}

// Credential proves a claim is included in a published issuer state.
type Credential struct {
	ID            string    `json:"id"` // issuer identity id
	Claim         Claim     `json:"claim"`
	IdenStateData StateData `json:"idenStateData"`
	IssuerURL     string    `json:"issuerUrl,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
}

// Encode returns the deterministic CBOR encoding of c.
func (c Claim) Encode() ([]byte, error) {
	b, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding claim: %w", err)
	}
	return b, nil
}

// ID returns the stable identifier of c: the first 160 bits of the BLAKE3
// hash of its canonical encoding, hex encoded.
func (c Claim) ID() (string, error) {
	b, err := c.Encode()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:20]), nil
}

// ClaimRequest is the body of POST {issuer}/claim/request.
type ClaimRequest struct {
	Value     string `json:"value"`
	Index     string `json:"index"`
	HolderID  string `json:"holderId"`
	HolderKey string `json:"holderKey"`
}

// ClaimRequestResponse is the reply to a claim request.
type ClaimRequestResponse struct {
	ID int `json:"id"`
}

// ClaimStatusResponse is the reply of GET {issuer}/claim/status/{id}.
type ClaimStatusResponse struct {
	Status string `json:"status"`
	Claim  *Claim `json:"claim,omitempty"`
}

// CredentialRequest is the body of POST {issuer}/claim/credential.
type CredentialRequest struct {
	Claim Claim `json:"claim"`
}

// CredentialResponse is the reply to a credential request.
type CredentialResponse struct {
	Status     string      `json:"status"`
	Credential *Credential `json:"credential,omitempty"`
}

// VerifyRequest is the body of POST {verifier}/verify.
type VerifyRequest struct {
	Credential Credential `json:"credential"`
	HolderKey  string     `json:"holderKey"`
}

// VerifyZKRequest is the body of POST {verifier}/verifyzkp.
type VerifyZKRequest struct {
	Disclosure Disclosure `json:"disclosure"`
	HolderKey  string     `json:"holderKey"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
