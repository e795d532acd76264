// ABOUTME: Selective disclosure of a credential for zero-knowledge style proofs
// ABOUTME: Reveals index and issuer, hides the value behind a salted BLAKE3 commitment

package protocol

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const saltSize = 32

// Disclosure is what a verifier sees of a credential in a zk proof.
type Disclosure struct {
	CredentialID  string    `json:"credentialId"`
	Issuer        string    `json:"issuer"`
	Holder        string    `json:"holder"`
	Index         string    `json:"index"`
	Commitment    string    `json:"commitment"`
	IdenStateData StateData `json:"idenStateData"`
}

// Disclose builds a Disclosure for cred and returns the salt that opens its
// commitment. The salt never leaves the holder.
func Disclose(cred *Credential) (*Disclosure, []byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generating salt: %w", err)
	}

	commitment, err := commit(cred.Claim, salt)
	if err != nil {
		return nil, nil, err
	}
	id, err := cred.Claim.ID()
	if err != nil {
		return nil, nil, err
	}

	return &Disclosure{
		CredentialID:  id,
		Issuer:        cred.ID,
		Holder:        cred.Claim.Holder,
		Index:         cred.Claim.Index,
		Commitment:    commitment,
		IdenStateData: cred.IdenStateData,
	}, salt, nil
}

// Opens reports whether claim and salt open the disclosure's commitment and
// match its revealed fields.
func (d *Disclosure) Opens(claim Claim, salt []byte) bool {
	if claim.Index != d.Index || claim.Holder != d.Holder {
		return false
	}
	got, err := commit(claim, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(d.Commitment)) == 1
}

// Validate checks the disclosure is structurally complete.
func (d *Disclosure) Validate() error {
	switch {
	case d.Issuer == "":
		return errors.New("disclosure has no issuer")
	case d.Holder == "":
		return errors.New("disclosure has no holder")
	case d.IdenStateData.IdenState == "":
		return errors.New("disclosure has no issuer state")
	}
	raw, err := hex.DecodeString(d.Commitment)
	if err != nil || len(raw) != 32 {
		return errors.New("disclosure commitment is malformed")
	}
	return nil
}

// commit is a BLAKE3 hash keyed with the salt over the claim encoding.
func commit(claim Claim, salt []byte) (string, error) {
	if len(salt) != saltSize {
		return "", fmt.Errorf("salt must be %d bytes", saltSize)
	}
	encoded, err := claim.Encode()
	if err != nil {
		return "", err
	}
	h, err := blake3.NewKeyed(salt)
	if err != nil {
		return "", fmt.Errorf("keying commitment: %w", err)
	}
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}
