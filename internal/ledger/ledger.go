// ABOUTME: Backing ledger abstraction used to confirm identity state before proofs
// ABOUTME: Defines the Ledger interface, State record and getState ABI encoding helpers

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DefaultStateContract is the address of the identity state contract.
const DefaultStateContract = "0x4cd72fcedf61937ffc8995d7c0839c976f3cc129"

// hiddenPrefix marks a web3 URL that must never appear in logs.
const hiddenPrefix = "hidden:"

var (
	// ErrNetworkUnavailable is returned when the ledger endpoint cannot be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrStateNotFound is returned when no state has been published for an identity.
	ErrStateNotFound = errors.New("identity state not found on chain")

	// ErrInvalidIdentity is returned when an identity id is not a 32 byte hex string.
	ErrInvalidIdentity = errors.New("invalid identity id")
)

// State is the latest published state of one identity.
type State struct {
	IdentityID string `json:"identityId"`
	Root       string `json:"root"` // 0x prefixed 32 byte hex
	BlockN     uint64 `json:"blockN"`
	BlockTs    int64  `json:"blockTs"`
}

// Ledger reports identity state as recorded on the backing chain.
type Ledger interface {
	// StateOf returns the latest state for identityID, or ErrStateNotFound.
	StateOf(ctx context.Context, identityID string) (*State, error)
}

// ParseWeb3URL strips the "hidden:" prefix. display is what may be logged.
func ParseWeb3URL(raw string) (target, display string) {
	if strings.HasPrefix(raw, hiddenPrefix) {
		return strings.TrimPrefix(raw, hiddenPrefix), "<hidden>"
	}
	return raw, raw
}

// getStateSelector is the first four bytes of keccak256("getState(bytes32)").
var getStateSelector = func() []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("getState(bytes32)"))
	return h.Sum(nil)[:4]
}()

// identityBytes decodes a 64 char hex identity id into the contract's bytes32 key.
func identityBytes(identityID string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(identityID, "0x"))
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, identityID)
	}
	return b, nil
}

// EncodeStateCall builds the eth_call data for getState(identityID).
func EncodeStateCall(identityID string) (string, error) {
	id, err := identityBytes(identityID)
	if err != nil {
		return "", err
	}
	data := make([]byte, 0, 4+32)
	data = append(data, getStateSelector...)
	data = append(data, id...)
	return "0x" + hex.EncodeToString(data), nil
}

// DecodeStateCall extracts the identity id from getState call data.
func DecodeStateCall(data string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return "", fmt.Errorf("decoding call data: %w", err)
	}
	if len(raw) != 4+32 || string(raw[:4]) != string(getStateSelector) {
		return "", errors.New("call data is not getState(bytes32)")
	}
	return hex.EncodeToString(raw[4:]), nil
}

// EncodeState ABI encodes (bytes32 root, uint64 blockN, uint64 blockTs).
// A nil state encodes as three zero words.
func EncodeState(s *State) (string, error) {
	out := make([]byte, 96)
	if s != nil {
		root, err := hex.DecodeString(strings.TrimPrefix(s.Root, "0x"))
		if err != nil || len(root) != 32 {
			return "", fmt.Errorf("invalid state root %q", s.Root)
		}
		copy(out[0:32], root)
		binary.BigEndian.PutUint64(out[56:64], s.BlockN)
		binary.BigEndian.PutUint64(out[88:96], uint64(s.BlockTs))
	}
	return "0x" + hex.EncodeToString(out), nil
}

// DecodeState parses the getState return value. A zero root means the
// identity has never published and yields ErrStateNotFound.
func DecodeState(identityID, result string) (*State, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(result, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding getState result: %w", err)
	}
	if len(raw) != 96 {
		return nil, fmt.Errorf("getState result has %d bytes, want 96", len(raw))
	}

	root := raw[0:32]
	zero := true
	for _, b := range root {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil, ErrStateNotFound
	}

	return &State{
		IdentityID: identityID,
		Root:       "0x" + hex.EncodeToString(root),
		BlockN:     binary.BigEndian.Uint64(raw[56:64]),
		BlockTs:    int64(binary.BigEndian.Uint64(raw[88:96])),
	}, nil
}
