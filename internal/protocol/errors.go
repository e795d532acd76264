// ABOUTME: Protocol error taxonomy and classification of issuer/verifier replies
// ABOUTME: Separates transient failures that reconciliation retries from permanent rejections

package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetworkUnavailable covers dial failures, timeouts, rate limiting and
	// 5xx replies. Transient.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNotYetOnChain is reported while the issuer state is not confirmed. Transient.
	ErrNotYetOnChain = errors.New("identity state not yet on chain")

	// ErrBadResponse is a 2xx reply that could not be decoded. Transient.
	ErrBadResponse = errors.New("malformed response")

	// ErrClaimRejected is a permanent refusal by the issuer.
	ErrClaimRejected = errors.New("claim rejected")

	// ErrProofRejected is a permanent refusal by the verifier.
	ErrProofRejected = errors.New("proof rejected")

	// ErrDataTooLong is returned for request data above MaxDataLength.
	ErrDataTooLong = fmt.Errorf("data cannot be longer than %d chars", MaxDataLength)
)

// notOnChainMarker is the verifier message that identifies ErrNotYetOnChain.
const notOnChainMarker = "not found on chain"

// ServerError is a non-2xx reply from an issuer or verifier.
type ServerError struct {
	StatusCode int
	Message    string
	Kind       error
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: HTTP %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%v: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
}

func (e *ServerError) Unwrap() error { return e.Kind }

// classify picks the error kind for an HTTP status. rejected is the permanent
// kind for the endpoint family (claim or proof).
func classify(status int, message string, rejected error) error {
	switch {
	case strings.Contains(strings.ToLower(message), notOnChainMarker):
		return ErrNotYetOnChain
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ErrNetworkUnavailable
	default:
		return rejected
	}
}

// Transient reports whether err is worth retrying on a later reconciliation pass.
func Transient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrNotYetOnChain) ||
		errors.Is(err, ErrBadResponse) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ValidateData enforces the claim request data constraints.
func ValidateData(data string) error {
	if data == "" {
		return errors.New("data is required")
	}
	if len(data) > MaxDataLength {
		return ErrDataTooLong
	}
	return nil
}
