// ABOUTME: Error kinds surfaced by identity operations
// ABOUTME: Translates store, keystore, ledger and protocol failures into one taxonomy

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/idenmobile/internal/config"
	"github.com/2389/idenmobile/internal/keystore"
	"github.com/2389/idenmobile/internal/ledger"
	"github.com/2389/idenmobile/internal/protocol"
	"github.com/2389/idenmobile/internal/store"
)

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidPeriod        = errors.New("reconciliation period must be positive")
	ErrNotInitialized       = config.ErrNotInitialized
	ErrPathNotFound         = errors.New("path not found")
	ErrIO                   = errors.New("i/o error")
	ErrAlreadyExists        = errors.New("identity already exists")
	ErrAlreadyOpen          = store.ErrAlreadyOpen
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNetworkUnavailable   = protocol.ErrNetworkUnavailable
	ErrKeyNotFound          = store.ErrKeyNotFound
	ErrNotYetOnChain        = protocol.ErrNotYetOnChain
	ErrNotFound             = store.ErrNotFound
	ErrClaimRejected        = protocol.ErrClaimRejected
	ErrProofRejected        = protocol.ErrProofRejected

	// ErrStopped is returned by operations on a stopped identity.
	ErrStopped = errors.New("identity stopped")

	// ErrCancelled is delivered to callbacks of cancelled tickets.
	ErrCancelled = errors.New("ticket cancelled")
)

// translate maps lower layer errors onto the identity taxonomy. Errors that
// already belong to it pass through.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keystore.ErrIncorrectPassword):
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	case errors.Is(err, keystore.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrIO, err)
	case errors.Is(err, ledger.ErrNetworkUnavailable):
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	case errors.Is(err, ledger.ErrStateNotFound):
		return fmt.Errorf("%w: %v", ErrNotYetOnChain, err)
	case errors.Is(err, protocol.ErrDataTooLong):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return err
}

// transient reports whether a failed reconciliation step may be retried.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return protocol.Transient(translate(err))
}
