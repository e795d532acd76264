// ABOUTME: In-memory ledger used by tests and the mock server
// ABOUTME: Identities publish state roots; each publication advances the block number

package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Local is an in-memory ledger.
type Local struct {
	mu     sync.RWMutex
	states map[string]State
	block  uint64
	now    func() time.Time
}

var _ Ledger = (*Local)(nil)

// NewLocal creates an empty in-memory ledger.
func NewLocal() *Local {
	return &Local{
		states: make(map[string]State),
		now:    time.Now,
	}
}

// Publish records a new state for identityID and returns it. An empty root
// publishes a random one.
func (l *Local) Publish(identityID, root string) (State, error) {
	if _, err := identityBytes(identityID); err != nil {
		return State{}, err
	}
	if root == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return State{}, err
		}
		root = "0x" + hex.EncodeToString(b)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.block++
	s := State{
		IdentityID: identityID,
		Root:       root,
		BlockN:     l.block,
		BlockTs:    l.now().Unix(),
	}
	l.states[identityID] = s
	return s, nil
}

// Unpublish forgets the state of identityID.
func (l *Local) Unpublish(identityID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, identityID)
}

// BlockNumber returns the latest block.
func (l *Local) BlockNumber() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.block
}

// StateOf returns the last published state or ErrStateNotFound.
func (l *Local) StateOf(ctx context.Context, identityID string) (*State, error) {
	if _, err := identityBytes(identityID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.states[identityID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return &s, nil
}
