// Package wallet manages the facilitator's EVM signing identities: a pool of
// wallets with health and pending-transaction tracking, and a per-address
// monotonic nonce registry.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource answers pending-tag transaction-count queries. Satisfied by
// chain/evm.Client.
type NonceSource interface {
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
}

// NonceOrigin tells callers whether a handed-out nonce came from the local
// counter or a fresh chain query.
type NonceOrigin string

const (
	NonceFromCache NonceOrigin = "cache"
	NonceFromChain NonceOrigin = "chain"
)

// NonceRegistry hands out strictly increasing nonces per address. Calls for
// one address are serialized; different addresses proceed in parallel.
type NonceRegistry struct {
	mu      sync.Mutex
	entries map[common.Address]*nonceEntry
}

type nonceEntry struct {
	mu      sync.Mutex
	current uint64
	primed  bool
}

// NewNonceRegistry creates an empty registry.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{entries: make(map[common.Address]*nonceEntry)}
}

func (r *NonceRegistry) entry(addr common.Address) *nonceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[addr]
	if !ok {
		e = &nonceEntry{}
		r.entries[addr] = e
	}
	return e
}

// Next returns the next nonce for addr. On first use (or after Reset) the
// value is fetched from the chain's pending tag; afterwards the local counter
// increments without touching the chain.
func (r *NonceRegistry) Next(ctx context.Context, addr common.Address, src NonceSource) (uint64, NonceOrigin, error) {
	e := r.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed {
		n, err := src.PendingNonce(ctx, addr)
		if err != nil {
			return 0, "", fmt.Errorf("failed to prime nonce for %s: %w", addr.Hex(), err)
		}
		e.current = n + 1
		e.primed = true
		return n, NonceFromChain, nil
	}

	n := e.current
	e.current++
	return n, NonceFromCache, nil
}

// SetIfHigher bumps the counter to n+1 if n is at or beyond the counter,
// realigning after an externally observed transaction. Lower values are
// ignored.
func (r *NonceRegistry) SetIfHigher(addr common.Address, n uint64) {
	e := r.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed || n >= e.current {
		e.current = n + 1
		e.primed = true
	}
}

// Decrement returns a reserved-but-unused nonce. Callers that abort between
// Next and broadcast must call this to keep the sequence gap-free.
func (r *NonceRegistry) Decrement(addr common.Address) {
	e := r.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.primed && e.current > 0 {
		e.current--
	}
}

// Reset re-syncs the counter from the chain's pending tag, discarding the
// local value. Used after nonce-divergence errors from the RPC node.
func (r *NonceRegistry) Reset(ctx context.Context, addr common.Address, src NonceSource) (uint64, error) {
	e := r.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := src.PendingNonce(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to reset nonce for %s: %w", addr.Hex(), err)
	}
	e.current = n
	e.primed = true
	return n, nil
}

// Sync overwrites the counter with a pending-tag value fetched elsewhere.
// Only safe while the address has no in-flight settlements.
func (r *NonceRegistry) Sync(addr common.Address, n uint64) {
	e := r.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = n
	e.primed = true
}

// Current returns the counter value without consuming it. Only meaningful
// for inspection and tests.
func (r *NonceRegistry) Current(addr common.Address) (uint64, bool) {
	e := r.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.primed
}
