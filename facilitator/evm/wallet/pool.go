package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/gosuda/x402-gateway/internal/clock"
	"github.com/gosuda/x402-gateway/types"
)

// Acquisition failures. The settler maps these onto response reasons.
var (
	ErrNoWallets    = errors.New("no_wallets_configured")
	ErrAllUnhealthy = errors.New("all_wallets_unhealthy")
	ErrAllBusy      = errors.New("all_wallets_busy")
)

// Strategy selects which available wallet serves the next settlement.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round-robin"
	StrategyLeastPending Strategy = "least-pending"
	StrategyHybrid       Strategy = "hybrid"
)

// ParseStrategy maps a config string onto a Strategy, defaulting to hybrid.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyRoundRobin:
		return StrategyRoundRobin
	case StrategyLeastPending:
		return StrategyLeastPending
	default:
		return StrategyHybrid
	}
}

// Config tunes pool behavior. Zero values are replaced by defaults.
type Config struct {
	MaxPendingPerWallet int
	MinNativeBalance    *big.Int
	HealthCheckInterval time.Duration
	PendingTxTimeout    time.Duration
	Strategy            Strategy
	MaxRetryAttempts    int
	RetryDelay          time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPendingPerWallet: 3,
		MinNativeBalance:    big.NewInt(10_000_000_000_000_000), // 0.01 ETH
		HealthCheckInterval: 60 * time.Second,
		PendingTxTimeout:    300 * time.Second,
		Strategy:            StrategyHybrid,
		MaxRetryAttempts:    3,
		RetryDelay:          time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPendingPerWallet <= 0 {
		c.MaxPendingPerWallet = d.MaxPendingPerWallet
	}
	if c.MinNativeBalance == nil {
		c.MinNativeBalance = d.MinNativeBalance
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.PendingTxTimeout <= 0 {
		c.PendingTxTimeout = d.PendingTxTimeout
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// ChainReader is the read surface health checks need. Satisfied by
// chain/evm.Client.
type ChainReader interface {
	NonceSource
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Wallet is one facilitator signing identity. Balance and health are
// tracked per network: one pool can serve several EVM networks, and a
// wallet drained on one chain must stay acquirable on the others. All
// mutable fields are guarded by the owning pool's mutex.
type Wallet struct {
	address common.Address
	key     *ecdsa.PrivateKey

	pendingTxCount int
	lastUsedAt     time.Time
	pendingTxs     map[string]time.Time

	nativeBalances map[types.Network]*big.Int
	// unhealthy records explicit failed observations; a network with no
	// entry is treated as healthy until the first health check says
	// otherwise.
	unhealthy map[types.Network]bool
}

// Address returns the wallet's derived address.
func (w *Wallet) Address() common.Address { return w.address }

// Key returns the wallet's signing key.
func (w *Wallet) Key() *ecdsa.PrivateKey { return w.key }

func (w *Wallet) healthyOn(network types.Network) bool {
	return !w.unhealthy[network]
}

// NetworkHealth is a wallet's last observed state on one network.
type NetworkHealth struct {
	Healthy       bool
	NativeBalance *big.Int
}

// Status is a point-in-time snapshot of one wallet. Healthy is the
// conjunction over every observed network.
type Status struct {
	Address    common.Address
	Healthy    bool
	PendingTxs int
	LastUsedAt time.Time
	Networks   map[types.Network]NetworkHealth
}

// Pool owns the facilitator's EVM wallets and the nonce registry. Wallets
// are created at startup and never removed at runtime; Acquire hands out a
// borrowed reference paired with a release capability.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	wallets []*Wallet
	byAddr  map[common.Address]*Wallet
	cursor  int

	nonces *NonceRegistry
	clock  clock.Clock
	log    zerolog.Logger
}

// NewPool derives a wallet per private key, in order. All wallets start
// healthy on every network; the first health check before serving
// acquisitions settles the real state.
func NewPool(privateKeys []string, cfg Config, clk clock.Clock, logger zerolog.Logger) (*Pool, error) {
	if clk == nil {
		clk = clock.System{}
	}
	p := &Pool{
		cfg:    cfg.withDefaults(),
		byAddr: make(map[common.Address]*Wallet),
		nonces: NewNonceRegistry(),
		clock:  clk,
		log:    logger,
	}

	for i, keyHex := range privateKeys {
		keyHex = strings.TrimSpace(strings.TrimPrefix(keyHex, "0x"))
		if keyHex == "" {
			continue
		}
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to parse wallet key %d: %w", i, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := p.byAddr[addr]; dup {
			continue
		}
		w := &Wallet{
			address:        addr,
			key:            key,
			pendingTxs:     make(map[string]time.Time),
			nativeBalances: make(map[types.Network]*big.Int),
			unhealthy:      make(map[types.Network]bool),
		}
		p.wallets = append(p.wallets, w)
		p.byAddr[addr] = w
	}

	return p, nil
}

// Nonces exposes the registry owning this pool's nonce counters.
func (p *Pool) Nonces() *NonceRegistry { return p.nonces }

// Config returns the pool's effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Size returns the number of configured wallets.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wallets)
}

// Addresses returns all wallet addresses in configuration order.
func (p *Pool) Addresses() []common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.Address, len(p.wallets))
	for i, w := range p.wallets {
		out[i] = w.address
	}
	return out
}

// Prime prefetches pending nonces for every wallet and runs the first
// health check on every configured network. Must complete before the pool
// serves acquisitions.
func (p *Pool) Prime(ctx context.Context, readers map[types.Network]ChainReader) error {
	if primary := firstReader(readers); primary != nil {
		for _, addr := range p.Addresses() {
			n, err := primary.PendingNonce(ctx, addr)
			if err != nil {
				return fmt.Errorf("failed to prefetch nonce for %s: %w", addr.Hex(), err)
			}
			p.nonces.Sync(addr, n)
		}
	}
	for _, network := range types.EVMNetworks {
		if reader, ok := readers[network]; ok {
			p.HealthCheck(ctx, network, reader)
		}
	}
	return nil
}

func firstReader(readers map[types.Network]ChainReader) ChainReader {
	for _, network := range types.EVMNetworks {
		if r, ok := readers[network]; ok {
			return r
		}
	}
	return nil
}

// Lease is a borrowed wallet plus its release capability.
type Lease struct {
	wallet *Wallet
	pool   *Pool

	mu       sync.Mutex
	released bool
}

// Wallet returns the borrowed wallet.
func (l *Lease) Wallet() *Wallet { return l.wallet }

// Release returns the wallet to the pool, dropping txID (if any) from the
// pending set. Safe to call more than once; extra calls are no-ops.
func (l *Lease) Release(txID string, success bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	l.pool.release(l.wallet, txID, success)
}

// Acquire selects a wallet able to settle on the given network under the
// configured strategy. The pool never queues: when nothing is available the
// matching error returns immediately.
func (p *Pool) Acquire(network types.Network) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.wallets) == 0 {
		return nil, ErrNoWallets
	}

	anyHealthy := false
	for _, w := range p.wallets {
		if w.healthyOn(network) {
			anyHealthy = true
			break
		}
	}
	if !anyHealthy {
		return nil, ErrAllUnhealthy
	}

	w := p.selectLocked(network)
	if w == nil {
		return nil, ErrAllBusy
	}

	w.pendingTxCount++
	w.lastUsedAt = p.clock.Now()

	return &Lease{wallet: w, pool: p}, nil
}

func (p *Pool) available(w *Wallet, network types.Network) bool {
	return w.healthyOn(network) && w.pendingTxCount < p.cfg.MaxPendingPerWallet
}

func (p *Pool) selectLocked(network types.Network) *Wallet {
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		return p.selectRoundRobinLocked(network)
	case StrategyLeastPending:
		return p.selectLeastPendingLocked(network)
	default:
		return p.selectHybridLocked(network)
	}
}

func (p *Pool) selectRoundRobinLocked(network types.Network) *Wallet {
	n := len(p.wallets)
	for i := 0; i < n; i++ {
		w := p.wallets[(p.cursor+i)%n]
		if p.available(w, network) {
			p.cursor = (p.cursor + i + 1) % n
			return w
		}
	}
	return nil
}

func (p *Pool) selectLeastPendingLocked(network types.Network) *Wallet {
	var best *Wallet
	for _, w := range p.wallets {
		if !p.available(w, network) {
			continue
		}
		if best == nil ||
			w.pendingTxCount < best.pendingTxCount ||
			(w.pendingTxCount == best.pendingTxCount && w.lastUsedAt.Before(best.lastUsedAt)) {
			best = w
		}
	}
	return best
}

// selectHybridLocked advances the round-robin cursor up to three steps,
// skipping wallets close to their pending ceiling, then falls back to
// least-pending.
func (p *Pool) selectHybridLocked(network types.Network) *Wallet {
	n := len(p.wallets)
	for step := 0; step < 3 && step < n; step++ {
		w := p.wallets[p.cursor%n]
		p.cursor = (p.cursor + 1) % n
		if w.healthyOn(network) && w.pendingTxCount < p.cfg.MaxPendingPerWallet-1 {
			return w
		}
	}
	return p.selectLeastPendingLocked(network)
}

// TrackPending records a broadcast transaction against the wallet.
func (p *Pool) TrackPending(w *Wallet, txID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.pendingTxs[txID] = p.clock.Now()
}

func (p *Pool) release(w *Wallet, txID string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.pendingTxCount > 0 {
		w.pendingTxCount--
	}
	if txID != "" {
		delete(w.pendingTxs, txID)
	}
	if !success {
		p.log.Debug().
			Str("wallet", w.address.Hex()).
			Str("tx", txID).
			Msg("wallet released after failed settlement")
	}
}

// HealthCheck re-reads balances and pending nonces for every wallet on one
// network, reaps stale pending transactions, and re-syncs nonce counters
// for idle wallets. Per-wallet RPC reads fan out so one slow endpoint does
// not stall the rest. Call once per configured network each sweep.
func (p *Pool) HealthCheck(ctx context.Context, network types.Network, reader ChainReader) {
	type observation struct {
		wallet  *Wallet
		balance *big.Int
		nonce   uint64
		err     error
	}

	wallets := p.snapshotWallets()
	results := make(chan observation, len(wallets))

	var wg sync.WaitGroup
	for _, w := range wallets {
		wg.Add(1)
		go func(w *Wallet) {
			defer wg.Done()
			balance, err := reader.NativeBalance(ctx, w.address)
			if err != nil {
				results <- observation{wallet: w, err: err}
				return
			}
			nonce, err := reader.PendingNonce(ctx, w.address)
			if err != nil {
				results <- observation{wallet: w, err: err}
				return
			}
			results <- observation{wallet: w, balance: balance, nonce: nonce}
		}(w)
	}
	wg.Wait()
	close(results)

	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for obs := range results {
		w := obs.wallet
		if obs.err != nil {
			p.log.Warn().
				Err(obs.err).
				Str("network", string(network)).
				Str("wallet", w.address.Hex()).
				Msg("wallet health check failed")
			continue
		}

		w.nativeBalances[network] = obs.balance
		w.unhealthy[network] = obs.balance.Cmp(p.cfg.MinNativeBalance) < 0

		for txID, submittedAt := range w.pendingTxs {
			if now.Sub(submittedAt) > p.cfg.PendingTxTimeout {
				delete(w.pendingTxs, txID)
				if w.pendingTxCount > 0 {
					w.pendingTxCount--
				}
				p.log.Warn().
					Str("wallet", w.address.Hex()).
					Str("tx", txID).
					Dur("age", now.Sub(submittedAt)).
					Msg("reaped stale pending transaction")
			}
		}

		if w.pendingTxCount == 0 {
			p.nonces.Sync(w.address, obs.nonce)
		}
	}
}

func (p *Pool) snapshotWallets() []*Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Wallet, len(p.wallets))
	copy(out, p.wallets)
	return out
}

// Snapshot reports every wallet's current state across observed networks.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.wallets))
	for _, w := range p.wallets {
		st := Status{
			Address:    w.address,
			Healthy:    true,
			PendingTxs: w.pendingTxCount,
			LastUsedAt: w.lastUsedAt,
			Networks:   make(map[types.Network]NetworkHealth, len(w.nativeBalances)),
		}
		for network, balance := range w.nativeBalances {
			healthy := !w.unhealthy[network]
			st.Networks[network] = NetworkHealth{
				Healthy:       healthy,
				NativeBalance: new(big.Int).Set(balance),
			}
			if !healthy {
				st.Healthy = false
			}
		}
		out = append(out, st)
	}
	return out
}
