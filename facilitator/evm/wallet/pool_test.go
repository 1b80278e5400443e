package wallet

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/x402-gateway/internal/clock"
	"github.com/gosuda/x402-gateway/types"
)

const (
	testNet      = types.NetworkBaseSepolia
	otherTestNet = types.NetworkPolygon
)

type stubChainReader struct {
	balance *big.Int
	nonce   uint64
}

func (s *stubChainReader) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(s.balance), nil
}

func (s *stubChainReader) PendingNonce(context.Context, common.Address) (uint64, error) {
	return s.nonce, nil
}

func testKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%064x", i+1)
	}
	return keys
}

func newTestPool(t *testing.T, n int, cfg Config) (*Pool, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	pool, err := NewPool(testKeys(n), cfg, clk, zerolog.Nop())
	require.NoError(t, err)
	return pool, clk
}

func TestPoolConstruction(t *testing.T) {
	t.Run("derives one wallet per key", func(t *testing.T) {
		pool, _ := newTestPool(t, 3, Config{})
		assert.Equal(t, 3, pool.Size())
		assert.Len(t, pool.Addresses(), 3)
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		_, err := NewPool([]string{"not-a-key"}, Config{}, nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("empty pool refuses acquisition", func(t *testing.T) {
		pool, _ := newTestPool(t, 0, Config{})
		_, err := pool.Acquire(testNet)
		assert.ErrorIs(t, err, ErrNoWallets)
	})
}

func TestPoolAcquireRelease(t *testing.T) {
	t.Run("acquire bumps pending, release restores", func(t *testing.T) {
		pool, _ := newTestPool(t, 1, Config{MaxPendingPerWallet: 2})

		lease, err := pool.Acquire(testNet)
		require.NoError(t, err)
		assert.Equal(t, 1, pool.Snapshot()[0].PendingTxs)

		lease.Release("0xabc", true)
		assert.Equal(t, 0, pool.Snapshot()[0].PendingTxs)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		pool, _ := newTestPool(t, 1, Config{MaxPendingPerWallet: 2})

		lease, err := pool.Acquire(testNet)
		require.NoError(t, err)
		lease.Release("0xabc", false)
		lease.Release("0xabc", false)
		lease.Release("", true)
		assert.Equal(t, 0, pool.Snapshot()[0].PendingTxs)
	})

	t.Run("exhausted pool fails fast", func(t *testing.T) {
		pool, _ := newTestPool(t, 2, Config{MaxPendingPerWallet: 1})

		_, err := pool.Acquire(testNet)
		require.NoError(t, err)
		_, err = pool.Acquire(testNet)
		require.NoError(t, err)

		_, err = pool.Acquire(testNet)
		assert.ErrorIs(t, err, ErrAllBusy)
	})

	t.Run("pending ceiling spans networks", func(t *testing.T) {
		// The pending count gates concurrency per wallet, not per network.
		pool, _ := newTestPool(t, 1, Config{MaxPendingPerWallet: 2})

		_, err := pool.Acquire(testNet)
		require.NoError(t, err)
		_, err = pool.Acquire(otherTestNet)
		require.NoError(t, err)

		_, err = pool.Acquire(otherTestNet)
		assert.ErrorIs(t, err, ErrAllBusy)
	})

	t.Run("pending never exceeds the ceiling", func(t *testing.T) {
		const wallets, maxPending = 3, 3
		pool, _ := newTestPool(t, wallets, Config{MaxPendingPerWallet: maxPending})

		for {
			if _, err := pool.Acquire(testNet); err != nil {
				break
			}
		}
		total := 0
		for _, s := range pool.Snapshot() {
			assert.LessOrEqual(t, s.PendingTxs, maxPending)
			total += s.PendingTxs
		}
		assert.LessOrEqual(t, total, wallets*maxPending)
	})
}

func TestPoolHealth(t *testing.T) {
	lowBalance := &stubChainReader{balance: big.NewInt(1), nonce: 5}
	richBalance := &stubChainReader{balance: big.NewInt(2e16), nonce: 5}

	t.Run("all unhealthy refuses acquisition", func(t *testing.T) {
		pool, _ := newTestPool(t, 2, Config{})
		pool.HealthCheck(context.Background(), testNet, lowBalance)

		_, err := pool.Acquire(testNet)
		assert.ErrorIs(t, err, ErrAllUnhealthy)
	})

	t.Run("health is scoped to the observed network", func(t *testing.T) {
		// Drained on one network, well-funded on another: the wallet must
		// stay acquirable where it can actually pay for gas.
		pool, _ := newTestPool(t, 1, Config{})
		pool.HealthCheck(context.Background(), testNet, lowBalance)
		pool.HealthCheck(context.Background(), otherTestNet, richBalance)

		_, err := pool.Acquire(testNet)
		assert.ErrorIs(t, err, ErrAllUnhealthy)

		lease, err := pool.Acquire(otherTestNet)
		require.NoError(t, err)
		lease.Release("", true)

		st := pool.Snapshot()[0]
		assert.False(t, st.Healthy)
		assert.False(t, st.Networks[testNet].Healthy)
		assert.True(t, st.Networks[otherTestNet].Healthy)
	})

	t.Run("health recovers after refill", func(t *testing.T) {
		pool, _ := newTestPool(t, 1, Config{})
		pool.HealthCheck(context.Background(), testNet, lowBalance)
		pool.HealthCheck(context.Background(), testNet, richBalance)

		_, err := pool.Acquire(testNet)
		assert.NoError(t, err)
	})

	t.Run("stale pending transactions are reaped", func(t *testing.T) {
		pool, clk := newTestPool(t, 1, Config{PendingTxTimeout: time.Minute})

		lease, err := pool.Acquire(testNet)
		require.NoError(t, err)
		pool.TrackPending(lease.Wallet(), "0xstale")

		clk.Advance(2 * time.Minute)
		pool.HealthCheck(context.Background(), testNet, richBalance)

		st := pool.Snapshot()[0]
		assert.Equal(t, 0, st.PendingTxs)
	})

	t.Run("idle wallets re-sync their nonce", func(t *testing.T) {
		pool, _ := newTestPool(t, 1, Config{})
		addr := pool.Addresses()[0]
		pool.Nonces().Sync(addr, 99)

		pool.HealthCheck(context.Background(), testNet, richBalance)

		current, primed := pool.Nonces().Current(addr)
		require.True(t, primed)
		assert.EqualValues(t, 5, current)
	})

	t.Run("prime prefetches nonces and checks every network", func(t *testing.T) {
		pool, _ := newTestPool(t, 2, Config{})
		require.NoError(t, pool.Prime(context.Background(), map[types.Network]ChainReader{
			testNet:      richBalance,
			otherTestNet: lowBalance,
		}))

		for _, addr := range pool.Addresses() {
			current, primed := pool.Nonces().Current(addr)
			assert.True(t, primed)
			assert.EqualValues(t, 5, current)
		}
		for _, s := range pool.Snapshot() {
			assert.True(t, s.Networks[testNet].Healthy)
			assert.False(t, s.Networks[otherTestNet].Healthy)
			assert.False(t, s.Healthy)
		}
	})
}

func TestSelectionStrategies(t *testing.T) {
	t.Run("round-robin preserves insertion order", func(t *testing.T) {
		pool, _ := newTestPool(t, 3, Config{Strategy: StrategyRoundRobin, MaxPendingPerWallet: 5})
		order := pool.Addresses()

		for i := 0; i < 6; i++ {
			lease, err := pool.Acquire(testNet)
			require.NoError(t, err)
			assert.Equal(t, order[i%3], lease.Wallet().Address(), "acquisition %d", i)
			lease.Release("", true)
		}
	})

	t.Run("least-pending picks the idlest wallet", func(t *testing.T) {
		pool, _ := newTestPool(t, 3, Config{Strategy: StrategyLeastPending, MaxPendingPerWallet: 5})

		first, err := pool.Acquire(testNet)
		require.NoError(t, err)
		second, err := pool.Acquire(testNet)
		require.NoError(t, err)
		assert.NotEqual(t, first.Wallet().Address(), second.Wallet().Address())

		third, err := pool.Acquire(testNet)
		require.NoError(t, err)
		assert.NotEqual(t, first.Wallet().Address(), third.Wallet().Address())
		assert.NotEqual(t, second.Wallet().Address(), third.Wallet().Address())
	})

	t.Run("least-pending ties break by last use", func(t *testing.T) {
		pool, clk := newTestPool(t, 2, Config{Strategy: StrategyLeastPending, MaxPendingPerWallet: 5})

		first, err := pool.Acquire(testNet)
		require.NoError(t, err)
		clk.Advance(time.Second)
		first.Release("", true)

		// Both wallets now idle; the untouched one has the older lastUsedAt.
		second, err := pool.Acquire(testNet)
		require.NoError(t, err)
		assert.NotEqual(t, first.Wallet().Address(), second.Wallet().Address())
	})

	t.Run("strategies skip wallets unhealthy on the target network", func(t *testing.T) {
		pool, _ := newTestPool(t, 2, Config{Strategy: StrategyRoundRobin, MaxPendingPerWallet: 5})

		// Mark only the first wallet unhealthy on testNet.
		pool.HealthCheck(context.Background(), testNet, &stubChainReader{balance: big.NewInt(2e16), nonce: 0})
		pool.mu.Lock()
		pool.wallets[0].unhealthy[testNet] = true
		pool.mu.Unlock()

		for i := 0; i < 3; i++ {
			lease, err := pool.Acquire(testNet)
			require.NoError(t, err)
			assert.Equal(t, pool.Addresses()[1], lease.Wallet().Address())
			lease.Release("", true)
		}

		// The same wallet is still eligible on an unobserved network.
		lease, err := pool.Acquire(otherTestNet)
		require.NoError(t, err)
		assert.Equal(t, pool.Addresses()[0], lease.Wallet().Address())
		lease.Release("", true)
	})

	t.Run("hybrid falls back to least-pending when cursor wallets are loaded", func(t *testing.T) {
		pool, _ := newTestPool(t, 2, Config{Strategy: StrategyHybrid, MaxPendingPerWallet: 2})

		// Load both wallets to maxPending-1 so the cursor walk skips them.
		a, err := pool.Acquire(testNet)
		require.NoError(t, err)
		b, err := pool.Acquire(testNet)
		require.NoError(t, err)
		require.NotEqual(t, a.Wallet().Address(), b.Wallet().Address())

		// Fallback still finds capacity below the hard ceiling.
		c, err := pool.Acquire(testNet)
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("hybrid spreads load evenly", func(t *testing.T) {
		const wallets, rounds = 4, 400
		pool, _ := newTestPool(t, wallets, Config{Strategy: StrategyHybrid, MaxPendingPerWallet: 3})

		counts := map[common.Address]int{}
		for i := 0; i < rounds; i++ {
			lease, err := pool.Acquire(testNet)
			require.NoError(t, err)
			counts[lease.Wallet().Address()]++
			lease.Release("", true)
		}

		mean := rounds / wallets
		tolerance := 2 * rounds / wallets
		for addr, count := range counts {
			assert.InDelta(t, mean, count, float64(tolerance), "wallet %s share out of band", addr.Hex())
		}
	})
}
