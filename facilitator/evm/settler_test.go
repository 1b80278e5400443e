package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/x402-gateway/facilitator/evm/wallet"
	"github.com/gosuda/x402-gateway/types"
)

func settlerKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%064x", i+1)
	}
	return keys
}

type settleFixture struct {
	*verifyFixture
	pool    *wallet.Pool
	settler *Settler
}

func newSettleFixture(t *testing.T, walletCount int, cfg wallet.Config) *settleFixture {
	t.Helper()
	vf := newVerifyFixture(t)

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	pool, err := wallet.NewPool(settlerKeys(walletCount), cfg, vf.clock, zerolog.Nop())
	require.NoError(t, err)

	return &settleFixture{
		verifyFixture: vf,
		pool:          pool,
		settler:       NewSettler(vf.verifier, pool, nil, nil, zerolog.Nop()),
	}
}

func TestSettleExactEvm(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		f := newSettleFixture(t, 2, wallet.Config{})

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		require.True(t, resp.Success, "reason: %s", resp.ErrorReason)
		assert.NotEmpty(t, resp.Transaction)
		assert.Equal(t, types.NetworkBaseSepolia, resp.Network)
		assert.Equal(t, f.payer.Hex(), resp.Payer)

		// Wallet returned to the pool.
		for _, s := range f.pool.Snapshot() {
			assert.Zero(t, s.PendingTxs)
		}
		assert.Len(t, f.chain.sentTxs, 1)
	})

	t.Run("network not allowed", func(t *testing.T) {
		f := newSettleFixture(t, 1, wallet.Config{})
		f.settler = NewSettler(f.verifier, f.pool, []types.Network{types.NetworkBase}, nil, zerolog.Nop())

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		assert.False(t, resp.Success)
		assert.Equal(t, types.ReasonNetworkNotAllowed, resp.ErrorReason)
	})

	t.Run("verification failure short-circuits before acquisition", func(t *testing.T) {
		f := newSettleFixture(t, 1, wallet.Config{})
		f.chain.tokenBalances[f.payer] = big.NewInt(1)

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		assert.Equal(t, types.ReasonInsufficientFunds, resp.ErrorReason)

		// No nonce consumed, no wallet touched.
		for _, addr := range f.pool.Addresses() {
			_, primed := f.pool.Nonces().Current(addr)
			assert.False(t, primed)
		}
	})

	t.Run("pool exhaustion does not consume a nonce", func(t *testing.T) {
		f := newSettleFixture(t, 3, wallet.Config{MaxPendingPerWallet: 3})

		// Saturate all wallets.
		for {
			if _, err := f.pool.Acquire(types.NetworkBaseSepolia); err != nil {
				break
			}
		}

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		assert.False(t, resp.Success)
		assert.Equal(t, types.ReasonAllWalletsBusy, resp.ErrorReason)
		for _, addr := range f.pool.Addresses() {
			_, primed := f.pool.Nonces().Current(addr)
			assert.False(t, primed)
		}
	})

	t.Run("gas gate releases the wallet", func(t *testing.T) {
		f := newSettleFixture(t, 1, wallet.Config{})
		f.chain.nativeBalances[f.pool.Addresses()[0]] = big.NewInt(1)

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		assert.Equal(t, types.ReasonInsufficientGasBalance, resp.ErrorReason)
		assert.Zero(t, f.pool.Snapshot()[0].PendingTxs)
	})

	t.Run("nonce error resets and retries", func(t *testing.T) {
		f := newSettleFixture(t, 1, wallet.Config{MaxRetryAttempts: 3})
		f.chain.sendErrs = []error{errors.New("nonce too low")}
		f.chain.pendingNonces[f.pool.Addresses()[0]] = 12

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		require.True(t, resp.Success, "reason: %s", resp.ErrorReason)
		require.Len(t, f.chain.sentTxs, 1)
		assert.EqualValues(t, 12, f.chain.sentTxs[0].Nonce())
	})

	t.Run("non-nonce broadcast error fails and returns the nonce", func(t *testing.T) {
		f := newSettleFixture(t, 1, wallet.Config{})
		f.chain.sendErrs = []error{errors.New("execution reverted")}
		addr := f.pool.Addresses()[0]

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		assert.False(t, resp.Success)
		assert.Equal(t, types.ReasonBlockchainTxFailed, resp.ErrorReason)

		// Aborted reservation was handed back.
		current, primed := f.pool.Nonces().Current(addr)
		require.True(t, primed)
		assert.EqualValues(t, 0, current)
		assert.Zero(t, f.pool.Snapshot()[0].PendingTxs)
	})

	t.Run("failed receipt keeps the transaction id", func(t *testing.T) {
		f := newSettleFixture(t, 1, wallet.Config{})
		f.chain.receiptStatus = 0

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		assert.False(t, resp.Success)
		assert.Equal(t, types.ReasonBlockchainTxFailed, resp.ErrorReason)
		assert.NotEmpty(t, resp.Transaction)
		assert.Zero(t, f.pool.Snapshot()[0].PendingTxs)
	})

	t.Run("discovery hook fires on success only", func(t *testing.T) {
		f := newSettleFixture(t, 1, wallet.Config{})

		var mu sync.Mutex
		registered := 0
		done := make(chan struct{}, 1)
		f.settler = NewSettler(f.verifier, f.pool, nil, func(req *types.PaymentRequirements, network types.Network) {
			mu.Lock()
			registered++
			mu.Unlock()
			done <- struct{}{}
		}, zerolog.Nop())

		resp := f.settler.Settle(context.Background(), f.chain, f.signedPayload(t, nil), f.requirements())
		require.True(t, resp.Success)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("discovery hook never fired")
		}
		mu.Lock()
		assert.Equal(t, 1, registered)
		mu.Unlock()
	})
}
