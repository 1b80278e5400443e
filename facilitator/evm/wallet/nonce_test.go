package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNonceSource struct {
	mu      sync.Mutex
	pending map[common.Address]uint64
	calls   int
	err     error
}

func (s *stubNonceSource) PendingNonce(_ context.Context, addr common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.pending[addr], nil
}

var (
	addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestNonceRegistryNext(t *testing.T) {
	t.Run("first call fetches from chain, later calls cache", func(t *testing.T) {
		src := &stubNonceSource{pending: map[common.Address]uint64{addrA: 7}}
		r := NewNonceRegistry()

		n, origin, err := r.Next(context.Background(), addrA, src)
		require.NoError(t, err)
		assert.EqualValues(t, 7, n)
		assert.Equal(t, NonceFromChain, origin)

		n, origin, err = r.Next(context.Background(), addrA, src)
		require.NoError(t, err)
		assert.EqualValues(t, 8, n)
		assert.Equal(t, NonceFromCache, origin)
		assert.Equal(t, 1, src.calls)
	})

	t.Run("addresses are independent", func(t *testing.T) {
		src := &stubNonceSource{pending: map[common.Address]uint64{addrA: 3, addrB: 100}}
		r := NewNonceRegistry()

		na, _, err := r.Next(context.Background(), addrA, src)
		require.NoError(t, err)
		nb, _, err := r.Next(context.Background(), addrB, src)
		require.NoError(t, err)
		assert.EqualValues(t, 3, na)
		assert.EqualValues(t, 100, nb)
	})
}

func TestNonceRegistryConcurrency(t *testing.T) {
	// N concurrent Next calls must return a permutation of {k..k+N-1}.
	const n = 64
	src := &stubNonceSource{pending: map[common.Address]uint64{addrA: 10}}
	r := NewNonceRegistry()

	var wg sync.WaitGroup
	results := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := r.Next(context.Background(), addrA, src)
			require.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool, n)
	for v := range results {
		assert.False(t, seen[v], "nonce %d handed out twice", v)
		seen[v] = true
	}
	for v := uint64(10); v < 10+n; v++ {
		assert.True(t, seen[v], "nonce %d missing", v)
	}
}

func TestNonceRegistryAdjustments(t *testing.T) {
	src := &stubNonceSource{pending: map[common.Address]uint64{addrA: 5}}

	t.Run("decrement returns an aborted reservation", func(t *testing.T) {
		r := NewNonceRegistry()
		_, _, err := r.Next(context.Background(), addrA, src)
		require.NoError(t, err)

		r.Decrement(addrA)
		n, _, err := r.Next(context.Background(), addrA, src)
		require.NoError(t, err)
		assert.EqualValues(t, 5, n)
	})

	t.Run("decrement floors at zero", func(t *testing.T) {
		r := NewNonceRegistry()
		r.Sync(addrA, 0)
		r.Decrement(addrA)
		r.Decrement(addrA)
		n, primed := r.Current(addrA)
		assert.True(t, primed)
		assert.EqualValues(t, 0, n)
	})

	t.Run("set-if-higher ignores lower values", func(t *testing.T) {
		r := NewNonceRegistry()
		r.Sync(addrA, 10)
		r.SetIfHigher(addrA, 4)
		n, _ := r.Current(addrA)
		assert.EqualValues(t, 10, n)

		r.SetIfHigher(addrA, 20)
		n, _ = r.Current(addrA)
		assert.EqualValues(t, 21, n)
	})

	t.Run("reset re-syncs from chain", func(t *testing.T) {
		r := NewNonceRegistry()
		r.Sync(addrA, 99)

		n, err := r.Reset(context.Background(), addrA, src)
		require.NoError(t, err)
		assert.EqualValues(t, 5, n)

		next, _, err := r.Next(context.Background(), addrA, src)
		require.NoError(t, err)
		assert.EqualValues(t, 5, next)
	})
}
