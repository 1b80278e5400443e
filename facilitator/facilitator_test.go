package facilitator

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	solanasdk "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chainevm "github.com/gosuda/x402-gateway/chain/evm"
	chainsvm "github.com/gosuda/x402-gateway/chain/svm"
	evmfac "github.com/gosuda/x402-gateway/facilitator/evm"
	solfac "github.com/gosuda/x402-gateway/facilitator/solana"
	"github.com/gosuda/x402-gateway/facilitator/evm/wallet"
	"github.com/gosuda/x402-gateway/types"
)

// stubEvmChain satisfies the EVM port with inert responses; routing tests
// never reach past the first chain read.
type stubEvmChain struct{}

func (stubEvmChain) Network() types.Network { return types.NetworkBaseSepolia }
func (stubEvmChain) ChainID() *big.Int      { return big.NewInt(84532) }
func (stubEvmChain) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (stubEvmChain) PendingNonce(context.Context, common.Address) (uint64, error) { return 0, nil }
func (stubEvmChain) TokenName(context.Context, common.Address) (string, error)    { return "USDC", nil }
func (stubEvmChain) TokenVersion(context.Context, common.Address) (string, error) { return "2", nil }
func (stubEvmChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (stubEvmChain) PackTransferWithAuthorization(*types.ExactEvmAuthorization, []byte) ([]byte, error) {
	return nil, nil
}
func (stubEvmChain) NewTransferTx(context.Context, uint64, common.Address, []byte) (*ethTypes.Transaction, error) {
	return nil, nil
}
func (stubEvmChain) SendTransaction(context.Context, *ethTypes.Transaction) error { return nil }
func (stubEvmChain) WaitReceipt(context.Context, common.Hash) (*chainevm.Receipt, error) {
	return nil, nil
}

func evmPayload(network types.Network) *types.PaymentPayload {
	raw, _ := json.Marshal(types.ExactEvmPayload{
		Signature: "0x1234",
		Authorization: types.ExactEvmAuthorization{
			From:        "0x1234567890123456789012345678901234567890",
			To:          "0x0987654321098765432109876543210987654321",
			Value:       "1000000",
			ValidAfter:  "0",
			ValidBefore: "9999999999",
			Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000001",
		},
	})
	return &types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Network:     network,
		Payload:     raw,
	}
}

func evmRequirements(network types.Network) *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           network,
		MaxAmountRequired: "1000000",
		Resource:          "https://example.com/data",
		PayTo:             "0x0987654321098765432109876543210987654321",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func TestFacadeRouting(t *testing.T) {
	ctx := context.Background()
	empty := New(Options{Logger: zerolog.Nop()})

	t.Run("unknown scheme", func(t *testing.T) {
		p := evmPayload(types.NetworkBaseSepolia)
		p.Scheme = "stream"
		resp := empty.Verify(ctx, p, evmRequirements(types.NetworkBaseSepolia))
		assert.False(t, resp.IsValid)
		assert.Equal(t, types.ReasonInvalidScheme, resp.InvalidReason)
		assert.Equal(t, "0x1234567890123456789012345678901234567890", resp.Payer)
	})

	t.Run("unknown network family", func(t *testing.T) {
		p := evmPayload("near")
		resp := empty.Verify(ctx, p, evmRequirements("near"))
		assert.Equal(t, types.ReasonInvalidScheme, resp.InvalidReason)
	})

	t.Run("wrong x402 version", func(t *testing.T) {
		p := evmPayload(types.NetworkBaseSepolia)
		p.X402Version = 3
		resp := empty.Verify(ctx, p, evmRequirements(types.NetworkBaseSepolia))
		assert.Equal(t, types.ReasonInvalidX402Version, resp.InvalidReason)
	})

	t.Run("network mismatch between payload and requirements", func(t *testing.T) {
		resp := empty.Verify(ctx, evmPayload(types.NetworkBase), evmRequirements(types.NetworkBaseSepolia))
		assert.Equal(t, types.ReasonInvalidNetwork, resp.InvalidReason)
	})

	t.Run("unconfigured evm network", func(t *testing.T) {
		resp := empty.Verify(ctx, evmPayload(types.NetworkBaseSepolia), evmRequirements(types.NetworkBaseSepolia))
		assert.Equal(t, types.ReasonInvalidNetwork, resp.InvalidReason)
	})

	t.Run("allow-list rejection", func(t *testing.T) {
		fac := New(Options{
			AllowedNetworks: []types.Network{types.NetworkBase},
			Logger:          zerolog.Nop(),
		})
		resp := fac.Verify(ctx, evmPayload(types.NetworkBaseSepolia), evmRequirements(types.NetworkBaseSepolia))
		assert.Equal(t, types.ReasonNetworkNotAllowed, resp.InvalidReason)
	})

	t.Run("settle without wallets", func(t *testing.T) {
		resp := empty.Settle(ctx, evmPayload(types.NetworkBaseSepolia), evmRequirements(types.NetworkBaseSepolia))
		assert.False(t, resp.Success)
		assert.Equal(t, types.ReasonNoWalletsConfigured, resp.ErrorReason)
	})

	t.Run("malformed requirements", func(t *testing.T) {
		req := evmRequirements(types.NetworkBaseSepolia)
		req.MaxAmountRequired = "free"
		resp := empty.Verify(ctx, evmPayload(types.NetworkBaseSepolia), req)
		assert.Equal(t, types.ReasonInvalidPaymentRequirements, resp.InvalidReason)
	})
}

func TestSupported(t *testing.T) {
	t.Run("empty facilitator supports nothing", func(t *testing.T) {
		fac := New(Options{Logger: zerolog.Nop()})
		assert.Empty(t, fac.Supported().Kinds)
	})

	t.Run("evm kinds require wallets and chain clients", func(t *testing.T) {
		pool, err := wallet.NewPool([]string{"0000000000000000000000000000000000000000000000000000000000000001"}, wallet.Config{}, nil, zerolog.Nop())
		require.NoError(t, err)

		fac := New(Options{
			EvmChains: map[types.Network]evmfac.Chain{types.NetworkBaseSepolia: stubEvmChain{}},
			EvmPool:   pool,
			Logger:    zerolog.Nop(),
		})

		kinds := fac.Supported().Kinds
		require.Len(t, kinds, 1)
		assert.Equal(t, types.SchemeExact, kinds[0].Scheme)
		assert.Equal(t, types.NetworkBaseSepolia, kinds[0].Network)
		assert.Equal(t, types.X402Version, kinds[0].X402Version)
		assert.Nil(t, kinds[0].Extra)
	})

	t.Run("svm kinds carry the fee payer", func(t *testing.T) {
		signer := solanasdk.NewWallet().PrivateKey
		client, err := chainsvm.NewClient(types.NetworkSolanaDevnet, "")
		require.NoError(t, err)

		fac := New(Options{
			SvmChains: map[types.Network]solfac.Chain{types.NetworkSolanaDevnet: client},
			SvmSigner: signer,
			Logger:    zerolog.Nop(),
		})

		kinds := fac.Supported().Kinds
		require.Len(t, kinds, 1)
		assert.Equal(t, types.NetworkSolanaDevnet, kinds[0].Network)
		assert.Equal(t, signer.PublicKey().String(), kinds[0].Extra["feePayer"])
	})

	t.Run("allow-list restricts kinds", func(t *testing.T) {
		pool, err := wallet.NewPool([]string{"0000000000000000000000000000000000000000000000000000000000000001"}, wallet.Config{}, nil, zerolog.Nop())
		require.NoError(t, err)

		fac := New(Options{
			AllowedNetworks: []types.Network{types.NetworkBase},
			EvmChains:       map[types.Network]evmfac.Chain{types.NetworkBaseSepolia: stubEvmChain{}},
			EvmPool:         pool,
			Logger:          zerolog.Nop(),
		})
		assert.Empty(t, fac.Supported().Kinds)
	})
}
