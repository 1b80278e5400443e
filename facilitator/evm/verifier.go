// Package evm implements verification and settlement of exact EVM payments:
// ERC-3009 transferWithAuthorization payloads signed under the asset's
// EIP-712 domain.
package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	chainevm "github.com/gosuda/x402-gateway/chain/evm"
	"github.com/gosuda/x402-gateway/internal/clock"
	"github.com/gosuda/x402-gateway/types"
)

// validAfterSkewSeconds tolerates clock skew on slow chains when checking
// the start of the authorization window.
const validAfterSkewSeconds = 6

// Chain is the EVM port the verifier and settler consume. Implemented by
// chain/evm.Client.
type Chain interface {
	Network() types.Network
	ChainID() *big.Int
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	TokenName(ctx context.Context, token common.Address) (string, error)
	TokenVersion(ctx context.Context, token common.Address) (string, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	PackTransferWithAuthorization(auth *types.ExactEvmAuthorization, sig []byte) ([]byte, error)
	NewTransferTx(ctx context.Context, nonce uint64, asset common.Address, calldata []byte) (*ethTypes.Transaction, error)
	SendTransaction(ctx context.Context, tx *ethTypes.Transaction) error
	WaitReceipt(ctx context.Context, hash common.Hash) (*chainevm.Receipt, error)
}

// Verifier validates exact EVM payments against their requirements without
// touching any state-changing chain path.
type Verifier struct {
	clock clock.Clock
}

// NewVerifier creates a verifier reading time from clk.
func NewVerifier(clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.System{}
	}
	return &Verifier{clock: clk}
}

func invalid(reason types.Reason, payer string) *types.VerifyResponse {
	return &types.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// Verify runs the exact-EVM verification state machine. Every failure
// short-circuits with a specific reason; the payer field carries the claimed
// authorization sender whenever it is parseable.
func (v *Verifier) Verify(ctx context.Context, chain Chain, payload *types.PaymentPayload, req *types.PaymentRequirements) *types.VerifyResponse {
	evmPayload, err := payload.ExactEvm()
	if err != nil {
		return invalid(types.ReasonInvalidPayload, "")
	}
	auth := &evmPayload.Authorization
	payer := auth.From

	// Step 1: assemble the EIP-712 domain. Name and version come from the
	// requirements extra map, falling back to on-chain token metadata.
	domain, reason := v.resolveDomain(ctx, chain, req)
	if reason != "" {
		return invalid(reason, payer)
	}

	// Step 2: recover the signer and match it against the claimed sender.
	recovered, err := chainevm.RecoverAuthorizationSigner(domain, auth, evmPayload.Signature)
	if err != nil {
		return invalid(types.ReasonInvalidEvmSignature, payer)
	}
	if !strings.EqualFold(recovered.Hex(), auth.From) {
		return invalid(types.ReasonInvalidEvmSignature, payer)
	}

	// Step 3: authorization window.
	now := v.clock.Now().Unix()
	validAfter, err := types.ParseUint256(auth.ValidAfter)
	if err != nil {
		return invalid(types.ReasonInvalidEvmValidAfter, payer)
	}
	if validAfter.Cmp(big.NewInt(now-validAfterSkewSeconds)) > 0 {
		return invalid(types.ReasonInvalidEvmValidAfter, payer)
	}

	cfg, _ := types.GetNetworkConfig(req.Network)
	validBefore, err := types.ParseUint256(auth.ValidBefore)
	if err != nil {
		return invalid(types.ReasonInvalidEvmValidBefore, payer)
	}
	if validBefore.Cmp(big.NewInt(now+cfg.BlockTime)) <= 0 {
		return invalid(types.ReasonInvalidEvmValidBefore, payer)
	}

	// Step 4: authorized value covers the required amount.
	value, err := types.ParseUint256(auth.Value)
	if err != nil {
		return invalid(types.ReasonInvalidEvmValue, payer)
	}
	required, err := req.Amount()
	if err != nil {
		return invalid(types.ReasonInvalidPaymentRequirements, payer)
	}
	if value.Cmp(required) < 0 {
		return invalid(types.ReasonInvalidEvmValue, payer)
	}

	// Step 5: recipient matches the offer.
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return invalid(types.ReasonInvalidEvmRecipientMismatch, payer)
	}

	// Step 6: payer can actually cover the transfer.
	balance, err := chain.TokenBalance(ctx, common.HexToAddress(req.Asset), common.HexToAddress(auth.From))
	if err != nil {
		return invalid(types.ClassifyError(err, types.ReasonUnexpectedVerifyError), payer)
	}
	if balance.Cmp(value) < 0 {
		return invalid(types.ReasonInsufficientFunds, payer)
	}

	return &types.VerifyResponse{IsValid: true, Payer: payer}
}

// resolveDomain builds the EIP-712 domain for the asset. Requirement-supplied
// name and version win; each missing one is read from the token contract, and
// a failed chain read is a requirements error.
func (v *Verifier) resolveDomain(ctx context.Context, chain Chain, req *types.PaymentRequirements) (chainevm.Domain, types.Reason) {
	name := req.ExtraString("name")
	if name == "" {
		chainName, err := chain.TokenName(ctx, common.HexToAddress(req.Asset))
		if err != nil {
			return chainevm.Domain{}, types.ReasonInvalidPaymentRequirements
		}
		name = chainName
	}

	version := req.ExtraString("version")
	if version == "" {
		chainVersion, err := chain.TokenVersion(ctx, common.HexToAddress(req.Asset))
		if err != nil {
			return chainevm.Domain{}, types.ReasonInvalidPaymentRequirements
		}
		version = chainVersion
	}

	return chainevm.Domain{
		Name:              name,
		Version:           version,
		ChainID:           chain.ChainID(),
		VerifyingContract: req.Asset,
	}, ""
}
