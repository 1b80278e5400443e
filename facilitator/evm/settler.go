package evm

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	chainevm "github.com/gosuda/x402-gateway/chain/evm"
	"github.com/gosuda/x402-gateway/facilitator/evm/wallet"
	"github.com/gosuda/x402-gateway/types"
)

// settleTimeoutCeiling caps how long a settlement waits for a receipt
// regardless of what the requirements ask for.
const settleTimeoutCeiling = 120 * time.Second

// RegisterFunc is the discovery hook invoked after successful settlement.
// Calls are best-effort and never block the settlement response.
type RegisterFunc func(req *types.PaymentRequirements, network types.Network)

// Settler drives exact EVM settlements end-to-end: re-verification, wallet
// acquisition, nonce assignment, broadcast and receipt wait.
type Settler struct {
	verifier *Verifier
	pool     *wallet.Pool
	allowed  map[types.Network]bool
	register RegisterFunc
	log      zerolog.Logger
}

// NewSettler wires a settler over the shared wallet pool. allowed is the
// network allow-list; nil or empty means every configured network.
func NewSettler(verifier *Verifier, pool *wallet.Pool, allowed []types.Network, register RegisterFunc, logger zerolog.Logger) *Settler {
	allowSet := make(map[types.Network]bool, len(allowed))
	for _, n := range allowed {
		allowSet[n] = true
	}
	return &Settler{
		verifier: verifier,
		pool:     pool,
		allowed:  allowSet,
		register: register,
		log:      logger,
	}
}

func (s *Settler) networkAllowed(n types.Network) bool {
	if len(s.allowed) == 0 {
		return true
	}
	return s.allowed[n]
}

func settleFailure(reason types.Reason, payer string, tx string, network types.Network) *types.SettleResponse {
	return &types.SettleResponse{
		Success:     false,
		ErrorReason: reason,
		Payer:       payer,
		Transaction: tx,
		Network:     network,
	}
}

// Settle executes one settlement. Verification runs exactly once, before
// wallet acquisition.
func (s *Settler) Settle(ctx context.Context, chain Chain, payload *types.PaymentPayload, req *types.PaymentRequirements) *types.SettleResponse {
	network := req.Network

	if !s.networkAllowed(network) {
		return settleFailure(types.ReasonNetworkNotAllowed, payload.EvmPayer(), "", network)
	}

	verify := s.verifier.Verify(ctx, chain, payload, req)
	if !verify.IsValid {
		return settleFailure(verify.InvalidReason, verify.Payer, "", network)
	}
	payer := verify.Payer

	evmPayload, err := payload.ExactEvm()
	if err != nil {
		return settleFailure(types.ReasonInvalidPayload, payer, "", network)
	}
	sig, err := decodeSignature(evmPayload.Signature)
	if err != nil {
		return settleFailure(types.ReasonInvalidEvmSignature, payer, "", network)
	}

	lease, err := s.pool.Acquire(network)
	if err != nil {
		return settleFailure(acquireReason(err), payer, "", network)
	}
	w := lease.Wallet()

	// Gas gate: a wallet that passed its last health check may have drained
	// since. Re-read before spending a nonce on it.
	balance, err := chain.NativeBalance(ctx, w.Address())
	if err != nil {
		lease.Release("", false)
		return settleFailure(types.ClassifyError(err, types.ReasonUnexpectedSettleError), payer, "", network)
	}
	if balance.Cmp(s.pool.Config().MinNativeBalance) < 0 {
		lease.Release("", false)
		return settleFailure(types.ReasonInsufficientGasBalance, payer, "", network)
	}

	calldata, err := chain.PackTransferWithAuthorization(&evmPayload.Authorization, sig)
	if err != nil {
		lease.Release("", false)
		return settleFailure(types.ReasonInvalidPayload, payer, "", network)
	}

	signedTx, reason := s.broadcast(ctx, chain, w, calldata, req)
	if reason != "" {
		lease.Release("", false)
		return settleFailure(reason, payer, "", network)
	}
	txHash := signedTx.Hash()
	s.pool.TrackPending(w, txHash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, settleWaitBudget(req))
	defer cancel()

	receipt, err := chain.WaitReceipt(waitCtx, txHash)
	if err != nil {
		lease.Release(txHash.Hex(), false)
		if waitCtx.Err() != nil {
			return settleFailure(types.ReasonBlockchainTxFailed, payer, txHash.Hex(), network)
		}
		return settleFailure(types.ClassifyError(err, types.ReasonBlockchainTxFailed), payer, txHash.Hex(), network)
	}
	if receipt.Status != ethTypes.ReceiptStatusSuccessful {
		lease.Release(txHash.Hex(), false)
		return settleFailure(types.ReasonBlockchainTxFailed, payer, txHash.Hex(), network)
	}

	lease.Release(txHash.Hex(), true)

	if s.register != nil {
		go s.register(req, network)
	}

	s.log.Info().
		Str("network", string(network)).
		Str("tx", txHash.Hex()).
		Str("payer", payer).
		Str("wallet", w.Address().Hex()).
		Msg("settlement confirmed")

	return &types.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: txHash.Hex(),
		Network:     network,
	}
}

// broadcast assigns a nonce, signs and sends the transaction. Nonce
// divergence errors reset the registry and retry with backoff; anything else
// fails immediately. The reserved nonce is returned on abort so the sequence
// stays gap-free.
func (s *Settler) broadcast(ctx context.Context, chain Chain, w *wallet.Wallet, calldata []byte, req *types.PaymentRequirements) (*ethTypes.Transaction, types.Reason) {
	cfg := s.pool.Config()
	registry := s.pool.Nonces()
	asset := common.HexToAddress(req.Asset)

	var lastReason types.Reason
	for attempt := 0; attempt < cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, types.ReasonBlockchainTxFailed
			case <-time.After(cfg.RetryDelay):
			}
		}

		nonce, _, err := registry.Next(ctx, w.Address(), chain)
		if err != nil {
			return nil, types.ClassifyError(err, types.ReasonRPCConnectionFailed)
		}

		tx, err := chain.NewTransferTx(ctx, nonce, asset, calldata)
		if err != nil {
			registry.Decrement(w.Address())
			return nil, types.ClassifyError(err, types.ReasonRPCConnectionFailed)
		}

		signedTx, err := ethTypes.SignTx(tx, ethTypes.LatestSignerForChainID(chain.ChainID()), w.Key())
		if err != nil {
			registry.Decrement(w.Address())
			return nil, types.ReasonUnexpectedSettleError
		}

		if err := chain.SendTransaction(ctx, signedTx); err != nil {
			if types.IsNonceError(err) {
				s.log.Warn().
					Err(err).
					Str("wallet", w.Address().Hex()).
					Uint64("nonce", nonce).
					Int("attempt", attempt+1).
					Msg("nonce divergence on broadcast, resetting")
				if _, resetErr := registry.Reset(ctx, w.Address(), chain); resetErr != nil {
					return nil, types.ClassifyError(resetErr, types.ReasonRPCConnectionFailed)
				}
				lastReason = types.ReasonBlockchainTxFailed
				continue
			}
			registry.Decrement(w.Address())
			return nil, types.ClassifyError(err, types.ReasonBlockchainTxFailed)
		}

		return signedTx, ""
	}

	if lastReason == "" {
		lastReason = types.ReasonBlockchainTxFailed
	}
	return nil, lastReason
}

func acquireReason(err error) types.Reason {
	switch err {
	case wallet.ErrNoWallets:
		return types.ReasonNoWalletsConfigured
	case wallet.ErrAllUnhealthy:
		return types.ReasonInsufficientGasBalance
	default:
		return types.ReasonAllWalletsBusy
	}
}

// settleWaitBudget derives the receipt-wait deadline from the requirements,
// clamped to a safety ceiling.
func settleWaitBudget(req *types.PaymentRequirements) time.Duration {
	if req.MaxTimeoutSeconds <= 0 {
		return settleTimeoutCeiling
	}
	budget := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if budget > settleTimeoutCeiling {
		return settleTimeoutCeiling
	}
	if budget < time.Second {
		return time.Second
	}
	return budget
}

// decodeSignature yields the raw 65-byte signature that goes on-chain,
// unwrapping an ERC-6492 envelope when present.
func decodeSignature(sigHex string) ([]byte, error) {
	sig, err := chainevm.HexToBytes(sigHex)
	if err != nil {
		return nil, err
	}
	return chainevm.UnwrapERC6492Signature(sig)
}
