package solana

import (
	"context"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/gosuda/x402-gateway/types"
)

const (
	// settleTimeoutDefault is the confirmation budget when requirements do
	// not carry one.
	settleTimeoutDefault = 60 * time.Second
	// settleTimeoutCeiling caps the confirmation budget.
	settleTimeoutCeiling = 120 * time.Second
	// confirmPollInterval is the delay between signature status polls.
	confirmPollInterval = time.Second
)

// Settler drives exact SVM settlements: re-verify (which signs as
// fee-payer), broadcast, then poll for confirmation. SVM settlement uses the
// single configured fee-payer identity, not the wallet pool.
type Settler struct {
	verifier *Verifier
	allowed  map[types.Network]bool
	register func(req *types.PaymentRequirements, network types.Network)
	log      zerolog.Logger
}

// NewSettler wires a settler over the shared verifier. allowed is the
// network allow-list; nil or empty means every configured network.
func NewSettler(verifier *Verifier, allowed []types.Network, register func(req *types.PaymentRequirements, network types.Network), logger zerolog.Logger) *Settler {
	allowSet := make(map[types.Network]bool, len(allowed))
	for _, n := range allowed {
		allowSet[n] = true
	}
	return &Settler{
		verifier: verifier,
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

// Settle executes one SVM settlement.
func (s *Settler) Settle(ctx context.Context, chain Chain, payload *types.PaymentPayload, req *types.PaymentRequirements) *types.SettleResponse {
	network := req.Network

	if !s.networkAllowed(network) {
		return settleFailure(types.ReasonNetworkNotAllowed, "", "", network)
	}

	verify, tx := s.verifier.Verify(ctx, chain, payload, req)
	if !verify.IsValid {
		return settleFailure(verify.InvalidReason, verify.Payer, "", network)
	}
	payer := verify.Payer

	sig, err := chain.Send(ctx, tx)
	if err != nil {
		return settleFailure(types.ClassifyError(err, types.ReasonBlockchainTxFailed), payer, "", network)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, settleWaitBudget(req))
	defer cancel()

	reason := s.confirm(confirmCtx, chain, tx, sig)
	if reason != "" {
		return settleFailure(reason, payer, sig.String(), network)
	}

	if s.register != nil {
		go s.register(req, network)
	}

	s.log.Info().
		Str("network", string(network)).
		Str("signature", sig.String()).
		Str("payer", payer).
		Msg("settlement confirmed")

	return &types.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: sig.String(),
		Network:     network,
	}
}

// confirm polls the signature status until confirmation, on-chain failure,
// blockhash expiry, or deadline.
func (s *Settler) confirm(ctx context.Context, chain Chain, tx *solana.Transaction, sig solana.Signature) types.Reason {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := chain.Status(ctx, sig)
		if err == nil && status.Found {
			if status.Err != nil {
				return types.ReasonBlockchainTxFailed
			}
			if status.Confirmed {
				return ""
			}
		}

		// A signature the cluster never saw whose blockhash has expired
		// can no longer land.
		if err == nil && !status.Found {
			valid, validErr := chain.BlockhashValid(ctx, tx.Message.RecentBlockhash)
			if validErr == nil && !valid {
				return types.ReasonSvmBlockHeightExceeded
			}
		}

		select {
		case <-ctx.Done():
			return types.ReasonSvmConfirmationTimedOut
		case <-ticker.C:
		}
	}
}

// settleWaitBudget derives the confirmation deadline from the requirements,
// clamped to a safety ceiling.
func settleWaitBudget(req *types.PaymentRequirements) time.Duration {
	if req.MaxTimeoutSeconds <= 0 {
		return settleTimeoutDefault
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
