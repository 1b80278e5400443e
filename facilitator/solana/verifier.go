// Package solana implements verification and settlement of exact SVM
// payments: partially-signed SPL TransferChecked transactions that the
// facilitator completes as fee-payer.
package solana

import (
	"context"
	"errors"

	solana "github.com/gagliardetto/solana-go"

	chainsvm "github.com/gosuda/x402-gateway/chain/svm"
	"github.com/gosuda/x402-gateway/types"
)

// Chain is the SVM port the verifier and settler consume. Implemented by
// chain/svm.Client.
type Chain interface {
	Network() types.Network
	Simulate(ctx context.Context, tx *solana.Transaction) (*chainsvm.SimulationResult, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Status(ctx context.Context, sig solana.Signature) (*chainsvm.SignatureStatus, error)
	BlockhashValid(ctx context.Context, hash solana.Hash) (bool, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	Balance(ctx context.Context, addr solana.PublicKey) (uint64, error)
}

// Verifier validates exact SVM payments. Verification needs the facilitator
// signer because the simulation probe runs over the fee-payer-substituted,
// facilitator-signed transaction.
type Verifier struct {
	signer solana.PrivateKey
}

// NewVerifier creates a verifier signing as feePayer.
func NewVerifier(signer solana.PrivateKey) *Verifier {
	return &Verifier{signer: signer}
}

// FeePayer returns the facilitator's fee-payer identity.
func (v *Verifier) FeePayer() solana.PublicKey {
	return v.signer.PublicKey()
}

func invalid(reason types.Reason, payer string) *types.VerifyResponse {
	return &types.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// Verify runs the exact-SVM verification state machine. On success the
// returned transaction carries the facilitator's fee-payer signature and is
// ready for broadcast.
func (v *Verifier) Verify(ctx context.Context, chain Chain, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.VerifyResponse, *solana.Transaction) {
	svmPayload, err := payload.ExactSvm()
	if err != nil {
		return invalid(types.ReasonInvalidSvmTransaction, ""), nil
	}

	// Step 1: decode.
	tx, err := chainsvm.DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return invalid(types.ReasonInvalidSvmTransaction, ""), nil
	}
	payer := chainsvm.FindPayer(tx, v.signer.PublicKey()).String()

	// Step 2: instruction shape.
	transfer, err := chainsvm.ParseTransfer(tx)
	if err != nil {
		if errors.Is(err, chainsvm.ErrInstructionShape) {
			return invalid(types.ReasonInvalidSvmInstructions, payer), nil
		}
		return invalid(types.ReasonInvalidSvmTransaction, payer), nil
	}

	// The fee payer must not be the one moving funds.
	if transfer.Authority.Equals(v.signer.PublicKey()) {
		return invalid(types.ReasonInvalidSvmTransaction, payer), nil
	}

	// Step 3: asset, recipient ATA and decimals.
	mint, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil || !transfer.Mint.Equals(mint) {
		return invalid(types.ReasonInvalidSvmTransaction, payer), nil
	}

	payTo, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return invalid(types.ReasonInvalidPaymentRequirements, payer), nil
	}
	expectedATA, err := chainsvm.RecipientATA(payTo, mint)
	if err != nil || !transfer.Destination.Equals(expectedATA) {
		return invalid(types.ReasonInvalidSvmTransaction, payer), nil
	}

	decimals, err := chain.MintDecimals(ctx, mint)
	if err != nil {
		return invalid(types.ClassifyError(err, types.ReasonUnexpectedVerifyError), payer), nil
	}
	if transfer.Decimals != decimals {
		return invalid(types.ReasonInvalidSvmTransaction, payer), nil
	}

	// Step 4: amount.
	required, err := req.Amount()
	if err != nil || !required.IsUint64() {
		return invalid(types.ReasonInvalidPaymentRequirements, payer), nil
	}
	if transfer.Amount < required.Uint64() {
		return invalid(types.ReasonInvalidSvmAmountMismatch, payer), nil
	}

	// Step 5: substitute the fee payer and sign.
	chainsvm.SetFeePayer(tx, v.signer.PublicKey())
	if err := chainsvm.PartialSign(tx, v.signer); err != nil {
		return invalid(types.ReasonInvalidSvmTransaction, payer), nil
	}

	// Step 6: simulation probe.
	sim, err := chain.Simulate(ctx, tx)
	if err != nil {
		return invalid(types.ClassifyError(err, types.ReasonUnexpectedVerifyError), payer), nil
	}
	if sim.Err != nil {
		return invalid(types.ReasonInvalidSvmSimulationFailed, payer), nil
	}

	return &types.VerifyResponse{IsValid: true, Payer: payer}, tx
}
