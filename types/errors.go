package types

import "strings"

// Reason is a machine-readable failure code surfaced in verify and settle
// responses.
type Reason string

const (
	// Validation
	ReasonInvalidX402Version         Reason = "invalid_x402_version"
	ReasonInvalidScheme              Reason = "invalid_scheme"
	ReasonInvalidNetwork             Reason = "invalid_network"
	ReasonInvalidPayload             Reason = "invalid_payload"
	ReasonInvalidPaymentRequirements Reason = "invalid_payment_requirements"
	ReasonNetworkNotAllowed          Reason = "network_not_allowed"

	// Semantic
	ReasonPaymentExpired          Reason = "payment_expired"
	ReasonInsufficientFunds       Reason = "insufficient_funds"
	ReasonInvalidPayment          Reason = "invalid_payment"
	ReasonInvalidTransactionState Reason = "invalid_transaction_state"

	// EVM signature / authorization
	ReasonInvalidEvmSignature         Reason = "invalid_exact_evm_payload_signature"
	ReasonInvalidEvmValidAfter        Reason = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonInvalidEvmValidBefore       Reason = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonInvalidEvmValue             Reason = "invalid_exact_evm_payload_authorization_value"
	ReasonInvalidEvmRecipientMismatch Reason = "invalid_exact_evm_payload_recipient_mismatch"

	// SVM structural
	ReasonInvalidSvmTransaction      Reason = "invalid_exact_svm_payload_transaction"
	ReasonInvalidSvmInstructions     Reason = "invalid_exact_svm_payload_transaction_instructions"
	ReasonInvalidSvmAmountMismatch   Reason = "invalid_exact_svm_payload_transaction_amount_mismatch"
	ReasonInvalidSvmSimulationFailed Reason = "invalid_exact_svm_payload_transaction_simulation_failed"

	// Settlement / RPC
	ReasonRPCConnectionFailed     Reason = "rpc_connection_failed"
	ReasonBlockchainTxFailed      Reason = "blockchain_transaction_failed"
	ReasonSvmBlockHeightExceeded  Reason = "settle_exact_svm_block_height_exceeded"
	ReasonSvmConfirmationTimedOut Reason = "settle_exact_svm_transaction_confirmation_timed_out"
	ReasonInsufficientGasBalance  Reason = "insufficient_facilitator_gas_balance"
	ReasonAllWalletsBusy          Reason = "all_wallets_busy"
	ReasonNoWalletsConfigured     Reason = "no_wallets_configured"

	// Unknown
	ReasonUnexpectedVerifyError Reason = "unexpected_verify_error"
	ReasonUnexpectedSettleError Reason = "unexpected_settle_error"
)

// nonceErrorMarkers are vendor RPC error fragments that indicate the local
// nonce counter has diverged from the chain's view.
var nonceErrorMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"already known",
	"OldNonce",
	"NonceTooLow",
}

// IsNonceError reports whether err looks like a nonce divergence reported by
// an EVM RPC node.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range nonceErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var rpcErrorMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"EOF",
	"502",
	"503",
	"too many requests",
}

// ClassifyError maps an unexpected lower-layer error onto the response
// taxonomy. The fallback reason distinguishes verify from settle paths.
func ClassifyError(err error, fallback Reason) Reason {
	if err == nil {
		return fallback
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rpcErrorMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return ReasonRPCConnectionFailed
		}
	}
	if strings.Contains(msg, "signature") {
		return ReasonInvalidEvmSignature
	}
	if strings.Contains(msg, "insufficient funds") {
		return ReasonInsufficientFunds
	}
	if strings.Contains(msg, "revert") || strings.Contains(msg, "execution") {
		return ReasonBlockchainTxFailed
	}
	return fallback
}
