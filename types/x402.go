package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// X402Version is the protocol version this facilitator speaks.
const X402Version = 1

// SchemeExact is the only payment scheme this facilitator brokers.
const SchemeExact = "exact"

// =============================================================================
// PaymentRequirements
// =============================================================================

// PaymentRequirements describes a seller's offer: what must be paid, to whom,
// on which network, for which resource.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme"`
	Network           Network         `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int64           `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	Extra             map[string]any  `json:"extra,omitempty"`
}

// ExtraString returns a string-valued key from the open extra map.
func (r *PaymentRequirements) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// Amount parses MaxAmountRequired as an unsigned decimal integer.
func (r *PaymentRequirements) Amount() (*big.Int, error) {
	return parseUint256(r.MaxAmountRequired)
}

// =============================================================================
// Payment payloads
// =============================================================================

// ExactEvmAuthorization is the ERC-3009 TransferWithAuthorization message the
// client signed. All numeric fields are decimal strings; nonce is 32 hex bytes.
type ExactEvmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload carries an EIP-712 signature over an ERC-3009 authorization.
type ExactEvmPayload struct {
	Signature     string                `json:"signature"`
	Authorization ExactEvmAuthorization `json:"authorization"`
}

// ExactSvmPayload carries a base64-serialized, partially-signed SVM transaction.
type ExactSvmPayload struct {
	Transaction string `json:"transaction"`
}

// PaymentPayload is the client-signed payment envelope relayed by the merchant.
// Payload is decoded lazily per network family.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// ExactEvm decodes the inner payload as an EVM exact payment.
func (p *PaymentPayload) ExactEvm() (*ExactEvmPayload, error) {
	var out ExactEvmPayload
	if err := json.Unmarshal(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("malformed evm payload: %w", err)
	}
	if out.Authorization.From == "" || out.Authorization.To == "" {
		return nil, fmt.Errorf("evm payload missing authorization fields")
	}
	return &out, nil
}

// ExactSvm decodes the inner payload as an SVM exact payment.
func (p *PaymentPayload) ExactSvm() (*ExactSvmPayload, error) {
	var out ExactSvmPayload
	if err := json.Unmarshal(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("malformed svm payload: %w", err)
	}
	if out.Transaction == "" {
		return nil, fmt.Errorf("svm payload missing transaction")
	}
	return &out, nil
}

// EvmPayer returns the authorization "from" address if the payload decodes as
// an EVM payment, otherwise "". Used to keep the payer field populated in
// failure responses.
func (p *PaymentPayload) EvmPayer() string {
	evm, err := p.ExactEvm()
	if err != nil {
		return ""
	}
	return evm.Authorization.From
}

// =============================================================================
// Responses
// =============================================================================

// VerifyResponse is the outcome of payment verification.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason Reason `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the outcome of on-chain settlement. Transaction is the
// on-chain hash or signature on success and may be set on failure when the
// transaction was broadcast but did not succeed.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason Reason  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SupportedKind is one (scheme, network) pair the facilitator can settle.
type SupportedKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     Network        `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// =============================================================================
// Schema validation
// =============================================================================

var (
	decimalRe = regexp.MustCompile(`^[0-9]+$`)
	hexAddrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// maxUint256 is 2^256 - 1, the ceiling for authorization values.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(s string) (*big.Int, error) {
	if s == "" || !decimalRe.MatchString(s) {
		return nil, fmt.Errorf("not an unsigned decimal integer: %q", s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an unsigned decimal integer: %q", s)
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("value exceeds uint256: %q", s)
	}
	return n, nil
}

// ParseUint256 parses a non-negative decimal string bounded by 2^256-1.
func ParseUint256(s string) (*big.Int, error) { return parseUint256(s) }

// IsHexAddress reports whether s looks like a 20-byte 0x-prefixed address.
func IsHexAddress(s string) bool { return hexAddrRe.MatchString(s) }

// ValidatePayload performs schema-level validation of a payment payload.
// Returns the matching reason code on failure.
func ValidatePayload(p *PaymentPayload) (Reason, bool) {
	if p == nil || len(p.Payload) == 0 {
		return ReasonInvalidPayload, false
	}
	if p.X402Version != X402Version {
		return ReasonInvalidX402Version, false
	}
	if p.Scheme == "" {
		return ReasonInvalidScheme, false
	}
	if p.Network == "" {
		return ReasonInvalidNetwork, false
	}
	return "", true
}

// ValidateRequirements performs schema-level validation of payment
// requirements. Returns the matching reason code on failure.
func ValidateRequirements(r *PaymentRequirements) (Reason, bool) {
	if r == nil {
		return ReasonInvalidPaymentRequirements, false
	}
	if r.Scheme == "" {
		return ReasonInvalidScheme, false
	}
	if r.Network == "" {
		return ReasonInvalidNetwork, false
	}
	if _, err := r.Amount(); err != nil {
		return ReasonInvalidPaymentRequirements, false
	}
	if r.PayTo == "" || r.Asset == "" {
		return ReasonInvalidPaymentRequirements, false
	}
	if r.Resource != "" && !strings.Contains(r.Resource, "://") {
		return ReasonInvalidPaymentRequirements, false
	}
	return "", true
}
