// Package facilitator routes x402 verify and settle requests to the
// scheme+network implementation that can serve them, and enumerates the
// kinds this process supports.
package facilitator

import (
	"context"
	"time"

	solanasdk "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/gosuda/x402-gateway/discovery"
	evmfac "github.com/gosuda/x402-gateway/facilitator/evm"
	solfac "github.com/gosuda/x402-gateway/facilitator/solana"
	"github.com/gosuda/x402-gateway/facilitator/evm/wallet"
	"github.com/gosuda/x402-gateway/internal/clock"
	"github.com/gosuda/x402-gateway/types"
)

// registerTimeout bounds the best-effort discovery registration that runs
// after a successful settlement.
const registerTimeout = 10 * time.Second

// Options wires a Facilitator. Chains, pool and signer are optional per
// family: a family with no backing simply is not supported.
type Options struct {
	AllowedNetworks []types.Network

	EvmChains map[types.Network]evmfac.Chain
	EvmPool   *wallet.Pool

	SvmChains map[types.Network]solfac.Chain
	SvmSigner solanasdk.PrivateKey

	Discovery *discovery.Registry
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Facilitator owns the verifier and settler components and the routing
// between them.
type Facilitator struct {
	allowed map[types.Network]bool

	evmChains   map[types.Network]evmfac.Chain
	evmPool     *wallet.Pool
	evmVerifier *evmfac.Verifier
	evmSettler  *evmfac.Settler

	svmChains   map[types.Network]solfac.Chain
	svmSigner   solanasdk.PrivateKey
	svmVerifier *solfac.Verifier
	svmSettler  *solfac.Settler

	discovery *discovery.Registry
	log       zerolog.Logger
}

// New assembles a facilitator from its ports.
func New(opts Options) *Facilitator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	f := &Facilitator{
		allowed:   make(map[types.Network]bool, len(opts.AllowedNetworks)),
		evmChains: opts.EvmChains,
		evmPool:   opts.EvmPool,
		svmChains: opts.SvmChains,
		svmSigner: opts.SvmSigner,
		discovery: opts.Discovery,
		log:       opts.Logger,
	}
	for _, n := range opts.AllowedNetworks {
		f.allowed[n] = true
	}

	register := f.registerResource

	if len(opts.EvmChains) > 0 && opts.EvmPool != nil {
		f.evmVerifier = evmfac.NewVerifier(clk)
		f.evmSettler = evmfac.NewSettler(f.evmVerifier, opts.EvmPool, opts.AllowedNetworks, register, opts.Logger)
	}
	if len(opts.SvmChains) > 0 && len(opts.SvmSigner) > 0 {
		f.svmVerifier = solfac.NewVerifier(opts.SvmSigner)
		f.svmSettler = solfac.NewSettler(f.svmVerifier, opts.AllowedNetworks, register, opts.Logger)
	}

	return f
}

// Discovery returns the attached registry, which may be disabled.
func (f *Facilitator) Discovery() *discovery.Registry { return f.discovery }

// EvmPool returns the wallet pool, or nil when EVM settlement is not
// configured.
func (f *Facilitator) EvmPool() *wallet.Pool { return f.evmPool }

func (f *Facilitator) networkAllowed(n types.Network) bool {
	if len(f.allowed) == 0 {
		return true
	}
	return f.allowed[n]
}

// registerResource is the post-settlement discovery hook. Failures never
// propagate.
func (f *Facilitator) registerResource(req *types.PaymentRequirements, network types.Network) {
	if f.discovery == nil || !f.discovery.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()
	if err := f.discovery.Register(ctx, req, network); err != nil {
		f.log.Warn().Err(err).Str("resource", req.Resource).Msg("discovery registration failed")
	}
}

// route validates the envelope and decides the family. An empty family
// means the response is already final.
func (f *Facilitator) route(payload *types.PaymentPayload, req *types.PaymentRequirements) (family string, reason types.Reason) {
	if r, ok := types.ValidatePayload(payload); !ok {
		return "", r
	}
	if r, ok := types.ValidateRequirements(req); !ok {
		return "", r
	}
	if payload.Scheme != types.SchemeExact || req.Scheme != types.SchemeExact {
		return "", types.ReasonInvalidScheme
	}
	if payload.Network != req.Network {
		return "", types.ReasonInvalidNetwork
	}

	switch {
	case types.IsEVMNetwork(req.Network):
		return "evm", ""
	case types.IsSVMNetwork(req.Network):
		return "svm", ""
	default:
		return "", types.ReasonInvalidScheme
	}
}

// Verify decides whether the payload satisfies the requirements without
// touching any chain state-changing path. Unexpected failures from lower
// layers are classified, never thrown.
func (f *Facilitator) Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (resp *types.VerifyResponse) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Any("panic", r).Msg("verify panicked")
			resp = &types.VerifyResponse{IsValid: false, InvalidReason: types.ReasonUnexpectedVerifyError, Payer: payload.EvmPayer()}
		}
	}()

	family, reason := f.route(payload, req)
	if reason != "" {
		return &types.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payload.EvmPayer()}
	}
	if !f.networkAllowed(req.Network) {
		return &types.VerifyResponse{IsValid: false, InvalidReason: types.ReasonNetworkNotAllowed, Payer: payload.EvmPayer()}
	}

	switch family {
	case "evm":
		chain, ok := f.evmChains[req.Network]
		if !ok || f.evmVerifier == nil {
			return &types.VerifyResponse{IsValid: false, InvalidReason: types.ReasonInvalidNetwork, Payer: payload.EvmPayer()}
		}
		return f.evmVerifier.Verify(ctx, chain, payload, req)
	default:
		chain, ok := f.svmChains[req.Network]
		if !ok || f.svmVerifier == nil {
			return &types.VerifyResponse{IsValid: false, InvalidReason: types.ReasonInvalidNetwork}
		}
		resp, _ := f.svmVerifier.Verify(ctx, chain, payload, req)
		return resp
	}
}

// Settle submits the payload on-chain and reports the confirmed outcome.
func (f *Facilitator) Settle(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (resp *types.SettleResponse) {
	network := types.Network("")
	if req != nil {
		network = req.Network
	}
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Any("panic", r).Msg("settle panicked")
			resp = &types.SettleResponse{Success: false, ErrorReason: types.ReasonUnexpectedSettleError, Payer: payload.EvmPayer(), Network: network}
		}
	}()

	family, reason := f.route(payload, req)
	if reason != "" {
		return &types.SettleResponse{Success: false, ErrorReason: reason, Payer: payload.EvmPayer(), Network: network}
	}

	switch family {
	case "evm":
		chain, ok := f.evmChains[req.Network]
		if !ok || f.evmSettler == nil {
			return &types.SettleResponse{Success: false, ErrorReason: types.ReasonNoWalletsConfigured, Payer: payload.EvmPayer(), Network: network}
		}
		return f.evmSettler.Settle(ctx, chain, payload, req)
	default:
		chain, ok := f.svmChains[req.Network]
		if !ok || f.svmSettler == nil {
			return &types.SettleResponse{Success: false, ErrorReason: types.ReasonInvalidNetwork, Network: network}
		}
		return f.svmSettler.Settle(ctx, chain, payload, req)
	}
}

// Supported enumerates every (scheme, network) kind this process can settle:
// EVM networks backed by a configured chain client and at least one wallet,
// SVM networks backed by a chain client and the fee-payer identity.
func (f *Facilitator) Supported() *types.SupportedResponse {
	kinds := []types.SupportedKind{}

	if f.evmPool != nil && f.evmPool.Size() > 0 {
		for _, n := range types.EVMNetworks {
			if !f.networkAllowed(n) {
				continue
			}
			if _, ok := f.evmChains[n]; !ok {
				continue
			}
			kinds = append(kinds, types.SupportedKind{
				X402Version: types.X402Version,
				Scheme:      types.SchemeExact,
				Network:     n,
			})
		}
	}

	if len(f.svmSigner) > 0 {
		for _, n := range types.SVMNetworks {
			if !f.networkAllowed(n) {
				continue
			}
			if _, ok := f.svmChains[n]; !ok {
				continue
			}
			kinds = append(kinds, types.SupportedKind{
				X402Version: types.X402Version,
				Scheme:      types.SchemeExact,
				Network:     n,
				Extra: map[string]any{
					"feePayer": f.svmSigner.PublicKey().String(),
				},
			})
		}
	}

	return &types.SupportedResponse{Kinds: kinds}
}
