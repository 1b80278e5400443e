package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/gosuda/x402-gateway/types"
)

// SimulationResult is the trimmed outcome of a transaction simulation.
type SimulationResult struct {
	// Err is non-nil when the simulated transaction would fail on-chain.
	Err  any
	Logs []string
}

// SignatureStatus is the trimmed confirmation state of a broadcast signature.
type SignatureStatus struct {
	// Found reports whether the cluster knows the signature at all.
	Found bool
	// Err is non-nil when the transaction landed but failed.
	Err any
	// Confirmed is set once the transaction reaches confirmed or finalized
	// commitment.
	Confirmed bool
	Slot      uint64
}

// Client talks to one SVM cluster over JSON-RPC.
type Client struct {
	rpc     *rpc.Client
	network types.Network
}

// NewClient connects to an SVM RPC endpoint.
func NewClient(network types.Network, rpcURL string) (*Client, error) {
	cfg, ok := types.GetNetworkConfig(network)
	if !ok || !types.IsSVMNetwork(network) {
		return nil, fmt.Errorf("unknown svm network: %s", network)
	}
	if rpcURL == "" {
		rpcURL = cfg.DefaultRPC
	}
	return &Client{
		rpc:     rpc.New(rpcURL),
		network: network,
	}, nil
}

// Network returns the network this client is connected to.
func (c *Client) Network() types.Network { return c.network }

// Simulate runs the transaction against the cluster without landing it. The
// blockhash is replaced and signatures are not checked, so partially-signed
// transactions simulate cleanly.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("simulation request failed: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("empty simulation response")
	}
	return &SimulationResult{
		Err:  out.Value.Err,
		Logs: out.Value.Logs,
	}, nil
}

// Send broadcasts a fully-signed transaction and returns its signature.
func (c *Client) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// Status fetches the confirmation state of a broadcast signature.
func (c *Client) Status(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return &SignatureStatus{}, nil
	}
	status := out.Value[0]
	confirmed := status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized
	return &SignatureStatus{
		Found:     true,
		Err:       status.Err,
		Confirmed: confirmed,
		Slot:      status.Slot,
	}, nil
}

// BlockhashValid reports whether hash is still within its validity window.
func (c *Client) BlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	out, err := c.rpc.IsBlockhashValid(ctx, hash, rpc.CommitmentConfirmed)
	if err != nil {
		return false, fmt.Errorf("failed to check blockhash validity: %w", err)
	}
	if out == nil {
		return false, fmt.Errorf("empty blockhash validity response")
	}
	return out.Value, nil
}

// MintDecimals reads the decimal count of an SPL mint.
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	out, err := c.rpc.GetTokenSupply(ctx, mint, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get token supply: %w", err)
	}
	if out == nil || out.Value == nil {
		return 0, fmt.Errorf("empty token supply response")
	}
	return out.Value.Decimals, nil
}

// Balance returns addr's lamport balance.
func (c *Client) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, addr, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if out == nil {
		return 0, fmt.Errorf("empty balance response")
	}
	return out.Value, nil
}
