// Package evm implements the EVM chain port on top of go-ethereum's RPC
// client: balance and nonce queries, ERC-20 metadata reads, transaction
// construction for ERC-3009 transferWithAuthorization, broadcast and receipt
// waits, and EIP-712 signature recovery.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/gosuda/x402-gateway/types"
)

// TransferGasLimit bounds a transferWithAuthorization call. ERC-3009
// transfers on USDC-class tokens stay well under this.
const TransferGasLimit = 150_000

// receiptPollInterval is how often WaitReceipt re-queries a pending hash.
const receiptPollInterval = 2 * time.Second

const erc20ReadABI = `[
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"version","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const transferWithAuthorizationABI = `[
	{"name":"transferWithAuthorization","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}
	],"outputs":[]}
]`

// Receipt is the settled view of a mined transaction.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// Client talks to one EVM network over JSON-RPC.
type Client struct {
	eth     *ethclient.Client
	network types.Network
	chainID *big.Int
	zkStack bool

	erc20ABI    abi.ABI
	transferABI abi.ABI
}

// Dial connects to an EVM RPC endpoint and validates that the node's chain
// id matches the configured network.
func Dial(ctx context.Context, network types.Network, rpcURL string) (*Client, error) {
	cfg, ok := types.GetNetworkConfig(network)
	if !ok || !types.IsEVMNetwork(network) {
		return nil, fmt.Errorf("unknown evm network: %s", network)
	}
	if rpcURL == "" {
		rpcURL = cfg.DefaultRPC
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	chainID, err := eth.ChainID(dialCtx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	if chainID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("chain id mismatch for %s: expected %d, got %d", network, cfg.ChainID, chainID.Int64())
	}

	return newClient(eth, network, chainID, cfg.ZkStack)
}

func newClient(eth *ethclient.Client, network types.Network, chainID *big.Int, zkStack bool) (*Client, error) {
	erc20, err := abi.JSON(strings.NewReader(erc20ReadABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 ABI: %w", err)
	}
	transfer, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transferWithAuthorization ABI: %w", err)
	}
	return &Client{
		eth:         eth,
		network:     network,
		chainID:     chainID,
		zkStack:     zkStack,
		erc20ABI:    erc20,
		transferABI: transfer,
	}, nil
}

// Network returns the network this client is connected to.
func (c *Client) Network() types.Network { return c.network }

// ChainID returns the connected network's chain id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// NativeBalance returns addr's native-token balance in wei.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// PendingNonce returns addr's transaction count at the pending tag.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	return nonce, nil
}

// TokenName reads the ERC-20 name() of token.
func (c *Client) TokenName(ctx context.Context, token common.Address) (string, error) {
	return c.readString(ctx, token, "name")
}

// TokenVersion reads the EIP-712 version() of token. Not all tokens expose
// it; the verifier calls it only when the requirements carry no version.
func (c *Client) TokenVersion(ctx context.Context, token common.Address) (string, error) {
	return c.readString(ctx, token, "version")
}

func (c *Client) readString(ctx context.Context, token common.Address, method string) (string, error) {
	data, err := c.erc20ABI.Pack(method)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", method, err)
	}
	unpacked, err := c.erc20ABI.Methods[method].Outputs.Unpack(result)
	if err != nil || len(unpacked) != 1 {
		return "", fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	s, ok := unpacked[0].(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T, want string", method, unpacked[0])
	}
	return s, nil
}

// TokenBalance reads balanceOf(owner) on token.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := c.erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	if len(result) < 32 {
		return nil, fmt.Errorf("invalid balanceOf response")
	}
	return new(big.Int).SetBytes(result), nil
}

// PackTransferWithAuthorization builds the transferWithAuthorization call
// data for an authorization and its 65-byte signature split into v/r/s.
func (c *Client) PackTransferWithAuthorization(auth *types.ExactEvmAuthorization, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	value, err := types.ParseUint256(auth.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization value: %w", err)
	}
	validAfter, err := types.ParseUint256(auth.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid validAfter: %w", err)
	}
	validBefore, err := types.ParseUint256(auth.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("invalid validBefore: %w", err)
	}
	nonce, err := HexToBytes32(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization nonce: %w", err)
	}

	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	return c.transferABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		s,
	)
}

// NewTransferTx assembles an unsigned transaction carrying calldata to the
// asset contract. zkStack chains get legacy gas-priced transactions; all
// others use dynamic fees.
func (c *Client) NewTransferTx(ctx context.Context, nonce uint64, asset common.Address, calldata []byte) (*ethTypes.Transaction, error) {
	if c.zkStack {
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return ethTypes.NewTx(&ethTypes.LegacyTx{
			Nonce:    nonce,
			To:       &asset,
			Value:    big.NewInt(0),
			Gas:      TransferGasLimit,
			GasPrice: gasPrice,
			Data:     calldata,
		}), nil
	}

	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}
	if head.BaseFee == nil {
		// Chain without EIP-1559 fee market.
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return ethTypes.NewTx(&ethTypes.LegacyTx{
			Nonce:    nonce,
			To:       &asset,
			Value:    big.NewInt(0),
			Gas:      TransferGasLimit,
			GasPrice: gasPrice,
			Data:     calldata,
		}), nil
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return ethTypes.NewTx(&ethTypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		To:        &asset,
		Value:     big.NewInt(0),
		Gas:       TransferGasLimit,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Data:      calldata,
	}), nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *ethTypes.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}

// WaitReceipt polls for the receipt of hash until it lands or ctx expires.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return &Receipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
