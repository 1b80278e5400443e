package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	chainevm "github.com/gosuda/x402-gateway/chain/evm"
	"github.com/gosuda/x402-gateway/types"
)

// mockChain is a scriptable Chain for verifier and settler tests.
type mockChain struct {
	mu sync.Mutex

	network types.Network
	chainID *big.Int

	nativeBalances map[common.Address]*big.Int
	tokenBalances  map[common.Address]*big.Int
	pendingNonces  map[common.Address]uint64

	tokenName    string
	tokenVersion string
	metadataErr  error

	sendErrs      []error // consumed per SendTransaction call
	receiptStatus uint64
	receiptErr    error

	sentTxs []*ethTypes.Transaction
}

func newMockChain() *mockChain {
	return &mockChain{
		network:        types.NetworkBaseSepolia,
		chainID:        big.NewInt(84532),
		nativeBalances: map[common.Address]*big.Int{},
		tokenBalances:  map[common.Address]*big.Int{},
		pendingNonces:  map[common.Address]uint64{},
		tokenName:      "USDC",
		tokenVersion:   "2",
		receiptStatus:  ethTypes.ReceiptStatusSuccessful,
	}
}

func (m *mockChain) Network() types.Network { return m.network }
func (m *mockChain) ChainID() *big.Int      { return new(big.Int).Set(m.chainID) }

func (m *mockChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.nativeBalances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(1e18), nil
}

func (m *mockChain) PendingNonce(_ context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingNonces[addr], nil
}

func (m *mockChain) TokenName(context.Context, common.Address) (string, error) {
	if m.metadataErr != nil {
		return "", m.metadataErr
	}
	return m.tokenName, nil
}

func (m *mockChain) TokenVersion(context.Context, common.Address) (string, error) {
	if m.metadataErr != nil {
		return "", m.metadataErr
	}
	return m.tokenVersion, nil
}

func (m *mockChain) TokenBalance(_ context.Context, _ common.Address, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.tokenBalances[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *mockChain) PackTransferWithAuthorization(auth *types.ExactEvmAuthorization, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, errors.New("invalid signature length")
	}
	return []byte(strings.ToLower(auth.From + auth.To)), nil
}

func (m *mockChain) NewTransferTx(_ context.Context, nonce uint64, asset common.Address, calldata []byte) (*ethTypes.Transaction, error) {
	return ethTypes.NewTx(&ethTypes.DynamicFeeTx{
		ChainID:   m.chainID,
		Nonce:     nonce,
		To:        &asset,
		Gas:       chainevm.TransferGasLimit,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Data:      calldata,
	}), nil
}

func (m *mockChain) SendTransaction(_ context.Context, tx *ethTypes.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockChain) WaitReceipt(_ context.Context, hash common.Hash) (*chainevm.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return &chainevm.Receipt{
		Status:      m.receiptStatus,
		BlockNumber: 1,
		TxHash:      hash.Hex(),
	}, nil
}

var _ Chain = (*mockChain)(nil)
