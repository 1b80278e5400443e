package evm

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc6492MagicBytes is the 32-byte magic suffix of ERC-6492 wrapped
// signatures: the two bytes 0x6492 repeated sixteen times.
var erc6492MagicBytes = common.Hex2Bytes(
	"6492649264926492649264926492649264926492649264926492649264926492",
)

// IsERC6492Signature reports whether sig carries the ERC-6492 magic suffix.
func IsERC6492Signature(sig []byte) bool {
	if len(sig) < 32 {
		return false
	}
	return bytes.Equal(sig[len(sig)-32:], erc6492MagicBytes)
}

// UnwrapERC6492Signature extracts the inner signature from an ERC-6492
// envelope: abi.encode((address factory, bytes factoryCalldata, bytes sig))
// followed by the magic suffix. Non-wrapped signatures are returned as-is.
func UnwrapERC6492Signature(sig []byte) ([]byte, error) {
	if !IsERC6492Signature(sig) {
		return sig, nil
	}

	payload := sig[:len(sig)-32]

	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	bytesTy, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, err
	}

	arguments := abi.Arguments{
		{Type: addressTy}, // factory
		{Type: bytesTy},   // factoryCalldata
		{Type: bytesTy},   // originalSignature
	}

	unpacked, err := arguments.Unpack(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed erc6492 envelope: %w", err)
	}
	if len(unpacked) != 3 {
		return nil, fmt.Errorf("malformed erc6492 envelope: expected 3 fields, got %d", len(unpacked))
	}

	inner, ok := unpacked[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("malformed erc6492 envelope: inner signature is not bytes")
	}
	return inner, nil
}
