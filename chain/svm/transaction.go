// Package svm implements the SVM chain port with gagliardetto/solana-go:
// base64 transaction decode, instruction introspection for the exact payment
// shape, fee-payer substitution and partial signing, plus the RPC surface
// for simulation, broadcast and confirmation.
package svm

import (
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Instruction-shape sentinel errors. Shape violations are distinguished from
// other structural problems because they map to different response reasons.
var (
	ErrInstructionShape = errors.New("unexpected instruction sequence")
	ErrMalformed        = errors.New("malformed transaction")
)

// Compute budget instruction discriminators.
const (
	computeBudgetSetUnitLimit = 2
	computeBudgetSetUnitPrice = 3
)

// TransferDetails is the introspected SPL TransferChecked at the tail of an
// exact payment transaction.
type TransferDetails struct {
	Mint        solana.PublicKey
	Source      solana.PublicKey
	Destination solana.PublicKey
	Authority   solana.PublicKey
	Amount      uint64
	Decimals    uint8

	// CreatesRecipientATA is set when the transaction carries an
	// associated-token-account create for the recipient ahead of the transfer.
	CreatesRecipientATA bool
}

// DecodeTransaction parses a base64-serialized SVM transaction.
func DecodeTransaction(b64 string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tx, nil
}

// EncodeTransaction serializes a transaction back to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	return tx.ToBase64()
}

// ParseTransfer validates the instruction sequence of an exact payment
// transaction and extracts the transfer. The sequence must be, in order, a
// prefix of [SetComputeUnitLimit, SetComputeUnitPrice, CreateATA,
// TransferChecked], with exactly one TransferChecked in the final slot.
func ParseTransfer(tx *solana.Transaction) (*TransferDetails, error) {
	instructions := tx.Message.Instructions
	if len(instructions) == 0 || len(instructions) > 4 {
		return nil, ErrInstructionShape
	}

	// Stages: 0 unit-limit, 1 unit-price, 2 ata-create, 3 transfer-checked.
	stage := 0
	var details *TransferDetails

	for i, inst := range instructions {
		progID, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("%w: unresolvable program index", ErrMalformed)
		}
		last := i == len(instructions)-1

		switch {
		case progID.Equals(solana.ComputeBudget):
			if last {
				// The transfer must terminate the sequence.
				return nil, ErrInstructionShape
			}
			disc := computeBudgetDiscriminator(inst.Data)
			switch {
			case disc == computeBudgetSetUnitLimit && stage < 1:
				if err := decodeComputeBudget(tx, inst); err != nil {
					return nil, err
				}
				stage = 1
			case disc == computeBudgetSetUnitPrice && stage < 2:
				if err := decodeComputeBudget(tx, inst); err != nil {
					return nil, err
				}
				stage = 2
			default:
				return nil, ErrInstructionShape
			}

		case progID.Equals(solana.SPLAssociatedTokenAccountProgramID):
			if last || stage > 2 {
				return nil, ErrInstructionShape
			}
			stage = 3

		case progID.Equals(solana.TokenProgramID) || progID.Equals(solana.Token2022ProgramID):
			if !last || details != nil {
				return nil, ErrInstructionShape
			}
			details, err = decodeTransferChecked(tx, inst)
			if err != nil {
				return nil, err
			}
			details.CreatesRecipientATA = stage == 3

		default:
			return nil, ErrInstructionShape
		}
	}

	if details == nil {
		return nil, ErrInstructionShape
	}
	return details, nil
}

func computeBudgetDiscriminator(data []byte) int {
	if len(data) < 1 {
		return -1
	}
	return int(data[0])
}

func decodeComputeBudget(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return ErrInstructionShape
	}
	if _, err := computebudget.DecodeInstruction(accounts, inst.Data); err != nil {
		return ErrInstructionShape
	}
	return nil
}

func decodeTransferChecked(tx *solana.Transaction, inst solana.CompiledInstruction) (*TransferDetails, error) {
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: unresolvable transfer accounts", ErrMalformed)
	}
	// Only TransferChecked may fill the transfer slot; any other token
	// instruction is a shape violation whatever its account count.
	if len(inst.Data) == 0 || inst.Data[0] != token.Instruction_TransferChecked {
		return nil, ErrInstructionShape
	}
	// TransferChecked accounts: [source, mint, destination, authority, ...].
	if len(accounts) < 4 {
		return nil, fmt.Errorf("%w: transfer instruction account count", ErrMalformed)
	}

	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable token instruction", ErrMalformed)
	}
	transfer, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return nil, ErrInstructionShape
	}
	if transfer.Amount == nil || transfer.Decimals == nil {
		return nil, fmt.Errorf("%w: transfer missing amount", ErrMalformed)
	}

	return &TransferDetails{
		Source:      accounts[0].PublicKey,
		Mint:        accounts[1].PublicKey,
		Destination: accounts[2].PublicKey,
		Authority:   accounts[3].PublicKey,
		Amount:      *transfer.Amount,
		Decimals:    *transfer.Decimals,
	}, nil
}

// RecipientATA derives the associated token account holding mint for owner.
func RecipientATA(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token address: %w", err)
	}
	return ata, nil
}

// SetFeePayer substitutes payer into the transaction's fee-payer slot
// (account index 0). Any stale signature in that slot is cleared.
func SetFeePayer(tx *solana.Transaction, payer solana.PublicKey) {
	if len(tx.Message.AccountKeys) == 0 {
		return
	}
	if tx.Message.AccountKeys[0].Equals(payer) {
		return
	}
	tx.Message.AccountKeys[0] = payer
	if len(tx.Signatures) > 0 {
		tx.Signatures[0] = solana.Signature{}
	}
}

// PartialSign adds key's signature over the current message bytes at the
// signer's account index, preserving any other signatures.
func PartialSign(tx *solana.Transaction, key solana.PrivateKey) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := key.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(key.PublicKey())
	if err != nil {
		return fmt.Errorf("signer not present in transaction: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, accountIndex+1)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature

	return nil
}

// FindPayer returns the first required signer that is not the fee payer, or
// the fee payer itself when it is the only signer.
func FindPayer(tx *solana.Transaction, feePayer solana.PublicKey) solana.PublicKey {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if required > len(tx.Message.AccountKeys) {
		required = len(tx.Message.AccountKeys)
	}
	for i := 0; i < required; i++ {
		if !tx.Message.AccountKeys[i].Equals(feePayer) {
			return tx.Message.AccountKeys[i]
		}
	}
	if len(tx.Message.AccountKeys) > 0 {
		return tx.Message.AccountKeys[0]
	}
	return solana.PublicKey{}
}
