package solana

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
)

const (
	// MaxTransactionSize is the packet limit for a serialized transaction.
	MaxTransactionSize = 1232
	// MaxComputeUnits is the per-transaction compute ceiling.
	MaxComputeUnits = 1_400_000
	// SignatureLen is the size of an ed25519 signature.
	SignatureLen = 64

	maxLegacyAccounts = 256
)

// ErrTooManyAccounts is returned when a legacy message cannot index every account.
var ErrTooManyAccounts = errors.New("too many accounts for a legacy message")

// Transaction is a legacy transaction.
type Transaction = sol.Transaction

// Hash is a recent blockhash.
type Hash = sol.Hash

// CompileTransaction builds a legacy transaction paid by payer with empty signature slots
// and returns it with its wire bytes.
func CompileTransaction(payer PublicKey, blockhash Hash, ixs []Instruction) (*Transaction, []byte, error) {
	tx, err := sol.NewTransaction(ixs, blockhash, sol.TransactionPayer(payer))
	if err != nil {
		return nil, nil, err
	}
	if n := len(tx.Message.AccountKeys); n > maxLegacyAccounts {
		return nil, nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, n)
	}
	tx.Signatures = make([]sol.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return tx, raw, nil
}

// DecodeTransaction parses wire bytes. Trailing bytes are rejected.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	dec := bin.NewBinDecoder(raw)
	tx, err := sol.TransactionFromDecoder(dec)
	if err != nil {
		return nil, err
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", dec.Remaining())
	}
	return tx, nil
}

// EncodeTransaction renders transaction bytes the way RPC nodes accept them.
func EncodeTransaction(raw []byte) string { return base64.StdEncoding.EncodeToString(raw) }

// SignatureCount reports how many of the required signature slots are filled.
// A signature section whose length disagrees with the header counts as unsigned.
func SignatureCount(tx *Transaction) (total, filled int) {
	total = int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) != total {
		return total, 0
	}
	for _, s := range tx.Signatures {
		if s != (sol.Signature{}) {
			filled++
		}
	}
	return total, filled
}
