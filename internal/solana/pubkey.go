// Package solana adapts github.com/gagliardetto/solana-go to the swap builder: addresses,
// instruction helpers, legacy transaction compilation and the RPC calls the service makes.
package solana

import (
	"fmt"

	sol "github.com/gagliardetto/solana-go"
)

// PublicKey is an account address.
type PublicKey = sol.PublicKey

// Well-known programs.
var (
	SystemProgram          = sol.SystemProgramID
	TokenProgram           = sol.TokenProgramID
	Token2022Program       = MustPublicKey("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenProgram = sol.SPLAssociatedTokenAccountProgramID
	ComputeBudgetProgram   = MustPublicKey("ComputeBudget111111111111111111111111111111")
	NativeMint             = MustPublicKey("So11111111111111111111111111111111111111112")
)

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	pk, err := sol.PublicKeyFromBase58(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("public key %q: %w", s, err)
	}
	return pk, nil
}

// MustPublicKey is ParsePublicKey for constants.
func MustPublicKey(s string) PublicKey { return sol.MustPublicKeyFromBase58(s) }

// AssociatedTokenAddress derives the canonical token account of owner for mint under tokenProgram.
// Token-2022 mints need their own program in the seeds, so the classic-only helper is not used.
func AssociatedTokenAddress(owner, mint, tokenProgram PublicKey) (PublicKey, error) {
	pk, _, err := sol.FindProgramAddress([][]byte{owner[:], tokenProgram[:], mint[:]}, AssociatedTokenProgram)
	return pk, err
}
