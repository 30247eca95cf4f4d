package solana

import (
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/compute-budget"
)

// Instruction is a program invocation.
type Instruction = sol.Instruction

// AccountMeta references an account from an instruction.
type AccountMeta = sol.AccountMeta

// NewInstruction wraps raw instruction parts.
func NewInstruction(programID PublicKey, accounts []*AccountMeta, data []byte) Instruction {
	return sol.NewInstruction(programID, accounts, data)
}

// SetComputeUnitLimit caps the compute the transaction may use.
func SetComputeUnitLimit(units uint32) Instruction {
	return computebudget.NewSetComputeUnitLimitInstruction(units).Build()
}

// SetComputeUnitPrice sets the priority fee in micro-lamports per compute unit.
func SetComputeUnitPrice(microLamports uint64) Instruction {
	return computebudget.NewSetComputeUnitPriceInstruction(microLamports).Build()
}

// BudgetKind tells compute budget instructions apart.
type BudgetKind int

const (
	BudgetUnitLimit BudgetKind = iota + 1
	BudgetUnitPrice
)

// ParseComputeBudget reads a unit limit or unit price instruction.
func ParseComputeBudget(ix Instruction) (BudgetKind, uint64, bool) {
	if ix.ProgramID() != ComputeBudgetProgram {
		return 0, 0, false
	}
	data, err := ix.Data()
	if err != nil || len(data) == 0 {
		return 0, 0, false
	}
	dec, err := computebudget.DecodeInstruction(ix.Accounts(), data)
	if err != nil {
		return 0, 0, false
	}
	switch v := dec.Impl.(type) {
	case *computebudget.SetComputeUnitLimit:
		return BudgetUnitLimit, uint64(v.Units), true
	case *computebudget.SetComputeUnitPrice:
		return BudgetUnitPrice, v.MicroLamports, true
	}
	return 0, 0, false
}

// CreateAssociatedTokenAccountIdempotent creates ata for owner and mint unless it exists.
// The associated-token-account package only builds the failing Create for the classic
// token program, so the idempotent variant is assembled here.
func CreateAssociatedTokenAccountIdempotent(payer, ata, owner, mint, tokenProgram PublicKey) Instruction {
	return NewInstruction(AssociatedTokenProgram, []*AccountMeta{
		sol.Meta(payer).WRITE().SIGNER(),
		sol.Meta(ata).WRITE(),
		sol.Meta(owner),
		sol.Meta(mint),
		sol.Meta(SystemProgram),
		sol.Meta(tokenProgram),
	}, []byte{1})
}
