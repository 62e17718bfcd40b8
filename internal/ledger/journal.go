package ledger

import (
	"fmt"
	gomath "math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeLiquidityIn
	JournalTypeLiquidityOut
	JournalTypeLPMint
	JournalTypeLPBurn
	JournalTypeSwapIn
	JournalTypeSwapOut
	JournalTypeCollateralIn
	JournalTypeCollateralOut
	JournalTypeFeeRoute
	JournalTypeStake
	JournalTypeUnstake
	JournalTypeRewardClaim
	JournalTypeCallerBounty
	JournalTypeLMEmission
	JournalTypeGovernancePower
	JournalTypeProtocolFeeWithdrawal
	JournalTypeBucketMint
	JournalTypeVestClaim
)

var journalTypeNames = map[JournalType]string{
	JournalTypeDeposit:               "deposit",
	JournalTypeWithdrawal:            "withdrawal",
	JournalTypeLiquidityIn:           "liquidity_in",
	JournalTypeLiquidityOut:          "liquidity_out",
	JournalTypeLPMint:                "lp_mint",
	JournalTypeLPBurn:                "lp_burn",
	JournalTypeSwapIn:                "swap_in",
	JournalTypeSwapOut:               "swap_out",
	JournalTypeCollateralIn:          "collateral_in",
	JournalTypeCollateralOut:         "collateral_out",
	JournalTypeFeeRoute:              "fee_route",
	JournalTypeStake:                 "stake",
	JournalTypeUnstake:               "unstake",
	JournalTypeRewardClaim:           "reward_claim",
	JournalTypeCallerBounty:          "caller_bounty",
	JournalTypeLMEmission:            "lm_emission",
	JournalTypeGovernancePower:       "governance_power",
	JournalTypeProtocolFeeWithdrawal: "protocol_fee_withdrawal",
	JournalTypeBucketMint:            "bucket_mint",
	JournalTypeVestClaim:             "vest_claim",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from batch id and index
	BatchID       uuid.UUID   // Groups the entries of one command
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Mint          string      // Token being transferred
	Amount        uint64      // Native token units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (unix seconds)
}

// Batch represents the balanced set of journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every entry moves one positive
// amount from the credit to the debit account, so each entry is balanced by
// construction.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == 0 || j.Amount > gomath.MaxInt64 {
			return fmt.Errorf("journal %s has out-of-range amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Mint != j.Mint || j.CreditAccount.Mint != j.Mint {
			return fmt.Errorf("journal %s moves %s between accounts of another mint", j.JournalID, j.Mint)
		}
	}

	return nil
}
